package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerlink/internal/broker"
	"brokerlink/internal/domain"
)

func TestSyncPositionsProjectsRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	avg := 1490.25

	f.alpaca.positions = []broker.RemotePosition{{InstrumentID: "AAPL", Qty: 10}, {InstrumentID: "TSLA", Qty: 2}}
	f.kite.positions = []broker.RemotePosition{{InstrumentID: "BSE:TCS", Qty: 5, AvgPrice: &avg}}

	positions, err := f.engine.SyncPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, positions, 3)

	tcs, err := f.store.GetInstrument(ctx, "BSE:TCS")
	require.NoError(t, err)
	assert.Equal(t, "TCS", tcs.Symbol)
	assert.Equal(t, "BSE", tcs.Exchange)
	assert.Equal(t, domain.MarketIN, tcs.Market)

	tsla, err := f.store.GetInstrument(ctx, "TSLA")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketUS, tsla.Market)

	// A closed position disappears on the next sync.
	f.alpaca.positions = f.alpaca.positions[:1]
	positions, err = f.engine.SyncPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, positions, 2)
}

func TestAccountSummariesSnapshotAndIsolate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.alpaca.summary = &domain.AccountSummary{Equity: 100000, Cash: 80000, BuyingPower: 200000}

	sums, err := f.engine.AccountSummaries(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrExternal)
	require.Len(t, sums, 1)
	assert.Equal(t, domain.BrokerAlpaca, sums[0].Broker)

	snaps, err := f.engine.Snapshots(ctx, "u1", domain.BrokerAlpaca, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 100000.0, snaps[0].Summary.Equity)
}

func TestSyncPositionsRetriesTransientListFailure(t *testing.T) {
	f := newFixture(t)
	f.kite.listFailures = []error{fmt.Errorf("%w: kite: 503", domain.ErrExternal)}
	f.kite.positions = []broker.RemotePosition{{InstrumentID: "BSE:TCS", Qty: 5}}

	positions, err := f.engine.SyncPositions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BSE:TCS", positions[0].InstrumentID)
	assert.Equal(t, 2, f.kite.listCalls)
}
