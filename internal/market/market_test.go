package market

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerlink/internal/broker"
	"brokerlink/internal/domain"
	"brokerlink/internal/store"
)

type fakeVenue struct {
	broker.Broker

	mu         sync.Mutex
	kind       domain.BrokerKind
	prices     map[string]float64
	candles    []domain.Candle
	candleReqs []broker.CandleRequest
}

func (f *fakeVenue) Kind() domain.BrokerKind { return f.kind }

func (f *fakeVenue) GetQuote(_ context.Context, id string) (*domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[id]
	if !ok {
		return nil, fmt.Errorf("%w: no quote for %s", domain.ErrExternal, id)
	}
	return &domain.Quote{InstrumentID: id, Last: p, Time: time.Unix(1700000000, 0).UTC()}, nil
}

func (f *fakeVenue) GetCandles(_ context.Context, req broker.CandleRequest) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candleReqs = append(f.candleReqs, req)
	out := make([]domain.Candle, len(f.candles))
	copy(out, f.candles)
	return out, nil
}

type fakeAdapters map[domain.BrokerKind]*fakeVenue

func (a fakeAdapters) Adapter(_ context.Context, _ string, kind domain.BrokerKind) (broker.Broker, error) {
	v, ok := a[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no %s connection", domain.ErrNotFound, kind)
	}
	return v, nil
}

func newTestService(t *testing.T, archive *store.CandleArchive) (*Service, *store.SQLiteStore, fakeAdapters) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertInstrument(ctx, &domain.Instrument{ID: "AAPL", Symbol: "AAPL", Market: domain.MarketUS}))
	require.NoError(t, st.UpsertInstrument(ctx, &domain.Instrument{ID: "NSE:INFY", Symbol: "INFY", Exchange: "NSE", Market: domain.MarketIN,
		Metadata: map[string]string{MetaInstrumentToken: "408065"}}))
	require.NoError(t, st.UpsertInstrument(ctx, &domain.Instrument{ID: "NSE:TCS", Symbol: "TCS", Exchange: "NSE", Market: domain.MarketIN}))

	adapters := fakeAdapters{
		domain.BrokerAlpaca:  {kind: domain.BrokerAlpaca, prices: map[string]float64{"AAPL": 191.5}},
		domain.BrokerZerodha: {kind: domain.BrokerZerodha, prices: map[string]float64{"NSE:INFY": 1490.2}},
	}
	return NewService(adapters, st, archive, zerolog.Nop()), st, adapters
}

func TestRouteFor(t *testing.T) {
	us := RouteFor(&domain.Instrument{ID: "AAPL", Market: domain.MarketUS})
	assert.Equal(t, Route{Broker: domain.BrokerAlpaca, QuoteID: "AAPL", CandleID: "AAPL"}, us)

	in := RouteFor(&domain.Instrument{ID: "NSE:INFY", Market: domain.MarketIN, Metadata: map[string]string{MetaInstrumentToken: "408065"}})
	assert.Equal(t, Route{Broker: domain.BrokerZerodha, QuoteID: "NSE:INFY", CandleID: "408065"}, in)

	assert.Empty(t, RouteFor(&domain.Instrument{ID: "NSE:TCS", Market: domain.MarketIN}).CandleID)
}

func TestGetQuoteRoutesByMarket(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	q, err := svc.GetQuote(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 191.5, q.Last)

	q, err = svc.GetQuote(ctx, "u1", "NSE:INFY")
	require.NoError(t, err)
	assert.Equal(t, "NSE:INFY", q.InstrumentID)
	assert.Equal(t, 1490.2, q.Last)

	_, err = svc.GetQuote(ctx, "u1", "MSFT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetCandlesStoresAndDeduplicates(t *testing.T) {
	archive := store.NewCandleArchive(t.TempDir())
	svc, st, adapters := newTestService(t, archive)
	ctx := context.Background()

	base := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	adapters[domain.BrokerZerodha].candles = []domain.Candle{
		{InstrumentID: "408065", Time: base.Add(15 * time.Minute), Open: 2, High: 3, Low: 1, Close: 2.5},
		{InstrumentID: "408065", Time: base, Open: 1, High: 2, Low: 1, Close: 1.5},
	}

	from, to := base, base.Add(time.Hour)
	got, err := svc.GetCandles(ctx, "u1", "NSE:INFY", domain.Timeframe15m, from, to)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Time.Before(got[1].Time))
	assert.Equal(t, "NSE:INFY", got[0].InstrumentID)
	assert.Equal(t, "408065", adapters[domain.BrokerZerodha].candleReqs[0].InstrumentID)

	// Fetching the same bars again does not duplicate rows.
	got, err = svc.GetCandles(ctx, "u1", "NSE:INFY", domain.Timeframe15m, from, to)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	latest, err := st.LatestCandle(ctx, "NSE:INFY", domain.Timeframe15m)
	require.NoError(t, err)
	assert.Equal(t, 2.5, latest.Close)

	archived, err := archive.Read(ctx, "NSE:INFY", domain.Timeframe15m, from, to)
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}

func TestGetCandlesErrors(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	now := time.Now()

	_, err := svc.GetCandles(ctx, "u1", "NSE:TCS", domain.Timeframe1d, now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.GetCandles(ctx, "u1", "AAPL", "3m", now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.GetCandles(ctx, "u1", "AAPL", domain.Timeframe1d, now, now.Add(-time.Hour))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestQuoteBatchSkipsFailures(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	quotes := svc.QuoteBatch(context.Background(), "u1", []string{"AAPL", "NSE:TCS", "UNKNOWN", "NSE:INFY"})
	require.Len(t, quotes, 2)
	assert.Equal(t, "AAPL", quotes[0].InstrumentID)
	assert.Equal(t, "NSE:INFY", quotes[1].InstrumentID)
}

type countingSource struct {
	mu    sync.Mutex
	calls int
	ids   []string
	empty bool
}

func (s *countingSource) QuoteBatch(_ context.Context, _ string, ids []string) []domain.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.ids = ids
	if s.empty {
		return nil
	}
	return []domain.Quote{{InstrumentID: ids[0], Last: float64(s.calls)}}
}

func manualTicker() (TickerFunc, chan time.Time) {
	c := make(chan time.Time)
	return func(time.Duration) (<-chan time.Time, func()) { return c, func() {} }, c
}

func TestPollerEmitsImmediatelyAndOnTicks(t *testing.T) {
	src := &countingSource{}
	ticker, tick := manualTicker()
	p := NewPoller(src, 0, ticker)

	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan []domain.Quote, 4)
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, "u1", []string{"AAPL"}, func(q []domain.Quote) error {
			batches <- q
			return nil
		})
	}()

	first := <-batches
	assert.Equal(t, 1.0, first[0].Last)
	tick <- time.Now()
	second := <-batches
	assert.Equal(t, 2.0, second[0].Last)

	cancel()
	assert.NoError(t, <-done)
}

func TestPollerCapsInstrumentsAndStopsOnEmitError(t *testing.T) {
	src := &countingSource{}
	ticker, _ := manualTicker()
	p := NewPoller(src, time.Second, ticker)

	ids := make([]string, 80)
	for i := range ids {
		ids[i] = fmt.Sprintf("SYM%d", i)
	}
	boom := errors.New("socket closed")
	err := p.Run(context.Background(), "u1", ids, func([]domain.Quote) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Len(t, src.ids, MaxQuoteBatch)
}

func TestPollerSkipsEmptyBatches(t *testing.T) {
	src := &countingSource{empty: true}
	ticker, tick := manualTicker()
	p := NewPoller(src, time.Second, ticker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	emitted := false
	go func() {
		done <- p.Run(ctx, "u1", []string{"AAPL"}, func([]domain.Quote) error {
			emitted = true
			return nil
		})
	}()
	tick <- time.Now()
	cancel()
	require.NoError(t, <-done)
	assert.False(t, emitted)
	assert.GreaterOrEqual(t, src.calls, 2)
}
