package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerlink/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

func TestConnectionsUpsertAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetConnection(ctx, "u1", domain.BrokerAlpaca)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.SetConnectionStatus(ctx, "u1", domain.BrokerAlpaca, domain.ConnectionError, t0), domain.ErrNotFound)

	c := &domain.BrokerConnection{UserID: "u1", Broker: domain.BrokerAlpaca, Status: domain.ConnectionConnected,
		Credentials: "sealed-1", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.UpsertConnection(ctx, c))

	later := t0.Add(time.Hour)
	c2 := &domain.BrokerConnection{UserID: "u1", Broker: domain.BrokerAlpaca, Status: domain.ConnectionConnected,
		Credentials: "sealed-2", CreatedAt: later, UpdatedAt: later}
	require.NoError(t, s.UpsertConnection(ctx, c2))

	got, err := s.GetConnection(ctx, "u1", domain.BrokerAlpaca)
	require.NoError(t, err)
	assert.Equal(t, "sealed-2", got.Credentials)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, later, got.UpdatedAt)

	require.NoError(t, s.SetConnectionStatus(ctx, "u1", domain.BrokerAlpaca, domain.ConnectionError, later))
	require.NoError(t, s.UpsertConnection(ctx, &domain.BrokerConnection{UserID: "u2", Broker: domain.BrokerZerodha,
		Status: domain.ConnectionConnected, Credentials: "x", CreatedAt: t0, UpdatedAt: t0}))

	mine, err := s.ListConnections(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, domain.ConnectionError, mine[0].Status)

	all, err := s.ListConnections(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInstruments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := &domain.Instrument{ID: "NSE:INFY", Symbol: "INFY", Market: domain.MarketIN, Exchange: "NSE",
		Metadata: map[string]string{"instrumentToken": "408065"}}
	require.NoError(t, s.UpsertInstrument(ctx, inst))

	// EnsureInstrument must not overwrite metadata.
	require.NoError(t, s.EnsureInstrument(ctx, &domain.Instrument{ID: "NSE:INFY", Symbol: "INFY", Market: domain.MarketIN}))

	got, err := s.GetInstrument(ctx, "NSE:INFY")
	require.NoError(t, err)
	assert.Equal(t, "408065", got.Metadata["instrumentToken"])
	assert.Equal(t, domain.MarketIN, got.Market)

	_, err = s.GetInstrument(ctx, "AAPL")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrdersLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	price := 101.5
	o := &domain.Order{ID: "o1", UserID: "u1", Broker: domain.BrokerAlpaca, InstrumentID: "AAPL",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 2, LimitPrice: &price,
		Status: domain.OrderStatusPending, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.CreateOrder(ctx, o))

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, got.ExternalID)
	assert.Nil(t, got.RawPayload)
	require.NotNil(t, got.LimitPrice)
	assert.Equal(t, 101.5, *got.LimitPrice)

	o.ExternalID = "ext-1"
	o.Status = domain.OrderStatusAccepted
	o.RawPayload = json.RawMessage(`{"status":"new"}`)
	o.UpdatedAt = t0.Add(time.Second)
	require.NoError(t, s.UpdateOrder(ctx, o))

	found, err := s.FindOrderByExternalID(ctx, "u1", domain.BrokerAlpaca, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "o1", found.ID)
	assert.Equal(t, domain.OrderStatusAccepted, found.Status)
	assert.JSONEq(t, `{"status":"new"}`, string(found.RawPayload))

	_, err = s.FindOrderByExternalID(ctx, "u2", domain.BrokerAlpaca, "ext-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.CreateOrder(ctx, &domain.Order{ID: "o2", UserID: "u1", Broker: domain.BrokerAlpaca,
		InstrumentID: "MSFT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: 1,
		Status: domain.OrderStatusPending, CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute)}))

	list, err := s.ListOrders(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "o2", list[0].ID)

	assert.ErrorIs(t, s.UpdateOrder(ctx, &domain.Order{ID: "missing"}), domain.ErrNotFound)
}

func TestAdvanceOrderIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &domain.Order{ID: "o1", UserID: "u1", Broker: domain.BrokerAlpaca, InstrumentID: "AAPL",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1, ExternalID: "ext-1",
		Status: domain.OrderStatusAccepted, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.CreateOrder(ctx, o))

	canceled := *o
	canceled.Status = domain.OrderStatusCanceled
	ok, err := s.AdvanceOrder(ctx, &canceled, domain.OrderStatusAccepted)
	require.NoError(t, err)
	assert.True(t, ok)

	// A writer that read ACCEPTED earlier loses.
	partial := *o
	partial.Status = domain.OrderStatusPartiallyFilled
	ok, err = s.AdvanceOrder(ctx, &partial, domain.OrderStatusAccepted)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)

	ok, err = s.AdvanceOrder(ctx, &domain.Order{ID: "missing"}, domain.OrderStatusPending)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPositionsProjection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	avg := 10.0
	for _, id := range []string{"AAPL", "MSFT", "TSLA"} {
		require.NoError(t, s.UpsertPosition(ctx, &domain.Position{UserID: "u1", Broker: domain.BrokerAlpaca,
			InstrumentID: id, Qty: 1, AvgPrice: &avg, UpdatedAt: t0}))
	}
	require.NoError(t, s.UpsertPosition(ctx, &domain.Position{UserID: "u1", Broker: domain.BrokerAlpaca,
		InstrumentID: "AAPL", Qty: 5, UpdatedAt: t0}))

	n, err := s.DeletePositionsExcept(ctx, "u1", domain.BrokerAlpaca, []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := s.ListPositions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 5.0, list[0].Qty)
	assert.Nil(t, list[0].AvgPrice)

	n, err = s.DeletePositionsExcept(ctx, "u1", domain.BrokerAlpaca, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAccountSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveAccountSnapshot(ctx, &domain.AccountSnapshot{
			UserID:  "u1",
			Summary: domain.AccountSummary{Broker: domain.BrokerAlpaca, Equity: float64(100 + i)},
			TakenAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	snaps, err := s.ListAccountSnapshots(ctx, "u1", domain.BrokerAlpaca, 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 102.0, snaps[0].Summary.Equity)
	assert.Equal(t, domain.BrokerAlpaca, snaps[0].Summary.Broker)
}

func testCandles(id string, n int) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		px := 100 + float64(i)
		out[i] = domain.Candle{InstrumentID: id, Timeframe: domain.Timeframe15m,
			Time: t0.Add(time.Duration(i) * 15 * time.Minute), Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 1000}
	}
	return out
}

func TestCandleIngestionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	candles := testCandles("AAPL", 5)

	n, err := s.InsertCandles(ctx, candles)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = s.InsertCandles(ctx, candles)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.ReadCandles(ctx, "AAPL", domain.Timeframe15m, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 5)

	latest, err := s.LatestCandle(ctx, "AAPL", domain.Timeframe15m)
	require.NoError(t, err)
	assert.Equal(t, 104.0, latest.Close)

	last, err := s.LastCandles(ctx, "AAPL", domain.Timeframe15m, 3)
	require.NoError(t, err)
	require.Len(t, last, 3)
	assert.Equal(t, 102.0, last[0].Close)
	assert.Equal(t, 104.0, last[2].Close)

	_, err = s.LatestCandle(ctx, "AAPL", domain.Timeframe1h)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRulesAndEventDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &domain.AlertRule{ID: "r1", UserID: "u1", InstrumentID: "AAPL", Kind: domain.RulePriceAbove,
		Params: map[string]any{"threshold": 100}, Enabled: true, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.CreateRule(ctx, r))
	require.NoError(t, s.CreateRule(ctx, &domain.AlertRule{ID: "r2", UserID: "u2", InstrumentID: "AAPL",
		Kind: domain.RuleRSIOversold, Enabled: true, CreatedAt: t0, UpdatedAt: t0}))

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Params["threshold"])
	assert.True(t, got.Enabled)

	enabled, err := s.ListEnabledRules(ctx, "", 500)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	require.NoError(t, s.SetRuleEnabled(ctx, "r2", false, t0))
	enabled, err = s.ListEnabledRules(ctx, "", 500)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "r1", enabled[0].ID)

	scoped, err := s.ListEnabledRules(ctx, "u2", 500)
	require.NoError(t, err)
	assert.Empty(t, scoped)

	ev := func(id string, at time.Time) *domain.AlertEvent {
		return &domain.AlertEvent{ID: id, RuleID: "r1", Payload: map[string]any{"type": "PRICE_ABOVE"}, TriggeredAt: at}
	}
	ok, err := s.InsertEventUnlessRecent(ctx, ev("e1", t0), t0.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertEventUnlessRecent(ctx, ev("e2", t0.Add(time.Minute)), t0.Add(-4*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.InsertEventUnlessRecent(ctx, ev("e3", t0.Add(6*time.Minute)), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.CountEventsSince(ctx, "r1", t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	inbox, err := s.ListEventsForUser(ctx, "u1", 50)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "e3", inbox[0].ID)
	assert.Equal(t, "PRICE_ABOVE", inbox[0].Payload["type"])

	other, err := s.ListEventsForUser(ctx, "u2", 50)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, tok := range []string{"ExponentPushToken[a]", "ExponentPushToken[b]"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.UpsertDevice(ctx, &domain.Device{UserID: "u1", Token: tok, Platform: "ios", CreatedAt: at, UpdatedAt: at}))
	}
	require.NoError(t, s.UpsertDevice(ctx, &domain.Device{UserID: "u1", Token: "ExponentPushToken[a]", Platform: "android",
		CreatedAt: t0.Add(time.Hour), UpdatedAt: t0.Add(time.Hour)}))

	devices, err := s.ListDevices(ctx, "u1", 30)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "ExponentPushToken[a]", devices[0].Token)
	assert.Equal(t, "android", devices[0].Platform)
	assert.Equal(t, t0, devices[0].CreatedAt)

	capped, err := s.ListDevices(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, capped, 1)

	require.NoError(t, s.DeleteDevice(ctx, "u1", "ExponentPushToken[b]"))
	assert.ErrorIs(t, s.DeleteDevice(ctx, "u1", "ExponentPushToken[b]"), domain.ErrNotFound)
}

func TestFailedJobsMsgpackAndTrim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, s.SaveFailedJob(ctx, &domain.FailedJob{
			ID:           id,
			Notification: domain.Notification{UserID: "u1", Title: "PRICE_ABOVE triggered", Data: map[string]any{"eventId": "e1"}},
			Attempts:     3,
			Error:        "gateway returned 500",
			FailedAt:     t0.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.TrimFailedJobs(ctx, 2))

	jobs, err := s.ListFailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j3", jobs[0].ID)
	assert.Equal(t, 3, jobs[0].Attempts)
	assert.Equal(t, "PRICE_ABOVE triggered", jobs[0].Notification.Title)
	assert.Equal(t, "e1", jobs[0].Notification.Data["eventId"])
	assert.True(t, jobs[0].FailedAt.Equal(t0.Add(2*time.Second)))
}

func TestCandleArchivePathAndMerge(t *testing.T) {
	a := NewCandleArchive("/data")
	path, err := a.path("NSE:INFY", domain.Timeframe15m, 2024)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "15m", "NSE_INFY", "2024.parquet"), path)

	dir := t.TempDir()
	a = NewCandleArchive(dir)
	ctx := context.Background()
	candles := testCandles("AAPL", 4)

	require.NoError(t, a.Write(ctx, candles[:3]))
	require.NoError(t, a.Write(ctx, candles[1:]))

	got, err := a.Read(ctx, "AAPL", domain.Timeframe15m, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, c := range got {
		assert.True(t, c.Time.Equal(candles[i].Time))
		assert.Equal(t, candles[i].Close, c.Close)
	}

	empty, err := a.Read(ctx, "MSFT", domain.Timeframe15m, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCandleArchiveKeepsPathsInsideDataDir(t *testing.T) {
	a := NewCandleArchive("/data")

	path, err := a.path("../../etc/passwd", domain.Timeframe15m, 2024)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "15m", ".._.._ETC_PASSWD", "2024.parquet"), path)

	path, err = a.path(`..\x`, domain.Timeframe15m, 2024)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "15m", ".._X", "2024.parquet"), path)

	for _, id := range []string{"..", ".", ""} {
		_, err := a.path(id, domain.Timeframe15m, 2024)
		assert.ErrorIs(t, err, domain.ErrValidation, "id %q", id)
	}
	_, err = a.path("AAPL", domain.Timeframe(".."), 2024)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = a.Read(context.Background(), "..", domain.Timeframe15m, t0, t0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCandleArchiveConcurrentWritesKeepEveryBar(t *testing.T) {
	a := NewCandleArchive(t.TempDir())
	ctx := context.Background()
	candles := testCandles("AAPL", 20)

	var wg sync.WaitGroup
	for i := range candles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Write(ctx, candles[i:i+1]))
		}()
	}
	wg.Wait()

	got, err := a.Read(ctx, "AAPL", domain.Timeframe15m, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 20)
	for i, c := range got {
		assert.True(t, c.Time.Equal(candles[i].Time))
	}

	leftovers, err := filepath.Glob(filepath.Join(a.DataDir, "15m", "AAPL", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
