package engine

import (
	"context"
	"encoding/json"
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

// fakeBroker is a scripted venue that counts calls.
type fakeBroker struct {
	broker.Broker // unimplemented methods panic

	mu          sync.Mutex
	kind        domain.BrokerKind
	placeResult *broker.PlaceOrderResult
	placeErr    error
	placeCalls  int
	cancelCalls int
	onCancel    func() // runs after the venue accepts a cancel
	orders      []broker.RemoteOrder
	ordersErr   error
	positions   []broker.RemotePosition
	summary     *domain.AccountSummary

	listFailures []error // returned by successive list calls before the scripted result
	listCalls    int
}

func (f *fakeBroker) Kind() domain.BrokerKind { return f.kind }

func (f *fakeBroker) PlaceOrder(_ context.Context, _ broker.PlaceOrderRequest) (*broker.PlaceOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	return f.placeResult, f.placeErr
}

func (f *fakeBroker) CancelOrder(_ context.Context, _ string) error {
	f.mu.Lock()
	f.cancelCalls++
	hook := f.onCancel
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeBroker) ListOrders(_ context.Context, _ broker.OrderFilter) ([]broker.RemoteOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	return f.orders, f.ordersErr
}

func (f *fakeBroker) ListPositions(_ context.Context) ([]broker.RemotePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	return f.positions, nil
}

// nextFailure pops the next scripted list failure. Callers hold f.mu.
func (f *fakeBroker) nextFailure() error {
	if len(f.listFailures) == 0 {
		return nil
	}
	err := f.listFailures[0]
	f.listFailures = f.listFailures[1:]
	return err
}

func (f *fakeBroker) GetAccountSummary(_ context.Context) (*domain.AccountSummary, error) {
	if f.summary == nil {
		return nil, fmt.Errorf("%w: margins unavailable", domain.ErrExternal)
	}
	s := *f.summary
	return &s, nil
}

// fakeConns maps (user, broker) to adapters.
type fakeConns struct {
	adapters map[string]*fakeBroker
}

func connKey(user string, kind domain.BrokerKind) string { return user + "/" + string(kind) }

func (c *fakeConns) Adapter(_ context.Context, userID string, kind domain.BrokerKind) (broker.Broker, error) {
	b, ok := c.adapters[connKey(userID, kind)]
	if !ok {
		return nil, fmt.Errorf("%w: no %s connection", domain.ErrNotFound, kind)
	}
	return b, nil
}

func (c *fakeConns) Connected(_ context.Context, userID string) ([]domain.BrokerConnection, error) {
	var out []domain.BrokerConnection
	for _, k := range []domain.BrokerKind{domain.BrokerAlpaca, domain.BrokerZerodha} {
		for _, u := range []string{"u1", "u2"} {
			if userID != "" && u != userID {
				continue
			}
			if _, ok := c.adapters[connKey(u, k)]; ok {
				out = append(out, domain.BrokerConnection{UserID: u, Broker: k, Status: domain.ConnectionConnected})
			}
		}
	}
	return out, nil
}

type fixture struct {
	engine *Engine
	store  *store.SQLiteStore
	alpaca *fakeBroker
	kite   *fakeBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertInstrument(ctx, &domain.Instrument{ID: "AAPL", Symbol: "AAPL", Market: domain.MarketUS}))
	require.NoError(t, st.UpsertInstrument(ctx, &domain.Instrument{ID: "NSE:INFY", Symbol: "INFY", Market: domain.MarketIN, Exchange: "NSE"}))

	alpaca := &fakeBroker{kind: domain.BrokerAlpaca, placeResult: &broker.PlaceOrderResult{ExternalID: "alp-1", Status: "new", Raw: json.RawMessage(`{"id":"alp-1"}`)}}
	kite := &fakeBroker{kind: domain.BrokerZerodha, placeResult: &broker.PlaceOrderResult{ExternalID: "kite-1", Status: "success"}}
	conns := &fakeConns{adapters: map[string]*fakeBroker{
		connKey("u1", domain.BrokerAlpaca):  alpaca,
		connKey("u1", domain.BrokerZerodha): kite,
	}}

	clock := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	e := NewEngine(conns, st, NewRiskManager(st, 50000), zerolog.Nop(), Options{
		ReadBackoff: time.Millisecond,
		Now:         func() time.Time { clock = clock.Add(time.Second); return clock },
	})
	return &fixture{engine: e, store: st, alpaca: alpaca, kite: kite}
}

func limitReq(price *float64) *OrderRequest {
	return &OrderRequest{UserID: "u1", Broker: domain.BrokerAlpaca, InstrumentID: "AAPL",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 1, LimitPrice: price}
}

func TestPlaceOrderAccepted(t *testing.T) {
	f := newFixture(t)
	price := 190.0

	order, err := f.engine.PlaceOrder(context.Background(), limitReq(&price))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, order.Status)
	assert.Equal(t, "alp-1", order.ExternalID)

	stored, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, stored.Status)
	assert.JSONEq(t, `{"id":"alp-1"}`, string(stored.RawPayload))
}

func TestPlaceOrderUnmappedStatusDefaultsToAccepted(t *testing.T) {
	f := newFixture(t)
	order, err := f.engine.PlaceOrder(context.Background(), &OrderRequest{UserID: "u1", Broker: domain.BrokerZerodha,
		InstrumentID: "NSE:INFY", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, order.Status)
	assert.Equal(t, "kite-1", order.ExternalID)
}

func TestPlaceLimitWithoutPriceIsConflictBeforeVenue(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.PlaceOrder(context.Background(), limitReq(nil))
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Zero(t, f.alpaca.placeCalls)

	orders, err := f.store.ListOrders(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceOrderPreTradeChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	price := 100.0

	tests := []struct {
		name string
		req  *OrderRequest
		want error
	}{
		{"zero qty", &OrderRequest{UserID: "u1", Broker: domain.BrokerAlpaca, InstrumentID: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket}, domain.ErrValidation},
		{"bad side", &OrderRequest{UserID: "u1", Broker: domain.BrokerAlpaca, InstrumentID: "AAPL", Side: "HOLD", Type: domain.OrderTypeMarket, Qty: 1}, domain.ErrValidation},
		{"unknown broker", &OrderRequest{UserID: "u1", Broker: "IBKR", InstrumentID: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1}, domain.ErrValidation},
		{"unknown instrument", &OrderRequest{UserID: "u1", Broker: domain.BrokerAlpaca, InstrumentID: "ZZZZ", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1}, domain.ErrNotFound},
		{"market mismatch", &OrderRequest{UserID: "u1", Broker: domain.BrokerAlpaca, InstrumentID: "NSE:INFY", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1}, domain.ErrConflict},
		{"notional cap", &OrderRequest{UserID: "u1", Broker: domain.BrokerAlpaca, InstrumentID: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 1000, LimitPrice: &price}, domain.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.PlaceOrder(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, f.alpaca.placeCalls)
}

func TestPlaceOrderVenueFailureRejects(t *testing.T) {
	f := newFixture(t)
	f.alpaca.placeErr = fmt.Errorf("%w: alpaca: insufficient buying power", domain.ErrExternal)
	price := 190.0

	order, err := f.engine.PlaceOrder(context.Background(), limitReq(&price))
	assert.ErrorIs(t, err, domain.ErrExternal)
	require.NotNil(t, order)

	stored, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, stored.Status)
	assert.Empty(t, stored.ExternalID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(stored.RawPayload, &payload))
	assert.Contains(t, payload["error"], "insufficient buying power")
}

func TestCancelTwiceCallsVenueOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	price := 190.0

	order, err := f.engine.PlaceOrder(ctx, limitReq(&price))
	require.NoError(t, err)

	got, err := f.engine.CancelOrder(ctx, "u1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)

	got, err = f.engine.CancelOrder(ctx, "u1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
	assert.Equal(t, 1, f.alpaca.cancelCalls)
}

func TestCancelRequiresExternalIDAndOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.alpaca.placeErr = errors.New("boom")
	price := 190.0

	order, _ := f.engine.PlaceOrder(ctx, limitReq(&price))
	require.NotNil(t, order)

	_, err := f.engine.CancelOrder(ctx, "u1", order.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.engine.CancelOrder(ctx, "u2", order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.GetOrder(ctx, "u2", order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListOrdersNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	price := 190.0
	first, err := f.engine.PlaceOrder(ctx, limitReq(&price))
	require.NoError(t, err)
	second, err := f.engine.PlaceOrder(ctx, limitReq(&price))
	require.NoError(t, err)

	orders, err := f.engine.ListOrders(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)
}
