package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerlink/internal/domain"
)

func newKiteTest(t *testing.T, handler http.HandlerFunc) *KiteBroker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewKiteBroker(KiteCredentials{APIKey: "key", AccessToken: "tok"}, srv.URL, srv.Client(), nil)
}

func TestKiteAuthHeaders(t *testing.T) {
	b := newKiteTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/profile", r.URL.Path)
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		assert.Equal(t, "token key:tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234"}}`))
	})
	require.NoError(t, b.ValidateConnection(context.Background()))
}

func TestKiteValidateRejected(t *testing.T) {
	b := newKiteTest(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"error","message":"Incorrect api_key or access_token."}`))
	})
	err := b.ValidateConnection(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestKiteServerErrorIsExternal(t *testing.T) {
	b := newKiteTest(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := b.ListOrders(context.Background(), OrderFilter{})
	assert.ErrorIs(t, err, domain.ErrExternal)
}

func TestKiteQuote(t *testing.T) {
	b := newKiteTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote/ltp", r.URL.Path)
		assert.Equal(t, "NSE:INFY", r.URL.Query().Get("i"))
		_, _ = w.Write([]byte(`{"status":"success","data":{"NSE:INFY":{"instrument_token":408065,"last_price":1523.4}}}`))
	})
	q, err := b.GetQuote(context.Background(), "NSE:INFY")
	require.NoError(t, err)
	assert.Equal(t, 1523.4, q.Last)
	assert.Equal(t, "NSE:INFY", q.InstrumentID)
}

func TestKiteCandles(t *testing.T) {
	b := newKiteTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/historical/408065/15minute", r.URL.Path)
		assert.Equal(t, "2024-03-01 09:15:00", r.URL.Query().Get("from"))
		_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[
			["2024-03-01T09:15:00+0530",1500,1510,1495,1505,12000],
			["2024-03-01T09:30:00+0530",1505,1512,1501,1511,9000]
		]}}`))
	})
	from := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
	candles, err := b.GetCandles(context.Background(), CandleRequest{
		InstrumentID: "408065",
		Timeframe:    domain.Timeframe15m,
		From:         from,
		To:           from.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, time.Date(2024, 3, 1, 3, 45, 0, 0, time.UTC), candles[0].Time)
	assert.Equal(t, 1505.0, candles[0].Close)
	assert.Equal(t, 9000.0, candles[1].Volume)
	assert.True(t, candles[0].Time.Before(candles[1].Time))
}

func TestKitePlaceOrder(t *testing.T) {
	b := newKiteTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/regular", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "NSE", r.PostForm.Get("exchange"))
		assert.Equal(t, "INFY", r.PostForm.Get("tradingsymbol"))
		assert.Equal(t, "BUY", r.PostForm.Get("transaction_type"))
		assert.Equal(t, "LIMIT", r.PostForm.Get("order_type"))
		assert.Equal(t, "3", r.PostForm.Get("quantity"))
		assert.Equal(t, "1500.5", r.PostForm.Get("price"))
		assert.Equal(t, "CNC", r.PostForm.Get("product"))
		assert.Equal(t, "DAY", r.PostForm.Get("validity"))
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"151220000000000"}}`))
	})
	price := 1500.5
	res, err := b.PlaceOrder(context.Background(), PlaceOrderRequest{
		InstrumentID: "NSE:INFY",
		Side:         domain.OrderSideBuy,
		Type:         domain.OrderTypeLimit,
		Qty:          3.7,
		LimitPrice:   &price,
	})
	require.NoError(t, err)
	assert.Equal(t, "151220000000000", res.ExternalID)
	assert.Equal(t, "success", res.Status)
}

func TestKiteOrdersAndPositions(t *testing.T) {
	b := newKiteTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders":
			_, _ = w.Write([]byte(`{"status":"success","data":[
				{"order_id":"1","exchange":"NSE","tradingsymbol":"INFY","status":"COMPLETE"},
				{"order_id":"2","exchange":"NSE","tradingsymbol":"TCS","status":"OPEN"}
			]}`))
		case "/portfolio/positions":
			_, _ = w.Write([]byte(`{"status":"success","data":{"net":[
				{"tradingsymbol":"INFY","exchange":"NSE","instrument_token":408065,"quantity":5,"average_price":1490.25}
			],"day":[]}}`))
		case "/orders/regular/2":
			assert.Equal(t, http.MethodDelete, r.Method)
			_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"2"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	orders, err := b.ListOrders(ctx, OrderFilter{Status: "all", Limit: 1})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "NSE:INFY", orders[0].InstrumentID)
	assert.Equal(t, "COMPLETE", orders[0].Status)

	positions, err := b.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "NSE:INFY", positions[0].InstrumentID)
	require.NotNil(t, positions[0].AvgPrice)
	assert.Equal(t, 1490.25, *positions[0].AvgPrice)

	require.NoError(t, b.CancelOrder(ctx, "2"))
}
