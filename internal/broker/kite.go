package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/util"
)

// KiteBaseURL is the Zerodha Kite Connect REST endpoint.
const KiteBaseURL = "https://api.kite.trade"

// Compile-time interface check.
var _ Broker = (*KiteBroker)(nil)

// KiteCredentials is the sealed credential shape for Zerodha.
type KiteCredentials struct {
	APIKey      string `json:"apiKey"`
	AccessToken string `json:"accessToken"`
}

// kiteIntervals maps normalized timeframes to Kite's interval names.
var kiteIntervals = map[domain.Timeframe]string{
	domain.Timeframe1m:  "minute",
	domain.Timeframe5m:  "5minute",
	domain.Timeframe15m: "15minute",
	domain.Timeframe1h:  "60minute",
	domain.Timeframe1d:  "day",
}

const kiteTimeLayout = "2006-01-02 15:04:05"

// KiteBroker implements the Broker interface over the Kite Connect v3 REST
// API. Quote and order instrument ids are "EXCHANGE:SYMBOL"; candle ids are
// numeric instrument tokens.
type KiteBroker struct {
	creds      KiteCredentials
	baseURL    string
	httpClient *http.Client
	limiter    *util.RateLimiter
}

// NewKiteBroker creates a KiteBroker. A nil limiter disables throttling.
func NewKiteBroker(creds KiteCredentials, baseURL string, httpClient *http.Client, limiter *util.RateLimiter) *KiteBroker {
	if baseURL == "" {
		baseURL = KiteBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &KiteBroker{
		creds:      creds,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
	}
}

// Kind returns ZERODHA.
func (b *KiteBroker) Kind() domain.BrokerKind {
	return domain.BrokerZerodha
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type kiteEnvelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

type kiteLTP struct {
	InstrumentToken int64   `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
}

type kiteCandles struct {
	Candles [][]any `json:"candles"`
}

type kiteOrder struct {
	OrderID         string  `json:"order_id"`
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Status          string  `json:"status"`
	TransactionType string  `json:"transaction_type"`
	Quantity        float64 `json:"quantity"`
}

type kitePosition struct {
	TradingSymbol   string   `json:"tradingsymbol"`
	Exchange        string   `json:"exchange"`
	InstrumentToken int64    `json:"instrument_token"`
	Quantity        float64  `json:"quantity"`
	AveragePrice    *float64 `json:"average_price"`
}

type kitePositions struct {
	Net []json.RawMessage `json:"net"`
}

type kiteOrderAck struct {
	OrderID string `json:"order_id"`
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// ValidateConnection fetches the user profile.
func (b *KiteBroker) ValidateConnection(ctx context.Context) error {
	_, err := b.do(ctx, http.MethodGet, "/user/profile", nil, nil)
	return err
}

// GetAccountSummary returns the raw margins payload; Kite has no single
// equity figure.
func (b *KiteBroker) GetAccountSummary(ctx context.Context) (*domain.AccountSummary, error) {
	body, err := b.do(ctx, http.MethodGet, "/user/margins", nil, nil)
	if err != nil {
		return nil, err
	}
	return &domain.AccountSummary{Broker: domain.BrokerZerodha, Raw: body}, nil
}

// GetQuote returns the last traded price.
func (b *KiteBroker) GetQuote(ctx context.Context, instrumentID string) (*domain.Quote, error) {
	body, err := b.do(ctx, http.MethodGet, "/quote/ltp", url.Values{"i": {instrumentID}}, nil)
	if err != nil {
		return nil, err
	}
	var env kiteEnvelope[map[string]kiteLTP]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: kite: decoding ltp: %v", domain.ErrExternal, err)
	}

	ltp, ok := env.Data[instrumentID]
	if !ok {
		for _, v := range env.Data {
			ltp, ok = v, true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: kite: no quote for %s", domain.ErrNotFound, instrumentID)
	}
	return &domain.Quote{InstrumentID: instrumentID, Last: ltp.LastPrice, Time: time.Now().UTC()}, nil
}

// GetCandles fetches historical candles for a numeric instrument token.
func (b *KiteBroker) GetCandles(ctx context.Context, req CandleRequest) ([]domain.Candle, error) {
	interval, ok := kiteIntervals[req.Timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported timeframe %q", domain.ErrValidation, req.Timeframe)
	}

	path := fmt.Sprintf("/instruments/historical/%s/%s", url.PathEscape(req.InstrumentID), interval)
	query := url.Values{
		"from": {req.From.Format(kiteTimeLayout)},
		"to":   {req.To.Format(kiteTimeLayout)},
	}
	body, err := b.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}

	var env kiteEnvelope[kiteCandles]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: kite: decoding candles: %v", domain.ErrExternal, err)
	}

	candles := make([]domain.Candle, 0, len(env.Data.Candles))
	for _, row := range env.Data.Candles {
		c, err := parseKiteCandle(row)
		if err != nil {
			return nil, fmt.Errorf("%w: kite: %v", domain.ErrExternal, err)
		}
		c.InstrumentID = req.InstrumentID
		c.Timeframe = req.Timeframe
		candles = append(candles, c)
	}
	return candles, nil
}

// ListOrders returns the day's order book, truncated to filter.Limit.
func (b *KiteBroker) ListOrders(ctx context.Context, filter OrderFilter) ([]RemoteOrder, error) {
	body, err := b.do(ctx, http.MethodGet, "/orders", nil, nil)
	if err != nil {
		return nil, err
	}
	var env kiteEnvelope[[]json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: kite: decoding orders: %v", domain.ErrExternal, err)
	}

	out := make([]RemoteOrder, 0, len(env.Data))
	for _, raw := range env.Data {
		var o kiteOrder
		if err := json.Unmarshal(raw, &o); err != nil {
			continue
		}
		ro := RemoteOrder{ExternalID: o.OrderID, Status: o.Status, Raw: raw}
		if o.Exchange != "" && o.TradingSymbol != "" {
			ro.InstrumentID = o.Exchange + ":" + o.TradingSymbol
		}
		out = append(out, ro)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ListPositions returns net positions.
func (b *KiteBroker) ListPositions(ctx context.Context) ([]RemotePosition, error) {
	body, err := b.do(ctx, http.MethodGet, "/portfolio/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	var env kiteEnvelope[kitePositions]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: kite: decoding positions: %v", domain.ErrExternal, err)
	}

	out := make([]RemotePosition, 0, len(env.Data.Net))
	for _, raw := range env.Data.Net {
		var p kitePosition
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		id := strconv.FormatInt(p.InstrumentToken, 10)
		if p.Exchange != "" && p.TradingSymbol != "" {
			id = p.Exchange + ":" + p.TradingSymbol
		}
		out = append(out, RemotePosition{InstrumentID: id, Qty: p.Quantity, AvgPrice: p.AveragePrice, Raw: raw})
	}
	return out, nil
}

// PlaceOrder submits a regular CNC day order. Instrument ids without an
// exchange prefix default to NSE.
func (b *KiteBroker) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	exchange, symbol := SplitKiteInstrument(req.InstrumentID)
	form := url.Values{
		"exchange":         {exchange},
		"tradingsymbol":    {symbol},
		"transaction_type": {string(req.Side)},
		"order_type":       {string(req.Type)},
		"quantity":         {strconv.FormatInt(int64(math.Floor(req.Qty)), 10)},
		"product":          {"CNC"},
		"validity":         {"DAY"},
	}
	if req.Type == domain.OrderTypeLimit && req.LimitPrice != nil {
		form.Set("price", strconv.FormatFloat(*req.LimitPrice, 'f', -1, 64))
	}

	body, err := b.do(ctx, http.MethodPost, "/orders/regular", nil, form)
	if err != nil {
		return nil, err
	}
	var env kiteEnvelope[kiteOrderAck]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: kite: decoding order ack: %v", domain.ErrExternal, err)
	}
	status := env.Status
	if status == "" {
		status = "unknown"
	}
	return &PlaceOrderResult{ExternalID: env.Data.OrderID, Status: status, Raw: body}, nil
}

// CancelOrder cancels a regular order.
func (b *KiteBroker) CancelOrder(ctx context.Context, externalID string) error {
	_, err := b.do(ctx, http.MethodDelete, "/orders/regular/"+url.PathEscape(externalID), nil, nil)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// SplitKiteInstrument splits "EXCHANGE:SYMBOL"; a bare symbol maps to NSE.
func SplitKiteInstrument(id string) (exchange, symbol string) {
	if ex, sym, ok := strings.Cut(id, ":"); ok {
		return ex, sym
	}
	return "NSE", id
}

// do issues an authenticated request and returns the body of a 2xx reply.
func (b *KiteBroker) do(ctx context.Context, method, path string, query url.Values, form url.Values) ([]byte, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, transportError("kite", err)
		}
	}

	u := b.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("kite: building request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+b.creds.APIKey+":"+b.creds.AccessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, transportError("kite", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("kite", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("kite", resp.StatusCode, string(data))
	}
	return data, nil
}

func parseKiteCandle(row []any) (domain.Candle, error) {
	if len(row) < 5 {
		return domain.Candle{}, fmt.Errorf("candle row has %d fields", len(row))
	}
	ts, ok := row[0].(string)
	if !ok {
		return domain.Candle{}, fmt.Errorf("candle time is %T", row[0])
	}
	t, err := time.Parse("2006-01-02T15:04:05-0700", ts)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, ts); err != nil {
			return domain.Candle{}, fmt.Errorf("parsing candle time %q: %w", ts, err)
		}
	}

	num := func(i int) float64 {
		if i >= len(row) {
			return 0
		}
		f, _ := row[i].(float64)
		return f
	}
	return domain.Candle{
		Time:   t.UTC(),
		Open:   num(1),
		High:   num(2),
		Low:    num(3),
		Close:  num(4),
		Volume: num(5),
	}, nil
}
