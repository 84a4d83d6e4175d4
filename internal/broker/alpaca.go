package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"brokerlink/internal/domain"
)

// Alpaca endpoints.
const (
	AlpacaPaperURL = "https://paper-api.alpaca.markets"
	AlpacaLiveURL  = "https://api.alpaca.markets"
	AlpacaDataURL  = "https://data.alpaca.markets"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaCredentials is the sealed credential shape for Alpaca.
type AlpacaCredentials struct {
	KeyID     string `json:"keyId"`
	SecretKey string `json:"secretKey"`
	Env       string `json:"env"` // "paper" or "live"
}

// alpacaTimeframes maps normalized timeframes to Alpaca's vocabulary
// (1Min, 5Min, 15Min, 1Hour, 1Day).
var alpacaTimeframes = map[domain.Timeframe]marketdata.TimeFrame{
	domain.Timeframe1m:  marketdata.NewTimeFrame(1, marketdata.Min),
	domain.Timeframe5m:  marketdata.NewTimeFrame(5, marketdata.Min),
	domain.Timeframe15m: marketdata.NewTimeFrame(15, marketdata.Min),
	domain.Timeframe1h:  marketdata.NewTimeFrame(1, marketdata.Hour),
	domain.Timeframe1d:  marketdata.NewTimeFrame(1, marketdata.Day),
}

// AlpacaBroker implements the Broker interface using the Alpaca trading and
// market-data APIs.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	feed    string
}

// NewAlpacaBroker creates an AlpacaBroker. baseURL and dataURL override the
// endpoints chosen by creds.Env when non-empty.
func NewAlpacaBroker(creds AlpacaCredentials, baseURL, dataURL, feed string) *AlpacaBroker {
	if baseURL == "" {
		baseURL = AlpacaPaperURL
		if strings.EqualFold(creds.Env, "live") {
			baseURL = AlpacaLiveURL
		}
	}
	if dataURL == "" {
		dataURL = AlpacaDataURL
	}

	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    creds.KeyID,
			APISecret: creds.SecretKey,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    creds.KeyID,
			APISecret: creds.SecretKey,
			BaseURL:   dataURL,
		}),
		feed: feed,
	}
}

// Kind returns ALPACA.
func (b *AlpacaBroker) Kind() domain.BrokerKind {
	return domain.BrokerAlpaca
}

// ValidateConnection fetches the account; any success proves the keys.
func (b *AlpacaBroker) ValidateConnection(ctx context.Context) error {
	_, err := withContext(ctx, b.trading.GetAccount)
	if err != nil {
		return alpacaError(err)
	}
	return nil
}

// GetAccountSummary returns equity, cash and buying power.
func (b *AlpacaBroker) GetAccountSummary(ctx context.Context) (*domain.AccountSummary, error) {
	acct, err := withContext(ctx, b.trading.GetAccount)
	if err != nil {
		return nil, alpacaError(err)
	}
	return &domain.AccountSummary{
		Broker:      domain.BrokerAlpaca,
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
		Raw:         rawJSON(acct),
	}, nil
}

// GetQuote returns the ask price, falling back to the bid.
func (b *AlpacaBroker) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	q, err := withContext(ctx, func() (*marketdata.Quote, error) {
		return b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{Feed: marketdata.Feed(b.feed)})
	})
	if err != nil {
		return nil, alpacaError(err)
	}
	last := q.AskPrice
	if last == 0 {
		last = q.BidPrice
	}
	return &domain.Quote{InstrumentID: symbol, Last: last, Time: q.Timestamp}, nil
}

// GetCandles fetches historical bars.
func (b *AlpacaBroker) GetCandles(ctx context.Context, req CandleRequest) ([]domain.Candle, error) {
	tf, ok := alpacaTimeframes[req.Timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported timeframe %q", domain.ErrValidation, req.Timeframe)
	}

	bars, err := withContext(ctx, func() ([]marketdata.Bar, error) {
		return b.data.GetBars(req.InstrumentID, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     req.From,
			End:       req.To,
			Feed:      marketdata.Feed(b.feed),
		})
	})
	if err != nil {
		return nil, alpacaError(err)
	}

	candles := make([]domain.Candle, 0, len(bars))
	for _, bar := range bars {
		candles = append(candles, domain.Candle{
			InstrumentID: req.InstrumentID,
			Timeframe:    req.Timeframe,
			Time:         bar.Timestamp.UTC(),
			Open:         bar.Open,
			High:         bar.High,
			Low:          bar.Low,
			Close:        bar.Close,
			Volume:       float64(bar.Volume),
		})
	}
	return candles, nil
}

// ListOrders lists orders; filter.Status defaults to "all".
func (b *AlpacaBroker) ListOrders(ctx context.Context, filter OrderFilter) ([]RemoteOrder, error) {
	status := filter.Status
	if status == "" {
		status = "all"
	}
	orders, err := withContext(ctx, func() ([]alpaca.Order, error) {
		return b.trading.GetOrders(alpaca.GetOrdersRequest{Status: status, Limit: filter.Limit})
	})
	if err != nil {
		return nil, alpacaError(err)
	}

	out := make([]RemoteOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, RemoteOrder{
			ExternalID:   o.ID,
			InstrumentID: o.Symbol,
			Status:       o.Status,
			Raw:          rawJSON(o),
		})
	}
	return out, nil
}

// ListPositions lists open positions keyed by ticker.
func (b *AlpacaBroker) ListPositions(ctx context.Context) ([]RemotePosition, error) {
	positions, err := withContext(ctx, b.trading.GetPositions)
	if err != nil {
		return nil, alpacaError(err)
	}

	out := make([]RemotePosition, 0, len(positions))
	for _, p := range positions {
		avg := p.AvgEntryPrice.InexactFloat64()
		out = append(out, RemotePosition{
			InstrumentID: p.Symbol,
			Qty:          p.Qty.InexactFloat64(),
			AvgPrice:     &avg,
			Raw:          rawJSON(p),
		})
	}
	return out, nil
}

// PlaceOrder submits a day order.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	qty := decimal.NewFromFloat(req.Qty)
	preq := alpaca.PlaceOrderRequest{
		Symbol:      req.InstrumentID,
		Qty:         &qty,
		Side:        alpaca.Buy,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	}
	if req.Side == domain.OrderSideSell {
		preq.Side = alpaca.Sell
	}
	if req.Type == domain.OrderTypeLimit {
		preq.Type = alpaca.Limit
		if req.LimitPrice != nil {
			lp := decimal.NewFromFloat(*req.LimitPrice)
			preq.LimitPrice = &lp
		}
	}

	order, err := withContext(ctx, func() (*alpaca.Order, error) {
		return b.trading.PlaceOrder(preq)
	})
	if err != nil {
		return nil, alpacaError(err)
	}
	return &PlaceOrderResult{ExternalID: order.ID, Status: order.Status, Raw: rawJSON(order)}, nil
}

// CancelOrder cancels an order by its Alpaca id.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, externalID string) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, b.trading.CancelOrder(externalID)
	})
	if err != nil {
		return alpacaError(err)
	}
	return nil
}

func alpacaError(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return statusError("alpaca", apiErr.StatusCode, apiErr.Message)
	}
	return transportError("alpaca", err)
}

// AlpacaTimeframe returns Alpaca's name for tf, e.g. "15Min".
func AlpacaTimeframe(tf domain.Timeframe) (string, bool) {
	v, ok := alpacaTimeframes[tf]
	if !ok {
		return "", false
	}
	return v.String(), true
}
