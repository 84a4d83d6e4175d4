// Package broker defines the Broker interface and its venue implementations:
// Alpaca for US equities, Zerodha Kite for Indian equities and a
// deterministic in-memory simulator used in sandbox mode.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"brokerlink/internal/domain"
)

// Broker normalizes one venue's API. Instrument ids are venue-specific and
// must be resolved by the caller. Implementations never retry internally.
type Broker interface {
	// Kind returns the venue this adapter talks to.
	Kind() domain.BrokerKind

	// ValidateConnection succeeds iff the credentials are accepted by the
	// venue.
	ValidateConnection(ctx context.Context) error

	// GetAccountSummary returns the account balances.
	GetAccountSummary(ctx context.Context) (*domain.AccountSummary, error)

	// GetQuote returns the latest price for an instrument.
	GetQuote(ctx context.Context, instrumentID string) (*domain.Quote, error)

	// GetCandles returns bars in ascending time order.
	GetCandles(ctx context.Context, req CandleRequest) ([]domain.Candle, error)

	// ListOrders returns the venue's view of recent orders.
	ListOrders(ctx context.Context, filter OrderFilter) ([]RemoteOrder, error)

	// ListPositions returns the venue's view of open positions.
	ListPositions(ctx context.Context) ([]RemotePosition, error)

	// PlaceOrder submits a new order.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error)

	// CancelOrder requests cancellation of an order by its venue id.
	CancelOrder(ctx context.Context, externalID string) error
}

// CandleRequest selects a bar range.
type CandleRequest struct {
	InstrumentID string
	Timeframe    domain.Timeframe
	From         time.Time
	To           time.Time
}

// OrderFilter narrows ListOrders. Zero values mean venue defaults.
type OrderFilter struct {
	Status string
	Limit  int
}

// PlaceOrderRequest is a normalized order submission.
type PlaceOrderRequest struct {
	InstrumentID string
	Side         domain.OrderSide
	Type         domain.OrderType
	Qty          float64
	LimitPrice   *float64
	TimeInForce  string
}

// PlaceOrderResult is the venue's acknowledgement.
type PlaceOrderResult struct {
	ExternalID string
	Status     string // venue vocabulary, see engine.NormalizeStatus
	Raw        json.RawMessage
}

// RemoteOrder is one entry of a venue order list.
type RemoteOrder struct {
	ExternalID   string
	InstrumentID string
	Status       string
	Raw          json.RawMessage
}

// RemotePosition is one entry of a venue position list.
type RemotePosition struct {
	InstrumentID string
	Qty          float64
	AvgPrice     *float64
	Raw          json.RawMessage
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
