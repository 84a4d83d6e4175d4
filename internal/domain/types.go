// Package domain holds the venue-agnostic types shared by every layer of
// brokerlink: instruments, broker connections, orders, positions, candles,
// alert rules and their events.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// BrokerKind identifies a supported brokerage venue.
type BrokerKind string

const (
	BrokerAlpaca  BrokerKind = "ALPACA"
	BrokerZerodha BrokerKind = "ZERODHA"
)

// ParseBrokerKind accepts any casing of a known broker name.
func ParseBrokerKind(s string) (BrokerKind, bool) {
	switch BrokerKind(strings.ToUpper(strings.TrimSpace(s))) {
	case BrokerAlpaca:
		return BrokerAlpaca, true
	case BrokerZerodha:
		return BrokerZerodha, true
	}
	return "", false
}

// Market returns the market a broker trades.
func (k BrokerKind) Market() Market {
	if k == BrokerZerodha {
		return MarketIN
	}
	return MarketUS
}

// Market identifies the listing market of an instrument.
type Market string

const (
	MarketUS Market = "US"
	MarketIN Market = "IN"
)

// Broker returns the broker that serves quotes and orders for the market.
func (m Market) Broker() BrokerKind {
	if m == MarketIN {
		return BrokerZerodha
	}
	return BrokerAlpaca
}

// ConnectionStatus is the health of a stored broker connection.
type ConnectionStatus string

const (
	ConnectionConnected ConnectionStatus = "CONNECTED"
	ConnectionError     ConnectionStatus = "ERROR"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the local lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Rank orders statuses by reconciliation precedence. A status may only be
// replaced by one of strictly higher rank.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return 3
	case OrderStatusPartiallyFilled:
		return 2
	case OrderStatusAccepted:
		return 1
	default:
		return 0
	}
}

// Terminal reports whether no further transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s.Rank() == 3
}

// Timeframe is a candle interval in the normalized vocabulary.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Duration returns the bar width, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// RuleKind is the condition an alert rule evaluates.
type RuleKind string

const (
	RulePriceAbove    RuleKind = "PRICE_ABOVE"
	RulePriceBelow    RuleKind = "PRICE_BELOW"
	RuleRSIOverbought RuleKind = "RSI_OVERBOUGHT"
	RuleRSIOversold   RuleKind = "RSI_OVERSOLD"
)

// Valid reports whether k is a known rule kind.
func (k RuleKind) Valid() bool {
	switch k {
	case RulePriceAbove, RulePriceBelow, RuleRSIOverbought, RuleRSIOversold:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// Instrument is a tradable security. For US listings the ID is the ticker;
// for IN listings it is "EXCHANGE:SYMBOL".
type Instrument struct {
	ID       string
	Symbol   string
	Market   Market
	Exchange string
	Name     string
	Metadata map[string]string // e.g. "instrumentToken" for IN candles
}

// BrokerConnection is a user's sealed credential envelope for one broker.
type BrokerConnection struct {
	UserID      string
	Broker      BrokerKind
	Status      ConnectionStatus
	Credentials string // sealed envelope, never returned to clients
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Order is a locally recorded order and its last known broker state.
type Order struct {
	ID           string
	UserID       string
	Broker       BrokerKind
	InstrumentID string
	Side         OrderSide
	Type         OrderType
	Qty          float64
	LimitPrice   *float64
	ExternalID   string // empty until the venue accepts the order
	Status       OrderStatus
	RawPayload   json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position is the projection of a broker-held position.
type Position struct {
	UserID       string
	Broker       BrokerKind
	InstrumentID string
	Qty          float64
	AvgPrice     *float64
	Raw          json.RawMessage
	UpdatedAt    time.Time
}

// Quote is the latest price for an instrument.
type Quote struct {
	InstrumentID string
	Last         float64
	Time         time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	InstrumentID string
	Timeframe    Timeframe
	Time         time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
}

// AccountSummary is a broker account balance snapshot. Venues that do not
// report a normalized figure leave it zero and return the raw payload.
type AccountSummary struct {
	Broker      BrokerKind
	Equity      float64
	Cash        float64
	BuyingPower float64
	Raw         json.RawMessage
}

// AlertRule is a user-defined market condition.
type AlertRule struct {
	ID           string
	UserID       string
	InstrumentID string
	Kind         RuleKind
	Params       map[string]any
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AlertEvent records one firing of a rule. Events are append-only.
type AlertEvent struct {
	ID          string
	RuleID      string
	Payload     map[string]any
	TriggeredAt time.Time
}

// Device is a registered push delivery endpoint.
type Device struct {
	UserID    string
	Token     string
	Platform  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Notification is the payload of a push job.
type Notification struct {
	UserID string         `msgpack:"user_id" json:"userId"`
	Title  string         `msgpack:"title" json:"title"`
	Body   string         `msgpack:"body" json:"body"`
	Data   map[string]any `msgpack:"data" json:"data,omitempty"`
}

// AccountSnapshot is a stored AccountSummary taken at a point in time.
type AccountSnapshot struct {
	UserID  string
	Summary AccountSummary
	TakenAt time.Time
}

// FailedJob is a notification job that exhausted its attempts.
type FailedJob struct {
	ID           string       `msgpack:"id"`
	Notification Notification `msgpack:"notification"`
	Attempts     int          `msgpack:"attempts"`
	Error        string       `msgpack:"error"`
	FailedAt     time.Time    `msgpack:"failed_at"`
}
