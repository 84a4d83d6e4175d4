package brokerlink

import (
	"encoding/json"
	"time"
)

// UserHeader carries the authenticated user id on every API request.
const UserHeader = "X-User-ID"

// Connection is a broker connection without its credentials.
type Connection struct {
	Broker    string    `json:"broker"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConnectAlpacaRequest links an Alpaca account.
type ConnectAlpacaRequest struct {
	KeyID     string `json:"keyId"`
	SecretKey string `json:"secretKey"`
	Env       string `json:"env,omitempty"` // paper (default) or live
}

// ConnectZerodhaRequest links a Zerodha Kite session.
type ConnectZerodhaRequest struct {
	APIKey      string `json:"apiKey"`
	AccessToken string `json:"accessToken"`
}

// Instrument is a tradable security.
type Instrument struct {
	ID       string            `json:"id"`
	Symbol   string            `json:"symbol"`
	Market   string            `json:"market"`
	Exchange string            `json:"exchange,omitempty"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PlaceOrderRequest submits an order.
type PlaceOrderRequest struct {
	Broker       string   `json:"broker"`
	InstrumentID string   `json:"instrumentId"`
	Side         string   `json:"side"`
	Type         string   `json:"type"`
	Qty          float64  `json:"qty"`
	LimitPrice   *float64 `json:"limitPrice,omitempty"`
}

// Order is a locally recorded order.
type Order struct {
	ID           string          `json:"id"`
	Broker       string          `json:"broker"`
	InstrumentID string          `json:"instrumentId"`
	Side         string          `json:"side"`
	Type         string          `json:"type"`
	Qty          float64         `json:"qty"`
	LimitPrice   *float64        `json:"limitPrice,omitempty"`
	ExternalID   string          `json:"brokerOrderId,omitempty"`
	Status       string          `json:"status"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ConnectionCount is the number of orders a reconciliation pass advanced
// for one connection.
type ConnectionCount struct {
	Broker string `json:"broker"`
	Count  int    `json:"count"`
}

// SyncResult reports a reconciliation pass.
type SyncResult struct {
	Updated []ConnectionCount `json:"updated"`
	Total   int               `json:"total"`
	Errors  []string          `json:"errors,omitempty"`
}

// Position is a broker-held position.
type Position struct {
	Broker       string          `json:"broker"`
	InstrumentID string          `json:"instrumentId"`
	Qty          float64         `json:"qty"`
	AvgPrice     *float64        `json:"avgPrice,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// PositionsResponse lists synced positions. Errors name connections that
// could not be synced.
type PositionsResponse struct {
	Positions []Position `json:"positions"`
	Errors    []string   `json:"errors,omitempty"`
}

// AccountSummary is a broker account balance.
type AccountSummary struct {
	Broker      string          `json:"broker"`
	Equity      float64         `json:"equity"`
	Cash        float64         `json:"cash"`
	BuyingPower float64         `json:"buyingPower"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// SummaryResponse lists account summaries per connection.
type SummaryResponse struct {
	Summaries []AccountSummary `json:"summaries"`
	Errors    []string         `json:"errors,omitempty"`
}

// AccountSnapshot is a stored account summary.
type AccountSnapshot struct {
	AccountSummary
	TakenAt time.Time `json:"takenAt"`
}

// Quote is the latest price of an instrument.
type Quote struct {
	InstrumentID string    `json:"instrumentId"`
	Last         float64   `json:"last"`
	TS           time.Time `json:"ts"`
}

// Candle is one OHLCV bar.
type Candle struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

// CandlesResponse holds bars in ascending time order.
type CandlesResponse struct {
	InstrumentID string   `json:"instrumentId"`
	Timeframe    string   `json:"timeframe"`
	Candles      []Candle `json:"candles"`
}

// CreateAlertRequest creates an alert rule.
type CreateAlertRequest struct {
	InstrumentID string         `json:"instrumentId"`
	Type         string         `json:"type"`
	Params       map[string]any `json:"params,omitempty"`
}

// AlertRule is a user-defined market condition.
type AlertRule struct {
	ID           string         `json:"id"`
	InstrumentID string         `json:"instrumentId"`
	Type         string         `json:"type"`
	Params       map[string]any `json:"params"`
	Enabled      bool           `json:"enabled"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// EvaluationResult counts what an evaluation batch did.
type EvaluationResult struct {
	Evaluated    int `json:"evaluated"`
	Fired        int `json:"fired"`
	Deduplicated int `json:"deduplicated"`
	Failed       int `json:"failed"`
}

// RegisterDeviceRequest registers a push endpoint.
type RegisterDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

// Device is a registered push endpoint.
type Device struct {
	Token     string    `json:"token"`
	Platform  string    `json:"platform,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InboxEvent is an alert event with its rule and instrument.
type InboxEvent struct {
	ID          string         `json:"id"`
	RuleID      string         `json:"ruleId"`
	Type        string         `json:"type"`
	Instrument  *Instrument    `json:"instrument,omitempty"`
	Payload     map[string]any `json:"payload"`
	TriggeredAt time.Time      `json:"triggeredAt"`
}

// ErrorResponse is the body of every non-2xx response. A failed placement
// also carries the rejected order.
type ErrorResponse struct {
	Error string `json:"error"`
	Order *Order `json:"order,omitempty"`
}

// Websocket messages on /ws/quotes.

// SubscribeMessage replaces the socket's quote subscription.
type SubscribeMessage struct {
	Type          string   `json:"type"` // "subscribe"
	InstrumentIDs []string `json:"instrumentIds"`
}

// QuotesMessage is pushed on every poll that produced quotes.
type QuotesMessage struct {
	Type   string   `json:"type"` // "quotes", "subscribed" or "error"
	Quotes []Quote  `json:"quotes,omitempty"`
	IDs    []string `json:"instrumentIds,omitempty"`
	Error  string   `json:"error,omitempty"`
}
