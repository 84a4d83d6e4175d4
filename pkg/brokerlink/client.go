// Package brokerlink is a Go client for the brokerlink REST API and its
// gRPC operations service.
package brokerlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Message    string
	Order      *Order // set when a placement was rejected by the venue
}

func (e *APIError) Error() string {
	return fmt.Sprintf("brokerlink: %d: %s", e.StatusCode, e.Message)
}

// Client calls the REST API on behalf of one user.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates a Client. A nil httpClient uses a 30s timeout client.
func NewClient(baseURL, userID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), userID: userID, httpClient: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set(UserHeader, c.userID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error, Order: e.Order}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Connections lists the user's broker connections.
func (c *Client) Connections(ctx context.Context) ([]Connection, error) {
	var out struct {
		Connections []Connection `json:"connections"`
	}
	err := c.do(ctx, http.MethodGet, "/api/brokers", nil, nil, &out)
	return out.Connections, err
}

// ConnectAlpaca validates and stores Alpaca credentials.
func (c *Client) ConnectAlpaca(ctx context.Context, req ConnectAlpacaRequest) (*Connection, error) {
	var out struct {
		Connection Connection `json:"connection"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/brokers/alpaca/connect", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Connection, nil
}

// ConnectZerodha validates and stores a Kite session.
func (c *Client) ConnectZerodha(ctx context.Context, req ConnectZerodhaRequest) (*Connection, error) {
	var out struct {
		Connection Connection `json:"connection"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/brokers/zerodha/connect", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Connection, nil
}

// ValidateConnection re-checks stored credentials against the venue.
func (c *Client) ValidateConnection(ctx context.Context, broker string) (*Connection, error) {
	var out struct {
		Connection Connection `json:"connection"`
	}
	path := "/api/brokers/" + url.PathEscape(strings.ToLower(broker)) + "/validate"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Connection, nil
}

// UpsertInstrument creates or updates an instrument.
func (c *Client) UpsertInstrument(ctx context.Context, inst Instrument) (*Instrument, error) {
	var out struct {
		Instrument Instrument `json:"instrument"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/instruments/upsert", nil, inst, &out); err != nil {
		return nil, err
	}
	return &out.Instrument, nil
}

// PlaceOrder submits an order. On venue rejection the returned error is an
// *APIError whose Order holds the REJECTED order.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	var out struct {
		Order Order `json:"order"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/orders", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// Orders lists the user's orders, newest first.
func (c *Client) Orders(ctx context.Context, limit int) ([]Order, error) {
	var out struct {
		Orders []Order `json:"orders"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, http.MethodGet, "/api/orders", q, nil, &out)
	return out.Orders, err
}

// Order fetches one order.
func (c *Client) Order(ctx context.Context, id string) (*Order, error) {
	var out struct {
		Order Order `json:"order"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// CancelOrder cancels an order. Cancelling a finished order succeeds.
func (c *Client) CancelOrder(ctx context.Context, id string) (*Order, error) {
	var out struct {
		Order Order `json:"order"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(id)+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// SyncOrders reconciles the user's orders with every connected venue.
func (c *Client) SyncOrders(ctx context.Context) (*SyncResult, error) {
	var out SyncResult
	if err := c.do(ctx, http.MethodPost, "/api/orders/sync", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Positions syncs and returns the user's positions.
func (c *Client) Positions(ctx context.Context) (*PositionsResponse, error) {
	var out PositionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/portfolio/positions", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary fetches account balances from every connected venue.
func (c *Client) Summary(ctx context.Context) (*SummaryResponse, error) {
	var out SummaryResponse
	if err := c.do(ctx, http.MethodGet, "/api/portfolio/summary", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Quote returns the latest price of an instrument.
func (c *Client) Quote(ctx context.Context, instrumentID string) (*Quote, error) {
	var out Quote
	if err := c.do(ctx, http.MethodGet, "/api/market/"+url.PathEscape(instrumentID)+"/quote", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Candles returns bars in [from, to] ascending.
func (c *Client) Candles(ctx context.Context, instrumentID, timeframe string, from, to time.Time) (*CandlesResponse, error) {
	q := url.Values{}
	q.Set("timeframe", timeframe)
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	var out CandlesResponse
	if err := c.do(ctx, http.MethodGet, "/api/market/"+url.PathEscape(instrumentID)+"/candles", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAlert creates an enabled alert rule.
func (c *Client) CreateAlert(ctx context.Context, req CreateAlertRequest) (*AlertRule, error) {
	var out struct {
		Rule AlertRule `json:"rule"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/alerts", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Rule, nil
}

// Alerts lists the user's rules.
func (c *Client) Alerts(ctx context.Context) ([]AlertRule, error) {
	var out struct {
		Rules []AlertRule `json:"rules"`
	}
	err := c.do(ctx, http.MethodGet, "/api/alerts", nil, nil, &out)
	return out.Rules, err
}

// SetAlertEnabled toggles a rule.
func (c *Client) SetAlertEnabled(ctx context.Context, id string, enabled bool) (*AlertRule, error) {
	var out struct {
		Rule AlertRule `json:"rule"`
	}
	body := map[string]bool{"enabled": enabled}
	if err := c.do(ctx, http.MethodPatch, "/api/alerts/"+url.PathEscape(id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Rule, nil
}

// EvaluateAlerts runs the user's rules now.
func (c *Client) EvaluateAlerts(ctx context.Context) (*EvaluationResult, error) {
	var out EvaluationResult
	if err := c.do(ctx, http.MethodPost, "/api/alerts/evaluate-now", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterDevice registers a push endpoint.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*Device, error) {
	var out struct {
		Device Device `json:"device"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/notifications/device/register", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Device, nil
}

// Inbox lists the newest alert events of the user's rules.
func (c *Client) Inbox(ctx context.Context, limit int) ([]InboxEvent, error) {
	var out struct {
		Events []InboxEvent `json:"events"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, http.MethodGet, "/api/notifications/inbox", q, nil, &out)
	return out.Events, err
}
