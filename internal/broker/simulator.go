package broker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"brokerlink/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// simAccount is the in-memory state of one sandbox account.
type simAccount struct {
	mu        sync.Mutex
	orderSeq  int
	orders    []RemoteOrder // newest first
	positions map[string]*simPosition
}

type simPosition struct {
	qty      float64
	avgPrice float64
}

// SandboxBook holds sandbox accounts keyed by (broker, account key) so that
// adapters built for the same user share state across calls.
type SandboxBook struct {
	mu       sync.Mutex
	accounts map[string]*simAccount
	now      func() time.Time
}

// NewSandboxBook creates an empty book. A nil clock uses time.Now.
func NewSandboxBook(now func() time.Time) *SandboxBook {
	if now == nil {
		now = time.Now
	}
	return &SandboxBook{accounts: make(map[string]*simAccount), now: now}
}

// Broker returns the simulator for (kind, accountKey), creating it on first
// use.
func (sb *SandboxBook) Broker(kind domain.BrokerKind, accountKey string) *SimulatorBroker {
	key := string(kind) + ":" + accountKey
	sb.mu.Lock()
	acct, ok := sb.accounts[key]
	if !ok {
		acct = &simAccount{orderSeq: 1, positions: make(map[string]*simPosition)}
		sb.accounts[key] = acct
	}
	sb.mu.Unlock()
	return &SimulatorBroker{kind: kind, acct: acct, now: sb.now}
}

// SimulatorBroker is a deterministic in-memory venue. Prices are seeded by a
// hash of the instrument id, orders fill immediately and positions track a
// running average price.
type SimulatorBroker struct {
	kind domain.BrokerKind
	acct *simAccount
	now  func() time.Time
}

// NewSimulatorBroker creates a standalone simulator with its own state.
func NewSimulatorBroker(kind domain.BrokerKind) *SimulatorBroker {
	return NewSandboxBook(nil).Broker(kind, "default")
}

// Kind returns the broker this simulator stands in for.
func (b *SimulatorBroker) Kind() domain.BrokerKind {
	return b.kind
}

// SeedPrice returns the deterministic base price for an instrument id, in
// the range [50, 100).
func SeedPrice(instrumentID string) float64 {
	hash := 0
	for _, ch := range instrumentID {
		hash = (hash*31 + int(ch)) % 10000
	}
	return 50 + float64(hash%5000)/100
}

// ValidateConnection always succeeds.
func (b *SimulatorBroker) ValidateConnection(_ context.Context) error {
	return nil
}

// GetAccountSummary returns fixed balances.
func (b *SimulatorBroker) GetAccountSummary(_ context.Context) (*domain.AccountSummary, error) {
	summary := &domain.AccountSummary{Broker: b.kind, Equity: 100_000, Cash: 80_000, BuyingPower: 200_000}
	summary.Raw = rawJSON(map[string]float64{
		"equity":      summary.Equity,
		"cash":        summary.Cash,
		"buyingPower": summary.BuyingPower,
	})
	return summary, nil
}

// GetQuote returns the seed price stamped with the current time.
func (b *SimulatorBroker) GetQuote(_ context.Context, instrumentID string) (*domain.Quote, error) {
	return &domain.Quote{InstrumentID: instrumentID, Last: SeedPrice(instrumentID), Time: b.now().UTC()}, nil
}

// GetCandles synthesizes at most 1000 bars on the timeframe grid inside
// [From, To]. The same timestamp always yields the same bar.
func (b *SimulatorBroker) GetCandles(_ context.Context, req CandleRequest) ([]domain.Candle, error) {
	step := req.Timeframe.Duration()
	if step == 0 {
		return nil, fmt.Errorf("%w: unsupported timeframe %q", domain.ErrValidation, req.Timeframe)
	}

	base := SeedPrice(req.InstrumentID)
	start := req.From.UTC().Truncate(step)
	if start.Before(req.From) {
		start = start.Add(step)
	}

	var out []domain.Candle
	for t := start; !t.After(req.To) && len(out) < 1000; t = t.Add(step) {
		ms := float64(t.UnixMilli())
		o := base + math.Sin(ms/10_000_000)*2
		c := o + math.Sin(ms/3_000_000)*1.5
		out = append(out, domain.Candle{
			InstrumentID: req.InstrumentID,
			Timeframe:    req.Timeframe,
			Time:         t,
			Open:         o,
			High:         math.Max(o, c) + 0.8,
			Low:          math.Min(o, c) - 0.8,
			Close:        c,
			Volume:       1000 + math.Floor(math.Abs(math.Sin(ms/1_000_000))*1000),
		})
	}
	return out, nil
}

// ListOrders returns placed orders, newest first.
func (b *SimulatorBroker) ListOrders(_ context.Context, filter OrderFilter) ([]RemoteOrder, error) {
	b.acct.mu.Lock()
	defer b.acct.mu.Unlock()

	n := len(b.acct.orders)
	if filter.Limit > 0 && filter.Limit < n {
		n = filter.Limit
	}
	out := make([]RemoteOrder, n)
	copy(out, b.acct.orders[:n])
	return out, nil
}

// ListPositions returns non-zero positions.
func (b *SimulatorBroker) ListPositions(_ context.Context) ([]RemotePosition, error) {
	b.acct.mu.Lock()
	defer b.acct.mu.Unlock()

	out := make([]RemotePosition, 0, len(b.acct.positions))
	for id, p := range b.acct.positions {
		avg := p.avgPrice
		out = append(out, RemotePosition{
			InstrumentID: id,
			Qty:          p.qty,
			AvgPrice:     &avg,
			Raw:          rawJSON(map[string]float64{"qty": p.qty, "avgPrice": p.avgPrice}),
		})
	}
	return out, nil
}

// PlaceOrder fills the order immediately at the limit price, or the seed
// price for market orders.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	b.acct.mu.Lock()
	defer b.acct.mu.Unlock()

	id := fmt.Sprintf("%s-mock-%d", strings.ToLower(string(b.kind)), b.acct.orderSeq)
	b.acct.orderSeq++
	const status = "filled"
	raw := rawJSON(map[string]any{
		"instrumentId": req.InstrumentID,
		"side":         req.Side,
		"type":         req.Type,
		"qty":          req.Qty,
		"limitPrice":   req.LimitPrice,
	})
	b.acct.orders = append([]RemoteOrder{{
		ExternalID:   id,
		InstrumentID: req.InstrumentID,
		Status:       status,
		Raw:          raw,
	}}, b.acct.orders...)

	price := SeedPrice(req.InstrumentID)
	if req.LimitPrice != nil {
		price = *req.LimitPrice
	}
	cur, ok := b.acct.positions[req.InstrumentID]
	if !ok {
		cur = &simPosition{avgPrice: price}
	}
	signed := req.Qty
	if req.Side == domain.OrderSideSell {
		signed = -req.Qty
	}
	next := cur.qty + signed
	switch {
	case next == 0:
		delete(b.acct.positions, req.InstrumentID)
	case signed > 0:
		avg := (cur.avgPrice*cur.qty + price*req.Qty) / math.Max(cur.qty+req.Qty, 1)
		b.acct.positions[req.InstrumentID] = &simPosition{qty: next, avgPrice: avg}
	default:
		b.acct.positions[req.InstrumentID] = &simPosition{qty: next, avgPrice: cur.avgPrice}
	}

	return &PlaceOrderResult{ExternalID: id, Status: status, Raw: raw}, nil
}

// CancelOrder is accepted for any id; simulated orders are already filled.
func (b *SimulatorBroker) CancelOrder(_ context.Context, _ string) error {
	return nil
}
