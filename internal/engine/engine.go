// Package engine coordinates the order lifecycle, reconciliation against
// broker state and position tracking across every connected venue.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"brokerlink/internal/broker"
	"brokerlink/internal/domain"
	"brokerlink/internal/store"
	"brokerlink/internal/util"
)

// MaxOrderList caps order listings and reconciliation pulls.
const MaxOrderList = 200

// Connections resolves broker adapters for stored user connections.
type Connections interface {
	// Adapter returns the live or sandbox adapter for (user, broker).
	Adapter(ctx context.Context, userID string, kind domain.BrokerKind) (broker.Broker, error)

	// Connected lists connections, scoped to userID when it is not empty.
	Connected(ctx context.Context, userID string) ([]domain.BrokerConnection, error)
}

// Store is the persistence the engine needs.
type Store interface {
	store.InstrumentStore
	store.OrderStore
	store.PositionStore
	store.SnapshotStore
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	CallTimeout  time.Duration // deadline for each venue call
	Parallelism  int           // concurrent connections during reconciliation
	ReadAttempts int           // tries for venue list calls; writes are never retried
	ReadBackoff  time.Duration
	Now          func() time.Time
}

// Engine orchestrates the trading lifecycle by delegating to broker adapters
// for execution, the store for persistence, and a risk manager for pre-trade
// checks.
type Engine struct {
	conns       Connections
	store       Store
	riskChecker *RiskManager
	log         zerolog.Logger

	callTimeout  time.Duration
	parallelism  int
	readAttempts int
	readBackoff  time.Duration
	now          func() time.Time
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(conns Connections, st Store, riskChecker *RiskManager, logger zerolog.Logger, opts Options) *Engine {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.ReadAttempts <= 0 {
		opts.ReadAttempts = 3
	}
	if opts.ReadBackoff <= 0 {
		opts.ReadBackoff = 250 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		conns:       conns,
		store:       st,
		riskChecker: riskChecker,
		log:         logger.With().Str("component", "engine").Logger(),
		callTimeout:  opts.CallTimeout,
		parallelism:  opts.Parallelism,
		readAttempts: opts.ReadAttempts,
		readBackoff:  opts.ReadBackoff,
		now:          opts.Now,
	}
}

// readVenue runs an idempotent venue read under the call timeout, retrying
// failures that are not permanent.
func (e *Engine) readVenue(ctx context.Context, fn func(context.Context) error) error {
	return util.Retry(ctx, e.readAttempts, e.readBackoff, domain.Permanent, func() error {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		return fn(cctx)
	})
}

// PlaceOrder checks the request, records a PENDING order and then submits it
// to the venue. A venue failure leaves the order REJECTED with the error as
// its raw payload; the order is returned together with the error.
func (e *Engine) PlaceOrder(ctx context.Context, req *OrderRequest) (*domain.Order, error) {
	inst, err := e.riskChecker.CheckOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	order := &domain.Order{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Broker:       req.Broker,
		InstrumentID: inst.ID,
		Side:         req.Side,
		Type:         req.Type,
		Qty:          req.Qty,
		LimitPrice:   req.LimitPrice,
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("recording order: %w", err)
	}

	result, placeErr := e.submit(ctx, order)
	if placeErr != nil {
		order.Status = domain.OrderStatusRejected
		order.RawPayload = errorPayload(placeErr)
	} else {
		status, ok := NormalizeStatus(result.Status)
		if !ok {
			status = domain.OrderStatusAccepted
		}
		order.ExternalID = result.ExternalID
		order.Status = status
		order.RawPayload = result.Raw
	}
	order.UpdatedAt = e.now().UTC()

	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("updating order %s: %w", order.ID, err)
	}

	logEvt := e.log.Info()
	if placeErr != nil {
		logEvt = e.log.Warn().Err(placeErr)
	}
	logEvt.Str("order_id", order.ID).
		Str("user", order.UserID).
		Str("broker", string(order.Broker)).
		Str("instrument", order.InstrumentID).
		Str("status", string(order.Status)).
		Msg("order placed")

	if placeErr != nil {
		return order, placeErr
	}
	return order, nil
}

func (e *Engine) submit(ctx context.Context, order *domain.Order) (*broker.PlaceOrderResult, error) {
	adapter, err := e.conns.Adapter(ctx, order.UserID, order.Broker)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return adapter.PlaceOrder(cctx, broker.PlaceOrderRequest{
		InstrumentID: order.InstrumentID,
		Side:         order.Side,
		Type:         order.Type,
		Qty:          order.Qty,
		LimitPrice:   order.LimitPrice,
		TimeInForce:  "day",
	})
}

// CancelOrder cancels an order at its venue and marks it CANCELED.
// Cancelling an order that is already terminal succeeds without a venue call.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	order, err := e.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.ExternalID == "" {
		return nil, fmt.Errorf("%w: order %s was not placed at the broker", domain.ErrConflict, orderID)
	}
	if order.Status.Terminal() {
		return order, nil
	}

	adapter, err := e.conns.Adapter(ctx, userID, order.Broker)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	if err := adapter.CancelOrder(cctx, order.ExternalID); err != nil {
		return nil, err
	}

	for {
		from := order.Status
		order.Status = domain.OrderStatusCanceled
		order.UpdatedAt = e.now().UTC()
		changed, err := e.store.AdvanceOrder(ctx, order, from)
		if err != nil {
			return nil, fmt.Errorf("updating order %s: %w", order.ID, err)
		}
		if changed {
			break
		}
		// Reconciliation moved the order meanwhile; a terminal status wins.
		if order, err = e.store.GetOrder(ctx, orderID); err != nil {
			return nil, err
		}
		if order.Status.Terminal() {
			return order, nil
		}
	}
	e.log.Info().Str("order_id", order.ID).Str("user", userID).Msg("order canceled")
	return order, nil
}

// GetOrder returns one of the user's orders. Orders of other users are
// reported as not found.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: order %q", domain.ErrNotFound, orderID)
	}
	return order, nil
}

// ListOrders returns the user's most recent orders, newest first.
func (e *Engine) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 || limit > MaxOrderList {
		limit = MaxOrderList
	}
	return e.store.ListOrders(ctx, userID, limit)
}

func errorPayload(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
