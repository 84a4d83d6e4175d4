package engine

import (
	"context"
	"fmt"

	"brokerlink/internal/domain"
	"brokerlink/internal/store"
)

// OrderRequest is a user's request to place an order.
type OrderRequest struct {
	UserID       string            `json:"-" validate:"required"`
	Broker       domain.BrokerKind `json:"broker" validate:"required,oneof=ALPACA ZERODHA"`
	InstrumentID string            `json:"instrumentId" validate:"required"`
	Side         domain.OrderSide  `json:"side" validate:"required,oneof=BUY SELL"`
	Type         domain.OrderType  `json:"type" validate:"required,oneof=MARKET LIMIT"`
	Qty          float64           `json:"qty" validate:"gt=0"`
	LimitPrice   *float64          `json:"limitPrice,omitempty"`
}

// RiskManager enforces pre-trade rules: request shape, limit price presence,
// instrument/broker market pairing and an optional per-order notional cap.
type RiskManager struct {
	instruments store.InstrumentStore
	maxNotional float64
}

// NewRiskManager creates a RiskManager. A maxNotional of zero disables the
// notional check.
func NewRiskManager(instruments store.InstrumentStore, maxNotional float64) *RiskManager {
	return &RiskManager{
		instruments: instruments,
		maxNotional: maxNotional,
	}
}

// CheckOrder evaluates the request and returns the resolved instrument.
// No store write happens here, so a rejected request leaves no trace.
func (rm *RiskManager) CheckOrder(ctx context.Context, req *OrderRequest) (*domain.Instrument, error) {
	if err := domain.Validate(req); err != nil {
		return nil, err
	}

	if req.Type == domain.OrderTypeLimit && (req.LimitPrice == nil || *req.LimitPrice <= 0) {
		return nil, fmt.Errorf("%w: limit price required for LIMIT orders", domain.ErrConflict)
	}

	inst, err := rm.instruments.GetInstrument(ctx, req.InstrumentID)
	if err != nil {
		return nil, err
	}
	if inst.Market != req.Broker.Market() {
		return nil, fmt.Errorf("%w: instrument market mismatch (expected %s, got %s)",
			domain.ErrConflict, req.Broker.Market(), inst.Market)
	}

	if rm.maxNotional > 0 && req.LimitPrice != nil {
		if notional := req.Qty * *req.LimitPrice; notional > rm.maxNotional {
			return nil, fmt.Errorf("%w: order notional %.2f exceeds limit %.2f",
				domain.ErrConflict, notional, rm.maxNotional)
		}
	}
	return inst, nil
}
