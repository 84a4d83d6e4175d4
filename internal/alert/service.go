package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"brokerlink/internal/domain"
)

// RuleInput describes a new alert rule.
type RuleInput struct {
	InstrumentID string          `json:"instrumentId" validate:"required"`
	Kind         domain.RuleKind `json:"type" validate:"required"`
	Params       map[string]any  `json:"params"`
}

// Service manages a user's alert rules.
type Service struct {
	store Store
	sched *Scheduler
	now   func() time.Time
}

// NewService creates a rule Service. EvaluateNow runs through sched.
func NewService(st Store, sched *Scheduler) *Service {
	return &Service{store: st, sched: sched, now: time.Now}
}

// CreateRule stores an enabled rule for an existing instrument.
func (s *Service) CreateRule(ctx context.Context, userID string, in RuleInput) (*domain.AlertRule, error) {
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrValidation)
	}
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown rule type %q", domain.ErrValidation, in.Kind)
	}
	if in.Kind == domain.RulePriceAbove || in.Kind == domain.RulePriceBelow {
		if _, ok := Threshold(in.Params); !ok {
			return nil, fmt.Errorf("%w: %s requires a numeric threshold", domain.ErrValidation, in.Kind)
		}
	}
	if _, err := s.store.GetInstrument(ctx, in.InstrumentID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rule := &domain.AlertRule{
		ID:           uuid.NewString(),
		UserID:       userID,
		InstrumentID: in.InstrumentID,
		Kind:         in.Kind,
		Params:       in.Params,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if rule.Params == nil {
		rule.Params = map[string]any{}
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("creating rule: %w", err)
	}
	return rule, nil
}

// ListRules returns the user's rules, newest first.
func (s *Service) ListRules(ctx context.Context, userID string) ([]domain.AlertRule, error) {
	return s.store.ListRules(ctx, userID)
}

// SetEnabled toggles one of the user's rules.
func (s *Service) SetEnabled(ctx context.Context, userID, ruleID string, enabled bool) (*domain.AlertRule, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.UserID != userID {
		return nil, fmt.Errorf("%w: rule %q", domain.ErrNotFound, ruleID)
	}
	now := s.now().UTC()
	if err := s.store.SetRuleEnabled(ctx, ruleID, enabled, now); err != nil {
		return nil, err
	}
	rule.Enabled = enabled
	rule.UpdatedAt = now
	return rule, nil
}

// EvaluateNow runs an evaluation batch scoped to the user.
func (s *Service) EvaluateNow(ctx context.Context, userID string) (*BatchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrValidation)
	}
	return s.sched.Tick(ctx, userID)
}
