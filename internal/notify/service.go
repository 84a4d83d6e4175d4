package notify

import (
	"context"
	"fmt"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/store"
)

// Inbox limits.
const (
	DefaultInboxLimit = 50
	MaxInboxLimit     = 200
)

// ServiceStore is the persistence the device and inbox service needs.
type ServiceStore interface {
	store.DeviceStore
	store.EventStore
	store.RuleStore
	store.InstrumentStore
}

// DeviceInput registers a push endpoint.
type DeviceInput struct {
	Token    string `json:"token" validate:"required,min=10,max=500"`
	Platform string `json:"platform,omitempty" validate:"omitempty,oneof=ios android web"`
}

// InboxItem is an alert event with the rule and instrument it belongs to.
type InboxItem struct {
	domain.AlertEvent
	RuleKind   domain.RuleKind    `json:"type"`
	Instrument *domain.Instrument `json:"instrument,omitempty"`
}

// Service manages device registrations and the alert inbox.
type Service struct {
	store ServiceStore
	now   func() time.Time
}

// NewService creates a Service.
func NewService(st ServiceStore) *Service {
	return &Service{store: st, now: time.Now}
}

// RegisterDevice upserts the device on (user, token).
func (s *Service) RegisterDevice(ctx context.Context, userID string, in DeviceInput) (*domain.Device, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrValidation)
	}
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	d := &domain.Device{UserID: userID, Token: in.Token, Platform: in.Platform, CreatedAt: now, UpdatedAt: now}
	if err := s.store.UpsertDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}
	return d, nil
}

// UnregisterDevice removes a device. Unknown tokens are NotFound.
func (s *Service) UnregisterDevice(ctx context.Context, userID, token string) error {
	return s.store.DeleteDevice(ctx, userID, token)
}

// Devices lists the user's devices.
func (s *Service) Devices(ctx context.Context, userID string) ([]domain.Device, error) {
	return s.store.ListDevices(ctx, userID, MaxInboxLimit)
}

// Inbox returns the newest alert events of the user's rules. A limit of zero
// or less means the default; larger limits are capped.
func (s *Service) Inbox(ctx context.Context, userID string, limit int) ([]InboxItem, error) {
	switch {
	case limit <= 0:
		limit = DefaultInboxLimit
	case limit > MaxInboxLimit:
		limit = MaxInboxLimit
	}
	events, err := s.store.ListEventsForUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	rules := map[string]*domain.AlertRule{}
	instruments := map[string]*domain.Instrument{}
	items := make([]InboxItem, 0, len(events))
	for _, ev := range events {
		item := InboxItem{AlertEvent: ev}
		rule, ok := rules[ev.RuleID]
		if !ok {
			if rule, err = s.store.GetRule(ctx, ev.RuleID); err != nil {
				return nil, err
			}
			rules[ev.RuleID] = rule
		}
		item.RuleKind = rule.Kind
		inst, ok := instruments[rule.InstrumentID]
		if !ok {
			inst, _ = s.store.GetInstrument(ctx, rule.InstrumentID)
			instruments[rule.InstrumentID] = inst
		}
		item.Instrument = inst
		items = append(items, item)
	}
	return items, nil
}
