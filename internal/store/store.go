// Package store defines storage interfaces for persisting and retrieving
// domain objects such as connections, orders, positions, candles, alert
// rules and their events.
package store

import (
	"context"
	"time"

	"brokerlink/internal/domain"
)

// ConnectionStore persists per-user broker connections.
type ConnectionStore interface {
	// UpsertConnection inserts or replaces the connection for (user, broker).
	UpsertConnection(ctx context.Context, c *domain.BrokerConnection) error

	// GetConnection returns domain.ErrNotFound when no row exists.
	GetConnection(ctx context.Context, userID string, broker domain.BrokerKind) (*domain.BrokerConnection, error)

	// SetConnectionStatus updates the status of an existing row.
	SetConnectionStatus(ctx context.Context, userID string, broker domain.BrokerKind, status domain.ConnectionStatus, at time.Time) error

	// ListConnections returns a user's connections, or all when userID is empty.
	ListConnections(ctx context.Context, userID string) ([]domain.BrokerConnection, error)
}

// InstrumentStore persists tradable instruments.
type InstrumentStore interface {
	// UpsertInstrument inserts or replaces an instrument.
	UpsertInstrument(ctx context.Context, inst *domain.Instrument) error

	// EnsureInstrument inserts the instrument unless one with the same ID exists.
	EnsureInstrument(ctx context.Context, inst *domain.Instrument) error

	// GetInstrument returns domain.ErrNotFound when no row exists.
	GetInstrument(ctx context.Context, id string) (*domain.Instrument, error)
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// CreateOrder inserts a new order.
	CreateOrder(ctx context.Context, o *domain.Order) error

	// GetOrder returns domain.ErrNotFound when no row exists.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// UpdateOrder persists status, external id and raw payload changes.
	UpdateOrder(ctx context.Context, o *domain.Order) error

	// AdvanceOrder writes the same fields as UpdateOrder but only while the
	// stored status still equals from. It reports whether the row changed.
	AdvanceOrder(ctx context.Context, o *domain.Order, from domain.OrderStatus) (bool, error)

	// FindOrderByExternalID looks up a user's order by the venue's id.
	FindOrderByExternalID(ctx context.Context, userID string, broker domain.BrokerKind, externalID string) (*domain.Order, error)

	// ListOrders returns a user's most recent orders, newest first.
	ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error)
}

// PositionStore persists the projection of broker-held positions.
type PositionStore interface {
	// UpsertPosition inserts or replaces the position for (user, broker, instrument).
	UpsertPosition(ctx context.Context, p *domain.Position) error

	// ListPositions returns all positions of a user.
	ListPositions(ctx context.Context, userID string) ([]domain.Position, error)

	// DeletePositionsExcept removes a user's positions at a broker whose
	// instrument is not in keep, returning the number removed.
	DeletePositionsExcept(ctx context.Context, userID string, broker domain.BrokerKind, keep []string) (int, error)
}

// SnapshotStore persists account summary snapshots.
type SnapshotStore interface {
	SaveAccountSnapshot(ctx context.Context, s *domain.AccountSnapshot) error
	ListAccountSnapshots(ctx context.Context, userID string, broker domain.BrokerKind, limit int) ([]domain.AccountSnapshot, error)
}

// CandleStore persists OHLCV bars keyed by (instrument, timeframe, time).
type CandleStore interface {
	// InsertCandles stores bars, ignoring ones whose key already exists.
	// It returns the number of rows actually inserted.
	InsertCandles(ctx context.Context, candles []domain.Candle) (int, error)

	// ReadCandles returns bars within [from, to], ascending.
	ReadCandles(ctx context.Context, instrumentID string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error)

	// LatestCandle returns domain.ErrNotFound when no bar is stored.
	LatestCandle(ctx context.Context, instrumentID string, tf domain.Timeframe) (*domain.Candle, error)

	// LastCandles returns the most recent n bars, ascending.
	LastCandles(ctx context.Context, instrumentID string, tf domain.Timeframe, n int) ([]domain.Candle, error)
}

// RuleStore persists alert rules.
type RuleStore interface {
	CreateRule(ctx context.Context, r *domain.AlertRule) error

	// GetRule returns domain.ErrNotFound when no row exists.
	GetRule(ctx context.Context, id string) (*domain.AlertRule, error)

	// ListRules returns a user's rules, newest first.
	ListRules(ctx context.Context, userID string) ([]domain.AlertRule, error)

	// ListEnabledRules returns up to limit enabled rules, scoped to userID
	// when it is not empty.
	ListEnabledRules(ctx context.Context, userID string, limit int) ([]domain.AlertRule, error)

	SetRuleEnabled(ctx context.Context, id string, enabled bool, at time.Time) error
}

// EventStore persists alert events. Events are append-only.
type EventStore interface {
	// InsertEventUnlessRecent atomically inserts ev unless an event for the
	// same rule was triggered at or after since. It reports whether ev was
	// inserted.
	InsertEventUnlessRecent(ctx context.Context, ev *domain.AlertEvent, since time.Time) (bool, error)

	// CountEventsSince counts events of a rule triggered at or after since.
	CountEventsSince(ctx context.Context, ruleID string, since time.Time) (int, error)

	// ListEventsForUser returns events of the user's rules, newest first.
	ListEventsForUser(ctx context.Context, userID string, limit int) ([]domain.AlertEvent, error)
}

// DeviceStore persists push delivery endpoints.
type DeviceStore interface {
	// UpsertDevice inserts or refreshes the device for (user, token).
	UpsertDevice(ctx context.Context, d *domain.Device) error

	// ListDevices returns up to limit devices of a user, most recently seen first.
	ListDevices(ctx context.Context, userID string, limit int) ([]domain.Device, error)

	DeleteDevice(ctx context.Context, userID, token string) error
}

// FailedJobStore retains notification jobs that exhausted their attempts.
type FailedJobStore interface {
	SaveFailedJob(ctx context.Context, job *domain.FailedJob) error

	// ListFailedJobs returns up to limit jobs, most recent first.
	ListFailedJobs(ctx context.Context, limit int) ([]domain.FailedJob, error)

	// TrimFailedJobs keeps only the newest keep jobs.
	TrimFailedJobs(ctx context.Context, keep int) error
}

// Store is the full persistence surface used by brokerlink.
type Store interface {
	ConnectionStore
	InstrumentStore
	OrderStore
	PositionStore
	SnapshotStore
	CandleStore
	RuleStore
	EventStore
	DeviceStore
	FailedJobStore
	Close() error
}
