package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"brokerlink/internal/domain"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database. Timestamps are
// stored as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS broker_connections (
	user_id     TEXT NOT NULL,
	broker      TEXT NOT NULL,
	status      TEXT NOT NULL,
	credentials TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (user_id, broker)
);

CREATE TABLE IF NOT EXISTS instruments (
	id       TEXT PRIMARY KEY,
	symbol   TEXT NOT NULL,
	market   TEXT NOT NULL,
	exchange TEXT NOT NULL DEFAULT '',
	name     TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	broker        TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	side          TEXT NOT NULL,
	type          TEXT NOT NULL,
	qty           REAL NOT NULL,
	limit_price   REAL,
	external_id   TEXT,
	status        TEXT NOT NULL,
	raw_payload   TEXT,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_external ON orders (user_id, broker, external_id);

CREATE TABLE IF NOT EXISTS positions (
	user_id       TEXT NOT NULL,
	broker        TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	qty           REAL NOT NULL,
	avg_price     REAL,
	raw           TEXT,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (user_id, broker, instrument_id)
);

CREATE TABLE IF NOT EXISTS account_snapshots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id      TEXT NOT NULL,
	broker       TEXT NOT NULL,
	equity       REAL NOT NULL,
	cash         REAL NOT NULL,
	buying_power REAL NOT NULL,
	raw          TEXT,
	taken_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_user ON account_snapshots (user_id, broker, taken_at);

CREATE TABLE IF NOT EXISTS candles (
	instrument_id TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	ts            INTEGER NOT NULL,
	open          REAL NOT NULL,
	high          REAL NOT NULL,
	low           REAL NOT NULL,
	close         REAL NOT NULL,
	volume        REAL NOT NULL,
	PRIMARY KEY (instrument_id, timeframe, ts)
);

CREATE TABLE IF NOT EXISTS alert_rules (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	instrument_id TEXT NOT NULL,
	kind          TEXT NOT NULL,
	params        TEXT NOT NULL DEFAULT '{}',
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_enabled ON alert_rules (enabled, user_id);

CREATE TABLE IF NOT EXISTS alert_events (
	id           TEXT PRIMARY KEY,
	rule_id      TEXT NOT NULL REFERENCES alert_rules (id) ON DELETE CASCADE,
	payload      TEXT NOT NULL,
	triggered_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_rule ON alert_events (rule_id, triggered_at);

CREATE TABLE IF NOT EXISTS devices (
	user_id    TEXT NOT NULL,
	token      TEXT NOT NULL,
	platform   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, token)
);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id        TEXT PRIMARY KEY,
	body      BLOB NOT NULL,
	failed_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore. Use ":memory:" for an
// ephemeral database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; callers must not hold rows open
	// while issuing another query.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// ConnectionStore implementation
// ---------------------------------------------------------------------------

// UpsertConnection inserts or replaces the connection for (user, broker),
// preserving the original creation time.
func (s *SQLiteStore) UpsertConnection(ctx context.Context, c *domain.BrokerConnection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_connections (user_id, broker, status, credentials, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, broker) DO UPDATE SET
			status = excluded.status,
			credentials = excluded.credentials,
			updated_at = excluded.updated_at`,
		c.UserID, string(c.Broker), string(c.Status), c.Credentials, ms(c.CreatedAt), ms(c.UpdatedAt))
	return err
}

// GetConnection retrieves the connection for (user, broker).
func (s *SQLiteStore) GetConnection(ctx context.Context, userID string, broker domain.BrokerKind) (*domain.BrokerConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, broker, status, credentials, created_at, updated_at
		FROM broker_connections WHERE user_id = ? AND broker = ?`, userID, string(broker))
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no %s connection", domain.ErrNotFound, broker)
	}
	return c, err
}

// SetConnectionStatus updates the status of an existing connection.
func (s *SQLiteStore) SetConnectionStatus(ctx context.Context, userID string, broker domain.BrokerKind, status domain.ConnectionStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE broker_connections SET status = ?, updated_at = ?
		WHERE user_id = ? AND broker = ?`, string(status), ms(at), userID, string(broker))
	if err != nil {
		return err
	}
	return expectRow(res, "connection")
}

// ListConnections returns connections of a user, or of every user when
// userID is empty.
func (s *SQLiteStore) ListConnections(ctx context.Context, userID string) ([]domain.BrokerConnection, error) {
	q := `SELECT user_id, broker, status, credentials, created_at, updated_at FROM broker_connections`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY user_id, broker`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BrokerConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConnection(sc scanner) (*domain.BrokerConnection, error) {
	var (
		c                domain.BrokerConnection
		broker, status   string
		created, updated int64
	)
	if err := sc.Scan(&c.UserID, &broker, &status, &c.Credentials, &created, &updated); err != nil {
		return nil, err
	}
	c.Broker = domain.BrokerKind(broker)
	c.Status = domain.ConnectionStatus(status)
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(updated)
	return &c, nil
}

// ---------------------------------------------------------------------------
// InstrumentStore implementation
// ---------------------------------------------------------------------------

// UpsertInstrument inserts or replaces an instrument.
func (s *SQLiteStore) UpsertInstrument(ctx context.Context, inst *domain.Instrument) error {
	meta, err := json.Marshal(nonNilMap(inst.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instruments (id, symbol, market, exchange, name, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			symbol = excluded.symbol,
			market = excluded.market,
			exchange = excluded.exchange,
			name = excluded.name,
			metadata = excluded.metadata`,
		inst.ID, inst.Symbol, string(inst.Market), inst.Exchange, inst.Name, string(meta))
	return err
}

// EnsureInstrument inserts the instrument unless it already exists.
func (s *SQLiteStore) EnsureInstrument(ctx context.Context, inst *domain.Instrument) error {
	meta, err := json.Marshal(nonNilMap(inst.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO instruments (id, symbol, market, exchange, name, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Symbol, string(inst.Market), inst.Exchange, inst.Name, string(meta))
	return err
}

// GetInstrument retrieves an instrument by id.
func (s *SQLiteStore) GetInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	var (
		inst   domain.Instrument
		market string
		meta   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, market, exchange, name, metadata FROM instruments WHERE id = ?`, id).
		Scan(&inst.ID, &inst.Symbol, &market, &inst.Exchange, &inst.Name, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instrument %q", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	inst.Market = domain.Market(market)
	if err := json.Unmarshal([]byte(meta), &inst.Metadata); err != nil {
		return nil, fmt.Errorf("decoding instrument metadata: %w", err)
	}
	return &inst, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func rawText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawFromText(n sql.NullString) json.RawMessage {
	if !n.Valid || n.String == "" {
		return nil
	}
	return json.RawMessage(n.String)
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return nil
}
