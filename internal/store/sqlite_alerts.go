package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"brokerlink/internal/domain"
)

// ---------------------------------------------------------------------------
// CandleStore implementation
// ---------------------------------------------------------------------------

// InsertCandles stores bars in one transaction, ignoring duplicates of
// (instrument, timeframe, time).
func (s *SQLiteStore) InsertCandles(ctx context.Context, candles []domain.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO candles (instrument_id, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx, c.InstrumentID, string(c.Timeframe), ms(c.Time),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return 0, fmt.Errorf("inserting candle %s@%s: %w", c.InstrumentID, c.Time.Format(time.RFC3339), err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ReadCandles returns bars within [from, to], ascending.
func (s *SQLiteStore) ReadCandles(ctx context.Context, instrumentID string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	return s.queryCandles(ctx, `
		SELECT instrument_id, timeframe, ts, open, high, low, close, volume FROM candles
		WHERE instrument_id = ? AND timeframe = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`, instrumentID, string(tf), from.UnixMilli(), to.UnixMilli())
}

// LatestCandle returns the most recent bar.
func (s *SQLiteStore) LatestCandle(ctx context.Context, instrumentID string, tf domain.Timeframe) (*domain.Candle, error) {
	out, err := s.LastCandles(ctx, instrumentID, tf, 1)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no %s candles for %s", domain.ErrNotFound, tf, instrumentID)
	}
	return &out[0], nil
}

// LastCandles returns the most recent n bars in ascending order.
func (s *SQLiteStore) LastCandles(ctx context.Context, instrumentID string, tf domain.Timeframe, n int) ([]domain.Candle, error) {
	return s.queryCandles(ctx, `
		SELECT instrument_id, timeframe, ts, open, high, low, close, volume FROM (
			SELECT * FROM candles WHERE instrument_id = ? AND timeframe = ?
			ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, instrumentID, string(tf), n)
}

func (s *SQLiteStore) queryCandles(ctx context.Context, q string, args ...any) ([]domain.Candle, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var (
			c  domain.Candle
			tf string
			ts int64
		)
		if err := rows.Scan(&c.InstrumentID, &tf, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Timeframe = domain.Timeframe(tf)
		c.Time = fromMS(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// RuleStore implementation
// ---------------------------------------------------------------------------

const ruleColumns = `id, user_id, instrument_id, kind, params, enabled, created_at, updated_at`

// CreateRule inserts a new alert rule.
func (s *SQLiteStore) CreateRule(ctx context.Context, r *domain.AlertRule) error {
	params, err := json.Marshal(nonNilMap(r.Params))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO alert_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.InstrumentID, string(r.Kind), string(params), r.Enabled, ms(r.CreatedAt), ms(r.UpdatedAt))
	return err
}

// GetRule retrieves a rule by id.
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*domain.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %q", domain.ErrNotFound, id)
	}
	return r, err
}

// ListRules returns all rules of a user, newest first.
func (s *SQLiteStore) ListRules(ctx context.Context, userID string) ([]domain.AlertRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
}

// ListEnabledRules returns up to limit enabled rules, optionally for one user.
func (s *SQLiteStore) ListEnabledRules(ctx context.Context, userID string, limit int) ([]domain.AlertRule, error) {
	if userID == "" {
		return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules
			WHERE enabled = 1 ORDER BY created_at, rowid LIMIT ?`, limit)
	}
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules
		WHERE enabled = 1 AND user_id = ? ORDER BY created_at, rowid LIMIT ?`, userID, limit)
}

// SetRuleEnabled toggles a rule.
func (s *SQLiteStore) SetRuleEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alert_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, ms(at), id)
	if err != nil {
		return err
	}
	return expectRow(res, "rule "+id)
}

func (s *SQLiteStore) queryRules(ctx context.Context, q string, args ...any) ([]domain.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRule(sc scanner) (*domain.AlertRule, error) {
	var (
		r                domain.AlertRule
		kind, params     string
		created, updated int64
	)
	if err := sc.Scan(&r.ID, &r.UserID, &r.InstrumentID, &kind, &params, &r.Enabled, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("decoding rule params: %w", err)
	}
	r.Kind = domain.RuleKind(kind)
	r.CreatedAt = fromMS(created)
	r.UpdatedAt = fromMS(updated)
	return &r, nil
}

// ---------------------------------------------------------------------------
// EventStore implementation
// ---------------------------------------------------------------------------

// InsertEventUnlessRecent inserts ev in a single statement guarded by a
// NOT EXISTS check on the rule's events since the given time.
func (s *SQLiteStore) InsertEventUnlessRecent(ctx context.Context, ev *domain.AlertEvent, since time.Time) (bool, error) {
	payload, err := json.Marshal(nonNilMap(ev.Payload))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_events (id, rule_id, payload, triggered_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM alert_events WHERE rule_id = ? AND triggered_at >= ?
		)`,
		ev.ID, ev.RuleID, string(payload), ms(ev.TriggeredAt), ev.RuleID, since.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountEventsSince counts a rule's events triggered at or after since.
func (s *SQLiteStore) CountEventsSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_events WHERE rule_id = ? AND triggered_at >= ?`,
		ruleID, since.UnixMilli()).Scan(&n)
	return n, err
}

// ListEventsForUser returns events of the user's rules, newest first.
func (s *SQLiteStore) ListEventsForUser(ctx context.Context, userID string, limit int) ([]domain.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.rule_id, e.payload, e.triggered_at
		FROM alert_events e JOIN alert_rules r ON r.id = e.rule_id
		WHERE r.user_id = ?
		ORDER BY e.triggered_at DESC, e.rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AlertEvent
	for rows.Next() {
		var (
			ev      domain.AlertEvent
			payload string
			at      int64
		)
		if err := rows.Scan(&ev.ID, &ev.RuleID, &payload, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decoding event payload: %w", err)
		}
		ev.TriggeredAt = fromMS(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// DeviceStore implementation
// ---------------------------------------------------------------------------

// UpsertDevice inserts or refreshes the device for (user, token).
func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *domain.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (user_id, token, platform, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, token) DO UPDATE SET
			platform = excluded.platform,
			updated_at = excluded.updated_at`,
		d.UserID, d.Token, d.Platform, ms(d.CreatedAt), ms(d.UpdatedAt))
	return err
}

// ListDevices returns up to limit devices of a user, most recently seen first.
func (s *SQLiteStore) ListDevices(ctx context.Context, userID string, limit int) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, token, platform, created_at, updated_at FROM devices
		WHERE user_id = ? ORDER BY updated_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		var (
			d                domain.Device
			created, updated int64
		)
		if err := rows.Scan(&d.UserID, &d.Token, &d.Platform, &created, &updated); err != nil {
			return nil, err
		}
		d.CreatedAt = fromMS(created)
		d.UpdatedAt = fromMS(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDevice removes a user's device.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, userID, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ? AND token = ?`, userID, token)
	if err != nil {
		return err
	}
	return expectRow(res, "device")
}

// ---------------------------------------------------------------------------
// FailedJobStore implementation
// ---------------------------------------------------------------------------

// SaveFailedJob stores a msgpack-encoded failed job.
func (s *SQLiteStore) SaveFailedJob(ctx context.Context, job *domain.FailedJob) error {
	body, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding failed job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO failed_jobs (id, body, failed_at) VALUES (?, ?, ?)`,
		job.ID, body, ms(job.FailedAt))
	return err
}

// ListFailedJobs returns up to limit failed jobs, most recent first.
func (s *SQLiteStore) ListFailedJobs(ctx context.Context, limit int) ([]domain.FailedJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM failed_jobs ORDER BY failed_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FailedJob
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var job domain.FailedJob
		if err := msgpack.Unmarshal(body, &job); err != nil {
			return nil, fmt.Errorf("decoding failed job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// TrimFailedJobs deletes all but the newest keep jobs.
func (s *SQLiteStore) TrimFailedJobs(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM failed_jobs WHERE id NOT IN (
			SELECT id FROM failed_jobs ORDER BY failed_at DESC, rowid DESC LIMIT ?
		)`, keep)
	return err
}
