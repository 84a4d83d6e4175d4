package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"brokerlink/internal/domain"
)

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, user_id, broker, instrument_id, side, type, qty, limit_price,
	external_id, status, raw_payload, created_at, updated_at`

// CreateOrder inserts a new order.
func (s *SQLiteStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, string(o.Broker), o.InstrumentID, string(o.Side), string(o.Type), o.Qty,
		nullFloat(o.LimitPrice), nullString(o.ExternalID), string(o.Status), rawText(o.RawPayload),
		ms(o.CreatedAt), ms(o.UpdatedAt))
	return err
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %q", domain.ErrNotFound, id)
	}
	return o, err
}

// UpdateOrder persists the mutable fields of an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET external_id = ?, status = ?, raw_payload = ?, updated_at = ?
		WHERE id = ?`,
		nullString(o.ExternalID), string(o.Status), rawText(o.RawPayload), ms(o.UpdatedAt), o.ID)
	if err != nil {
		return err
	}
	return expectRow(res, "order "+o.ID)
}

// AdvanceOrder is a compare-and-set on status: concurrent writers that
// read the same row cannot overwrite each other's transition.
func (s *SQLiteStore) AdvanceOrder(ctx context.Context, o *domain.Order, from domain.OrderStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET external_id = ?, status = ?, raw_payload = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		nullString(o.ExternalID), string(o.Status), rawText(o.RawPayload), ms(o.UpdatedAt), o.ID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindOrderByExternalID returns the most recent order of a user at a broker
// carrying the given venue id.
func (s *SQLiteStore) FindOrderByExternalID(ctx context.Context, userID string, broker domain.BrokerKind, externalID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND broker = ? AND external_id = ?
		ORDER BY created_at DESC LIMIT 1`, userID, string(broker), externalID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order with external id %q", domain.ErrNotFound, externalID)
	}
	return o, err
}

// ListOrders returns a user's most recent orders, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(sc scanner) (*domain.Order, error) {
	var (
		o                         domain.Order
		broker, side, typ, status string
		limit                     sql.NullFloat64
		external, raw             sql.NullString
		created, updated          int64
	)
	err := sc.Scan(&o.ID, &o.UserID, &broker, &o.InstrumentID, &side, &typ, &o.Qty, &limit,
		&external, &status, &raw, &created, &updated)
	if err != nil {
		return nil, err
	}
	o.Broker = domain.BrokerKind(broker)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.LimitPrice = floatPtr(limit)
	o.ExternalID = external.String
	o.RawPayload = rawFromText(raw)
	o.CreatedAt = fromMS(created)
	o.UpdatedAt = fromMS(updated)
	return &o, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// UpsertPosition inserts or replaces the position for (user, broker, instrument).
func (s *SQLiteStore) UpsertPosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (user_id, broker, instrument_id, qty, avg_price, raw, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, broker, instrument_id) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			raw = excluded.raw,
			updated_at = excluded.updated_at`,
		p.UserID, string(p.Broker), p.InstrumentID, p.Qty, nullFloat(p.AvgPrice), rawText(p.Raw), ms(p.UpdatedAt))
	return err
}

// ListPositions returns all positions of a user.
func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, broker, instrument_id, qty, avg_price, raw, updated_at
		FROM positions WHERE user_id = ? ORDER BY broker, instrument_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p       domain.Position
			broker  string
			avg     sql.NullFloat64
			raw     sql.NullString
			updated int64
		)
		if err := rows.Scan(&p.UserID, &broker, &p.InstrumentID, &p.Qty, &avg, &raw, &updated); err != nil {
			return nil, err
		}
		p.Broker = domain.BrokerKind(broker)
		p.AvgPrice = floatPtr(avg)
		p.Raw = rawFromText(raw)
		p.UpdatedAt = fromMS(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePositionsExcept removes the user's positions at broker whose
// instrument is not listed in keep.
func (s *SQLiteStore) DeletePositionsExcept(ctx context.Context, userID string, broker domain.BrokerKind, keep []string) (int, error) {
	q := `DELETE FROM positions WHERE user_id = ? AND broker = ?`
	args := []any{userID, string(broker)}
	if len(keep) > 0 {
		q += ` AND instrument_id NOT IN (` + placeholders(len(keep)) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---------------------------------------------------------------------------
// SnapshotStore implementation
// ---------------------------------------------------------------------------

// SaveAccountSnapshot appends an account summary snapshot.
func (s *SQLiteStore) SaveAccountSnapshot(ctx context.Context, snap *domain.AccountSnapshot) error {
	sum := snap.Summary
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_snapshots (user_id, broker, equity, cash, buying_power, raw, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.UserID, string(sum.Broker), sum.Equity, sum.Cash, sum.BuyingPower, rawText(sum.Raw), ms(snap.TakenAt))
	return err
}

// ListAccountSnapshots returns the newest snapshots of a user at a broker.
func (s *SQLiteStore) ListAccountSnapshots(ctx context.Context, userID string, broker domain.BrokerKind, limit int) ([]domain.AccountSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, broker, equity, cash, buying_power, raw, taken_at
		FROM account_snapshots WHERE user_id = ? AND broker = ?
		ORDER BY taken_at DESC, id DESC LIMIT ?`, userID, string(broker), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AccountSnapshot
	for rows.Next() {
		var (
			snap   domain.AccountSnapshot
			broker string
			raw    sql.NullString
			taken  int64
		)
		sum := &snap.Summary
		if err := rows.Scan(&snap.UserID, &broker, &sum.Equity, &sum.Cash, &sum.BuyingPower, &raw, &taken); err != nil {
			return nil, err
		}
		sum.Broker = domain.BrokerKind(broker)
		sum.Raw = rawFromText(raw)
		snap.TakenAt = fromMS(taken)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
