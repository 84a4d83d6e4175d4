package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"brokerlink/internal/broker"
	"brokerlink/internal/domain"
)

// SyncPositions replaces the user's stored positions with each connected
// venue's current list and returns the resulting positions. Unknown
// instruments are created on the fly. A failing connection keeps its
// previous rows and its error is combined into the returned error.
func (e *Engine) SyncPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	conns, err := e.conns.Connected(ctx, userID)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, c := range conns {
		if err := e.syncConnectionPositions(ctx, c); err != nil {
			e.log.Warn().Err(err).Str("user", userID).Str("broker", string(c.Broker)).Msg("position sync failed")
			errs = multierr.Append(errs, fmt.Errorf("positions %s: %w", c.Broker, err))
		}
	}

	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, multierr.Append(errs, err)
	}
	return positions, errs
}

func (e *Engine) syncConnectionPositions(ctx context.Context, c domain.BrokerConnection) error {
	adapter, err := e.conns.Adapter(ctx, c.UserID, c.Broker)
	if err != nil {
		return err
	}
	var remote []broker.RemotePosition
	err = e.readVenue(ctx, func(cctx context.Context) error {
		var err error
		remote, err = adapter.ListPositions(cctx)
		return err
	})
	if err != nil {
		return err
	}

	now := e.now().UTC()
	keep := make([]string, 0, len(remote))
	for _, rp := range remote {
		if err := e.store.EnsureInstrument(ctx, instrumentFor(rp.InstrumentID, c.Broker)); err != nil {
			return err
		}
		err := e.store.UpsertPosition(ctx, &domain.Position{
			UserID:       c.UserID,
			Broker:       c.Broker,
			InstrumentID: rp.InstrumentID,
			Qty:          rp.Qty,
			AvgPrice:     rp.AvgPrice,
			Raw:          rp.Raw,
			UpdatedAt:    now,
		})
		if err != nil {
			return err
		}
		keep = append(keep, rp.InstrumentID)
	}

	removed, err := e.store.DeletePositionsExcept(ctx, c.UserID, c.Broker, keep)
	if err != nil {
		return err
	}
	e.log.Debug().Str("user", c.UserID).Str("broker", string(c.Broker)).
		Int("positions", len(keep)).Int("removed", removed).Msg("positions synced")
	return nil
}

// instrumentFor builds a minimal instrument for an id reported by a venue.
// "EXCHANGE:SYMBOL" ids are split; bare tickers are their own symbol.
func instrumentFor(id string, kind domain.BrokerKind) *domain.Instrument {
	inst := &domain.Instrument{ID: id, Symbol: id, Market: kind.Market()}
	if ex, sym, ok := strings.Cut(id, ":"); ok {
		inst.Exchange = ex
		inst.Symbol = sym
	}
	return inst
}

// AccountSummaries fetches the balances of every connection of the user and
// stores each as a snapshot.
func (e *Engine) AccountSummaries(ctx context.Context, userID string) ([]domain.AccountSummary, error) {
	conns, err := e.conns.Connected(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		out  []domain.AccountSummary
		errs error
	)
	for _, c := range conns {
		sum, err := e.accountSummary(ctx, c)
		if err != nil {
			e.log.Warn().Err(err).Str("user", userID).Str("broker", string(c.Broker)).Msg("account summary failed")
			errs = multierr.Append(errs, fmt.Errorf("summary %s: %w", c.Broker, err))
			continue
		}
		out = append(out, *sum)
	}
	return out, errs
}

func (e *Engine) accountSummary(ctx context.Context, c domain.BrokerConnection) (*domain.AccountSummary, error) {
	adapter, err := e.conns.Adapter(ctx, c.UserID, c.Broker)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	sum, err := adapter.GetAccountSummary(cctx)
	cancel()
	if err != nil {
		return nil, err
	}
	sum.Broker = c.Broker
	err = e.store.SaveAccountSnapshot(ctx, &domain.AccountSnapshot{UserID: c.UserID, Summary: *sum, TakenAt: e.now().UTC()})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// Snapshots returns the newest stored account snapshots for a broker.
func (e *Engine) Snapshots(ctx context.Context, userID string, kind domain.BrokerKind, limit int) ([]domain.AccountSnapshot, error) {
	if limit <= 0 || limit > MaxOrderList {
		limit = 50
	}
	return e.store.ListAccountSnapshots(ctx, userID, kind, limit)
}
