package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"brokerlink/internal/broker"
	"brokerlink/internal/domain"
)

// ConnectionCount is the number of local orders changed for one connection.
type ConnectionCount struct {
	UserID string            `json:"userId"`
	Broker domain.BrokerKind `json:"broker"`
	Count  int               `json:"count"`
}

// ReconcileResult summarises a reconciliation pass.
type ReconcileResult struct {
	Updated []ConnectionCount `json:"updated"`
}

// Total returns the number of orders changed across all connections.
func (r *ReconcileResult) Total() int {
	n := 0
	for _, c := range r.Updated {
		n += c.Count
	}
	return n
}

// Reconcile pulls each connection's remote orders and advances matching
// local orders. userID scopes the pass to one user; empty means every
// connection. A failing connection does not stop the others: the result
// covers the ones that succeeded and the returned error combines the rest.
func (e *Engine) Reconcile(ctx context.Context, userID string) (*ReconcileResult, error) {
	conns, err := e.conns.Connected(ctx, userID)
	if err != nil {
		return nil, err
	}

	counts := make([]ConnectionCount, len(conns))
	errs := make([]error, len(conns))

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, c := range conns {
		g.Go(func() error {
			n, err := e.reconcileConnection(ctx, c)
			counts[i] = ConnectionCount{UserID: c.UserID, Broker: c.Broker, Count: n}
			if err != nil {
				errs[i] = fmt.Errorf("reconcile %s/%s: %w", c.UserID, c.Broker, err)
				e.log.Warn().Err(err).Str("user", c.UserID).Str("broker", string(c.Broker)).Msg("reconciliation failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &ReconcileResult{Updated: counts}
	e.log.Debug().Int("connections", len(conns)).Int("updated", res.Total()).Msg("reconciliation pass")
	return res, multierr.Combine(errs...)
}

func (e *Engine) reconcileConnection(ctx context.Context, c domain.BrokerConnection) (int, error) {
	adapter, err := e.conns.Adapter(ctx, c.UserID, c.Broker)
	if err != nil {
		return 0, err
	}

	var remote []broker.RemoteOrder
	err = e.readVenue(ctx, func(cctx context.Context) error {
		var err error
		remote, err = adapter.ListOrders(cctx, broker.OrderFilter{Status: "all", Limit: MaxOrderList})
		return err
	})
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, ro := range remote {
		if ro.ExternalID == "" {
			continue
		}
		mapped, ok := NormalizeStatus(ro.Status)
		if !ok {
			e.log.Debug().Str("broker", string(c.Broker)).Str("external_id", ro.ExternalID).
				Str("status", ro.Status).Msg("unmapped venue status ignored")
			continue
		}

		local, err := e.store.FindOrderByExternalID(ctx, c.UserID, c.Broker, ro.ExternalID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return updated, err
		}
		if !shouldAdvance(local.Status, mapped) {
			continue
		}

		from := local.Status
		local.Status = mapped
		if len(ro.Raw) > 0 {
			local.RawPayload = ro.Raw
		}
		local.UpdatedAt = e.now().UTC()
		changed, err := e.store.AdvanceOrder(ctx, local, from)
		if err != nil {
			return updated, err
		}
		if !changed {
			// Another writer moved the order since it was read.
			e.log.Debug().Str("order_id", local.ID).Str("status", string(mapped)).Msg("reconcile skipped concurrently updated order")
			continue
		}
		updated++
	}
	return updated, nil
}
