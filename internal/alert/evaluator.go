// Package alert evaluates user alert rules against stored candles, records
// de-duplicated alert events and hands notifications to the dispatch queue.
package alert

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"brokerlink/internal/domain"
	"brokerlink/internal/store"
)

// Store is the persistence rule evaluation needs.
type Store interface {
	store.InstrumentStore
	store.CandleStore
	store.RuleStore
	store.EventStore
}

// Notifier accepts notification jobs.
type Notifier interface {
	Enqueue(ctx context.Context, n domain.Notification) error
}

// Options tunes an Evaluator. Zero values take defaults.
type Options struct {
	Workers     int
	RuleCap     int
	RuleTimeout time.Duration
	DedupWindow time.Duration
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.RuleCap <= 0 {
		o.RuleCap = 500
	}
	if o.RuleTimeout <= 0 {
		o.RuleTimeout = 15 * time.Second
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// BatchResult counts what one evaluation batch did.
type BatchResult struct {
	Evaluated    int `json:"evaluated"`
	Fired        int `json:"fired"`
	Deduplicated int `json:"deduplicated"`
	Failed       int `json:"failed"`
}

// Evaluator runs evaluation batches.
type Evaluator struct {
	store      Store
	notifier   Notifier
	conditions map[domain.RuleKind]Condition
	opts       Options
	log        zerolog.Logger
}

// NewEvaluator creates an Evaluator with the default condition registry.
func NewEvaluator(st Store, notifier Notifier, logger zerolog.Logger, opts Options) *Evaluator {
	opts.applyDefaults()
	return &Evaluator{
		store:      st,
		notifier:   notifier,
		conditions: Conditions(st),
		opts:       opts,
		log:        logger.With().Str("component", "alert").Logger(),
	}
}

type outcome int

const (
	quiet outcome = iota
	fired
	deduplicated
)

// Run evaluates up to the rule cap of enabled rules, all users when userID
// is empty. A failing rule is logged and counted; it never aborts the batch.
func (e *Evaluator) Run(ctx context.Context, userID string) (*BatchResult, error) {
	rules, err := e.store.ListEnabledRules(ctx, userID, e.opts.RuleCap)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	var nFired, nDedup, nFailed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for i := range rules {
		rule := &rules[i]
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, e.opts.RuleTimeout)
			defer cancel()
			out, err := e.evaluate(rctx, rule)
			switch {
			case err != nil:
				nFailed.Add(1)
				e.log.Warn().Err(err).Str("rule", rule.ID).Str("kind", string(rule.Kind)).Msg("rule evaluation failed")
			case out == fired:
				nFired.Add(1)
			case out == deduplicated:
				nDedup.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{
		Evaluated:    len(rules),
		Fired:        int(nFired.Load()),
		Deduplicated: int(nDedup.Load()),
		Failed:       int(nFailed.Load()),
	}
	e.log.Debug().Str("user", userID).Int("rules", res.Evaluated).Int("fired", res.Fired).
		Int("deduplicated", res.Deduplicated).Int("failed", res.Failed).Msg("alert batch done")
	return res, nil
}

func (e *Evaluator) evaluate(ctx context.Context, rule *domain.AlertRule) (outcome, error) {
	cond, ok := e.conditions[rule.Kind]
	if !ok {
		return quiet, fmt.Errorf("%w: unknown rule kind %q", domain.ErrValidation, rule.Kind)
	}
	payload, err := cond(ctx, rule)
	if err != nil {
		return quiet, err
	}
	if payload == nil {
		return quiet, nil
	}

	now := e.opts.Now().UTC()
	ev := &domain.AlertEvent{ID: uuid.NewString(), RuleID: rule.ID, Payload: payload, TriggeredAt: now}
	inserted, err := e.store.InsertEventUnlessRecent(ctx, ev, now.Add(-e.opts.DedupWindow))
	if err != nil {
		return quiet, fmt.Errorf("recording event: %w", err)
	}
	if !inserted {
		return deduplicated, nil
	}

	symbol := rule.InstrumentID
	if inst, err := e.store.GetInstrument(ctx, rule.InstrumentID); err == nil {
		symbol = inst.Symbol
	}
	err = e.notifier.Enqueue(ctx, domain.Notification{
		UserID: rule.UserID,
		Title:  fmt.Sprintf("%s triggered", rule.Kind),
		Body:   fmt.Sprintf("%s matched your alert rule", symbol),
		Data:   map[string]any{"eventId": ev.ID, "instrumentId": rule.InstrumentID},
	})
	if err != nil {
		return fired, fmt.Errorf("enqueue notification for event %s: %w", ev.ID, err)
	}
	e.log.Info().Str("rule", rule.ID).Str("user", rule.UserID).Str("event", ev.ID).Msg("alert fired")
	return fired, nil
}
