package alert

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerlink/internal/domain"
)

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, NewScheduler(f.eval, time.Minute, zerolog.Nop()))
	ctx := context.Background()

	tests := []struct {
		name string
		user string
		in   RuleInput
		want error
	}{
		{"missing instrument", "u1", RuleInput{Kind: domain.RulePriceAbove}, domain.ErrValidation},
		{"unknown kind", "u1", RuleInput{InstrumentID: "AAPL", Kind: "MACD_CROSS"}, domain.ErrValidation},
		{"price without threshold", "u1", RuleInput{InstrumentID: "AAPL", Kind: domain.RulePriceBelow}, domain.ErrValidation},
		{"no user", "", RuleInput{InstrumentID: "AAPL", Kind: domain.RuleRSIOversold}, domain.ErrValidation},
		{"unknown instrument", "u1", RuleInput{InstrumentID: "ZZZZ", Kind: domain.RuleRSIOversold}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateRule(ctx, tt.user, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, NewScheduler(f.eval, time.Minute, zerolog.Nop()))
	ctx := context.Background()
	f.bars(t, "AAPL", 150)

	rule, err := svc.CreateRule(ctx, "u1", RuleInput{InstrumentID: "AAPL", Kind: domain.RulePriceAbove,
		Params: map[string]any{"threshold": 120}})
	require.NoError(t, err)
	assert.True(t, rule.Enabled)

	rules, err := svc.ListRules(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	_, err = svc.SetEnabled(ctx, "u2", rule.ID, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	disabled, err := svc.SetEnabled(ctx, "u1", rule.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	res, err := svc.EvaluateNow(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Evaluated)

	_, err = svc.SetEnabled(ctx, "u1", rule.ID, true)
	require.NoError(t, err)
	res, err = svc.EvaluateNow(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)

	// Another user's on-demand batch does not see u1's rules.
	res, err = svc.EvaluateNow(ctx, "u2")
	require.NoError(t, err)
	assert.Zero(t, res.Evaluated)
}
