package alert

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/spf13/cast"

	"brokerlink/internal/domain"
	"brokerlink/internal/indicator"
	"brokerlink/internal/store"
)

// Rules are evaluated against stored 15-minute bars.
const (
	EvalTimeframe = domain.Timeframe15m
	RSIPeriod     = 14
	RSIWindow     = 100
	RSIOverbought = 70.0
	RSIOversold   = 30.0
)

// Condition evaluates one rule. It returns the event payload when the rule
// fires and nil otherwise.
type Condition func(ctx context.Context, rule *domain.AlertRule) (map[string]any, error)

// Conditions returns the evaluator registry for every rule kind.
func Conditions(candles store.CandleStore) map[domain.RuleKind]Condition {
	return map[domain.RuleKind]Condition{
		domain.RulePriceAbove:    priceCondition(candles, true),
		domain.RulePriceBelow:    priceCondition(candles, false),
		domain.RuleRSIOverbought: rsiCondition(candles, true),
		domain.RuleRSIOversold:   rsiCondition(candles, false),
	}
}

func priceCondition(candles store.CandleStore, above bool) Condition {
	return func(ctx context.Context, rule *domain.AlertRule) (map[string]any, error) {
		latest, err := candles.LatestCandle(ctx, rule.InstrumentID, EvalTimeframe)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		threshold, ok := Threshold(rule.Params)
		if !ok {
			return nil, nil
		}
		price := latest.Close
		if (above && price > threshold) || (!above && price < threshold) {
			return map[string]any{
				"type":      string(rule.Kind),
				"price":     price,
				"threshold": threshold,
				"at":        latest.Time.UTC().Format(time.RFC3339),
			}, nil
		}
		return nil, nil
	}
}

func rsiCondition(candles store.CandleStore, overbought bool) Condition {
	return func(ctx context.Context, rule *domain.AlertRule) (map[string]any, error) {
		bars, err := candles.LastCandles(ctx, rule.InstrumentID, EvalTimeframe, RSIWindow)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			return nil, nil
		}
		closes := make([]float64, len(bars))
		for i, b := range bars {
			closes[i] = b.Close
		}
		current, ok := indicator.Last(indicator.RSI(closes, RSIPeriod))
		if !ok {
			return nil, nil
		}

		band := RSIOversold
		fired := current <= RSIOversold
		if overbought {
			band = RSIOverbought
			fired = current >= RSIOverbought
		}
		if !fired {
			return nil, nil
		}
		return map[string]any{
			"type":      string(rule.Kind),
			"rsi":       current,
			"threshold": band,
			"at":        bars[len(bars)-1].Time.UTC().Format(time.RFC3339),
		}, nil
	}
}

// Threshold reads the numeric "threshold" parameter. Numbers and numeric
// strings are accepted; anything else, including NaN and infinities, is not.
func Threshold(params map[string]any) (float64, bool) {
	v, ok := params["threshold"]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
