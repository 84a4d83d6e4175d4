// Package indicator computes technical indicators over price series ordered
// by ascending time.
//
// Every function returns a slice of the same length as its input. Positions
// where the indicator is not yet defined hold NaN. Empty or short input and
// non-positive periods yield an all-NaN result instead of an error.
package indicator

import "math"

// DefaultRSIPeriod is the conventional RSI look-back.
const DefaultRSIPeriod = 14

// Bar is the subset of a candle VWAP needs.
type Bar struct {
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

func undefined(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Defined reports whether v holds a computed value.
func Defined(v float64) bool {
	return !math.IsNaN(v)
}

// Last returns the final element of values and whether it is defined.
func Last(values []float64) (float64, bool) {
	if len(values) == 0 {
		return math.NaN(), false
	}
	v := values[len(values)-1]
	return v, Defined(v)
}

// SMA returns the simple moving average. out[i] is defined for i >= period-1.
func SMA(values []float64, period int) []float64 {
	out := undefined(len(values))
	if period <= 0 {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average seeded with the SMA at index
// period-1, then next = price*k + prev*(1-k) with k = 2/(period+1).
func EMA(values []float64, period int) []float64 {
	out := undefined(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	k := 2 / float64(period+1)

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	prev := seed / float64(period)
	out[period-1] = prev

	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSI returns the relative strength index using Wilder's smoothing. At least
// period+1 samples are required; the first defined value is at index period.
func RSI(values []float64, period int) []float64 {
	out := undefined(len(values))
	if period <= 0 || len(values) < period+1 {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		diff := values[i] - values[i-1]
		if diff >= 0 {
			gain += diff
		} else {
			loss -= diff
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if diff > 0 {
			g = diff
		} else if diff < 0 {
			l = -diff
		}
		avgGain = (avgGain*(p-1) + g) / p
		avgLoss = (avgLoss*(p-1) + l) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// VWAP returns the cumulative volume-weighted average of the typical price
// (high+low+close)/3. It is undefined while cumulative volume is zero.
func VWAP(bars []Bar) []float64 {
	out := undefined(len(bars))
	var cumPV, cumV float64
	for i, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		cumPV += typical * b.Volume
		cumV += b.Volume
		if cumV != 0 {
			out[i] = cumPV / cumV
		}
	}
	return out
}

// Closes extracts close prices in order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
