package indicators

import (
	"math"

	"github.com/cinar/indicator"
)

// DefaultATRPeriod is the rolling period used when none is configured
const DefaultATRPeriod = 50

// AbsDiffs returns |p[i] - p[i-1]| for i >= 1. The result is one shorter
// than prices.
func AbsDiffs(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	diffs := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		diffs[i-1] = math.Abs(prices[i] - prices[i-1])
	}
	return diffs
}

// RollingATR returns, for every tick, the mean absolute tick-to-tick change
// over the trailing period, DefaultATRPeriod when period is not positive.
// Fewer than period changes are averaged as they are. The first tick has no
// change of its own and takes the first computed value. A series with no
// change at all yields lastValid everywhere.
func RollingATR(prices []float64, period int, lastValid float64) []float64 {
	if period <= 0 {
		period = DefaultATRPeriod
	}
	out := make([]float64, len(prices))
	diffs := AbsDiffs(prices)
	if len(diffs) == 0 {
		for i := range out {
			out[i] = lastValid
		}
		return out
	}

	// Sma averages the first period-1 values over what is available
	sma := indicator.Sma(period, diffs)
	for i, v := range sma {
		out[i+1] = v
	}
	out[0] = out[1]
	return out
}

// WindowATR returns the mean absolute change over the changes that fall
// inside the last window ticks. It falls back to lastValid when fewer than
// half the window (rounded up) are available.
func WindowATR(prices []float64, window int, lastValid float64) float64 {
	if window <= 0 || len(prices) < 2 {
		return lastValid
	}

	// the oldest tick of the window has no predecessor inside it when the
	// window reaches back to the first price
	start := len(prices) - window
	if start < 1 {
		start = 1
	}

	diffs := make([]float64, 0, len(prices)-start)
	for i := start; i < len(prices); i++ {
		d := math.Abs(prices[i] - prices[i-1])
		if math.IsNaN(d) {
			continue
		}
		diffs = append(diffs, d)
	}

	count := len(diffs)
	if count == 0 || count < (window+1)/2 {
		return lastValid
	}
	mean := indicator.Sma(count, diffs)[count-1]
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return lastValid
	}
	return mean
}

// ATRTracker remembers the last successfully computed ATR so undefined
// estimates can be replaced
type ATRTracker struct {
	lastValid float64
}

// NewATRTracker creates a tracker seeded with initial
func NewATRTracker(initial float64) *ATRTracker {
	return &ATRTracker{lastValid: initial}
}

// LastValid returns the fallback value
func (t *ATRTracker) LastValid() float64 {
	return t.lastValid
}

// Resolve returns atr when it is defined and records it, otherwise it
// returns the last valid value. The second result reports substitution.
func (t *ATRTracker) Resolve(atr float64) (float64, bool) {
	if math.IsNaN(atr) || math.IsInf(atr, 0) {
		return t.lastValid, true
	}
	t.lastValid = atr
	return atr, false
}

// Window computes WindowATR over prices using the tracked fallback
func (t *ATRTracker) Window(prices []float64, window int) float64 {
	return WindowATR(prices, window, t.lastValid)
}
