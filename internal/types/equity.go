package types

import (
	"time"
)

// EquityPoint is one slot of the equity curve. Every input tick owns a slot;
// ticks the engine skips stay unmarked and are ignored by analytics.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Marked    bool      `json:"marked"`
}

// MarkedPoints returns the marked slots of a curve in order
func MarkedPoints(curve []EquityPoint) []EquityPoint {
	out := make([]EquityPoint, 0, len(curve))
	for _, p := range curve {
		if p.Marked {
			out = append(out, p)
		}
	}
	return out
}
