package types

import (
	"time"
)

// PricePoint is a single (timestamp, price) tick of the input series
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// NewPricePoint creates a new price point
func NewPricePoint(timestamp time.Time, price float64) PricePoint {
	return PricePoint{
		Timestamp: timestamp,
		Price:     price,
	}
}

// Date returns the calendar date of the tick in its own location
func (p PricePoint) Date() time.Time {
	y, m, d := p.Timestamp.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.Timestamp.Location())
}

// Prices extracts the price column of a series
func Prices(series []PricePoint) []float64 {
	prices := make([]float64, len(series))
	for i, point := range series {
		prices[i] = point.Price
	}
	return prices
}

// IsStrictlyAscending reports whether timestamps strictly increase
func IsStrictlyAscending(series []PricePoint) bool {
	for i := 1; i < len(series); i++ {
		if !series[i].Timestamp.After(series[i-1].Timestamp) {
			return false
		}
	}
	return true
}

// SameDate reports whether two timestamps fall on the same calendar date
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
