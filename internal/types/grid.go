package types

import (
	"math"
	"time"
)

// GridLevel represents a single grid level around the pivot
type GridLevel struct {
	Index int     `json:"index"` // 1-based distance from the pivot
	Price float64 `json:"price"`
	Side  Side    `json:"side"`
}

// GridState is the pivot and the spacing currently in effect
type GridState struct {
	Pivot      float64   `json:"pivot"`
	GridSize   float64   `json:"grid_size"`
	UpdateTime time.Time `json:"update_time"`
}

// NewGridState creates a grid centred on pivot
func NewGridState(pivot, gridSize float64, at time.Time) *GridState {
	return &GridState{
		Pivot:      pivot,
		GridSize:   gridSize,
		UpdateTime: at,
	}
}

// BuyLevel returns the n-th buy level: pivot - (n-0.5)*grid, one decimal
func (gs *GridState) BuyLevel(n int) float64 {
	return roundTenth(gs.Pivot - (float64(n)-0.5)*gs.GridSize)
}

// SellLevel returns the n-th sell level: pivot + (n-0.5)*grid, one decimal
func (gs *GridState) SellLevel(n int) float64 {
	return roundTenth(gs.Pivot + (float64(n)-0.5)*gs.GridSize)
}

// Levels returns the buy and sell levels for n = 1..count
func (gs *GridState) Levels(count int) []GridLevel {
	levels := make([]GridLevel, 0, count*2)
	for n := 1; n <= count; n++ {
		levels = append(levels,
			GridLevel{Index: n, Price: gs.BuyLevel(n), Side: SideBuy},
			GridLevel{Index: n, Price: gs.SellLevel(n), Side: SideSell},
		)
	}
	return levels
}

// Bounds returns the pivot band [pivot - k*grid, pivot + k*grid]
func (gs *GridState) Bounds(movePivot float64) (lower, upper float64) {
	return gs.Pivot - movePivot*gs.GridSize, gs.Pivot + movePivot*gs.GridSize
}

// IsBreached reports whether price lies strictly outside the pivot band
func (gs *GridState) IsBreached(price, movePivot float64) bool {
	lower, upper := gs.Bounds(movePivot)
	return price < lower || price > upper
}

// Rebase moves the pivot to price and installs a new spacing
func (gs *GridState) Rebase(price, gridSize float64, at time.Time) {
	gs.Pivot = price
	gs.GridSize = gridSize
	gs.UpdateTime = at
}

// roundTenth rounds half to even at one decimal place
func roundTenth(x float64) float64 {
	return math.RoundToEven(x*10) / 10
}
