package types

import (
	"time"
)

// Side represents the direction of a grid position
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the offsetting side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position represents one open grid position. Positions are value records;
// the ledger owns them and removes them by index.
type Position struct {
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Size       float64   `json:"size"`
	EntryTime  time.Time `json:"entry_time"`
}

// NewPosition creates a new position
func NewPosition(side Side, entryPrice, size float64, entryTime time.Time) Position {
	return Position{
		Side:       side,
		EntryPrice: entryPrice,
		Size:       size,
		EntryTime:  entryTime,
	}
}

// PriceDiff returns the signed per-unit move in the position's favour
func (p Position) PriceDiff(markPrice float64) float64 {
	if p.Side == SideBuy {
		return markPrice - p.EntryPrice
	}
	return p.EntryPrice - markPrice
}

// UnrealizedPnL returns the mark-to-market profit before fees
func (p Position) UnrealizedPnL(markPrice, contractValue float64) float64 {
	return p.PriceDiff(markPrice) * p.Size * contractValue
}

// UnrealizedLoss returns the adverse move valued in currency, zero when the
// position is in profit
func (p Position) UnrealizedLoss(markPrice, contractValue float64) float64 {
	pnl := p.UnrealizedPnL(markPrice, contractValue)
	if pnl >= 0 {
		return 0
	}
	return -pnl
}

// IsProfitable returns true if position is profitable at the mark price
func (p Position) IsProfitable(markPrice float64) bool {
	return p.PriceDiff(markPrice) > 0
}
