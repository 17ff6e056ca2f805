package strategy

import (
	"fmt"
	"math"
	"time"

	"pivotgrid/internal/config"
	"pivotgrid/internal/types"
)

// Ledger holds the open positions of one run in opening order
type Ledger struct {
	// Configuration
	MaxPositions        int     `json:"max_positions"`
	MaxPositionsPerSide int     `json:"max_positions_per_side"`
	ContractValue       float64 `json:"contract_value"`
	FeePerTrade         float64 `json:"fee_per_trade"`  // price points per closing trade
	DuplicateBand       float64 `json:"duplicate_band"` // grid units

	positions []types.Position
}

// NewLedger creates an empty ledger
func NewLedger(strategy config.StrategyConfig, risk config.RiskConfig) *Ledger {
	return &Ledger{
		MaxPositions:        risk.MaxPositions,
		MaxPositionsPerSide: risk.MaxPositionsPerSide,
		ContractValue:       strategy.ContractValue,
		FeePerTrade:         strategy.FeePerTrade,
		DuplicateBand:       risk.DuplicateBand,
		positions:           make([]types.Position, 0, risk.MaxPositions),
	}
}

// Len returns the number of open positions
func (l *Ledger) Len() int {
	return len(l.positions)
}

// IsEmpty reports whether no position is open
func (l *Ledger) IsEmpty() bool {
	return len(l.positions) == 0
}

// Count returns the number of open positions on side
func (l *Ledger) Count(side types.Side) int {
	n := 0
	for _, p := range l.positions {
		if p.Side == side {
			n++
		}
	}
	return n
}

// TotalContracts returns the summed size of all open positions
func (l *Ledger) TotalContracts() float64 {
	total := 0.0
	for _, p := range l.positions {
		total += p.Size
	}
	return total
}

// IsFull reports whether the position cap has been reached
func (l *Ledger) IsFull() bool {
	return len(l.positions) >= l.MaxPositions
}

// ClosingFee is the flat fee charged on every closing trade
func (l *Ledger) ClosingFee() float64 {
	return l.FeePerTrade * l.ContractValue
}

// HasNearby reports whether a side position sits within the duplicate band
// of price
func (l *Ledger) HasNearby(side types.Side, price, gridSize float64) bool {
	band := l.DuplicateBand * gridSize
	for _, p := range l.positions {
		if p.Side == side && math.Abs(p.EntryPrice-price) < band {
			return true
		}
	}
	return false
}

// CanOpen checks the total cap, the per-side cap and the duplicate band
func (l *Ledger) CanOpen(side types.Side, price, gridSize float64) bool {
	if l.IsFull() {
		return false
	}
	if l.Count(side) >= l.MaxPositionsPerSide {
		return false
	}
	return !l.HasNearby(side, price, gridSize)
}

// Open appends a position and returns its entry record
func (l *Ledger) Open(side types.Side, price, size float64, at time.Time) (types.TradeRecord, error) {
	if size <= 0 {
		return types.TradeRecord{}, fmt.Errorf("cannot open %s with size %.4f", side, size)
	}
	if l.IsFull() {
		return types.TradeRecord{}, fmt.Errorf("ledger full: %d positions", len(l.positions))
	}
	if l.Count(side) >= l.MaxPositionsPerSide {
		return types.TradeRecord{}, fmt.Errorf("%s side full: %d positions", side, l.MaxPositionsPerSide)
	}

	l.positions = append(l.positions, types.NewPosition(side, price, size, at))
	return types.NewEntryRecord(at, side, price, size), nil
}

// oldest returns the index of the oldest position on side, or -1
func (l *Ledger) oldest(side types.Side) int {
	for i, p := range l.positions {
		if p.Side == side {
			return i
		}
	}
	return -1
}

// PairNewest nets the most recently opened position against the oldest
// position on the opposite side at price. Both are removed. It reports false
// when there is nothing to pair with.
func (l *Ledger) PairNewest(price float64, at time.Time) (types.TradeRecord, float64, bool) {
	if len(l.positions) < 2 {
		return types.TradeRecord{}, 0, false
	}
	newest := len(l.positions) - 1
	opened := l.positions[newest]
	match := l.oldest(opened.Side.Opposite())
	if match < 0 {
		return types.TradeRecord{}, 0, false
	}

	// the older leg is marked at the price the new leg was opened at
	fee := l.ClosingFee()
	profit := l.positions[match].PriceDiff(price)*opened.Size*l.ContractValue - fee

	// newest is always the higher index
	l.removeAt(newest)
	l.removeAt(match)

	return types.NewTradeRecord(at, types.TradeClosePair, price, opened.Size, profit, fee), profit, true
}

// Close removes the position at index and realizes it at price
func (l *Ledger) Close(index int, price float64, at time.Time, kind types.TradeKind) (types.TradeRecord, float64, error) {
	if index < 0 || index >= len(l.positions) {
		return types.TradeRecord{}, 0, fmt.Errorf("no position at index %d", index)
	}
	p := l.positions[index]
	fee := l.ClosingFee()
	profit := p.UnrealizedPnL(price, l.ContractValue) - fee
	l.removeAt(index)
	return types.NewTradeRecord(at, kind, price, p.Size, profit, fee), profit, nil
}

// CloseAll liquidates every position at price, oldest first. A TOTAL_FEE
// record summarizing the fees follows when any fee was charged.
func (l *Ledger) CloseAll(price float64, at time.Time) ([]types.TradeRecord, float64) {
	if len(l.positions) == 0 {
		return nil, 0
	}

	records := make([]types.TradeRecord, 0, len(l.positions)+1)
	totalProfit := 0.0
	totalFee := 0.0
	fee := l.ClosingFee()
	for _, p := range l.positions {
		profit := p.UnrealizedPnL(price, l.ContractValue) - fee
		records = append(records, types.NewTradeRecord(at, types.CloseKind(p.Side), price, p.Size, profit, fee))
		totalProfit += profit
		totalFee += fee
	}
	l.positions = l.positions[:0]

	if totalFee > 0 {
		records = append(records, types.NewTradeRecord(at, types.TradeTotalFee, price, 0, 0, totalFee))
	}
	return records, totalProfit
}

// UnrealizedPnL returns the mark-to-market value of all positions at mark
func (l *Ledger) UnrealizedPnL(mark float64) float64 {
	total := 0.0
	for _, p := range l.positions {
		total += p.UnrealizedPnL(mark, l.ContractValue)
	}
	return total
}

// At returns the position at index
func (l *Ledger) At(index int) types.Position {
	return l.positions[index]
}

func (l *Ledger) removeAt(index int) {
	l.positions = append(l.positions[:index], l.positions[index+1:]...)
}
