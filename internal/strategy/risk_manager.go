package strategy

import (
	"pivotgrid/internal/config"
	"pivotgrid/internal/types"
)

// RiskManager holds the per-run risk limits and the daily fee accumulator
type RiskManager struct {
	// Risk configuration
	ContractValue           float64 `json:"contract_value"`
	MarginRate              float64 `json:"margin_rate"`
	TakeProfitFactor        float64 `json:"take_profit_factor"`
	MaxLossPerTrade         float64 `json:"max_loss_per_trade"` // currency
	DailyFeeLimit           float64 `json:"daily_fee_limit"`
	OvernightFeePerPosition float64 `json:"overnight_fee_per_position"`

	// State tracking
	dailyFee      float64
	totalFees     float64
	overnightFees float64
	peakMargin    float64
	feeCapHits    int
	maxLossHits   int
}

// NewRiskManager creates a new risk manager
func NewRiskManager(strategy config.StrategyConfig, risk config.RiskConfig) *RiskManager {
	return &RiskManager{
		ContractValue:           strategy.ContractValue,
		MarginRate:              strategy.MarginRate,
		TakeProfitFactor:        strategy.TakeProfitFactor,
		MaxLossPerTrade:         risk.MaxLossUnit * strategy.MaxLoss,
		DailyFeeLimit:           risk.DailyFeeLimit,
		OvernightFeePerPosition: risk.OvernightFeePerPosition,
	}
}

// StartDay resets the daily fee accumulator
func (rm *RiskManager) StartDay() {
	rm.dailyFee = 0
}

// AddFee adds a charged fee to today's accumulator
func (rm *RiskManager) AddFee(fee float64) {
	rm.dailyFee += fee
	rm.totalFees += fee
}

// AddRecordFees adds the fees of realizing records. TOTAL_FEE summaries are
// skipped since their fees are already counted per position.
func (rm *RiskManager) AddRecordFees(records []types.TradeRecord) {
	for _, r := range records {
		if r.Kind.IsRealizing() {
			rm.AddFee(r.FeeValue())
		}
	}
}

// DailyFee returns the fees charged so far today
func (rm *RiskManager) DailyFee() float64 {
	return rm.dailyFee
}

// FeeCapBreached reports whether today's fees exceed the limit
func (rm *RiskManager) FeeCapBreached() bool {
	return rm.dailyFee > rm.DailyFeeLimit
}

// NoteFeeCapHit counts a tick on which entries were blocked by the fee cap
func (rm *RiskManager) NoteFeeCapHit() {
	rm.feeCapHits++
}

// OvernightFee returns the carry cost of holding count positions over a
// date change and books it into the new day's accumulator
func (rm *RiskManager) OvernightFee(count int) float64 {
	fee := float64(count) * rm.OvernightFeePerPosition
	rm.overnightFees += fee
	rm.AddFee(fee)
	return fee
}

// TakeProfitThreshold is the unrealized profit at which a position is closed
func (rm *RiskManager) TakeProfitThreshold(gridSize float64) float64 {
	return rm.TakeProfitFactor * gridSize * rm.ContractValue
}

// ShouldTakeProfit reports whether p has reached the take-profit threshold
func (rm *RiskManager) ShouldTakeProfit(p types.Position, mark, gridSize float64) bool {
	return p.UnrealizedPnL(mark, rm.ContractValue) >= rm.TakeProfitThreshold(gridSize)
}

// ShouldStopOut reports whether p's unrealized loss reached the max loss
func (rm *RiskManager) ShouldStopOut(p types.Position, mark float64) bool {
	loss := p.UnrealizedLoss(mark, rm.ContractValue)
	if loss >= rm.MaxLossPerTrade {
		rm.maxLossHits++
		return true
	}
	return false
}

// TrackMargin records the margin needed for contracts at mark
func (rm *RiskManager) TrackMargin(contracts, mark float64) float64 {
	margin := contracts * mark * rm.ContractValue * rm.MarginRate
	if margin > rm.peakMargin {
		rm.peakMargin = margin
	}
	return margin
}

// PeakMargin returns the largest margin requirement seen
func (rm *RiskManager) PeakMargin() float64 {
	return rm.peakMargin
}

// GetRiskStats returns risk management statistics
func (rm *RiskManager) GetRiskStats() map[string]interface{} {
	return map[string]interface{}{
		"daily_fee":          rm.dailyFee,
		"daily_fee_limit":    rm.DailyFeeLimit,
		"total_fees":         rm.totalFees,
		"overnight_fees":     rm.overnightFees,
		"max_loss_per_trade": rm.MaxLossPerTrade,
		"max_loss_hits":      rm.maxLossHits,
		"fee_cap_hits":       rm.feeCapHits,
		"peak_margin":        rm.peakMargin,
	}
}
