package analytics

import (
	"pivotgrid/internal/types"

	"github.com/shopspring/decimal"
)

// TradeStats summarizes a trade log
type TradeStats struct {
	Entries       int                     `json:"entries"`
	Volume        float64                 `json:"volume"` // summed entry size in contracts
	Realizations  int                     `json:"realizations"`
	WinningTrades int                     `json:"winning_trades"`
	LosingTrades  int                     `json:"losing_trades"`
	WinRate       float64                 `json:"win_rate"`
	GrossProfit   float64                 `json:"gross_profit"`
	GrossLoss     float64                 `json:"gross_loss"`
	ProfitFactor  float64                 `json:"profit_factor"`
	LargestWin    float64                 `json:"largest_win"`
	LargestLoss   float64                 `json:"largest_loss"`
	TradingFees   float64                 `json:"trading_fees"`
	OvernightFees float64                 `json:"overnight_fees"`
	ByKind        map[types.TradeKind]int `json:"by_kind"`
}

// SummarizeTrades counts and aggregates the records of a run
func SummarizeTrades(trades []types.TradeRecord) TradeStats {
	stats := TradeStats{ByKind: make(map[types.TradeKind]int)}

	for _, t := range trades {
		stats.ByKind[t.Kind]++

		switch {
		case t.Kind.IsEntry():
			stats.Entries++
			if t.Size < 0 {
				stats.Volume -= t.Size
			} else {
				stats.Volume += t.Size
			}
		case t.Kind.IsRealizing():
			stats.Realizations++
			stats.TradingFees += t.FeeValue()
			pnl := t.ProfitValue()
			if pnl > 0 {
				stats.WinningTrades++
				stats.GrossProfit += pnl
				if pnl > stats.LargestWin {
					stats.LargestWin = pnl
				}
			} else {
				stats.LosingTrades++
				stats.GrossLoss -= pnl
				if pnl < stats.LargestLoss {
					stats.LargestLoss = pnl
				}
			}
		case t.Kind == types.TradeOvernightFee:
			stats.OvernightFees += t.FeeValue()
		}
	}

	if stats.Realizations > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.Realizations) * 100
	}
	if stats.GrossLoss > 0 {
		stats.ProfitFactor = stats.GrossProfit / stats.GrossLoss
	}
	return stats
}

// Reconciliation compares the capital change explained by the trade log with
// the observed one
type Reconciliation struct {
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	OvernightFees  decimal.Decimal `json:"overnight_fees"`
	Explained      decimal.Decimal `json:"explained"`
	Observed       decimal.Decimal `json:"observed"`
	Difference     decimal.Decimal `json:"difference"`
}

// Balanced reports whether the difference is within tolerance
func (r Reconciliation) Balanced(tolerance float64) bool {
	return r.Difference.Abs().LessThanOrEqual(decimal.NewFromFloat(tolerance))
}

// Reconcile sums the net profit of every realizing record less the overnight
// fees and compares it with final - initial. TOTAL_FEE summaries are not
// counted since each closing record already carries its fee.
func Reconcile(trades []types.TradeRecord, initialCapital, finalCapital float64) Reconciliation {
	realized := decimal.Zero
	overnight := decimal.Zero
	for _, t := range trades {
		switch {
		case t.Kind.IsRealizing():
			realized = realized.Add(decimal.NewFromFloat(t.ProfitValue()))
		case t.Kind == types.TradeOvernightFee:
			overnight = overnight.Add(decimal.NewFromFloat(t.FeeValue()))
		}
	}

	explained := realized.Sub(overnight)
	observed := decimal.NewFromFloat(finalCapital).Sub(decimal.NewFromFloat(initialCapital))
	return Reconciliation{
		RealizedProfit: realized,
		OvernightFees:  overnight,
		Explained:      explained,
		Observed:       observed,
		Difference:     observed.Sub(explained),
	}
}
