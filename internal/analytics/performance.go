// Package analytics reduces a finished equity curve and trade log to
// return and risk statistics.
package analytics

import (
	"errors"
	"math"
	"time"

	"pivotgrid/internal/types"
)

// TradingDaysPerYear annualizes returns and ratios
const TradingDaysPerYear = 252

// ErrNoValidEquity is returned when the curve has no marked point
var ErrNoValidEquity = errors.New("equity curve has no valid points")

// Params carries the run constants the metrics depend on
type Params struct {
	InitialCapital float64
	ContractValue  float64
	// Location defines calendar days for the daily resample. Nil keeps each
	// timestamp's own location.
	Location *time.Location
}

// DailyReturn is one calendar day's close-to-close equity change
type DailyReturn struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
	Return float64   `json:"return"`
}

// DrawdownPeriod is a maximal run of marked points below the running peak
type DrawdownPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
	Depth float64   `json:"depth"` // most negative drawdown in percent
}

// Metrics is the result bundle of one run
type Metrics struct {
	HPR             float64 `json:"hpr"`
	AnnualReturn    float64 `json:"annual_return"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	LongestDrawdown int     `json:"longest_drawdown"` // days
	TurnoverRatio   float64 `json:"turnover_ratio"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	SortinoRatio    float64 `json:"sortino_ratio"`
	FinalCapital    float64 `json:"final_capital"`
	CalendarDays    int     `json:"calendar_days"`

	Trades TradeStats `json:"trades"`

	EquitySeries    []types.EquityPoint `json:"-"`
	DailyReturns    []DailyReturn       `json:"daily_returns"`
	DrawdownPeriods []DrawdownPeriod    `json:"drawdown_periods"`
}

// Compute derives the metrics from a finished run. Only marked equity
// points take part.
func Compute(curve []types.EquityPoint, trades []types.TradeRecord, p Params) (*Metrics, error) {
	equity := types.MarkedPoints(curve)
	if len(equity) == 0 {
		return nil, ErrNoValidEquity
	}

	first, last := equity[0], equity[len(equity)-1]
	m := &Metrics{
		FinalCapital: last.Equity,
		EquitySeries: equity,
	}

	m.HPR = (last.Equity/first.Equity - 1) * 100
	m.CalendarDays = wholeDays(last.Timestamp.Sub(first.Timestamp))
	m.AnnualReturn = annualize(m.HPR, m.CalendarDays)

	drawdowns := Drawdowns(equity)
	for _, dd := range drawdowns {
		if dd < m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
	}
	m.DrawdownPeriods = drawdownPeriods(equity, drawdowns)
	for _, period := range m.DrawdownPeriods {
		if period.Days > m.LongestDrawdown {
			m.LongestDrawdown = period.Days
		}
	}

	m.Trades = SummarizeTrades(trades)
	if p.InitialCapital > 0 {
		m.TurnoverRatio = m.Trades.Volume * p.ContractValue / p.InitialCapital * 100
	}

	m.DailyReturns = DailyReturns(equity, p.Location)
	returns := make([]float64, len(m.DailyReturns))
	for i, r := range m.DailyReturns {
		returns[i] = r.Return
	}
	m.SharpeRatio = SharpeRatio(returns)
	m.SortinoRatio = SortinoRatio(returns)

	return m, nil
}

// annualize compounds hpr over a 252-day year. Spans shorter than a day are
// not annualized.
func annualize(hpr float64, days int) float64 {
	if days <= 0 {
		return hpr
	}
	return (math.Pow(1+hpr/100, float64(TradingDaysPerYear)/float64(days)) - 1) * 100
}

func wholeDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}

// Drawdowns returns (equity - running max) / running max in percent
func Drawdowns(equity []types.EquityPoint) []float64 {
	out := make([]float64, len(equity))
	peak := math.Inf(-1)
	for i, pt := range equity {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak != 0 {
			out[i] = (pt.Equity - peak) / peak * 100
		}
	}
	return out
}

func drawdownPeriods(equity []types.EquityPoint, drawdowns []float64) []DrawdownPeriod {
	var periods []DrawdownPeriod
	start := -1
	depth := 0.0

	closeRun := func(end int) {
		periods = append(periods, DrawdownPeriod{
			Start: equity[start].Timestamp,
			End:   equity[end].Timestamp,
			Days:  wholeDays(equity[end].Timestamp.Sub(equity[start].Timestamp)),
			Depth: depth,
		})
	}

	for i, dd := range drawdowns {
		if dd < 0 {
			if start < 0 {
				start = i
				depth = dd
			}
			if dd < depth {
				depth = dd
			}
			continue
		}
		if start >= 0 {
			closeRun(i - 1)
			start = -1
		}
	}
	if start >= 0 {
		closeRun(len(drawdowns) - 1)
	}
	return periods
}

// DailyReturns resamples equity to the last value of every calendar day from
// the first to the last day, carrying the previous close over days without
// data, and returns the day-over-day changes. The first day has no change
// and is dropped.
func DailyReturns(equity []types.EquityPoint, loc *time.Location) []DailyReturn {
	if len(equity) == 0 {
		return nil
	}

	day := func(t time.Time) time.Time {
		if loc != nil {
			t = t.In(loc)
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}

	type dayClose struct {
		date   time.Time
		equity float64
	}
	var closes []dayClose
	for _, pt := range equity {
		d := day(pt.Timestamp)
		if n := len(closes); n > 0 && closes[n-1].date.Equal(d) {
			closes[n-1].equity = pt.Equity
			continue
		}
		closes = append(closes, dayClose{date: d, equity: pt.Equity})
	}

	var out []DailyReturn
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		// days without data repeat the previous close
		for d := prev.date.AddDate(0, 0, 1); d.Before(closes[i].date); d = d.AddDate(0, 0, 1) {
			out = append(out, DailyReturn{Date: d, Equity: prev.equity, Return: 0})
		}
		r := 0.0
		if prev.equity != 0 {
			r = closes[i].equity/prev.equity - 1
		}
		out = append(out, DailyReturn{Date: closes[i].date, Equity: closes[i].equity, Return: r})
	}
	return out
}

// SharpeRatio is sqrt(252) * mean / sample std, 0 when undefined
func SharpeRatio(returns []float64) float64 {
	sd := stdDev(returns)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return math.Sqrt(TradingDaysPerYear) * mean(returns) / sd
}

// SortinoRatio is sqrt(252) * mean / sample std of the negative returns,
// 0 when undefined
func SortinoRatio(returns []float64) float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	sd := stdDev(downside)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return math.Sqrt(TradingDaysPerYear) * mean(returns) / sd
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation; fewer than two values give 0
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := mean(values)
	variance := 0.0
	for _, v := range values {
		variance += (v - avg) * (v - avg)
	}
	return math.Sqrt(variance / float64(len(values)-1))
}
