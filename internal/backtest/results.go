package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pivotgrid/internal/analytics"
	"pivotgrid/internal/config"
	"pivotgrid/internal/types"
)

// Output file names written by SaveResults
const (
	ResultsFile     = "results.json"
	SummaryFile     = "performance_metrics.txt"
	EquityFile      = "equity_series.csv"
	TradeHistory    = "trade_history.csv"
	TradeLogFile    = "trade_log.txt"
	timestampLayout = "2006-01-02 15:04:05"
)

// Result contains the outcome of one backtest run
type Result struct {
	RunID      string                `json:"run_id"`
	Mode       string                `json:"mode,omitempty"`
	Parameters config.StrategyConfig `json:"parameters"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Ticks      int           `json:"ticks"`

	InitialCapital float64                  `json:"initial_capital"`
	FinalCapital   float64                  `json:"final_capital"`
	Metrics        *analytics.Metrics       `json:"metrics"`
	Reconciliation analytics.Reconciliation `json:"reconciliation"`
	Stats          RunStats                 `json:"stats"`

	EquityCurve []types.EquityPoint `json:"-"`
	Trades      []types.TradeRecord `json:"-"`
}

// RunStats counts engine events of a run
type RunStats struct {
	Entries         int             `json:"entries"`
	Pairs           int             `json:"pairs"`
	TakeProfits     int             `json:"take_profits"`
	MaxLossTriggers int             `json:"max_loss_triggers"`
	Rebases         int             `json:"rebases"`
	ForcedCloses    map[string]int  `json:"forced_closes"`
	FeeCapHits      int             `json:"fee_cap_hits"`
	PeakMargin      float64         `json:"peak_margin"`
	TotalFees       float64         `json:"total_fees"`
	FinalGrid       types.GridState `json:"final_grid"`
}

// NetProfit returns final minus initial capital
func (r *Result) NetProfit() float64 {
	return r.FinalCapital - r.InitialCapital
}

// Summary renders the performance report
func (r *Result) Summary() string {
	m := r.Metrics
	var b strings.Builder
	fmt.Fprintf(&b, "Total trades: %d\n", m.Trades.Entries)
	fmt.Fprintf(&b, "Net profit: %s VND\n", types.FormatMoney(r.NetProfit()))
	fmt.Fprintf(&b, "HPR: %.2f%%\n", m.HPR)
	fmt.Fprintf(&b, "Annualized Return: %.2f%%\n", m.AnnualReturn)
	fmt.Fprintf(&b, "Maximum drawdown: %.2f%%\n", m.MaxDrawdown)
	fmt.Fprintf(&b, "Longest Drawdown: %d days\n", m.LongestDrawdown)
	fmt.Fprintf(&b, "Turnover Ratio: %.2f%%\n", m.TurnoverRatio)
	fmt.Fprintf(&b, "Sharpe Ratio: %.2f\n", m.SharpeRatio)
	fmt.Fprintf(&b, "Sortino Ratio: %.2f\n", m.SortinoRatio)
	fmt.Fprintf(&b, "Final capital: %s VND\n", types.FormatMoney(r.FinalCapital))
	return b.String()
}

// SaveResults writes the result bundle into dir
func (r *Result) SaveResults(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ResultsFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	summary := r.Summary() + fmt.Sprintf("Trade log saved to %s\n", filepath.Join(dir, TradeLogFile))
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), []byte(summary), 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	if err := writeCSV(filepath.Join(dir, EquityFile), equityRows(r.EquityCurve)); err != nil {
		return err
	}
	return writeCSV(filepath.Join(dir, TradeHistory), tradeRows(r.Trades))
}

// equityRows keeps marked slots only
func equityRows(curve []types.EquityPoint) [][]string {
	rows := [][]string{{"timestamp", "equity"}}
	for _, p := range types.MarkedPoints(curve) {
		rows = append(rows, []string{
			p.Timestamp.Format(timestampLayout),
			strconv.FormatFloat(p.Equity, 'f', 2, 64),
		})
	}
	return rows
}

func tradeRows(trades []types.TradeRecord) [][]string {
	rows := [][]string{{"timestamp", "kind", "price", "size", "profit", "fee"}}
	for _, t := range trades {
		rows = append(rows, []string{
			t.Timestamp.Format(timestampLayout),
			string(t.Kind),
			strconv.FormatFloat(t.Price, 'f', 1, 64),
			strconv.FormatFloat(t.Size, 'f', 4, 64),
			optionalAmount(t.Profit),
			optionalAmount(t.Fee),
		})
	}
	return rows
}

func optionalAmount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func writeCSV(path string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
