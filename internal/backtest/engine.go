package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"pivotgrid/internal/analytics"
	"pivotgrid/internal/config"
	"pivotgrid/internal/indicators"
	"pivotgrid/internal/logging"
	"pivotgrid/internal/metrics"
	"pivotgrid/internal/session"
	"pivotgrid/internal/strategy"
	"pivotgrid/internal/types"

	"github.com/google/uuid"
)

// DefaultProgressInterval is the number of ticks between progress reports
const DefaultProgressInterval = 10000

// Engine represents the backtesting engine. One engine runs one simulation
// at a time; every run owns its ledger, grid and curves.
type Engine struct {
	// Configuration
	config *config.Config
	clock  *session.Clock

	// Collaborators
	logger   *logging.Logger
	recorder *metrics.Recorder
	tradeLog io.Writer

	progressInterval int

	// State
	isRunning bool
	mu        sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRecorder reports trades, rebases and runs to prometheus
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

// WithTradeLog streams the trade log to w as the run progresses
func WithTradeLog(w io.Writer) Option {
	return func(e *Engine) { e.tradeLog = w }
}

// WithProgressInterval changes how often progress is logged
func WithProgressInterval(ticks int) Option {
	return func(e *Engine) {
		if ticks > 0 {
			e.progressInterval = ticks
		}
	}
}

// NewEngine creates a new backtesting engine
func NewEngine(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy parameters: %w", err)
	}
	if err := cfg.Risk.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk parameters: %w", err)
	}

	clock, err := session.NewClock(cfg.Session, cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("failed to build session clock: %w", err)
	}

	engine := &Engine{
		config:           cfg,
		clock:            clock,
		progressInterval: DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.logger == nil {
		engine.logger = logging.CreateEngineLogger()
	}

	return engine, nil
}

// Clock returns the session clock used by the engine
func (e *Engine) Clock() *session.Clock {
	return e.clock
}

// IsRunning returns whether a backtest is currently running
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isRunning
}

// Run simulates the strategy over series, which must be non-empty and
// strictly time-ascending. An insolvent run returns an *InsolvencyError and
// no result.
func (e *Engine) Run(ctx context.Context, series []types.PricePoint) (*Result, error) {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.isRunning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.isRunning = false
		e.mu.Unlock()
	}()

	started := time.Now()

	if err := validateSeries(series); err != nil {
		e.recorder.ObserveRun("invalid", time.Since(started))
		return nil, err
	}

	e.logger.Infof("Starting backtest over %d ticks from %s to %s",
		len(series),
		series[0].Timestamp.Format(time.RFC3339),
		series[len(series)-1].Timestamp.Format(time.RFC3339))

	r := e.newRun(series)
	simErr := r.simulate(ctx)
	if r.tradeLog != nil {
		if err := r.tradeLog.Flush(); err != nil && simErr == nil {
			simErr = err
		}
	}
	if simErr != nil {
		e.recorder.ObserveRun(outcomeOf(simErr), time.Since(started))
		e.logger.LogError("backtest", simErr, map[string]interface{}{"ticks": len(series)})
		return nil, simErr
	}

	m, err := analytics.Compute(r.equity, r.trades, analytics.Params{
		InitialCapital: e.config.Strategy.Capital,
		ContractValue:  e.config.Strategy.ContractValue,
		Location:       e.clock.Location(),
	})
	if err != nil {
		e.recorder.ObserveRun("no_metrics", time.Since(started))
		return nil, fmt.Errorf("failed to compute metrics: %w", err)
	}

	riskStats := r.risk.GetRiskStats()
	r.stats.TotalFees = riskStats["total_fees"].(float64)
	r.stats.FeeCapHits = riskStats["fee_cap_hits"].(int)
	r.stats.PeakMargin = r.risk.PeakMargin()
	r.stats.FinalGrid = *r.grid

	result := &Result{
		RunID:          uuid.NewString(),
		Parameters:     e.config.Strategy,
		StartedAt:      started,
		FinishedAt:     time.Now(),
		Ticks:          len(series),
		InitialCapital: e.config.Strategy.Capital,
		FinalCapital:   r.capital,
		Metrics:        m,
		Reconciliation: analytics.Reconcile(r.trades, e.config.Strategy.Capital, r.capital),
		Stats:          r.stats,
		EquityCurve:    r.equity,
		Trades:         r.trades,
	}
	result.Duration = result.FinishedAt.Sub(started)

	e.recorder.ObserveRun("ok", result.Duration)
	e.recorder.SetEquity(m.FinalCapital)

	e.logger.Infof("Backtest completed in %v", result.Duration)
	e.logger.LogPerformance(m.HPR, m.SharpeRatio, m.MaxDrawdown, len(r.trades))

	return result, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsolventAccount):
		return "insolvent"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func validateSeries(series []types.PricePoint) error {
	if len(series) == 0 {
		return ErrEmptyInput
	}
	for i, p := range series {
		if !(p.Price > 0) {
			return &InputError{Index: i, Err: ErrInvalidPrice}
		}
		if i > 0 && !p.Timestamp.After(series[i-1].Timestamp) {
			return &InputError{Index: i, Err: ErrUnorderedInput}
		}
	}
	return nil
}

// run is the mutable state of one simulation
type run struct {
	e      *Engine
	cfg    *config.Config
	series []types.PricePoint
	prices []float64

	capital float64
	ledger  *strategy.Ledger
	risk    *strategy.RiskManager
	calc    *strategy.GridCalculator
	atr     *indicators.ATRTracker

	grid      *types.GridState
	gridReady bool

	rollover    *session.RolloverTracker
	lastDate    session.Date
	dailyATR    float64
	hasDailyATR bool

	trades   []types.TradeRecord
	equity   []types.EquityPoint
	tradeLog *TradeLog
	stats    RunStats
}

func (e *Engine) newRun(series []types.PricePoint) *run {
	cfg := e.config
	atr := indicators.NewATRTracker(cfg.Risk.InitialATR)

	r := &run{
		e:        e,
		cfg:      cfg,
		series:   series,
		prices:   types.Prices(series),
		capital:  cfg.Strategy.Capital,
		ledger:   strategy.NewLedger(cfg.Strategy, cfg.Risk),
		risk:     strategy.NewRiskManager(cfg.Strategy, cfg.Risk),
		calc:     strategy.NewGridCalculator(cfg.Strategy, cfg.Risk, atr),
		atr:      atr,
		grid:     types.NewGridState(series[0].Price, 0, series[0].Timestamp),
		rollover: e.clock.NewRolloverTracker(series[0].Timestamp),
		lastDate: e.clock.DateOf(series[len(series)-1].Timestamp),
		equity:   make([]types.EquityPoint, len(series)),
		stats:    RunStats{ForcedCloses: make(map[string]int)},
	}
	if e.tradeLog != nil {
		r.tradeLog = NewTradeLog(e.tradeLog)
	}
	return r
}

func (r *run) simulate(ctx context.Context) error {
	n := len(r.series)
	r.mark(0, r.capital)

	for i := 1; i < n; i++ {
		if i%r.e.progressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.e.logger.LogProgress(i, n)
			r.e.recorder.ObserveTicks(r.e.progressInterval)
		}

		r.step(i)

		if r.capital < 0 {
			return &InsolvencyError{Timestamp: r.series[i].Timestamp, Index: i, Capital: r.capital}
		}
	}
	r.e.recorder.ObserveTicks(n % r.e.progressInterval)
	return ctx.Err()
}

// step processes one tick. The branches mirror the session rules: liquidation
// at the close of the last date comes first, then off-hours handling, then
// full evaluation inside trading hours.
func (r *run) step(i int) {
	clock := r.e.clock
	price, ts := r.prices[i], r.series[i].Timestamp

	if r.rollover.Advance(ts) {
		r.startDay(ts)
	}

	trading := clock.IsTradingTime(ts)
	if trading && !r.hasDailyATR {
		r.dailyATR = r.bootstrapDailyATR(i)
		r.hasDailyATR = true
	}
	currentATR := r.atr.LastValid()
	if trading && r.hasDailyATR {
		currentATR = r.dailyATR
	}

	endOfDay := clock.IsEndOfDay(ts)
	switch {
	case clock.DateOf(ts) == r.lastDate && clock.AtOrAfterEndOfDay(ts) && !r.ledger.IsEmpty():
		r.closeAll(price, ts, "end_of_data")
		r.mark(i, r.capital)
	case !trading && !endOfDay && !r.ledger.IsEmpty():
		r.skip(i)
	case !trading || endOfDay:
		r.mark(i, r.capital)
	default:
		r.evaluate(i, price, ts, currentATR)
		r.risk.TrackMargin(r.ledger.TotalContracts(), price)
		r.mark(i, r.capital+r.ledger.UnrealizedPnL(price))
	}

	if i == len(r.series)-1 && !r.ledger.IsEmpty() {
		r.closeAll(price, ts, "final_tick")
		r.mark(i, r.capital)
	}
}

// startDay charges the overnight fee for positions carried into a new date
func (r *run) startDay(ts time.Time) {
	r.risk.StartDay()
	r.hasDailyATR = false

	count := r.ledger.Len()
	if count == 0 {
		return
	}
	fee := r.risk.OvernightFee(count)
	r.capital -= fee
	r.record(types.NewTradeRecord(ts, types.TradeOvernightFee, 0, float64(count), 0, fee))
}

// bootstrapDailyATR derives the day's ATR from the pre-market ticks
func (r *run) bootstrapDailyATR(i int) float64 {
	start, end := r.e.clock.PreMarketBounds(r.series[i].Timestamp)
	lo := sort.Search(len(r.series), func(k int) bool { return !r.series[k].Timestamp.Before(start) })
	hi := sort.Search(len(r.series), func(k int) bool { return !r.series[k].Timestamp.Before(end) })

	if hi-lo < 2 {
		return r.atr.LastValid()
	}
	window := r.prices[lo:hi]
	return indicators.WindowATR(window, len(window), r.atr.LastValid())
}

// evaluate runs the grid logic of a trading-hours tick
func (r *run) evaluate(i int, price float64, ts time.Time, currentATR float64) {
	if !r.gridReady {
		res := r.calc.Calculate(price, currentATR, r.prices, i, r.ledger.TotalContracts())
		r.grid.GridSize = res.GridSize
		r.grid.UpdateTime = ts
		r.gridReady = true
		r.logGrid("init", res)
	}

	if r.grid.IsBreached(price, r.cfg.Strategy.MovePivot) {
		r.closeAll(price, ts, "pivot_breach")
		r.rebase(i, price, ts, "pivot_breach")
		return
	}

	if r.checkExits(i, price, ts) {
		return
	}

	r.openEntries(price, ts)
}

// checkExits applies take-profit to each position and stops everything out
// on the first max-loss hit. It reports whether a forced close happened.
func (r *run) checkExits(i int, price float64, ts time.Time) bool {
	gridSize := r.grid.GridSize
	for j := 0; j < r.ledger.Len(); {
		p := r.ledger.At(j)

		if r.risk.ShouldTakeProfit(p, price, gridSize) {
			rec, profit, err := r.ledger.Close(j, price, ts, types.TakeProfitKind(p.Side))
			if err != nil {
				r.e.logger.LogError("take_profit", err, map[string]interface{}{"index": j})
				j++
				continue
			}
			r.capital += profit
			r.risk.AddFee(rec.FeeValue())
			r.record(rec)
			r.stats.TakeProfits++
			continue
		}

		if r.risk.ShouldStopOut(p, price) {
			r.e.logger.LogRisk("max_loss", "critical", "Max loss triggered, closing all positions and moving pivot",
				p.UnrealizedLoss(price, r.cfg.Strategy.ContractValue), r.risk.MaxLossPerTrade)
			r.closeAll(price, ts, "max_loss")
			r.rebase(i, price, ts, "max_loss")
			r.stats.MaxLossTriggers++
			return true
		}
		j++
	}
	return false
}

// openEntries scans the grid levels nearest first and opens or pairs
// positions where price has crossed a level
func (r *run) openEntries(price float64, ts time.Time) {
	if r.ledger.IsFull() || r.calc.TradableSize(r.ledger.TotalContracts()) <= 0 {
		return
	}
	if r.risk.FeeCapBreached() {
		r.risk.NoteFeeCapHit()
		return
	}

	for n := 1; n <= r.cfg.Risk.GridLevels; n++ {
		if r.tryEntry(types.SideBuy, price <= r.grid.BuyLevel(n), price, ts) {
			continue
		}
		r.tryEntry(types.SideSell, price >= r.grid.SellLevel(n), price, ts)
	}
}

// tryEntry opens a side position when the level is crossed and the ledger
// admits it, then nets it against the oldest opposite position. It reports
// whether a pair was closed.
func (r *run) tryEntry(side types.Side, crossed bool, price float64, ts time.Time) bool {
	if !crossed {
		return false
	}
	size := r.calc.TradableSize(r.ledger.TotalContracts())
	if size <= 0 || !r.ledger.CanOpen(side, price, r.grid.GridSize) {
		return false
	}
	// a pair on a nearer level may have used up today's fee allowance
	if r.risk.FeeCapBreached() {
		return false
	}

	rec, err := r.ledger.Open(side, price, size, ts)
	if err != nil {
		r.e.logger.LogError("open", err, map[string]interface{}{"side": side, "price": price})
		return false
	}
	r.record(rec)
	r.stats.Entries++

	pair, profit, ok := r.ledger.PairNewest(price, ts)
	if !ok {
		return false
	}
	r.capital += profit
	r.risk.AddFee(pair.FeeValue())
	r.record(pair)
	r.stats.Pairs++
	return true
}

// rebase moves the pivot to price with a grid recomputed from the short
// window ATR
func (r *run) rebase(i int, price float64, ts time.Time, reason string) {
	shortATR := r.calc.ShortATR(r.prices, i)
	res := r.calc.Calculate(price, shortATR, r.prices, i, r.ledger.TotalContracts())
	r.grid.Rebase(price, res.GridSize, ts)
	r.stats.Rebases++
	r.e.recorder.ObserveRebase(reason)
	r.logGrid(reason, res)
}

func (r *run) closeAll(price float64, ts time.Time, reason string) {
	records, profit := r.ledger.CloseAll(price, ts)
	if len(records) == 0 {
		return
	}
	r.capital += profit
	r.risk.AddRecordFees(records)
	for _, rec := range records {
		r.record(rec)
	}
	r.stats.ForcedCloses[reason]++
}

func (r *run) record(rec types.TradeRecord) {
	r.trades = append(r.trades, rec)
	if r.tradeLog != nil {
		r.tradeLog.Write(rec)
	}
	r.e.logger.LogTrade(string(rec.Kind), rec.Price, rec.Size, rec.ProfitValue(), rec.FeeValue())
	r.e.recorder.ObserveTrade(string(rec.Kind))
}

func (r *run) mark(i int, equity float64) {
	r.equity[i] = types.EquityPoint{Timestamp: r.series[i].Timestamp, Equity: equity, Marked: true}
}

// skip leaves the slot unmarked, carrying the previous value for display
func (r *run) skip(i int) {
	r.equity[i] = types.EquityPoint{Timestamp: r.series[i].Timestamp, Equity: r.equity[i-1].Equity}
}

func (r *run) logGrid(event string, res strategy.GridCalculationResult) {
	lower, upper := r.grid.Bounds(r.cfg.Strategy.MovePivot)
	r.e.logger.LogGrid(event, r.grid.Pivot, r.grid.GridSize, lower, upper)
	if res.Substituted {
		r.e.logger.Warnf("ATR undefined, using last valid ATR %.4f", res.ATR)
	}
}
