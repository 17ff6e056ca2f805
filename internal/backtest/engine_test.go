package backtest

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"pivotgrid/internal/config"
	"pivotgrid/internal/logging"
	"pivotgrid/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const closingFee = 47000.0

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.Timezone = "UTC"
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNopLogger())}, opts...)
	engine, err := NewEngine(cfg, opts...)
	require.NoError(t, err)
	return engine
}

// tick builds a point on 2024-03-<day> at hh:mm:ss UTC
func tick(day, h, m, s int, price float64) types.PricePoint {
	return types.NewPricePoint(time.Date(2024, 3, day, h, m, s, 0, time.UTC), price)
}

// minutes builds one tick per minute from 09:00 on day
func minutes(day int, prices ...float64) []types.PricePoint {
	out := make([]types.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = tick(day, 9, i, 0, p)
	}
	return out
}

func kinds(trades []types.TradeRecord) []types.TradeKind {
	out := make([]types.TradeKind, len(trades))
	for i, t := range trades {
		out[i] = t.Kind
	}
	return out
}

func countKind(trades []types.TradeRecord, kind types.TradeKind) int {
	n := 0
	for _, t := range trades {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

func TestRunFlatSeries(t *testing.T) {
	cfg := testConfig()
	engine := newTestEngine(t, cfg)

	var series []types.PricePoint
	for day := 4; day <= 6; day++ {
		for m := 0; m < 120; m++ {
			series = append(series, tick(day, 9+m/60, m%60, 0, 1000))
		}
	}

	result, err := engine.Run(context.Background(), series)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	require.Len(t, result.EquityCurve, len(series))
	assert.Equal(t, cfg.Strategy.Capital, result.EquityCurve[0].Equity)
	for _, p := range result.EquityCurve {
		assert.True(t, p.Marked)
		assert.Equal(t, cfg.Strategy.Capital, p.Equity)
	}
	assert.Equal(t, 0.0, result.Metrics.SharpeRatio)
	assert.Equal(t, 0.0, result.Metrics.HPR)
	assert.Equal(t, cfg.Strategy.Capital, result.FinalCapital)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, len(series), result.Ticks)
}

func TestRunPivotBreachClosesAll(t *testing.T) {
	cfg := testConfig()
	var logBuf bytes.Buffer
	engine := newTestEngine(t, cfg, WithTradeLog(&logBuf))

	// grid 1.47 around 1000, band [991.18, 1008.82]
	series := minutes(5, 1000, 1000, 999, 997.5, 1010)

	result, err := engine.Run(context.Background(), series)
	require.NoError(t, err)

	assert.Equal(t, []types.TradeKind{
		types.TradeBuy, types.TradeBuy,
		types.TradeCloseBuy, types.TradeCloseBuy, types.TradeTotalFee,
	}, kinds(result.Trades))

	breachAt := series[4].Timestamp
	for _, tr := range result.Trades[2:] {
		assert.Equal(t, breachAt, tr.Timestamp)
	}
	assert.InDelta(t, 11*100000-closingFee, result.Trades[2].ProfitValue(), 1e-6)
	assert.InDelta(t, 12.5*100000-closingFee, result.Trades[3].ProfitValue(), 1e-6)
	assert.InDelta(t, 2*closingFee, result.Trades[4].FeeValue(), 1e-6)

	assert.Equal(t, 1010.0, result.Stats.FinalGrid.Pivot)
	assert.Equal(t, breachAt, result.Stats.FinalGrid.UpdateTime)
	assert.Equal(t, 1, result.Stats.Rebases)
	assert.Equal(t, 1, result.Stats.ForcedCloses["pivot_breach"])

	expected := cfg.Strategy.Capital + 11*100000 + 12.5*100000 - 2*closingFee
	assert.InDelta(t, expected, result.FinalCapital, 1e-6)
	assert.True(t, result.Reconciliation.Balanced(1e-3))

	lines := strings.Split(strings.TrimSpace(logBuf.String()), "\n")
	require.Len(t, lines, 2+len(result.Trades))
	assert.Equal(t, TradeLogTitle, lines[0])
	assert.Equal(t, TradeLogHeader, lines[1])
	assert.Equal(t, "2024-03-05 09:02:00,BUY,999.0,1.0000,N/A,0", lines[2])
	assert.True(t, strings.HasPrefix(lines[4], "2024-03-05 09:04:00,CLOSE_BUY,1010.0,1.0000,1,053,000,"))
}

func TestRunTakeProfit(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	// threshold is 1.47 points; 999 -> 1000.5 is 1.5
	result, err := engine.Run(context.Background(), minutes(5, 1000, 1000, 999, 1000.5))
	require.NoError(t, err)

	assert.Equal(t, []types.TradeKind{types.TradeBuy, types.TradeTakeProfitBuy}, kinds(result.Trades))
	assert.InDelta(t, 1.5*100000-closingFee, result.Trades[1].ProfitValue(), 1e-6)
	assert.Equal(t, 1, result.Stats.TakeProfits)
	assert.Equal(t, 0, result.Stats.Rebases)
}

func TestRunMaxLossRebases(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.MaxLoss = 0.5 // 250,000 currency, 2.5 points

	engine := newTestEngine(t, cfg)
	result, err := engine.Run(context.Background(), minutes(5, 1000, 1000, 999, 996.4))
	require.NoError(t, err)

	assert.Equal(t, []types.TradeKind{types.TradeBuy, types.TradeCloseBuy, types.TradeTotalFee}, kinds(result.Trades))
	assert.Equal(t, 1, result.Stats.MaxLossTriggers)
	assert.Equal(t, 1, result.Stats.ForcedCloses["max_loss"])
	assert.Equal(t, 996.4, result.Stats.FinalGrid.Pivot)
	assert.Equal(t, 1, result.Stats.Entries, "no entry after a forced close on the same tick")
}

func TestRunInsolvency(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Capital = 100000

	engine := newTestEngine(t, cfg)
	result, err := engine.Run(context.Background(), minutes(5, 1000, 1000, 999, 980, 990))

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, ErrInsolventAccount))

	var insolvency *InsolvencyError
	require.True(t, errors.As(err, &insolvency))
	assert.Equal(t, 3, insolvency.Index)
	assert.Less(t, insolvency.Capital, 0.0)
	assert.False(t, engine.IsRunning())
}

func TestRunOvernightFeeOncePerTransition(t *testing.T) {
	cfg := testConfig()
	engine := newTestEngine(t, cfg)

	series := []types.PricePoint{
		tick(5, 9, 0, 0, 1000),
		tick(5, 9, 1, 0, 1000),
		tick(5, 9, 2, 0, 999),
		tick(5, 15, 0, 0, 999), // off hours with a position open
		tick(6, 9, 0, 0, 999),
		tick(6, 9, 1, 0, 999),
	}

	result, err := engine.Run(context.Background(), series)
	require.NoError(t, err)

	assert.Equal(t, 1, countKind(result.Trades, types.TradeOvernightFee))
	var fee types.TradeRecord
	for _, tr := range result.Trades {
		if tr.Kind == types.TradeOvernightFee {
			fee = tr
		}
	}
	assert.Equal(t, series[4].Timestamp, fee.Timestamp)
	assert.Equal(t, 1.0, fee.Size)
	assert.Equal(t, 2550.0, fee.FeeValue())

	assert.False(t, result.EquityCurve[3].Marked)
	assert.Equal(t, result.EquityCurve[2].Equity, result.EquityCurve[3].Equity)
	require.Len(t, result.EquityCurve, len(series))

	assert.Equal(t, 1, result.Stats.ForcedCloses["final_tick"])
	assert.InDelta(t, cfg.Strategy.Capital-2550-closingFee, result.FinalCapital, 1e-6)
	assert.True(t, result.Reconciliation.Balanced(1e-3))
}

func TestRunFeeCapStopsLaterLevelsOnSameTick(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.GridSizeFactor = 1
	cfg.Strategy.TakeProfitFactor = 10
	cfg.Risk.DailyFeeLimit = 40000 // below one closing fee

	engine := newTestEngine(t, cfg)

	// grid 1 around 100: SELLs at 100.5 and 101.5, then 98.5 crosses buy
	// levels 99.5 and 98.5 on one tick
	result, err := engine.Run(context.Background(), minutes(5, 100, 100, 100.5, 101.5, 98.5, 98.5))
	require.NoError(t, err)

	assert.Equal(t, []types.TradeKind{
		types.TradeSell, types.TradeSell,
		types.TradeBuy, types.TradeClosePair,
		types.TradeCloseSell, types.TradeTotalFee,
	}, kinds(result.Trades))
	assert.Equal(t, 1, result.Stats.Pairs)
	assert.Equal(t, 3, result.Stats.Entries)
	assert.Equal(t, 1.0, result.Stats.FinalGrid.GridSize)
	assert.True(t, result.Reconciliation.Balanced(1e-3))
}

func TestRunDailyATRFromPreMarket(t *testing.T) {
	cfg := testConfig()
	engine := newTestEngine(t, cfg)

	// changes 2 and 1 inside [08:45, 09:00)
	series := []types.PricePoint{
		tick(5, 8, 45, 0, 1000),
		tick(5, 8, 50, 0, 1002),
		tick(5, 8, 55, 0, 1001),
		tick(5, 9, 0, 0, 1000),
		tick(5, 9, 1, 0, 1000),
	}

	result, err := engine.Run(context.Background(), series)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	assert.InDelta(t, cfg.Strategy.GridSizeFactor*1.5, result.Stats.FinalGrid.GridSize, 1e-9)
	assert.Equal(t, 0, result.Stats.Rebases)
}

func TestRunDailyATRFallsBackWithoutPreMarket(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.InitialATR = 2
	engine := newTestEngine(t, cfg)

	// a single pre-market tick has no change to measure
	series := []types.PricePoint{
		tick(5, 8, 50, 0, 1000),
		tick(5, 9, 0, 0, 1000),
		tick(5, 9, 1, 0, 1000),
	}

	result, err := engine.Run(context.Background(), series)
	require.NoError(t, err)

	assert.InDelta(t, cfg.Strategy.GridSizeFactor*2, result.Stats.FinalGrid.GridSize, 1e-9)
}

func TestRunDailyFeeCap(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.DailyFeeLimit = 50000

	engine := newTestEngine(t, cfg)

	series := minutes(5, 1000, 1000, 999, 1000.5, 999, 1000.5, 999, 999)
	series = append(series, tick(6, 9, 0, 0, 999))

	result, err := engine.Run(context.Background(), series)
	require.NoError(t, err)

	// two round trips exhaust the cap; the third entry waits for the next day
	var entries []time.Time
	for _, tr := range result.Trades {
		if tr.Kind == types.TradeBuy {
			entries = append(entries, tr.Timestamp)
		}
	}
	require.Len(t, entries, 3)
	assert.Equal(t, series[8].Timestamp, entries[2])
	assert.Equal(t, 2, result.Stats.TakeProfits)
	assert.GreaterOrEqual(t, result.Stats.FeeCapHits, 2)
}

func TestRunEndOfDataLiquidation(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	series := []types.PricePoint{
		tick(5, 9, 0, 0, 1000),
		tick(5, 9, 1, 0, 1000),
		tick(5, 9, 2, 0, 999),
		tick(5, 14, 29, 30, 999),
		tick(5, 14, 31, 0, 999),
	}
	result, err := engine.Run(context.Background(), series)
	require.NoError(t, err)

	assert.Equal(t, []types.TradeKind{types.TradeBuy, types.TradeCloseBuy, types.TradeTotalFee}, kinds(result.Trades))
	assert.Equal(t, series[3].Timestamp, result.Trades[1].Timestamp)
	assert.Equal(t, 1, result.Stats.ForcedCloses["end_of_data"])
	assert.True(t, result.EquityCurve[3].Marked)
	assert.True(t, result.EquityCurve[4].Marked)
}

func TestRunRejectsBadInput(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	_, err := engine.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	unordered := []types.PricePoint{tick(5, 9, 1, 0, 1000), tick(5, 9, 0, 0, 1000)}
	_, err = engine.Run(context.Background(), unordered)
	assert.ErrorIs(t, err, ErrUnorderedInput)
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, 1, inputErr.Index)

	_, err = engine.Run(context.Background(), []types.PricePoint{tick(5, 9, 0, 0, 0)})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestRunCancelled(t *testing.T) {
	engine := newTestEngine(t, testConfig(), WithProgressInterval(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, minutes(5, 1000, 1000, 1000))
	assert.ErrorIs(t, err, context.Canceled)
}

func randomWalk(seed int64, days int) []types.PricePoint {
	rng := rand.New(rand.NewSource(seed))
	price := 1000.0
	var series []types.PricePoint
	for day := 4; day < 4+days; day++ {
		for m := 40; m < 6*60; m++ {
			ts := time.Date(2024, 3, day, 8+m/60, m%60, 0, 0, time.UTC)
			price += float64(rng.Intn(11)-5) * 0.3
			if price < 100 {
				price = 100
			}
			series = append(series, types.NewPricePoint(ts, price))
		}
	}
	return series
}

func TestRunRandomWalkInvariants(t *testing.T) {
	cfg := testConfig()

	for _, seed := range []int64{1, 7, 42} {
		engine := newTestEngine(t, cfg)
		series := randomWalk(seed, 3)

		result, err := engine.Run(context.Background(), series)
		require.NoError(t, err, "seed %d", seed)

		require.Len(t, result.EquityCurve, len(series))
		assert.Equal(t, cfg.Strategy.Capital, result.EquityCurve[0].Equity)
		assert.True(t, result.Reconciliation.Balanced(1e-2), "seed %d: %s", seed, result.Reconciliation.Difference)

		grid := result.Stats.FinalGrid.GridSize
		assert.GreaterOrEqual(t, grid, cfg.Strategy.MinimumGridSize)
		assert.LessOrEqual(t, grid, cfg.Risk.MaxGridSize)

		// replay the log: open positions never exceed the caps
		open := map[types.Side]int{}
		for _, tr := range result.Trades {
			switch tr.Kind {
			case types.TradeBuy:
				open[types.SideBuy]++
			case types.TradeSell:
				open[types.SideSell]++
			case types.TradeClosePair:
				open[types.SideBuy]--
				open[types.SideSell]--
			case types.TradeTakeProfitBuy, types.TradeCloseBuy:
				open[types.SideBuy]--
			case types.TradeTakeProfitSell, types.TradeCloseSell:
				open[types.SideSell]--
			}
			assert.LessOrEqual(t, open[types.SideBuy], cfg.Risk.MaxPositionsPerSide)
			assert.LessOrEqual(t, open[types.SideSell], cfg.Risk.MaxPositionsPerSide)
			assert.LessOrEqual(t, open[types.SideBuy]+open[types.SideSell], cfg.Risk.MaxPositions)
		}
		assert.Zero(t, open[types.SideBuy]+open[types.SideSell], "all positions closed by the end")
	}
}

func TestResultSummaryAndSave(t *testing.T) {
	engine := newTestEngine(t, testConfig())
	result, err := engine.Run(context.Background(), minutes(5, 1000, 1000, 999, 1000.5))
	require.NoError(t, err)

	summary := result.Summary()
	assert.Contains(t, summary, "Total trades: 1\n")
	assert.Contains(t, summary, "Net profit: 103,000 VND")
	assert.Contains(t, summary, "Final capital: 500,103,000 VND")

	dir := t.TempDir()
	require.NoError(t, result.SaveResults(dir))
	for _, name := range []string{ResultsFile, SummaryFile, EquityFile, TradeHistory} {
		assert.FileExists(t, dir+"/"+name)
	}
}
