// Package optimize searches strategy parameters by running independent
// backtests over one shared price series.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pivotgrid/internal/backtest"
	"pivotgrid/internal/config"
	"pivotgrid/internal/logging"
	"pivotgrid/internal/metrics"
	"pivotgrid/internal/types"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Output files written into the study directory
const (
	TrialsLogFile      = "trials.log"
	BestParametersFile = "best_parameters.yaml"
	OptimizedDir       = "optimized_backtest"
)

// Sampling steps of the stepped parameters
const (
	GridSizeFactorStep   = 0.25
	MinimumGridSizeStep  = 0.1
	TakeProfitFactorStep = 0.5
)

// ErrNoTrials is returned when a study finished without any trial
var ErrNoTrials = errors.New("no trial completed")

// Parameters are the tunable strategy parameters
type Parameters struct {
	GridSizeFactor   float64 `json:"grid_size_factor" yaml:"grid_size_factor"`
	MinimumGridSize  float64 `json:"minimum_grid_size" yaml:"minimum_grid_size"`
	MovePivot        int     `json:"move_pivot" yaml:"move_pivot"`
	TakeProfitFactor float64 `json:"take_profit_factor" yaml:"take_profit_factor"`
}

// String renders the parameters as a dict literal for the trials log
func (p Parameters) String() string {
	return fmt.Sprintf("{'grid_size_factor': %s, 'minimum_grid_size': %s, 'move_pivot': %d, 'take_profit_factor': %s}",
		formatParam(p.GridSizeFactor), formatParam(p.MinimumGridSize), p.MovePivot, formatParam(p.TakeProfitFactor))
}

func formatParam(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Apply returns a copy of cfg running with p
func (p Parameters) Apply(cfg *config.Config) *config.Config {
	out := *cfg
	out.Strategy.GridSizeFactor = p.GridSizeFactor
	out.Strategy.MinimumGridSize = p.MinimumGridSize
	out.Strategy.MovePivot = float64(p.MovePivot)
	out.Strategy.TakeProfitFactor = p.TakeProfitFactor
	return &out
}

// Trial is one evaluated parameter set
type Trial struct {
	Number       int           `json:"number"`
	Params       Parameters    `json:"params"`
	Sharpe       float64       `json:"sharpe"` // -Inf when the run failed
	FinalCapital float64       `json:"final_capital"`
	Err          error         `json:"-"`
	Duration     time.Duration `json:"duration"`
}

// Study is the outcome of a sweep
type Study struct {
	Trials []Trial `json:"trials"` // in trial number order
	Best   Trial   `json:"best"`
}

// Optimizer runs trials concurrently, bounded by the configured workers
type Optimizer struct {
	cfg      *config.Config
	logger   *logging.Logger
	recorder *metrics.Recorder
	now      func() time.Time
}

// NewOptimizer creates an optimizer for cfg
func NewOptimizer(cfg *config.Config, logger *logging.Logger, recorder *metrics.Recorder) *Optimizer {
	if logger == nil {
		logger = logging.CreateOptimizerLogger()
	}
	return &Optimizer{cfg: cfg, logger: logger, recorder: recorder, now: time.Now}
}

// Sample draws the study's parameter sets. The same seed always yields the
// same sets.
func (o *Optimizer) Sample() []Parameters {
	opt := o.cfg.Optimization
	rng := rand.New(rand.NewSource(opt.Seed))

	out := make([]Parameters, opt.NTrials)
	for i := range out {
		out[i] = Parameters{
			GridSizeFactor:   stepped(rng, opt.GridSizeFactorRange, GridSizeFactorStep),
			MinimumGridSize:  stepped(rng, opt.MinimumGridSizeRange, MinimumGridSizeStep),
			MovePivot:        opt.MovePivotRange[0] + rng.Intn(opt.MovePivotRange[1]-opt.MovePivotRange[0]+1),
			TakeProfitFactor: stepped(rng, opt.TakeProfitFactorRange, TakeProfitFactorStep),
		}
	}
	return out
}

// stepped draws uniformly from low, low+step, ... up to high
func stepped(rng *rand.Rand, bounds []float64, step float64) float64 {
	low, high := bounds[0], bounds[1]
	n := int(math.Floor((high-low)/step+1e-9)) + 1
	v := low + float64(rng.Intn(n))*step
	return math.Round(v*1e6) / 1e6
}

// Optimize evaluates every sampled parameter set over series, logging each
// finished trial to dir/trials.log, and writes the best parameters to
// dir/best_parameters.yaml. Cancelling ctx stops scheduling new trials.
func (o *Optimizer) Optimize(ctx context.Context, series []types.PricePoint, dir string) (*Study, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create study directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(dir, TrialsLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trials log: %w", err)
	}
	defer logFile.Close()

	params := o.Sample()
	o.logger.Infof("Starting parameter sweep: %d trials on %d workers", len(params), o.cfg.Optimization.Workers)

	var (
		mu       sync.Mutex
		finished []Trial
		best     *Trial
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Optimization.Workers)

	for i, p := range params {
		if gctx.Err() != nil {
			break
		}
		number := i
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			trial := o.evaluate(gctx, number, p, series)

			mu.Lock()
			defer mu.Unlock()
			finished = append(finished, trial)
			if best == nil || better(trial, *best) {
				t := trial
				best = &t
			}
			line := o.trialLine(trial, *best)
			o.logger.Info(line)
			if _, err := fmt.Fprintln(logFile, line); err != nil {
				return fmt.Errorf("failed to write trials log: %w", err)
			}
			return nil
		})
	}

	waitErr := g.Wait()
	if waitErr == nil {
		waitErr = ctx.Err()
	}
	if best == nil {
		if waitErr != nil {
			return nil, waitErr
		}
		return nil, ErrNoTrials
	}

	sort.Slice(finished, func(i, j int) bool { return finished[i].Number < finished[j].Number })
	study := &Study{Trials: finished, Best: *best}

	if err := SaveBestParameters(filepath.Join(dir, BestParametersFile), best.Params); err != nil {
		return study, err
	}

	o.logger.Infof("Best Sharpe Ratio: %.2f", best.Sharpe)
	o.logger.Infof("Best Parameters: %s", best.Params)
	o.logger.Infof("Final Capital: %s VND", types.FormatMoney(best.FinalCapital))

	return study, waitErr
}

// evaluate runs one trial. Failed or insolvent runs, and runs ending with
// negative capital, score -Inf.
func (o *Optimizer) evaluate(ctx context.Context, number int, p Parameters, series []types.PricePoint) (trial Trial) {
	trial = Trial{Number: number, Params: p, Sharpe: math.Inf(-1)}
	started := o.now()
	defer func() { trial.Duration = o.now().Sub(started) }()

	engine, err := backtest.NewEngine(p.Apply(o.cfg),
		backtest.WithLogger(logging.NewNopLogger()),
		backtest.WithRecorder(o.recorder),
	)
	if err != nil {
		trial.Err = err
		return trial
	}

	result, err := engine.Run(ctx, series)
	if err != nil {
		trial.Err = err
		o.logger.WithField("trial", number).Debugf("Trial failed: %v", err)
		return trial
	}

	trial.FinalCapital = result.FinalCapital
	if result.FinalCapital < 0 {
		return trial
	}
	trial.Sharpe = result.Metrics.SharpeRatio
	o.recorder.ObserveTrial(trial.Sharpe)
	return trial
}

// better orders trials by Sharpe, the earlier trial winning a tie
func better(t, than Trial) bool {
	if t.Sharpe != than.Sharpe {
		return t.Sharpe > than.Sharpe
	}
	return t.Number < than.Number
}

func (o *Optimizer) trialLine(t, best Trial) string {
	return fmt.Sprintf("[%s] Trial %d finished with Sharpe Ratio: %.2f, Final Capital: %s VND and parameters: %s. Best is trial %d with Sharpe Ratio: %.2f.",
		o.now().Format("2006-01-02 15:04:05"), t.Number, t.Sharpe, types.FormatMoney(t.FinalCapital), t.Params, best.Number, best.Sharpe)
}

// SaveBestParameters writes p as YAML
func SaveBestParameters(path string, p Parameters) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// LoadParameters reads a best_parameters.yaml file
func LoadParameters(path string) (Parameters, error) {
	var p Parameters
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return p, nil
}
