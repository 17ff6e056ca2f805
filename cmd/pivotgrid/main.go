package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pivotgrid/internal/backtest"
	"pivotgrid/internal/config"
	"pivotgrid/internal/data"
	"pivotgrid/internal/logging"
	"pivotgrid/internal/metrics"
	"pivotgrid/internal/optimize"
	"pivotgrid/internal/types"

	"github.com/joho/godotenv"
)

const (
	// Application constants
	AppName           = "Pivot Grid Backtest"
	AppVersion        = "1.0.0"
	DefaultConfigPath = "config/config.yaml"

	ModeBacktest = "backtest"
	ModeOptimize = "optimize"
)

var (
	// Command line flags
	configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
	mode       = flag.String("mode", ModeBacktest, "Run mode: backtest or optimize")
	dataMode   = flag.String("data", string(data.InSample), "Data sample: in_sample or out_sample")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
	version    = flag.Bool("version", false, "Show version information")

	// Global variables
	cfg    *config.Config
	logger *logging.Logger
)

func init() {
	flag.Usage = printUsage
}

func main() {
	flag.Parse()

	if *version {
		printVersion()
		os.Exit(0)
	}

	if err := run(); err != nil {
		if logger != nil {
			logger.LogError("run", err, map[string]interface{}{"mode": *mode})
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env carries database credentials; it is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	var err error
	cfg, err = config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *debugMode {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}

	logging.InitGlobalLogger(cfg.Logging)
	logger = logging.NewLogger(cfg.Logging).Component("main")

	if *mode != ModeBacktest && *mode != ModeOptimize {
		return fmt.Errorf("invalid mode %q: expected %s or %s", *mode, ModeBacktest, ModeOptimize)
	}
	sample, err := data.ParseSample(*dataMode)
	if err != nil {
		return err
	}
	if *mode == ModeOptimize && sample == data.OutSample {
		logger.Warn("Optimization should only be performed on in-sample data. Switching to in_sample")
		sample = data.InSample
	}

	started := time.Now()
	logger.LogSystem("startup", "Starting "+AppName, map[string]interface{}{
		"version":     AppVersion,
		"mode":        *mode,
		"data":        sample,
		"config_path": *configPath,
		"debug_mode":  cfg.App.Debug,
	})
	defer func() {
		logger.LogSystem("shutdown", AppName+" finished", map[string]interface{}{
			"mode":    *mode,
			"elapsed": time.Since(started).Round(time.Millisecond).String(),
		})
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder()
		go func() {
			if err := recorder.Serve(ctx, cfg.Metrics.ListenAddress); err != nil {
				logger.LogError("metrics_server", err, map[string]interface{}{"address": cfg.Metrics.ListenAddress})
			}
		}()
		logger.Infof("Serving metrics on %s/metrics", cfg.Metrics.ListenAddress)
	}

	outputDir, err := setupResultsDir(cfg.Results.BaseDirectory, *mode, time.Now())
	if err != nil {
		return err
	}
	logger.Infof("Results will be saved to %s", outputDir)

	series, err := data.NewLoader(cfg, logging.CreateDataLogger()).Prepare(ctx, sample)
	if err != nil {
		return fmt.Errorf("failed to prepare %s data: %w", sample, err)
	}

	switch *mode {
	case ModeOptimize:
		return runOptimization(ctx, series, outputDir, recorder)
	default:
		_, err := runBacktest(ctx, cfg, series, outputDir, recorder)
		return err
	}
}

// setupResultsDir creates <base>/<mode>/<YYYYMMDD_HHMMSS>
func setupResultsDir(base, runMode string, now time.Time) (string, error) {
	dir := filepath.Join(base, runMode, now.Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}
	return dir, nil
}

// runBacktest runs one simulation writing the trade log and reports into dir
func runBacktest(ctx context.Context, runCfg *config.Config, series []types.PricePoint, dir string, recorder *metrics.Recorder) (*backtest.Result, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	tradeLog, err := os.Create(filepath.Join(dir, backtest.TradeLogFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create trade log: %w", err)
	}
	defer tradeLog.Close()

	engine, err := backtest.NewEngine(runCfg,
		backtest.WithLogger(logging.CreateEngineLogger()),
		backtest.WithRecorder(recorder),
		backtest.WithTradeLog(tradeLog),
	)
	if err != nil {
		return nil, err
	}

	result, err := engine.Run(ctx, series)
	if err != nil {
		return nil, fmt.Errorf("backtest failed: %w", err)
	}
	result.Mode = *mode

	if err := result.SaveResults(dir); err != nil {
		return nil, err
	}
	if !result.Reconciliation.Balanced(1) {
		logger.Warnf("Trade log does not reconcile with capital change: difference %s", result.Reconciliation.Difference)
	}

	fmt.Print(result.Summary())
	fmt.Printf("Trade log saved to %s\n", filepath.Join(dir, backtest.TradeLogFile))
	return result, nil
}

func runOptimization(ctx context.Context, series []types.PricePoint, dir string, recorder *metrics.Recorder) error {
	optimizer := optimize.NewOptimizer(cfg, logging.CreateOptimizerLogger(), recorder)
	study, err := optimizer.Optimize(ctx, series, dir)
	if err != nil {
		return fmt.Errorf("optimization failed: %w", err)
	}

	logger.Infof("Running backtest with best parameters %s", study.Best.Params)
	_, err = runBacktest(ctx, study.Best.Params.Apply(cfg), series, filepath.Join(dir, optimize.OptimizedDir), recorder)
	return err
}

func printVersion() {
	fmt.Printf("%s v%s\n", AppName, AppVersion)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "%s v%s\n\n", AppName, AppVersion)
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s -mode backtest -data out_sample\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "  %s -mode optimize -config config/config.yaml\n", filepath.Base(os.Args[0]))
}
