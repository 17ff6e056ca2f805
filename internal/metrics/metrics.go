// Package metrics exposes backtest and sweep counters to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pivotgrid"

// Recorder owns a private registry so several recorders can coexist in one
// process. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	trades      *prometheus.CounterVec
	rebases     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	ticks       prometheus.Counter
	equity      prometheus.Gauge
	runDuration prometheus.Histogram
	trialSharpe prometheus.Histogram
}

// NewRecorder creates and registers the collectors
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trade records emitted, by kind.",
		}, []string{"kind"}),
		rebases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pivot_rebases_total",
			Help:      "Pivot rebases, by trigger.",
		}, []string{"reason"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed simulation runs, by outcome.",
		}, []string{"outcome"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_processed_total",
			Help:      "Price ticks processed.",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity",
			Help:      "Last marked equity of the most recent run.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a simulation run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		trialSharpe: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trial_sharpe_ratio",
			Help:      "Sharpe ratio of successful sweep trials.",
			Buckets:   prometheus.LinearBuckets(-3, 0.5, 16),
		}),
	}

	r.registry.MustRegister(r.trades, r.rebases, r.runs, r.ticks, r.equity, r.runDuration, r.trialSharpe)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveTrade counts one trade record
func (r *Recorder) ObserveTrade(kind string) {
	if r == nil {
		return
	}
	r.trades.WithLabelValues(kind).Inc()
}

// ObserveRebase counts a pivot rebase
func (r *Recorder) ObserveRebase(reason string) {
	if r == nil {
		return
	}
	r.rebases.WithLabelValues(reason).Inc()
}

// ObserveTicks adds processed ticks
func (r *Recorder) ObserveTicks(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.ticks.Add(float64(n))
}

// SetEquity records the latest marked equity
func (r *Recorder) SetEquity(v float64) {
	if r == nil {
		return
	}
	r.equity.Set(v)
}

// ObserveRun records a finished run's outcome and duration
func (r *Recorder) ObserveRun(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(outcome).Inc()
	r.runDuration.Observe(d.Seconds())
}

// ObserveTrial records a sweep trial's objective
func (r *Recorder) ObserveTrial(sharpe float64) {
	if r == nil {
		return
	}
	r.trialSharpe.Observe(sharpe)
}

// Handler serves the registry in the exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
