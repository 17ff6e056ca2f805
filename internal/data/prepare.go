package data

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pivotgrid/internal/config"
	"pivotgrid/internal/logging"
	"pivotgrid/internal/types"
)

// Sample selects which configured date range and file a run uses
type Sample string

const (
	InSample  Sample = "in_sample"
	OutSample Sample = "out_sample"
)

// ParseSample validates a sample name
func ParseSample(s string) (Sample, error) {
	switch Sample(s) {
	case InSample, OutSample:
		return Sample(s), nil
	}
	return "", fmt.Errorf("invalid data sample %q: expected in_sample or out_sample", s)
}

// Loader prepares the engine input from the configured sources
type Loader struct {
	cfg    *config.Config
	logger *logging.Logger

	// Fetch overrides the database source, mainly for tests
	Fetch func(ctx context.Context) ([]types.PricePoint, error)
}

// NewLoader creates a loader for cfg
func NewLoader(cfg *config.Config, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.CreateDataLogger()
	}
	l := &Loader{cfg: cfg, logger: logger}
	l.Fetch = l.fetchDatabase
	return l
}

// Prepare returns the sample's series sorted, deduplicated and filtered to
// the sample's inclusive date range. A database fetch, when enabled, takes
// precedence over files; a failed fetch falls back to them.
func (l *Loader) Prepare(ctx context.Context, sample Sample) ([]types.PricePoint, error) {
	dataCfg := l.cfg.Data
	file, dates := dataCfg.InSampleFile, dataCfg.InSample
	if sample == OutSample {
		file, dates = dataCfg.OutSampleFile, dataCfg.OutSample
	}

	loc := l.cfg.Location()
	start, end, err := dates.Bounds(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid %s date range: %w", sample, err)
	}

	var series []types.PricePoint
	if dataCfg.FetchData {
		series, err = l.Fetch(ctx)
		if err != nil {
			l.logger.LogError("fetch_data", err, map[string]interface{}{"query_file": dataCfg.QueryFile})
			series = nil
		} else if dataCfg.SaveFetchedData {
			if err := SaveCSV(dataCfg.CacheFile, series); err != nil {
				l.logger.LogError("save_data", err, map[string]interface{}{"file": dataCfg.CacheFile})
			} else {
				l.logger.Infof("Data saved to %s", dataCfg.CacheFile)
			}
		}
	}

	if series == nil {
		series, err = NewCSVSource(file, loc, l.logger).Load(ctx)
		if err != nil && file != dataCfg.CacheFile {
			l.logger.Warnf("%v; trying %s as fallback", err, dataCfg.CacheFile)
			series, err = NewCSVSource(dataCfg.CacheFile, loc, l.logger).Load(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to obtain price data from any source: %w", err)
		}
	}

	series = Normalize(series)
	filtered := FilterRange(series, start, end)
	l.logger.Infof("Filtered data from %d to %d points based on date range", len(series), len(filtered))
	if len(filtered) == 0 {
		return nil, fmt.Errorf("no data points between %s and %s: %w", dates.StartDate, dates.EndDate, ErrNoData)
	}
	return filtered, nil
}

func (l *Loader) fetchDatabase(ctx context.Context) ([]types.PricePoint, error) {
	query, err := LoadQuery(l.cfg.Data.QueryFile)
	if err != nil {
		return nil, err
	}
	pool, err := Connect(ctx, l.cfg.Database)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	return NewPostgresSource(pool, query, l.cfg.Location(), l.logger).Load(ctx)
}

// Normalize sorts by time and keeps the last tick of each duplicated
// timestamp, producing a strictly ascending series
func Normalize(series []types.PricePoint) []types.PricePoint {
	out := make([]types.PricePoint, len(series))
	copy(out, series)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	n := 0
	for _, p := range out {
		if n > 0 && p.Timestamp.Equal(out[n-1].Timestamp) {
			out[n-1] = p
			continue
		}
		out[n] = p
		n++
	}
	return out[:n]
}

// FilterRange keeps ticks with start <= timestamp <= end
func FilterRange(series []types.PricePoint, start, end time.Time) []types.PricePoint {
	out := make([]types.PricePoint, 0, len(series))
	for _, p := range series {
		if p.Timestamp.Before(start) || p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out
}
