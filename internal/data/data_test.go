package data

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pivotgrid/internal/config"
	"pivotgrid/internal/logging"
	"pivotgrid/internal/types"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func ts(day, h, m int) time.Time {
	return time.Date(2024, 3, day, h, m, 0, 0, time.UTC)
}

func TestCSVSourceLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prices.csv", ""+
		"datetime,price\n"+
		"2024-03-05 09:00:00,1250.5\n"+
		"2024-03-05 09:01:00,abc\n"+
		"2024-03-05T09:02:00,1251\n"+
		"2024-03-05 09:03,0\n"+
		"2024-03-05 09:04:00+07:00,1252\n")

	src := NewCSVSource(path, time.UTC, logging.NewNopLogger())
	series, err := src.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, series, 3)
	assert.Equal(t, ts(5, 9, 0), series[0].Timestamp)
	assert.Equal(t, 1250.5, series[0].Price)
	assert.Equal(t, ts(5, 9, 2), series[1].Timestamp)
	assert.Equal(t, ts(5, 2, 4), series[2].Timestamp, "offsets are converted to the location")
}

func TestCSVSourceErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewCSVSource(filepath.Join(dir, "missing.csv"), time.UTC, logging.NewNopLogger()).Load(context.Background())
	assert.Error(t, err)

	empty := writeFile(t, dir, "empty.csv", "timestamp,price\n")
	_, err = NewCSVSource(empty, time.UTC, logging.NewNopLogger()).Load(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
}

func TestSaveCSVThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.csv")
	series := []types.PricePoint{
		types.NewPricePoint(ts(5, 9, 0), 1000.1),
		types.NewPricePoint(ts(5, 9, 1), 1000.2),
	}
	require.NoError(t, SaveCSV(path, series))

	loaded, err := NewCSVSource(path, time.UTC, logging.NewNopLogger()).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, series, loaded)
}

func TestNormalize(t *testing.T) {
	series := []types.PricePoint{
		types.NewPricePoint(ts(5, 9, 2), 3),
		types.NewPricePoint(ts(5, 9, 0), 1),
		types.NewPricePoint(ts(5, 9, 2), 4),
		types.NewPricePoint(ts(5, 9, 1), 2),
	}

	out := Normalize(series)
	require.Len(t, out, 3)
	assert.True(t, types.IsStrictlyAscending(out))
	assert.Equal(t, []float64{1, 2, 4}, types.Prices(out))
	assert.Equal(t, 3.0, series[0].Price, "input is not modified")
}

func TestFilterRangeInclusive(t *testing.T) {
	series := []types.PricePoint{
		types.NewPricePoint(ts(4, 14, 0), 1),
		types.NewPricePoint(ts(5, 0, 0), 2),
		types.NewPricePoint(ts(6, 14, 29), 3),
		types.NewPricePoint(ts(7, 0, 0), 4),
	}
	start, end, err := config.DateRange{StartDate: "2024-03-05", EndDate: "2024-03-06"}.Bounds(time.UTC)
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 3}, types.Prices(FilterRange(series, start, end)))
}

func TestParseSample(t *testing.T) {
	s, err := ParseSample("out_sample")
	require.NoError(t, err)
	assert.Equal(t, OutSample, s)

	_, err = ParseSample("train")
	assert.Error(t, err)
}

func loaderConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.Timezone = "UTC"
	cfg.Data.CacheFile = filepath.Join(dir, "cache.csv")
	cfg.Data.InSampleFile = filepath.Join(dir, "in.csv")
	cfg.Data.OutSampleFile = filepath.Join(dir, "out.csv")
	cfg.Data.InSample = config.DateRange{StartDate: "2024-03-05", EndDate: "2024-03-05"}
	cfg.Data.OutSample = config.DateRange{StartDate: "2024-03-06", EndDate: "2024-03-06"}
	return cfg
}

func TestLoaderPrepareFromFile(t *testing.T) {
	dir := t.TempDir()
	cfg := loaderConfig(dir)
	writeFile(t, dir, "in.csv", "timestamp,price\n"+
		"2024-03-05 09:01:00,2\n"+
		"2024-03-04 09:00:00,9\n"+
		"2024-03-05 09:00:00,1\n"+
		"2024-03-06 09:00:00,9\n")

	series, err := NewLoader(cfg, logging.NewNopLogger()).Prepare(context.Background(), InSample)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, types.Prices(series))
}

func TestLoaderFallsBackToCache(t *testing.T) {
	dir := t.TempDir()
	cfg := loaderConfig(dir)
	writeFile(t, dir, "cache.csv", "timestamp,price\n2024-03-06 09:00:00,7\n")

	series, err := NewLoader(cfg, logging.NewNopLogger()).Prepare(context.Background(), OutSample)
	require.NoError(t, err)
	assert.Equal(t, []float64{7}, types.Prices(series))
}

func TestLoaderFetchSavesCache(t *testing.T) {
	dir := t.TempDir()
	cfg := loaderConfig(dir)
	cfg.Data.FetchData = true
	cfg.Data.SaveFetchedData = true

	loader := NewLoader(cfg, logging.NewNopLogger())
	loader.Fetch = func(ctx context.Context) ([]types.PricePoint, error) {
		return []types.PricePoint{
			types.NewPricePoint(ts(5, 9, 0), 5),
			types.NewPricePoint(ts(6, 9, 0), 6),
		}, nil
	}

	series, err := loader.Prepare(context.Background(), InSample)
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, types.Prices(series))
	assert.FileExists(t, cfg.Data.CacheFile)
}

func TestLoaderFetchFailureUsesFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := loaderConfig(dir)
	cfg.Data.FetchData = true
	writeFile(t, dir, "in.csv", "timestamp,price\n2024-03-05 10:00:00,3\n")

	loader := NewLoader(cfg, logging.NewNopLogger())
	loader.Fetch = func(ctx context.Context) ([]types.PricePoint, error) {
		return nil, errors.New("connection refused")
	}

	series, err := loader.Prepare(context.Background(), InSample)
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, types.Prices(series))
}

func TestLoaderEmptyRange(t *testing.T) {
	dir := t.TempDir()
	cfg := loaderConfig(dir)
	writeFile(t, dir, "in.csv", "timestamp,price\n2024-01-01 09:00:00,3\n")

	_, err := NewLoader(cfg, logging.NewNopLogger()).Prepare(context.Background(), InSample)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestLoadQuery(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "query.txt", "  SELECT ts, price FROM ticks ORDER BY ts\n")

	q, err := LoadQuery(path)
	require.NoError(t, err)
	assert.Equal(t, "SELECT ts, price FROM ticks ORDER BY ts", q)

	_, err = LoadQuery(writeFile(t, dir, "blank.txt", "\n"))
	assert.Error(t, err)
}

func TestPostgresSourceLive(t *testing.T) {
	dsn := os.Getenv("PIVOTGRID_TEST_DSN")
	if dsn == "" {
		t.Skip("PIVOTGRID_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	src := NewPostgresSource(pool,
		"SELECT TIMESTAMP '2024-03-05 09:00:00', 1250.5::numeric UNION ALL SELECT TIMESTAMP '2024-03-05 09:01:00', 1251::numeric",
		time.UTC, logging.NewNopLogger())
	series, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1250.5, 1251}, types.Prices(series))
	assert.Equal(t, ts(5, 9, 0), series[0].Timestamp)
}
