package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 12, cfg.Risk.MaxPositions)
	assert.Equal(t, 6, cfg.Risk.MaxPositionsPerSide)
	assert.Equal(t, 10.0, cfg.Risk.MaxGridSize)
	assert.Equal(t, 60, cfg.Risk.ShortATRWindow)
	assert.Equal(t, "14:29", cfg.Session.TradingEnd)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capital", func(c *Config) { c.Strategy.Capital = 0 }},
		{"negative fee", func(c *Config) { c.Strategy.FeePerTrade = -1 }},
		{"per side above total", func(c *Config) { c.Risk.MaxPositionsPerSide = 13 }},
		{"min grid above max", func(c *Config) { c.Strategy.MinimumGridSize = 11 }},
		{"bad session time", func(c *Config) { c.Session.TradingStart = "9am" }},
		{"bad timezone", func(c *Config) { c.App.Timezone = "Mars/Olympus" }},
		{"inverted range", func(c *Config) { c.Optimization.GridSizeFactorRange = []float64{5, 1} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Strategy, cfg.Strategy)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
strategy:
  capital: 1000000
  grid_size_factor: 2.5
risk:
  max_grid_size: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 1000000.0, cfg.Strategy.Capital)
	assert.Equal(t, 2.5, cfg.Strategy.GridSizeFactor)
	assert.Equal(t, 8.0, cfg.Risk.MaxGridSize)
	// untouched keys keep their defaults
	assert.Equal(t, 0.47, cfg.Strategy.FeePerTrade)
	assert.Equal(t, 6, cfg.Risk.MaxPositionsPerSide)
}

func TestLoadConfigEnvOverridesMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: env test\n"), 0644))

	t.Setenv("PIVOTGRID_STRATEGY_CAPITAL", "123456")
	t.Setenv("PIVOTGRID_RISK_GRID_LEVELS", "4")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env test", cfg.App.Name)
	assert.Equal(t, 123456.0, cfg.Strategy.Capital)
	assert.Equal(t, 4, cfg.Risk.GridLevels)
	assert.Equal(t, DefaultConfig().Session, cfg.Session)
	assert.Equal(t, []int{6, 12}, cfg.Optimization.MovePivotRange)
}

func TestLoadConfigDatabaseEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
}

func TestDateRangeBounds(t *testing.T) {
	r := DateRange{StartDate: "2024-01-02", EndDate: "2024-01-03"}
	start, end, err := r.Bounds(time.UTC)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), start)
	assert.True(t, end.After(time.Date(2024, 1, 3, 23, 59, 59, 0, time.UTC)))
	assert.True(t, end.Before(time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)))

	_, _, err = DateRange{StartDate: "bad", EndDate: "2024-01-03"}.Bounds(time.UTC)
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: 5432, Name: "n", User: "u", Password: "p", SSLMode: "disable", MaxConns: 2}
	assert.Equal(t, "postgres://u:p@h:5432/n?sslmode=disable&pool_max_conns=2", d.DSN())
}
