package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. PIVOTGRID_STRATEGY_CAPITAL
const EnvPrefix = "PIVOTGRID"

// DateLayout is the layout of the date range bounds in the data section
const DateLayout = "2006-01-02"

// Config represents the complete application configuration
type Config struct {
	App          AppConfig          `json:"app" yaml:"app" mapstructure:"app"`
	Strategy     StrategyConfig     `json:"strategy" yaml:"strategy" mapstructure:"strategy"`
	Risk         RiskConfig         `json:"risk" yaml:"risk" mapstructure:"risk"`
	Session      SessionConfig      `json:"session" yaml:"session" mapstructure:"session"`
	Data         DataConfig         `json:"data" yaml:"data" mapstructure:"data"`
	Database     DatabaseConfig     `json:"database" yaml:"database" mapstructure:"database"`
	Optimization OptimizationConfig `json:"optimization" yaml:"optimization" mapstructure:"optimization"`
	Results      ResultsConfig      `json:"results" yaml:"results" mapstructure:"results"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// AppConfig contains basic application configuration
type AppConfig struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	Version  string `json:"version" yaml:"version" mapstructure:"version"`
	Timezone string `json:"timezone" yaml:"timezone" mapstructure:"timezone"` // location of the exchange session clock
	Debug    bool   `json:"debug" yaml:"debug" mapstructure:"debug"`
}

// StrategyConfig contains the tunable parameters of the pivot grid strategy
type StrategyConfig struct {
	Capital          float64 `json:"capital" yaml:"capital" mapstructure:"capital"`
	ContractValue    float64 `json:"contract_value" yaml:"contract_value" mapstructure:"contract_value"`
	MarginRate       float64 `json:"margin_rate" yaml:"margin_rate" mapstructure:"margin_rate"`
	FeePerTrade      float64 `json:"fee_per_trade" yaml:"fee_per_trade" mapstructure:"fee_per_trade"` // in price points, multiplied by contract value
	GridSizeFactor   float64 `json:"grid_size_factor" yaml:"grid_size_factor" mapstructure:"grid_size_factor"`
	MinimumGridSize  float64 `json:"minimum_grid_size" yaml:"minimum_grid_size" mapstructure:"minimum_grid_size"`
	MovePivot        float64 `json:"move_pivot" yaml:"move_pivot" mapstructure:"move_pivot"` // pivot band half-width in grid units
	MaxLoss          float64 `json:"max_loss" yaml:"max_loss" mapstructure:"max_loss"`       // multiplier of RiskConfig.MaxLossUnit
	TakeProfitFactor float64 `json:"take_profit_factor" yaml:"take_profit_factor" mapstructure:"take_profit_factor"`
}

// RiskConfig contains position caps and currency-denominated risk constants
type RiskConfig struct {
	MaxPositions            int     `json:"max_positions" yaml:"max_positions" mapstructure:"max_positions"`
	MaxPositionsPerSide     int     `json:"max_positions_per_side" yaml:"max_positions_per_side" mapstructure:"max_positions_per_side"`
	MaxContracts            float64 `json:"max_contracts" yaml:"max_contracts" mapstructure:"max_contracts"`
	GridLevels              int     `json:"grid_levels" yaml:"grid_levels" mapstructure:"grid_levels"`
	MaxGridSize             float64 `json:"max_grid_size" yaml:"max_grid_size" mapstructure:"max_grid_size"`
	ShortATRWindow          int     `json:"short_atr_window" yaml:"short_atr_window" mapstructure:"short_atr_window"`
	InitialATR              float64 `json:"initial_atr" yaml:"initial_atr" mapstructure:"initial_atr"`
	DailyFeeLimit           float64 `json:"daily_fee_limit" yaml:"daily_fee_limit" mapstructure:"daily_fee_limit"`
	OvernightFeePerPosition float64 `json:"overnight_fee_per_position" yaml:"overnight_fee_per_position" mapstructure:"overnight_fee_per_position"`
	MaxLossUnit             float64 `json:"max_loss_unit" yaml:"max_loss_unit" mapstructure:"max_loss_unit"`
	DuplicateBand           float64 `json:"duplicate_band" yaml:"duplicate_band" mapstructure:"duplicate_band"` // in grid units
}

// SessionConfig contains the exchange session boundaries as HH:MM
type SessionConfig struct {
	TradingStart   string `json:"trading_start" yaml:"trading_start" mapstructure:"trading_start"`
	TradingEnd     string `json:"trading_end" yaml:"trading_end" mapstructure:"trading_end"`
	EndOfDayStart  string `json:"eod_start" yaml:"eod_start" mapstructure:"eod_start"`
	EndOfDayEnd    string `json:"eod_end" yaml:"eod_end" mapstructure:"eod_end"`
	PreMarketStart string `json:"premarket_start" yaml:"premarket_start" mapstructure:"premarket_start"`
	PreMarketEnd   string `json:"premarket_end" yaml:"premarket_end" mapstructure:"premarket_end"`
}

// DateRange is an inclusive pair of YYYY-MM-DD bounds
type DateRange struct {
	StartDate string `json:"start_date" yaml:"start_date" mapstructure:"start_date"`
	EndDate   string `json:"end_date" yaml:"end_date" mapstructure:"end_date"`
}

// Bounds parses the range in loc. The end bound covers the whole end date.
func (r DateRange) Bounds(loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DateLayout, r.StartDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", r.StartDate, err)
	}
	end, err := time.ParseInLocation(DateLayout, r.EndDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", r.EndDate, err)
	}
	return start, end.Add(24*time.Hour - time.Nanosecond), nil
}

// DataConfig contains price data acquisition settings
type DataConfig struct {
	FetchData       bool      `json:"fetch_data" yaml:"fetch_data" mapstructure:"fetch_data"`
	SaveFetchedData bool      `json:"save_fetched_data" yaml:"save_fetched_data" mapstructure:"save_fetched_data"`
	QueryFile       string    `json:"query_file" yaml:"query_file" mapstructure:"query_file"`
	CacheFile       string    `json:"cache_file" yaml:"cache_file" mapstructure:"cache_file"`
	InSampleFile    string    `json:"in_sample_file" yaml:"in_sample_file" mapstructure:"in_sample_file"`
	OutSampleFile   string    `json:"out_sample_file" yaml:"out_sample_file" mapstructure:"out_sample_file"`
	InSample        DateRange `json:"in_sample" yaml:"in_sample" mapstructure:"in_sample"`
	OutSample       DateRange `json:"out_sample" yaml:"out_sample" mapstructure:"out_sample"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Driver   string `json:"driver" yaml:"driver" mapstructure:"driver"` // only "postgres" is supported
	Host     string `json:"host" yaml:"host" mapstructure:"host"`
	Port     int    `json:"port" yaml:"port" mapstructure:"port"`
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	User     string `json:"user" yaml:"user" mapstructure:"user"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns" mapstructure:"max_conns"`
}

// DSN returns a postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode, d.MaxConns)
}

// OptimizationConfig contains parameter sweep settings
type OptimizationConfig struct {
	NTrials                int       `json:"n_trials" yaml:"n_trials" mapstructure:"n_trials"`
	Workers                int       `json:"workers" yaml:"workers" mapstructure:"workers"`
	Seed                   int64     `json:"seed" yaml:"seed" mapstructure:"seed"`
	GridSizeFactorRange    []float64 `json:"grid_size_factor_range" yaml:"grid_size_factor_range" mapstructure:"grid_size_factor_range"`
	MinimumGridSizeRange   []float64 `json:"minimum_grid_size_range" yaml:"minimum_grid_size_range" mapstructure:"minimum_grid_size_range"`
	MovePivotRange         []int     `json:"move_pivot_range" yaml:"move_pivot_range" mapstructure:"move_pivot_range"`
	TakeProfitFactorRange  []float64 `json:"take_profit_factor_range" yaml:"take_profit_factor_range" mapstructure:"take_profit_factor_range"`
}

// ResultsConfig contains output settings
type ResultsConfig struct {
	BaseDirectory string `json:"base_directory" yaml:"base_directory" mapstructure:"base_directory"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`             // "debug", "info", "warn", "error"
	Format    string `json:"format" yaml:"format" mapstructure:"format"`          // "json", "text"
	Output    string `json:"output" yaml:"output" mapstructure:"output"`          // "stdout", "file", "both"
	Directory string `json:"directory" yaml:"directory" mapstructure:"directory"` // Log file directory

	// File rotation
	MaxSize    int  `json:"max_size" yaml:"max_size" mapstructure:"max_size"`          // Max MB per file
	MaxBackups int  `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups"` // Max number of old files
	MaxAge     int  `json:"max_age" yaml:"max_age" mapstructure:"max_age"`             // Max days to retain
	Compress   bool `json:"compress" yaml:"compress" mapstructure:"compress"`
}

// MetricsConfig contains the prometheus endpoint settings
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ListenAddress string `json:"listen_address" yaml:"listen_address" mapstructure:"listen_address"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "Pivot Grid Backtest",
			Version:  "1.0.0",
			Timezone: "Asia/Ho_Chi_Minh",
		},
		Strategy: StrategyConfig{
			Capital:          500e6,
			ContractValue:    100e3,
			MarginRate:       0.2,
			FeePerTrade:      0.47,
			GridSizeFactor:   1.47,
			MinimumGridSize:  0.4,
			MovePivot:        6,
			MaxLoss:          20,
			TakeProfitFactor: 1.0,
		},
		Risk: RiskConfig{
			MaxPositions:            12,
			MaxPositionsPerSide:     6,
			MaxContracts:            12,
			GridLevels:              6,
			MaxGridSize:             10,
			ShortATRWindow:          60,
			InitialATR:              1.0,
			DailyFeeLimit:           50e6,
			OvernightFeePerPosition: 2550,
			MaxLossUnit:             500e3,
			DuplicateBand:           0.5,
		},
		Session: SessionConfig{
			TradingStart:   "09:00",
			TradingEnd:     "14:29",
			EndOfDayStart:  "14:29",
			EndOfDayEnd:    "14:30",
			PreMarketStart: "08:45",
			PreMarketEnd:   "09:00",
		},
		Data: DataConfig{
			FetchData:       false,
			SaveFetchedData: true,
			QueryFile:       "data/query.txt",
			CacheFile:       "data/vn30_data.csv",
			InSampleFile:    "data/vn30_data.csv",
			OutSampleFile:   "data/vn30_data.csv",
			InSample:        DateRange{StartDate: "2023-01-01", EndDate: "2023-12-31"},
			OutSample:       DateRange{StartDate: "2024-01-01", EndDate: "2024-12-31"},
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
			MaxConns: 4,
		},
		Optimization: OptimizationConfig{
			NTrials:               100,
			Workers:               4,
			Seed:                  42,
			GridSizeFactorRange:   []float64{1.0, 10.0},
			MinimumGridSizeRange:  []float64{0.6, 2.0},
			MovePivotRange:        []int{6, 12},
			TakeProfitFactorRange: []float64{1, 2},
		},
		Results: ResultsConfig{
			BaseDirectory: "./results",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			Directory:  "./logs",
			MaxSize:    100, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9102",
		},
	}
}

// LoadConfig loads configuration from a YAML or JSON file on top of the
// defaults, then applies environment overrides
func LoadConfig(configPath string) (*Config, error) {
	// Create default config if file doesn't exist
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		defaultConfig := DefaultConfig()
		if err := SaveConfig(defaultConfig, configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return defaultConfig, nil
	}

	config := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper knows about
	if err := registerDefaults(v, config); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDatabaseEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// registerDefaults seeds v with every key of defaults
func registerDefaults(v *viper.Viper, defaults *Config) error {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		if sub, ok := value.(map[string]interface{}); ok {
			setDefaults(v, prefix+key+".", sub)
			continue
		}
		v.SetDefault(prefix+key, value)
	}
}

// applyDatabaseEnv lets DB_* variables (usually from a .env file) override
// the database section
func (c *Config) applyDatabaseEnv() {
	c.Database.Host = GetEnv("DB_HOST", c.Database.Host)
	c.Database.Port = GetEnvInt("DB_PORT", c.Database.Port)
	c.Database.Name = GetEnv("DB_NAME", c.Database.Name)
	c.Database.User = GetEnv("DB_USER", c.Database.User)
	c.Database.Password = GetEnv("DB_PASSWORD", c.Database.Password)
}

// SaveConfig saves configuration to file, YAML for .yaml/.yml and JSON otherwise
func SaveConfig(config *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.App.Timezone, err)
	}

	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if c.Strategy.MinimumGridSize > c.Risk.MaxGridSize {
		return fmt.Errorf("minimum grid size %.2f exceeds max grid size %.2f", c.Strategy.MinimumGridSize, c.Risk.MaxGridSize)
	}

	for name, value := range map[string]string{
		"trading_start":   c.Session.TradingStart,
		"trading_end":     c.Session.TradingEnd,
		"eod_start":       c.Session.EndOfDayStart,
		"eod_end":         c.Session.EndOfDayEnd,
		"premarket_start": c.Session.PreMarketStart,
		"premarket_end":   c.Session.PreMarketEnd,
	} {
		if _, err := time.Parse("15:04", value); err != nil {
			return fmt.Errorf("invalid session %s %q: expected HH:MM", name, value)
		}
	}

	if err := c.Optimization.Validate(); err != nil {
		return err
	}

	// Validate logging config
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := []string{"json", "text"}
	formatValid := false
	for _, format := range validFormats {
		if c.Logging.Format == format {
			formatValid = true
			break
		}
	}
	if !formatValid {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Validate checks the strategy parameters are within sensible bounds
func (s StrategyConfig) Validate() error {
	if s.Capital <= 0 {
		return fmt.Errorf("capital must be positive")
	}
	if s.ContractValue <= 0 {
		return fmt.Errorf("contract value must be positive")
	}
	if s.MarginRate < 0 || s.MarginRate > 1 {
		return fmt.Errorf("margin rate (%f) must be between 0 and 1", s.MarginRate)
	}
	if s.FeePerTrade < 0 {
		return fmt.Errorf("fee per trade cannot be negative")
	}
	if s.GridSizeFactor <= 0 {
		return fmt.Errorf("grid size factor must be positive")
	}
	if s.MinimumGridSize <= 0 {
		return fmt.Errorf("minimum grid size must be positive")
	}
	if s.MovePivot <= 0 {
		return fmt.Errorf("move pivot must be positive")
	}
	if s.MaxLoss <= 0 {
		return fmt.Errorf("max loss must be positive")
	}
	if s.TakeProfitFactor <= 0 {
		return fmt.Errorf("take profit factor must be positive")
	}
	return nil
}

// Validate checks caps and currency constants
func (r RiskConfig) Validate() error {
	if r.MaxPositions <= 0 {
		return fmt.Errorf("max positions must be positive")
	}
	if r.MaxPositionsPerSide <= 0 || r.MaxPositionsPerSide > r.MaxPositions {
		return fmt.Errorf("max positions per side must be in [1, %d]", r.MaxPositions)
	}
	if r.MaxContracts <= 0 {
		return fmt.Errorf("max contracts must be positive")
	}
	if r.GridLevels <= 0 {
		return fmt.Errorf("grid levels must be positive")
	}
	if r.MaxGridSize <= 0 {
		return fmt.Errorf("max grid size must be positive")
	}
	if r.ShortATRWindow < 2 {
		return fmt.Errorf("short ATR window must be at least 2")
	}
	if r.InitialATR <= 0 {
		return fmt.Errorf("initial ATR must be positive")
	}
	if r.DailyFeeLimit <= 0 {
		return fmt.Errorf("daily fee limit must be positive")
	}
	if r.OvernightFeePerPosition < 0 {
		return fmt.Errorf("overnight fee cannot be negative")
	}
	if r.MaxLossUnit <= 0 {
		return fmt.Errorf("max loss unit must be positive")
	}
	if r.DuplicateBand < 0 {
		return fmt.Errorf("duplicate band cannot be negative")
	}
	return nil
}

// Validate checks the sweep ranges are well formed
func (o OptimizationConfig) Validate() error {
	if o.NTrials <= 0 {
		return fmt.Errorf("n_trials must be positive")
	}
	if o.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	for name, r := range map[string][]float64{
		"grid_size_factor_range":   o.GridSizeFactorRange,
		"minimum_grid_size_range":  o.MinimumGridSizeRange,
		"take_profit_factor_range": o.TakeProfitFactorRange,
	} {
		if len(r) != 2 || r[0] > r[1] {
			return fmt.Errorf("%s must be [low, high]", name)
		}
	}
	if len(o.MovePivotRange) != 2 || o.MovePivotRange[0] > o.MovePivotRange[1] {
		return fmt.Errorf("move_pivot_range must be [low, high]")
	}
	return nil
}

// Location returns the session clock location
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetEnv returns environment variable with default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool returns boolean environment variable with default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// GetEnvFloat returns float environment variable with default value
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvInt returns integer environment variable with default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
