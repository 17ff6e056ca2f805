package data

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"pivotgrid/internal/config"
	"pivotgrid/internal/logging"
	"pivotgrid/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of a pgx pool used to fetch ticks
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource runs a price query whose first two columns are the tick
// timestamp and price
type PostgresSource struct {
	db       Querier
	query    string
	location *time.Location
	logger   *logging.Logger
}

// NewPostgresSource creates a source over an existing pool or connection
func NewPostgresSource(db Querier, query string, loc *time.Location, logger *logging.Logger) *PostgresSource {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.CreateDataLogger()
	}
	return &PostgresSource{db: db, query: query, location: loc, logger: logger}
}

// LoadQuery reads the SQL text of a query file
func LoadQuery(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to load query from %s: %w", path, err)
	}
	query := strings.TrimSpace(string(data))
	if query == "" {
		return "", fmt.Errorf("query file %s is empty", path)
	}
	return query, nil
}

// Connect opens a pgx pool for cfg and verifies it with a ping
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.Driver != "" && cfg.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}
	return pool, nil
}

// Load executes the query and converts the rows into ticks
func (s *PostgresSource) Load(ctx context.Context) ([]types.PricePoint, error) {
	s.logger.Info("Fetching data from database...")

	rows, err := s.db.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute price query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	if len(fields) < 2 {
		return nil, fmt.Errorf("price query must return timestamp and price columns, got %d", len(fields))
	}
	// timestamp without time zone carries exchange wall clock time
	naive := fields[0].DataTypeOID == pgtype.TimestampOID

	var series []types.PricePoint
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		point, err := s.toPoint(values[0], values[1], naive)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(series)+1, err)
		}
		series = append(series, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("query returned no results: %w", ErrNoData)
	}

	s.logger.Infof("Successfully fetched %d data points", len(series))
	return series, nil
}

func (s *PostgresSource) toPoint(tsValue, priceValue any, naive bool) (types.PricePoint, error) {
	var ts time.Time
	switch v := tsValue.(type) {
	case time.Time:
		if naive {
			ts = time.Date(v.Year(), v.Month(), v.Day(), v.Hour(), v.Minute(), v.Second(), v.Nanosecond(), s.location)
		} else {
			ts = v.In(s.location)
		}
	case string:
		parsed, err := ParseTimestamp(v, s.location)
		if err != nil {
			return types.PricePoint{}, err
		}
		ts = parsed
	default:
		return types.PricePoint{}, fmt.Errorf("unsupported timestamp type %T", tsValue)
	}

	price, err := toFloat(priceValue)
	if err != nil {
		return types.PricePoint{}, err
	}
	return types.NewPricePoint(ts, price), nil
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case pgtype.Numeric:
		f, err := v.Float64Value()
		if err != nil {
			return 0, fmt.Errorf("invalid numeric price: %w", err)
		}
		if !f.Valid {
			return 0, fmt.Errorf("null price")
		}
		return f.Float64, nil
	case nil:
		return 0, fmt.Errorf("null price")
	default:
		return 0, fmt.Errorf("unsupported price type %T", value)
	}
}
