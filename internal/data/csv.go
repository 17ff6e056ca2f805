package data

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pivotgrid/internal/logging"
	"pivotgrid/internal/types"
)

// ErrNoData is returned when a source yields no usable tick
var ErrNoData = errors.New("no price data")

// timestampLayouts are tried in order when reading a CSV timestamp
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04",
}

// PriceSource yields a price series
type PriceSource interface {
	Load(ctx context.Context) ([]types.PricePoint, error)
}

// CSVSource reads a two column timestamp,price file
type CSVSource struct {
	Path     string
	Location *time.Location
	logger   *logging.Logger
}

// NewCSVSource creates a CSV source. Naive timestamps are read in loc.
func NewCSVSource(path string, loc *time.Location, logger *logging.Logger) *CSVSource {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.CreateDataLogger()
	}
	return &CSVSource{Path: path, Location: loc, logger: logger}
}

// Load reads the file. A first row that does not parse is treated as the
// header; later malformed rows are skipped with a warning.
func (s *CSVSource) Load(ctx context.Context) ([]types.PricePoint, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.Path, err)
	}
	defer file.Close()

	series, err := s.read(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%s: %w", s.Path, ErrNoData)
	}

	s.logger.Infof("Data loaded from %s: %d data points", s.Path, len(series))
	return series, nil
}

func (s *CSVSource) read(ctx context.Context, r io.Reader) ([]types.PricePoint, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var series []types.PricePoint
	skipped := 0
	for row := 0; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if row%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		point, err := s.parseRecord(record)
		if err != nil {
			if row > 0 {
				skipped++
				s.logger.WithField("row", row+1).Warnf("Skipping row: %v", err)
			}
			continue
		}
		series = append(series, point)
	}

	if skipped > 0 {
		s.logger.Warnf("Skipped %d malformed rows in %s", skipped, s.Path)
	}
	return series, nil
}

func (s *CSVSource) parseRecord(record []string) (types.PricePoint, error) {
	if len(record) < 2 {
		return types.PricePoint{}, fmt.Errorf("expected 2 columns, got %d", len(record))
	}
	ts, err := ParseTimestamp(record[0], s.Location)
	if err != nil {
		return types.PricePoint{}, err
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
	if err != nil {
		return types.PricePoint{}, fmt.Errorf("invalid price %q", record[1])
	}
	if !(price > 0) {
		return types.PricePoint{}, fmt.Errorf("non-positive price %v", price)
	}
	return types.NewPricePoint(ts, price), nil
}

// ParseTimestamp parses value with the accepted layouts. Values without an
// offset are read in loc; values with one are converted to loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

// SaveCSV writes series to path with a header row, creating the directory
func SaveCSV(path string, series []types.PricePoint) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"timestamp", "price"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, p := range series {
		if err := w.Write([]string{
			p.Timestamp.Format("2006-01-02 15:04:05"),
			strconv.FormatFloat(p.Price, 'f', -1, 64),
		}); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return nil
}
