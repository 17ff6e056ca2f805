package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"pivotgrid/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotating log file written under LoggingConfig.Directory
const LogFileName = "pivotgrid.log"

// Logger wraps a logrus entry with a component name
type Logger struct {
	*logrus.Entry
	component string
}

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
	FatalLevel = logrus.FatalLevel
	PanicLevel = logrus.PanicLevel
)

// Global logger instance
var globalLogger *Logger

// NewLogger creates a new logger with the given configuration
func NewLogger(cfg config.LoggingConfig) *Logger {
	logger := logrus.New()

	// Set log level
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Set formatter
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	// Set output
	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "file":
		output = createFileWriter(cfg)
	case "both":
		output = io.MultiWriter(os.Stdout, createFileWriter(cfg))
	default:
		output = os.Stdout
	}

	logger.SetOutput(output)

	return &Logger{
		Entry: logrus.NewEntry(logger),
	}
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{Entry: logrus.NewEntry(logger)}
}

// createFileWriter creates a rotating file writer
func createFileWriter(cfg config.LoggingConfig) io.Writer {
	// Ensure log directory exists
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		fmt.Printf("Warning: Failed to create log directory: %v\n", err)
		return os.Stdout
	}

	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, LogFileName),
		MaxSize:    cfg.MaxSize, // MB
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	}
}

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg config.LoggingConfig) {
	globalLogger = NewLogger(cfg)
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Create default logger if not initialized
		globalLogger = NewLogger(config.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		})
	}
	return globalLogger
}

// SetLevel changes the level of the underlying logger
func (l *Logger) SetLevel(level logrus.Level) {
	l.Entry.Logger.SetLevel(level)
}

// NewComponentLogger creates a logger for a specific component
func NewComponentLogger(component string) *Logger {
	return GetGlobalLogger().Component(component)
}

// Component derives a logger tagged with the given component
func (l *Logger) Component(component string) *Logger {
	return &Logger{
		Entry:     l.Entry.WithField("component", component),
		component: component,
	}
}

// Name returns the component name, empty for the root logger
func (l *Logger) Name() string {
	return l.component
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		Entry:     l.Entry.WithFields(fields),
		component: l.component,
	}
}

// WithField adds a single field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Entry:     l.Entry.WithField(key, value),
		component: l.component,
	}
}

// WithError adds an error field to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Entry:     l.Entry.WithError(err),
		component: l.component,
	}
}

// Backtest-specific logging methods

// LogTrade logs a trade record. Trades are frequent so they go to debug.
func (l *Logger) LogTrade(kind string, price float64, size float64, profit float64, fee float64) {
	l.WithFields(logrus.Fields{
		"event":  "trade",
		"kind":   kind,
		"price":  price,
		"size":   size,
		"profit": profit,
		"fee":    fee,
	}).Debug("Trade recorded")
}

// LogGrid logs a grid (re)computation around a pivot
func (l *Logger) LogGrid(event string, pivot float64, gridSize float64, lower float64, upper float64) {
	l.WithFields(logrus.Fields{
		"event":       "grid_event",
		"grid_action": event,
		"pivot":       pivot,
		"grid_size":   gridSize,
		"lower_bound": lower,
		"upper_bound": upper,
	}).Debug("Grid operation")
}

// LogRisk logs a risk management event
func (l *Logger) LogRisk(riskType string, level string, message string, value float64, threshold float64) {
	l.WithFields(logrus.Fields{
		"event":     "risk_alert",
		"risk_type": riskType,
		"level":     level,
		"value":     value,
		"threshold": threshold,
	}).Warn(message)
}

// LogPerformance logs performance metrics
func (l *Logger) LogPerformance(totalReturn float64, sharpeRatio float64, maxDrawdown float64, tradeCount int) {
	l.WithFields(logrus.Fields{
		"event":        "performance_update",
		"total_return": totalReturn,
		"sharpe_ratio": sharpeRatio,
		"max_drawdown": maxDrawdown,
		"trade_count":  tradeCount,
	}).Info("Performance metrics computed")
}

// LogProgress logs how far a long running loop has got
func (l *Logger) LogProgress(processed int, total int) {
	pct := 0.0
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
	}
	l.WithFields(logrus.Fields{
		"event":     "progress",
		"processed": processed,
		"total":     total,
		"percent":   fmt.Sprintf("%.1f", pct),
	}).Info("Progress")
}

// LogError logs an error with context
func (l *Logger) LogError(operation string, err error, context map[string]interface{}) {
	fields := logrus.Fields{
		"event":     "error",
		"operation": operation,
		"error":     err.Error(),
	}

	// Add context fields
	for k, v := range context {
		fields[k] = v
	}

	l.WithFields(fields).Error("Operation failed")
}

// LogSystem logs system-level events
func (l *Logger) LogSystem(event string, message string, details map[string]interface{}) {
	fields := logrus.Fields{
		"event":        "system_event",
		"system_event": event,
	}

	// Add detail fields
	for k, v := range details {
		fields[k] = v
	}

	l.WithFields(fields).Info(message)
}

// CreateEngineLogger creates a logger for the backtest engine
func CreateEngineLogger() *Logger {
	return NewComponentLogger("engine")
}

// CreateDataLogger creates a logger specifically for data operations
func CreateDataLogger() *Logger {
	return NewComponentLogger("data")
}

// CreateOptimizerLogger creates a logger for the parameter sweep
func CreateOptimizerLogger() *Logger {
	return NewComponentLogger("optimizer")
}
