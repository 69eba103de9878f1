// Package log provides structured logging for conveyor. It wraps a zap
// SugaredLogger with level/category/key-value fields and stays a no-op until
// Init is called, which keeps library code and tests quiet by default.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category groups related log messages.
type Category string

const (
	CatScheduler Category = "scheduler" // Dispatch loop, queues, execution wrapper
	CatEngine    Category = "engine"    // Workflow engine: submission, aggregation
	CatAdmission Category = "admission" // Active-user slots and waiting queue
	CatTenant    Category = "tenant"    // Tenant registry bookkeeping
	CatHTTP      Category = "http"      // HTTP server and handlers
	CatWS        Category = "ws"        // WebSocket progress connections
	CatStorage   Category = "storage"   // Result store reads/writes
	CatExecutor  Category = "executor"  // Job executors
	CatPipeline  Category = "pipeline"  // Pipeline preset loading and reloads
	CatConfig    Category = "config"    // Configuration loading/saving
	CatTracing   Category = "tracing"   // Trace provider lifecycle
)

// Config controls the global logger.
type Config struct {
	// Level is the minimum severity: debug, info, warn, or error.
	Level string
	// Format selects the encoder: console or json.
	Format string
}

var (
	mu     sync.RWMutex
	sugar  *zap.SugaredLogger
	level  zap.AtomicLevel
	noInit = true
)

// Init initializes the global logger. Returns a cleanup function that
// flushes buffered entries.
func Init(cfg Config) (func(), error) {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	atomic := zap.NewAtomicLevelAt(lvl)
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), atomic)
	logger := zap.New(core)

	mu.Lock()
	sugar = logger.Sugar()
	level = atomic
	noInit = false
	mu.Unlock()

	return func() { _ = logger.Sync() }, nil
}

// SetLevel changes the minimum severity at runtime.
func SetLevel(raw string) error {
	lvl, err := zapcore.ParseLevel(raw)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", raw, err)
	}
	mu.RLock()
	defer mu.RUnlock()
	if noInit {
		return nil
	}
	level.SetLevel(lvl)
	return nil
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	if l := current(); l != nil {
		l.Debugw(msg, withCategory(cat, fields)...)
	}
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	if l := current(); l != nil {
		l.Infow(msg, withCategory(cat, fields)...)
	}
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	if l := current(); l != nil {
		l.Warnw(msg, withCategory(cat, fields)...)
	}
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	if l := current(); l != nil {
		l.Errorw(msg, withCategory(cat, fields)...)
	}
}

// ErrorErr logs an error with the error value attached.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if l := current(); l != nil {
		fields = append(fields, "error", err)
		l.Errorw(msg, withCategory(cat, fields)...)
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func withCategory(cat Category, fields []any) []any {
	out := make([]any, 0, len(fields)+2)
	out = append(out, "category", string(cat))
	return append(out, fields...)
}
