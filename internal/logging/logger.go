// Package logging builds the component-scoped zap loggers used by every
// franklab process. Output format and level come from LOG_FORMAT and
// LOG_LEVEL; "json" maps to the zap production encoder, "pretty" to the
// development console encoder.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Level     string // debug, info, warn, error
	Format    string // json, pretty
	Component string // bridge, doctor, igor, frank
}

var (
	mu   sync.Mutex
	root *zap.Logger
)

// New builds a logger from options. The component name is attached as a
// structured field so interleaved cluster logs stay attributable.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "pretty":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q (want json or pretty)", opts.Format)
	}

	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = level != zapcore.DebugLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if opts.Component != "" {
		logger = logger.With(zap.String("component", opts.Component))
	}
	return logger, nil
}

// Init builds the process-wide logger and stores it for Get. Called once
// from each command's PersistentPreRun.
func Init(opts Options) (*zap.Logger, error) {
	logger, err := New(opts)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	root = logger
	mu.Unlock()
	return logger, nil
}

// Get returns the process logger, or a no-op logger before Init.
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		return zap.NewNop()
	}
	return root
}

// Sync flushes buffered log entries. Safe to call on shutdown paths.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if root != nil {
		_ = root.Sync()
	}
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
