// Package logging builds the process logger and carries it through contexts.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn or error.
	Level       string
	Development bool
}

// New builds a zap-backed logr.Logger. The returned func flushes buffered
// entries and should be deferred by the caller.
func New(opts Options) (logr.Logger, func(), error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	config := zap.NewProductionConfig()
	if opts.Development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)

	zl, err := config.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// IntoContext returns a copy of ctx carrying log.
func IntoContext(ctx context.Context, log logr.Logger) context.Context {
	return logr.NewContext(ctx, log)
}

// FromContext returns the logger stored in ctx, or a discarding logger.
func FromContext(ctx context.Context) logr.Logger {
	if ctx == nil {
		return logr.Discard()
	}
	if log, err := logr.FromContext(ctx); err == nil {
		return log
	}
	return logr.Discard()
}
