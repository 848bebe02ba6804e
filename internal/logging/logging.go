// Package logging wraps log/slog with the package-level helpers used across tabsync.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var (
	disabled atomic.Bool
	level    = new(slog.LevelVar)
	logger   atomic.Pointer[slog.Logger]
)

func init() {
	logger.Store(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})))
}

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text (colour console) or json
	Output io.Writer
}

// Setup replaces the process logger. Unknown levels fall back to info.
func Setup(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level.Set(ParseLevel(opts.Level))

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		h = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	logger.Store(slog.New(h))
}

// SetLevel changes the level of the current logger and of every logger
// derived from it.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the process logger, or a discarding logger while disabled.
func Logger() *slog.Logger {
	if disabled.Load() {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.Load()
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

func logf(lvl slog.Level, format string, v ...any) {
	if disabled.Load() {
		return
	}
	l := logger.Load()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	l.Log(context.Background(), lvl, fmt.Sprintf(format, v...))
}

// Info logs an info message
func Info(v ...any) { logf(slog.LevelInfo, "%s", fmt.Sprint(v...)) }

// Infof logs a formatted info message
func Infof(format string, v ...any) { logf(slog.LevelInfo, format, v...) }

// Warn logs a warning message
func Warn(v ...any) { logf(slog.LevelWarn, "%s", fmt.Sprint(v...)) }

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) { logf(slog.LevelWarn, format, v...) }

// Error logs an error message
func Error(v ...any) { logf(slog.LevelError, "%s", fmt.Sprint(v...)) }

// Errorf logs a formatted error message
func Errorf(format string, v ...any) { logf(slog.LevelError, format, v...) }

// Debug logs a debug message
func Debug(v ...any) { logf(slog.LevelDebug, "%s", fmt.Sprint(v...)) }

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v...) }
