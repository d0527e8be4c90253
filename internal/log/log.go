// Package log provides structured logging for go-gazecal.
// It wraps slog with sensible defaults and routes every record through the
// diagnostics handler so the log panel and archive see what the console sees.
package log

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
)

// Debug levels accepted by the harness (?debug= in the page, -debug on the CLI).
const (
	DebugMinimal = 0 // errors only
	DebugNormal  = 1 // info and warnings
	DebugVerbose = 2 // everything, recommended for "calibration stuck at 0%"
)

var (
	logger  *slog.Logger
	handler *diagnostics.Handler
	once    sync.Once
)

// Init initializes the global logger with the specified level.
// Valid levels: "debug", "info", "warn", "error", or a debug level "0", "1", "2".
func Init(level string, sinks ...diagnostics.Sink) {
	once.Do(func() {
		opts := &slog.HandlerOptions{
			Level: ParseLevel(level),
		}

		// Use JSON in production, text in development
		var base slog.Handler
		if os.Getenv("GO_ENV") == "production" {
			base = slog.NewJSONHandler(os.Stdout, opts)
		} else {
			base = slog.NewTextHandler(os.Stdout, opts)
		}

		handler = diagnostics.NewHandler(base, sinks...)
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// ParseLevel maps a level name or numeric debug level to a slog level.
func ParseLevel(level string) slog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if n, err := strconv.Atoi(level); err == nil {
		return DebugLevel(n)
	}
	switch level {
	case "debug", "verbose":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DebugLevel maps a numeric debug level to a slog level.
func DebugLevel(n int) slog.Level {
	switch {
	case n <= DebugMinimal:
		return slog.LevelError
	case n >= DebugVerbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// AddSink attaches a diagnostics sink to the global logger.
func AddSink(s diagnostics.Sink) {
	L()
	handler.AddSink(s)
}

// L returns the global logger instance.
func L() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

// Tag returns a logger whose records carry the given diagnostics tag.
func Tag(tag string) *slog.Logger {
	return L().With(diagnostics.TagKey, tag)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
