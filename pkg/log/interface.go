// Package log provides structured logging for the cell-classification
// pipeline and training loop.
//
// It defines a minimal, slog-compatible Logger interface with a
// zerolog-backed default implementation. Domain attribute keys (marker,
// sample, dataset, training step, ...) live in attributes.go so that log
// output stays filterable across the record pipeline and the Promix loop.
package log

import (
	"context"
)

// Logger is a structured logging interface compatible with Go's log/slog.
// Fields are alternating key-value pairs. With returns a contextual logger
// with the given fields pre-populated.
type Logger interface {
	// Debug logs detailed diagnostic information.
	Debug(msg string, fields ...any)

	// Info logs general operational information.
	Info(msg string, fields ...any)

	// Warn logs a potentially problematic situation that does not stop the run.
	Warn(msg string, fields ...any)

	// Error logs an error condition. If a field value is an error carrying a
	// cockroachdb stack trace, the trace is attached as a separate attribute.
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, value-compatible with slog.Level.
type Level int

// Standard logging levels.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
