package log

import (
	"context"
	"io"
	"os"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	pkgerrors "github.com/angelolab/cell-classification/pkg/errors"
)

// zerologLogger implements Logger on top of rs/zerolog.
type zerologLogger struct {
	zl zerolog.Logger
}

// New creates a Logger writing JSON lines to w at the given minimum level.
func New(w io.Writer, level Level) Logger {
	zl := zerolog.New(w).Level(toZerologLevel(level)).With().Timestamp().Logger()
	return &zerologLogger{zl: zl}
}

// NewConsole creates a human-readable Logger for CLI use.
func NewConsole(level Level) Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr}
	zl := zerolog.New(cw).Level(toZerologLevel(level)).With().Timestamp().Logger()
	return &zerologLogger{zl: zl}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = New(os.Stderr, LevelInfo)
)

// GetLogger returns the process-wide default logger.
func GetLogger() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func init() {
	// Route pkg/errors warnings into structured logs.
	pkgerrors.SetZerologWarnFunc(func(warning error) {
		GetLogger().Warn(warning.Error(), ErrorTypeKey, warning)
	})
}

func toZerologLevel(level Level) zerolog.Level {
	switch {
	case level <= LevelDebug:
		return zerolog.DebugLevel
	case level <= LevelInfo:
		return zerolog.InfoLevel
	case level <= LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (l *zerologLogger) Debug(msg string, fields ...any) { l.emit(l.zl.Debug(), msg, fields) }
func (l *zerologLogger) Info(msg string, fields ...any)  { l.emit(l.zl.Info(), msg, fields) }
func (l *zerologLogger) Warn(msg string, fields ...any)  { l.emit(l.zl.Warn(), msg, fields) }
func (l *zerologLogger) Error(msg string, fields ...any) { l.emit(l.zl.Error(), msg, fields) }

func (l *zerologLogger) With(fields ...any) Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, fields[i+1])
	}
	return &zerologLogger{zl: ctx.Logger()}
}

func (l *zerologLogger) Enabled(_ context.Context, level Level) bool {
	return toZerologLevel(level) >= l.zl.GetLevel()
}

func (l *zerologLogger) emit(e *zerolog.Event, msg string, fields []any) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		val := fields[i+1]
		if err, isErr := val.(error); isErr {
			e = e.AnErr(key, err)
			if trace := extractStacktrace(err); trace != "" {
				e = e.Str(StacktraceKey, trace)
			}
			continue
		}
		e = e.Interface(key, val)
	}
	e.Msg(msg)
}

// extractStacktrace pulls the cockroachdb safe-details trace out of err.
func extractStacktrace(err error) string {
	safeDetails := cerrors.GetSafeDetails(err).SafeDetails
	if len(safeDetails) > 0 {
		return safeDetails[0]
	}
	return ""
}
