// Testing utilities: an in-memory Logger that captures output so tests can
// assert on emitted diagnostics without touching stderr.

package log

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

// TestLogger captures all log messages in a buffer for later inspection.
type TestLogger struct {
	buffer *bytes.Buffer
	level  Level
	fields []any
}

// NewTestLogger creates a TestLogger with the given minimum level and returns
// the buffer holding captured output.
func NewTestLogger(level Level) (*TestLogger, *bytes.Buffer) {
	buffer := &bytes.Buffer{}
	return &TestLogger{buffer: buffer, level: level}, buffer
}

// Debug implements Logger.
func (t *TestLogger) Debug(msg string, fields ...any) {
	if t.level <= LevelDebug {
		t.writeLog("DEBUG", msg, fields...)
	}
}

// Info implements Logger.
func (t *TestLogger) Info(msg string, fields ...any) {
	if t.level <= LevelInfo {
		t.writeLog("INFO", msg, fields...)
	}
}

// Warn implements Logger.
func (t *TestLogger) Warn(msg string, fields ...any) {
	if t.level <= LevelWarn {
		t.writeLog("WARN", msg, fields...)
	}
}

// Error implements Logger.
func (t *TestLogger) Error(msg string, fields ...any) {
	if t.level <= LevelError {
		t.writeLog("ERROR", msg, fields...)
	}
}

// With implements Logger.
func (t *TestLogger) With(fields ...any) Logger {
	child := &TestLogger{buffer: t.buffer, level: t.level}
	child.fields = append(append(child.fields, t.fields...), fields...)
	return child
}

// Enabled implements Logger.
func (t *TestLogger) Enabled(_ context.Context, level Level) bool {
	return level >= t.level
}

// Contains reports whether any captured line contains the substring.
func (t *TestLogger) Contains(sub string) bool {
	return strings.Contains(t.buffer.String(), sub)
}

func (t *TestLogger) writeLog(level, msg string, fields ...any) {
	var sb strings.Builder
	sb.WriteString(level)
	sb.WriteString(" ")
	sb.WriteString(msg)
	all := append(append([]any{}, t.fields...), fields...)
	for i := 0; i+1 < len(all); i += 2 {
		sb.WriteString(fmt.Sprintf(" %v=%v", all[i], all[i+1]))
	}
	sb.WriteString("\n")
	t.buffer.WriteString(sb.String())
}
