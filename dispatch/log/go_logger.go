package log

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// logControlCharReplacer escapes control characters that can be used for log
// injection (CWE-117). Newlines, carriage returns, and tabs in log messages
// can forge fake log entries or inject false audit trail entries.
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// GoLogger is the Go built-in (log) implementation of Logger. It is intended
// for tooling and local development; production services should use the zap
// adapter.
//
// All string values are sanitized to prevent log injection (CWE-117).
type GoLogger struct {
	Level  Level
	prefix string
	fields []Field
}

// NewGoLogger creates a stdlib-backed logger at the given level.
func NewGoLogger(level Level) *GoLogger {
	return &GoLogger{Level: level}
}

// Log writes an entry through the standard library logger.
func (l *GoLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	var b strings.Builder

	b.WriteString(strings.ToUpper(level.String()))
	b.WriteString(": ")

	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteString(".")
	}

	b.WriteString(sanitizeLogString(msg))

	for _, field := range append(l.fields, fields...) {
		b.WriteString(" ")
		b.WriteString(sanitizeLogString(field.Key))
		b.WriteString("=")

		if s, ok := field.Value.(string); ok {
			b.WriteString(sanitizeLogString(s))
		} else {
			b.WriteString(sanitizeLogString(fmt.Sprintf("%v", field.Value)))
		}
	}

	log.Print(b.String())
}

// With returns a child logger carrying additional fields.
//
//nolint:ireturn
func (l *GoLogger) With(fields ...Field) Logger {
	child := *l
	child.fields = append(append([]Field{}, l.fields...), fields...)

	return &child
}

// WithGroup returns a child logger whose entries are prefixed with name.
//
//nolint:ireturn
func (l *GoLogger) WithGroup(name string) Logger {
	child := *l

	if child.prefix == "" {
		child.prefix = name
	} else {
		child.prefix = child.prefix + "." + name
	}

	return &child
}

// Enabled reports whether the given level would be emitted.
func (l *GoLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.Level >= level
}

// Sync is a no-op for the standard library backend.
func (l *GoLogger) Sync(_ context.Context) error { return nil }
