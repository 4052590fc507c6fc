// Package logger provides a simple leveled logger for the application.
// It supports three levels: off (no output), normal (info/warn/error),
// and verbose (includes debug). Output goes through a log/slog handler so
// records carry structured attributes added with With. The logger is safe
// for concurrent use.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Level controls the verbosity of the logger.
type Level int

const (
	// LevelOff disables all log output.
	LevelOff Level = iota
	// LevelNormal enables info, warn, and error output.
	LevelNormal
	// LevelVerbose enables all output including debug.
	LevelVerbose
)

// levelOff sits above every level slog emits.
const levelOff = slog.Level(64)

// Option configures a logger.
type Option func(*options)

type options struct {
	json bool
}

// WithJSON switches the output to one JSON object per record.
func WithJSON() Option {
	return func(o *options) {
		o.json = true
	}
}

// Logger is a leveled logger. Loggers derived with With share the level
// of their parent.
type Logger struct {
	level *atomic.Int32
	slog  *slog.LevelVar
	base  *slog.Logger
}

// New creates a logger with the given level, writing to the given output.
// If out is nil, os.Stderr is used.
func New(level Level, out io.Writer, opts ...Option) *Logger {
	if out == nil {
		out = os.Stderr
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	l := &Logger{
		level: new(atomic.Int32),
		slog:  new(slog.LevelVar),
	}
	l.SetLevel(level)

	hopts := &slog.HandlerOptions{Level: l.slog}
	var h slog.Handler
	if o.json {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}
	l.base = slog.New(h)
	return l
}

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
	switch level {
	case LevelOff:
		l.slog.Set(levelOff)
	case LevelVerbose:
		l.slog.Set(slog.LevelDebug)
	default:
		l.slog.Set(slog.LevelInfo)
	}
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	return Level(l.level.Load())
}

// With returns a logger that adds the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		level: l.level,
		slog:  l.slog,
		base:  l.base.With(args...),
	}
}

// Slog exposes the underlying slog logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger {
	return l.base
}

// Debug logs a message at debug level (only visible in verbose mode).
func (l *Logger) Debug(format string, args ...any) {
	l.log(slog.LevelDebug, format, args)
}

// Info logs a message at info level.
func (l *Logger) Info(format string, args ...any) {
	l.log(slog.LevelInfo, format, args)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(format string, args ...any) {
	l.log(slog.LevelWarn, format, args)
}

// Error logs a message at error level.
func (l *Logger) Error(format string, args ...any) {
	l.log(slog.LevelError, format, args)
}

func (l *Logger) log(level slog.Level, format string, args []any) {
	ctx := context.Background()
	if !l.base.Enabled(ctx, level) {
		return
	}
	l.base.Log(ctx, level, fmt.Sprintf(format, args...))
}
