// Package logging provides structured logging for the worker process.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with service-specific context helpers. Every log line
// emitted from the scheduler or a handler should carry the standard keys
// (client_id, configuration_id, execution_id, correlation_id, protocol)
// where they apply.
type Logger struct {
	zlog zerolog.Logger
}

// New creates a logger. format is "console" for human-readable output or
// "json" for machine ingestion.
func New(format string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	var w io.Writer = out
	if format == "console" {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}
	return &Logger{
		zlog: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// NewDefault creates a console logger on stdout.
func NewDefault() *Logger {
	return New("console", os.Stdout)
}

// NewNop creates a logger that discards everything; used in tests.
func NewNop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event { return l.zlog.Info() }

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event { return l.zlog.Warn() }

// Fatal returns a fatal level event.
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// With creates a child logger context for attaching standing fields.
func (l *Logger) With() zerolog.Context { return l.zlog.With() }

// Child returns a logger with the given standing fields attached. Used to
// scope a logger to one configuration or execution.
func (l *Logger) Child(fields map[string]string) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel maps a config string onto a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
