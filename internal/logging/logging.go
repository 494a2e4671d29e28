// Package logging wires structured logging for the service. It follows
// the conventions used across the rest of the ambient stack: zerolog
// with either pretty console output (local dev) or JSON (shipped to a
// log aggregator), a timestamp + caller on every event, and helpers for
// logging recovered panics with a full stack trace.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is the minimum severity a logger will emit.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config controls logger construction.
type Config struct {
	Level   Level
	Format  Format
	Service string
}

// New builds a root logger for the named service.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "ibstream"
	}

	return zerolog.New(out).With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverAndLog recovers a panic in the current goroutine and logs it
// at error level with a stack trace; it returns nothing. It must be
// deferred directly (recover only works there), as internal/supervisor
// does at the top of every supervised task: "Implementations MUST NOT
// spawn tasks that can die without notification."
func RecoverAndLog(logger zerolog.Logger, component string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("component", component).
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("recovered panic in supervised task")
	}
}
