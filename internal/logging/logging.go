// Package logging builds the zerolog loggers used across the broker.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New creates a structured logger. level is any zerolog level name
// ("debug", "info", ...); unknown values fall back to info. format is
// "json" for machine-readable output or "pretty"/"console" for local
// development.
func New(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if format == "pretty" || format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "databroker").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the process
// running. Deferred at the top of every long-lived goroutine so one
// misbehaving session cannot take the broker down.
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Goroutine panic recovered")
	}
}
