// Package audit provides structured event logging for execution audit.
package audit

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with the kernel's audit event conventions.
// The zero value is usable and discards everything.
type Logger struct {
	log zerolog.Logger
}

// New creates an audit Logger on top of the given zerolog.Logger.
func New(log zerolog.Logger) Logger {
	return Logger{log: log}
}

// NewStderr creates an audit Logger writing JSON lines to stderr.
func NewStderr() Logger {
	return Logger{log: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards all events.
func Nop() Logger {
	return Logger{log: zerolog.Nop()}
}

// Event starts an audit record with the given event name. Callers attach
// fields and finish with Msg("") or Send().
func (l Logger) Event(name string) *zerolog.Event {
	return l.log.Info().Str("event", name)
}

// Error starts an error-level audit record.
func (l Logger) Error(name string, err error) *zerolog.Event {
	return l.log.Error().Str("event", name).Err(err)
}

// Warn starts a warn-level audit record.
func (l Logger) Warn(name string) *zerolog.Event {
	return l.log.Warn().Str("event", name)
}
