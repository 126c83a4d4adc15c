// Package logging wraps zerolog behind component-tagged helpers
// (InfoCF(component, msg, fields) and friends) so call sites stay uniform
// and the sink stays swappable.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var std = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Fields is a convenience alias for structured log attributes.
type Fields map[string]interface{}

func with(event *zerolog.Event, component string, fields Fields) *zerolog.Event {
	event = event.Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}

// DebugCF logs at debug level, tagged with component and structured fields.
func DebugCF(component, msg string, fields Fields) {
	with(std.Debug(), component, fields).Msg(msg)
}

// InfoCF logs at info level, tagged with component and structured fields.
func InfoCF(component, msg string, fields Fields) {
	with(std.Info(), component, fields).Msg(msg)
}

// WarnCF logs at warn level, tagged with component and structured fields.
func WarnCF(component, msg string, fields Fields) {
	with(std.Warn(), component, fields).Msg(msg)
}

// ErrorCF logs at error level, tagged with component and structured fields.
func ErrorCF(component, msg string, fields Fields) {
	with(std.Error(), component, fields).Msg(msg)
}

// SetLevel adjusts the global minimum log level, e.g. for quieter tests.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}
