// Package log provides the process-wide structured logger. Other packages
// should use log.Logger with additional context fields rather than
// importing zerolog directly.
package log

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, safe for concurrent use.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// SetLevel adjusts the global minimum log level, e.g. after reading
// config or a -verbose flag.
func SetLevel(level zerolog.Level) {
	Logger = Logger.Level(level)
}

// With returns a child logger carrying a component field, used so log
// lines from the Bakery, Stormguard, Tracker etc. can be filtered.
func With(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}
