package config

import "time"

// Duration is a whole-second duration as stored in shaperd.conf (TOML
// has no native duration type, so the config schema uses plain integers
// of seconds, matching the original v15 schema's *_seconds fields).
type Duration int64

// AsTimeDuration converts to a time.Duration for use with tickers/timers.
func (d Duration) AsTimeDuration() time.Duration {
	return time.Duration(d) * time.Second
}
