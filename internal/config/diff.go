package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (listen address, credentials) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged is set when voice, instructions, temperature or the
	// trigger phrase differ. Live sessions keep their persona; new calls
	// pick up the change.
	AssistantChanged bool

	// RelayChanged is set when session limits differ.
	RelayChanged bool

	// RestartRequired lists the sections whose changes are ignored until
	// the process restarts.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AssistantChanged && !d.RelayChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Assistant != new.Assistant {
		d.AssistantChanged = true
	}

	if !sameDuration(old.Relay.IdleTimeout, new.Relay.IdleTimeout) ||
		!sameDuration(old.Relay.MaxDuration, new.Relay.MaxDuration) ||
		old.Relay.ControlTimeout != new.Relay.ControlTimeout ||
		old.Relay.MaxConcurrentSessions != new.Relay.MaxConcurrentSessions {
		d.RelayChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Realtime != new.Realtime {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if old.Twilio.AccountSID != new.Twilio.AccountSID || old.Twilio.AuthToken != new.Twilio.AuthToken {
		d.RestartRequired = append(d.RestartRequired, "twilio credentials")
	}
	if old.Twilio.RedirectPath != new.Twilio.RedirectPath {
		d.RestartRequired = append(d.RestartRequired, "twilio.redirect_path")
	}
	if old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "breaker")
	}

	return d
}

func sameDuration[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
