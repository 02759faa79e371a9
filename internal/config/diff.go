package config

import "slices"

// ConfigDiff describes what changed between two configs. Captions, monitor
// tuning and the log level are applied live; everything else is reported in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CaptionsChanged bool
	MonitorChanged  bool

	// RestartRequired names the top-level sections that changed but cannot
	// be applied to a running interview.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CaptionsChanged && !d.MonitorChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.CaptionsChanged = old.Captions != new.Captions
	d.MonitorChanged = old.Monitor != new.Monitor

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Interview != new.Interview {
		d.RestartRequired = append(d.RestartRequired, "interview")
	}
	if !backendEqual(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Prefs != new.Prefs {
		d.RestartRequired = append(d.RestartRequired, "prefs")
	}
	return d
}

func backendEqual(a, b BackendConfig) bool {
	return slices.Equal(a.BaseURLs, b.BaseURLs) &&
		a.WebSocketURL == b.WebSocketURL &&
		a.Token == b.Token &&
		a.Timeout == b.Timeout &&
		a.Completion == b.Completion &&
		a.CircuitBreaker == b.CircuitBreaker
}
