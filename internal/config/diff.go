package config

import "fmt"

// ConfigDiff describes what changed between two configs. Only the log level
// and the vad section are applied live; everything else is reported so the
// operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when any gate tuning changed. New sessions pick up
	// NewVAD; running sessions keep their frozen tuning.
	VADChanged bool
	NewVAD     VADConfig

	// RestartRequired lists changed sections that are only read at start-up.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !vadEqual(old.VAD, new.VAD) {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat ||
		old.Server.MaxSessions != new.Server.MaxSessions || old.Server.ReadLimitBytes != new.Server.ReadLimitBytes ||
		old.Server.Workers != new.Server.Workers {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if !entryEqual(old.Providers.A, new.Providers.A) || !entryEqual(old.Providers.B, new.Providers.B) ||
		!entryEqual(old.Providers.C, new.Providers.C) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Postprocess != new.Postprocess {
		d.RestartRequired = append(d.RestartRequired, "postprocess")
	}
	if old.Auth.AllowAny != new.Auth.AllowAny || len(old.Auth.Users) != len(new.Auth.Users) {
		d.RestartRequired = append(d.RestartRequired, "auth")
	} else {
		for i := range old.Auth.Users {
			if old.Auth.Users[i] != new.Auth.Users[i] {
				d.RestartRequired = append(d.RestartRequired, "auth")
				break
			}
		}
	}
	return d
}

func vadEqual(a, b VADConfig) bool {
	if (a.SpeechThreshold == nil) != (b.SpeechThreshold == nil) {
		return false
	}
	if a.SpeechThreshold != nil && *a.SpeechThreshold != *b.SpeechThreshold {
		return false
	}
	a.SpeechThreshold, b.SpeechThreshold = nil, nil
	return a == b
}

// entryEqual compares the fields that affect provider construction. Options
// are compared by their string form.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model || a.Region != b.Region {
		return false
	}
	if len(a.Regions) != len(b.Regions) || len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Regions {
		if b.Regions[k] != v {
			return false
		}
	}
	for k, v := range a.Options {
		if bv, ok := b.Options[k]; !ok || fmt.Sprint(bv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
