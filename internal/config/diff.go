package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Sensitivity, the active flag and the log level are applied live; every
// other change is listed in RestartFields.
type ConfigDiff struct {
	SensitivityChanged bool
	NewSensitivity     int

	ActiveChanged bool
	NewActive     bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartFields names the top-level sections whose changes only take
	// effect after a restart.
	RestartFields []string
}

// RestartRequired reports whether any change needs a restart.
func (d ConfigDiff) RestartRequired() bool {
	return len(d.RestartFields) > 0
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.SensitivityChanged && !d.ActiveChanged && !d.LogLevelChanged && !d.RestartRequired()
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Onset.Sensitivity != new.Onset.Sensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = new.Onset.Sensitivity
	}
	if old.Session.Active != new.Session.Active {
		d.ActiveChanged = true
		d.NewActive = new.Session.Active
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartFields = append(d.RestartFields, "server")
	}
	if !reflect.DeepEqual(old.Input, new.Input) {
		d.RestartFields = append(d.RestartFields, "input")
	}
	if old.Analysis != new.Analysis {
		d.RestartFields = append(d.RestartFields, "analysis")
	}

	oldOnset, newOnset := old.Onset, new.Onset
	oldOnset.Sensitivity, newOnset.Sensitivity = 0, 0
	if oldOnset != newOnset {
		d.RestartFields = append(d.RestartFields, "onset")
	}

	if old.Classifier != new.Classifier {
		d.RestartFields = append(d.RestartFields, "classifier")
	}

	oldSession, newSession := old.Session, new.Session
	oldSession.Active, newSession.Active = false, false
	if oldSession != newSession {
		d.RestartFields = append(d.RestartFields, "session")
	}

	if old.Telemetry != new.Telemetry {
		d.RestartFields = append(d.RestartFields, "telemetry")
	}

	return d
}
