package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/donka/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
	if d.RestartRequired() {
		t.Error("expected RestartRequired=false for identical configs")
	}
}

func TestDiff_LiveFields(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug
	new.Onset.Sensitivity = 120
	new.Session.Active = true

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: got changed=%v new=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.SensitivityChanged || d.NewSensitivity != 120 {
		t.Errorf("sensitivity: got changed=%v new=%d", d.SensitivityChanged, d.NewSensitivity)
	}
	if !d.ActiveChanged || !d.NewActive {
		t.Errorf("active: got changed=%v new=%v", d.ActiveChanged, d.NewActive)
	}
	if d.RestartRequired() {
		t.Errorf("live-only changes must not require a restart, got %v", d.RestartFields)
	}
}

func TestDiff_RestartFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }, "server"},
		{"allowed origins", func(c *config.Config) { c.Server.AllowedOrigins = []string{"game.example"} }, "server"},
		{"input driver", func(c *config.Config) { c.Input.Driver = config.DriverPortAudio }, "input"},
		{"realtime", func(c *config.Config) { c.Input.Realtime = new(bool) }, "input"},
		{"fft size", func(c *config.Config) { c.Analysis.FFTSize = 1024 }, "analysis"},
		{"refractory", func(c *config.Config) { c.Onset.RefractoryMs = 200 }, "onset"},
		{"bands", func(c *config.Config) { c.Classifier.LowEnd = 40 }, "classifier"},
		{"pattern name", func(c *config.Config) { c.Session.PatternName = "song" }, "session"},
		{"service name", func(c *config.Config) { c.Telemetry.ServiceName = "other" }, "telemetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !d.RestartRequired() {
				t.Fatal("expected RestartRequired=true")
			}
			if !slices.Contains(d.RestartFields, tt.want) {
				t.Errorf("RestartFields = %v, want it to contain %q", d.RestartFields, tt.want)
			}
			if len(d.RestartFields) != 1 {
				t.Errorf("RestartFields = %v, want exactly one section", d.RestartFields)
			}
		})
	}
}

func TestDiff_SensitivityAloneIsNotOnsetRestart(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Onset.Sensitivity = 20
	new.Onset.NoiseFloor = "adaptive"

	d := config.Diff(old, new)
	if !d.SensitivityChanged {
		t.Error("expected SensitivityChanged=true")
	}
	if !slices.Equal(d.RestartFields, []string{"onset"}) {
		t.Errorf("RestartFields = %v, want [onset]", d.RestartFields)
	}
}
