package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/donka/internal/classify"
	"github.com/MrWong99/donka/internal/onset"
	"github.com/MrWong99/donka/internal/pattern"
	"github.com/MrWong99/donka/internal/spectral"
	"github.com/MrWong99/donka/internal/tick"
	"github.com/MrWong99/donka/pkg/audio"
)

// ValidDrivers lists the input driver names known to this build. Used by
// [Validate] to warn about unrecognised driver names.
var ValidDrivers = []string{DriverBrowser, DriverPortAudio, DriverWAV}

// ValidFFTSizes lists the supported analysis window lengths.
var ValidFFTSizes = []int{1024, 2048}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Input.Driver, DriverBrowser)
	setDefault(&cfg.Input.SampleRate, audio.DefaultSampleRate)
	setDefault(&cfg.Input.Channels, 1)

	sp := spectral.DefaultConfig()
	setDefault(&cfg.Analysis.FFTSize, sp.FFTSize)
	setDefault(&cfg.Analysis.Smoothing, sp.Smoothing)
	setDefault(&cfg.Analysis.MinDecibels, sp.MinDecibels)
	setDefault(&cfg.Analysis.MaxDecibels, sp.MaxDecibels)
	setDefault(&cfg.Analysis.TickRate, tick.DefaultRate)

	od := onset.DefaultConfig()
	setDefault(&cfg.Onset.Sensitivity, onset.DefaultSensitivity)
	setDefault(&cfg.Onset.RefractoryMs, int(od.Refractory.Milliseconds()))
	setDefault(&cfg.Onset.CalibrationFrames, od.CalibrationFrames)
	setDefault(&cfg.Onset.CalibrationFactor, od.CalibrationFactor)
	setDefault(&cfg.Onset.Loudness, od.Method.String())
	setDefault(&cfg.Onset.RMSGain, od.RMSGain)
	setDefault(&cfg.Onset.NoiseFloor, od.Floor.String())
	setDefault(&cfg.Onset.AdaptiveDecay, od.AdaptiveDecay)

	bands := classify.DefaultBands()
	setDefault(&cfg.Classifier.LowEnd, bands.Low)
	setDefault(&cfg.Classifier.MidEnd, bands.Mid)
	setDefault(&cfg.Classifier.HighEnd, bands.High)
	setDefault(&cfg.Classifier.LowRatio, classify.DefaultLowDominance)

	setDefault(&cfg.Session.PatternName, "untitled")
	setDefault(&cfg.Session.JudgeWindowMs, int(pattern.DefaultWindow.Milliseconds()))

	setDefault(&cfg.Telemetry.ServiceName, "donka")
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Input
	if cfg.Input.Driver == "" {
		errs = append(errs, errors.New("input.driver is required"))
	} else if !slices.Contains(ValidDrivers, cfg.Input.Driver) {
		slog.Warn("unknown input driver, may be a typo or third-party driver",
			"driver", cfg.Input.Driver,
			"known", ValidDrivers,
		)
	}
	if cfg.Input.Driver == DriverWAV && cfg.Input.Device == "" {
		errs = append(errs, errors.New("input.device must name a WAV file when driver is wav"))
	}
	if cfg.Input.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("input.sample_rate %d must be positive", cfg.Input.SampleRate))
	}
	if cfg.Input.Channels < 0 || cfg.Input.Channels > 8 {
		errs = append(errs, fmt.Errorf("input.channels %d is out of range [1, 8]", cfg.Input.Channels))
	}
	if cfg.Input.AcquireTimeout < 0 {
		errs = append(errs, fmt.Errorf("input.acquire_timeout %v must not be negative", cfg.Input.AcquireTimeout))
	}
	if c := cfg.Input.Constraints; c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		slog.Warn("input.constraints enable voice processing; percussive transients will be attenuated")
	}

	// Analysis
	if !slices.Contains(ValidFFTSizes, cfg.Analysis.FFTSize) {
		errs = append(errs, fmt.Errorf("analysis.fft_size %d is invalid; valid values: 1024, 2048", cfg.Analysis.FFTSize))
	}
	if cfg.Analysis.Smoothing < 0.1 || cfg.Analysis.Smoothing > 0.3 {
		errs = append(errs, fmt.Errorf("analysis.smoothing %.2f is out of range [0.1, 0.3]", cfg.Analysis.Smoothing))
	}
	if cfg.Analysis.MinDecibels >= cfg.Analysis.MaxDecibels {
		errs = append(errs, fmt.Errorf("analysis.min_decibels %.1f must be below max_decibels %.1f", cfg.Analysis.MinDecibels, cfg.Analysis.MaxDecibels))
	}
	if cfg.Analysis.TickRate < 1 || cfg.Analysis.TickRate > 240 {
		errs = append(errs, fmt.Errorf("analysis.tick_rate %d is out of range [1, 240]", cfg.Analysis.TickRate))
	}

	// Onset
	if s := cfg.Onset.Sensitivity; s < onset.MinSensitivity || s > onset.MaxSensitivity {
		errs = append(errs, fmt.Errorf("onset.sensitivity %d is out of range [%d, %d]", s, onset.MinSensitivity, onset.MaxSensitivity))
	}
	if cfg.Onset.Loudness != onset.LoudnessRMS.String() && cfg.Onset.Loudness != onset.LoudnessSpectrumMean.String() {
		errs = append(errs, fmt.Errorf("onset.loudness %q is invalid; valid values: rms, spectrum", cfg.Onset.Loudness))
	}
	if cfg.Onset.NoiseFloor != onset.FloorFixed.String() && cfg.Onset.NoiseFloor != onset.FloorAdaptive.String() {
		errs = append(errs, fmt.Errorf("onset.noise_floor %q is invalid; valid values: fixed, adaptive", cfg.Onset.NoiseFloor))
	}
	if err := cfg.Onset.Detector().Validate(); err != nil {
		errs = append(errs, err)
	}

	// Classifier
	if _, err := cfg.Classifier.Build(); err != nil {
		errs = append(errs, err)
	}
	if bins := cfg.Analysis.FFTSize / 2; cfg.Classifier.HighEnd > bins {
		errs = append(errs, fmt.Errorf("classifier.high_end %d exceeds the %d spectrum bins of fft_size %d",
			cfg.Classifier.HighEnd, bins, cfg.Analysis.FFTSize))
	}

	// Session
	if cfg.Session.JudgeWindowMs < 0 {
		errs = append(errs, fmt.Errorf("session.judge_window_ms %d must not be negative", cfg.Session.JudgeWindowMs))
	}

	return errors.Join(errs...)
}
