// Package config provides the configuration schema, loader, file watcher and
// input driver registry for the donka server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/donka/internal/classify"
	"github.com/MrWong99/donka/internal/onset"
	"github.com/MrWong99/donka/internal/spectral"
	"github.com/MrWong99/donka/pkg/audio"
)

// LogLevel controls log verbosity for the donka server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Input driver names understood by the default registry.
const (
	DriverBrowser   = "browser"
	DriverPortAudio = "portaudio"
	DriverWAV       = "wav"
)

// Config is the root configuration structure for donka.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Input      InputConfig      `yaml:"input"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Onset      OnsetConfig      `yaml:"onset"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Session    SessionConfig    `yaml:"session"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns of cross-origin pages that may open
	// the audio WebSocket. Same-origin pages are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// InputConfig selects and configures the audio input driver.
type InputConfig struct {
	// Driver is the registered driver name: browser, portaudio or wav.
	Driver string `yaml:"driver"`

	// Device selects the input device; its meaning depends on the driver
	// (page device key, PortAudio index or name prefix, WAV file path).
	Device string `yaml:"device"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	Constraints ConstraintsConfig `yaml:"constraints"`

	// AcquireTimeout bounds how long the browser driver waits for the page.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// FramesPerBuffer is the PortAudio capture block size.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// Loop restarts WAV playback at the end of the file.
	Loop bool `yaml:"loop"`

	// Realtime paces WAV playback at the file's sample rate. Defaults to true.
	Realtime *bool `yaml:"realtime"`
}

// ConstraintsConfig holds the voice processing flags requested from the
// device. All three must stay off for reliable onset detection.
type ConstraintsConfig struct {
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
}

// AnalysisConfig configures the spectral frontend and the tick rate.
type AnalysisConfig struct {
	FFTSize     int     `yaml:"fft_size"`
	Smoothing   float64 `yaml:"smoothing"`
	MinDecibels float64 `yaml:"min_decibels"`
	MaxDecibels float64 `yaml:"max_decibels"`

	// TickRate is the number of analysis frames per second.
	TickRate int `yaml:"tick_rate"`
}

// OnsetConfig configures the onset detector.
type OnsetConfig struct {
	Sensitivity       int     `yaml:"sensitivity"`
	RefractoryMs      int     `yaml:"refractory_ms"`
	CalibrationFrames int     `yaml:"calibration_frames"`
	CalibrationFactor float64 `yaml:"calibration_factor"`

	// Loudness is "rms" or "spectrum".
	Loudness string  `yaml:"loudness"`
	RMSGain  float64 `yaml:"rms_gain"`

	// NoiseFloor is "fixed" or "adaptive".
	NoiseFloor    string  `yaml:"noise_floor"`
	AdaptiveDecay float64 `yaml:"adaptive_decay"`
}

// ClassifierConfig holds the band edges (exclusive FFT bin indices) and the
// low-dominance ratio of the classifier.
type ClassifierConfig struct {
	LowEnd   int     `yaml:"low_end"`
	MidEnd   int     `yaml:"mid_end"`
	HighEnd  int     `yaml:"high_end"`
	LowRatio float64 `yaml:"low_ratio"`
}

// SessionConfig holds the initial state of the detection session.
type SessionConfig struct {
	// Active starts detection as soon as the server is up.
	Active bool `yaml:"active"`

	// PatternName names the pattern authored from live hits.
	PatternName string `yaml:"pattern_name"`

	// JudgeWindowMs is the tolerance of the hit judge in milliseconds.
	JudgeWindowMs int `yaml:"judge_window_ms"`
}

// TelemetryConfig configures the OpenTelemetry providers.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// ─── conversions ──────────────────────────────────────────────────────────────

// AudioConstraints returns the capture constraints for the input device.
func (i InputConfig) AudioConstraints() audio.Constraints {
	return audio.Constraints{
		DeviceID:         i.Device,
		SampleRate:       i.SampleRate,
		Channels:         i.Channels,
		EchoCancellation: i.Constraints.EchoCancellation,
		NoiseSuppression: i.Constraints.NoiseSuppression,
		AutoGainControl:  i.Constraints.AutoGainControl,
	}
}

// Spectral returns the frontend configuration for PCM at sampleRate.
func (a AnalysisConfig) Spectral(sampleRate int) spectral.Config {
	return spectral.Config{
		FFTSize:     a.FFTSize,
		Smoothing:   a.Smoothing,
		MinDecibels: a.MinDecibels,
		MaxDecibels: a.MaxDecibels,
		SampleRate:  sampleRate,
	}
}

// Detector returns the onset detector configuration.
func (o OnsetConfig) Detector() onset.Config {
	c := onset.Config{
		Sensitivity:       float64(o.Sensitivity),
		Refractory:        time.Duration(o.RefractoryMs) * time.Millisecond,
		CalibrationFrames: o.CalibrationFrames,
		CalibrationFactor: o.CalibrationFactor,
		Method:            onset.LoudnessRMS,
		RMSGain:           o.RMSGain,
		Floor:             onset.FloorFixed,
		AdaptiveDecay:     o.AdaptiveDecay,
	}
	if o.Loudness == onset.LoudnessSpectrumMean.String() {
		c.Method = onset.LoudnessSpectrumMean
	}
	if o.NoiseFloor == onset.FloorAdaptive.String() {
		c.Floor = onset.FloorAdaptive
	}
	return c
}

// Build returns the classifier described by c.
func (c ClassifierConfig) Build() (*classify.Classifier, error) {
	return classify.New(classify.Bands{Low: c.LowEnd, Mid: c.MidEnd, High: c.HighEnd}, c.LowRatio)
}

// JudgeWindow returns the judge tolerance.
func (s SessionConfig) JudgeWindow() time.Duration {
	return time.Duration(s.JudgeWindowMs) * time.Millisecond
}

// PacedPlayback reports whether WAV playback is paced in real time.
func (i InputConfig) PacedPlayback() bool {
	return i.Realtime == nil || *i.Realtime
}

// Level returns the slog level for l. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
