// Package onset decides, frame by frame, whether a percussive hit starts.
//
// A [Detector] first calibrates a noise floor over a fixed number of frames,
// then reports an onset whenever the frame loudness exceeds the floor plus the
// configured sensitivity, provided the previous accepted hit is older than the
// refractory period. Calibration frames never produce onsets.
//
// A Detector is not safe for concurrent use except for
// [Detector.SetSensitivity], which may be called from any goroutine.
package onset

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/donka/internal/spectral"
)

// Sensitivity bounds accepted by configuration and the session API.
const (
	MinSensitivity     = 20
	MaxSensitivity     = 150
	DefaultSensitivity = 80
)

// Method selects how a frame is reduced to a loudness scalar.
type Method int

const (
	// LoudnessRMS is the scaled RMS of the time-domain bytes.
	LoudnessRMS Method = iota

	// LoudnessSpectrumMean is the mean of the spectrum bytes.
	LoudnessSpectrumMean
)

// String returns "rms" or "spectrum".
func (m Method) String() string {
	switch m {
	case LoudnessRMS:
		return "rms"
	case LoudnessSpectrumMean:
		return "spectrum"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// FloorMode selects how the noise floor evolves after calibration.
type FloorMode int

const (
	// FloorFixed keeps the calibrated floor for the rest of the run.
	FloorFixed FloorMode = iota

	// FloorAdaptive lets the floor follow the ambient level on quiet frames.
	FloorAdaptive
)

// String returns "fixed" or "adaptive".
func (m FloorMode) String() string {
	switch m {
	case FloorFixed:
		return "fixed"
	case FloorAdaptive:
		return "adaptive"
	default:
		return fmt.Sprintf("FloorMode(%d)", int(m))
	}
}

// State is the detector phase.
type State int

const (
	// Calibrating detectors accumulate the noise floor and never fire.
	Calibrating State = iota

	// Armed detectors compare loudness against the threshold.
	Armed
)

// String returns "calibrating" or "armed".
func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "calibrating"
}

// Config holds the detector tunables.
type Config struct {
	// Sensitivity is added to the noise floor to form the threshold.
	Sensitivity float64

	// Refractory is the minimum spacing between two accepted hits.
	Refractory time.Duration

	// CalibrationFrames is the number of frames used to estimate the floor.
	CalibrationFrames int

	// CalibrationFactor scales loudness before it contributes to the floor.
	CalibrationFactor float64

	Method Method

	// RMSGain scales the RMS loudness into the sensitivity range.
	RMSGain float64

	Floor FloorMode

	// AdaptiveDecay is the weight of the previous floor in FloorAdaptive,
	// in [0,1).
	AdaptiveDecay float64
}

// DefaultConfig returns the tunables of the live drum detector.
func DefaultConfig() Config {
	return Config{
		Sensitivity:       DefaultSensitivity,
		Refractory:        150 * time.Millisecond,
		CalibrationFrames: 100,
		CalibrationFactor: 0.1,
		Method:            LoudnessRMS,
		RMSGain:           1000,
		Floor:             FloorFixed,
		AdaptiveDecay:     0.995,
	}
}

// Validate checks the tunables.
func (c Config) Validate() error {
	var errs []error
	if c.Sensitivity < 0 {
		errs = append(errs, fmt.Errorf("onset: sensitivity %v must not be negative", c.Sensitivity))
	}
	if c.Refractory < 0 {
		errs = append(errs, fmt.Errorf("onset: refractory %v must not be negative", c.Refractory))
	}
	if c.CalibrationFrames < 0 {
		errs = append(errs, fmt.Errorf("onset: calibration frames %d must not be negative", c.CalibrationFrames))
	}
	if c.CalibrationFactor < 0 {
		errs = append(errs, fmt.Errorf("onset: calibration factor %v must not be negative", c.CalibrationFactor))
	}
	if c.Method != LoudnessRMS && c.Method != LoudnessSpectrumMean {
		errs = append(errs, fmt.Errorf("onset: unknown loudness method %d", int(c.Method)))
	}
	if c.Method == LoudnessRMS && c.RMSGain <= 0 {
		errs = append(errs, fmt.Errorf("onset: rms gain %v must be positive", c.RMSGain))
	}
	if c.Floor != FloorFixed && c.Floor != FloorAdaptive {
		errs = append(errs, fmt.Errorf("onset: unknown noise floor mode %d", int(c.Floor)))
	}
	if c.Floor == FloorAdaptive && (c.AdaptiveDecay < 0 || c.AdaptiveDecay >= 1) {
		errs = append(errs, fmt.Errorf("onset: adaptive decay %v must be in [0, 1)", c.AdaptiveDecay))
	}
	return errors.Join(errs...)
}

// Decision is the per-frame verdict.
type Decision struct {
	// Onset is true when the frame starts an accepted hit.
	Onset bool

	// Suppressed is true when the frame crossed the threshold inside the
	// refractory window of the previous hit.
	Suppressed bool

	Loudness  float64
	Threshold float64
}

// Detector holds the noise floor and refractory state of one run.
type Detector struct {
	cfg         Config
	sensitivity atomic.Uint64 // math.Float64bits

	floor   float64
	frames  int
	lastHit time.Time
	hasHit  bool
}

// New validates cfg and returns a calibrating detector.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg}
	d.sensitivity.Store(math.Float64bits(cfg.Sensitivity))
	return d, nil
}

// Loudness reduces a frame to the configured loudness scalar.
func (d *Detector) Loudness(f spectral.Frame) float64 {
	if d.cfg.Method == LoudnessSpectrumMean {
		return SpectrumMean(f.Spectrum)
	}
	return RMS(f.TimeDomain) * d.cfg.RMSGain
}

// Evaluate runs one frame through the detector.
func (d *Detector) Evaluate(f spectral.Frame, now time.Time) Decision {
	return d.EvaluateLoudness(d.Loudness(f), now)
}

// EvaluateLoudness runs one precomputed loudness value through the detector.
func (d *Detector) EvaluateLoudness(loudness float64, now time.Time) Decision {
	if d.frames < d.cfg.CalibrationFrames {
		d.frames++
		d.floor = max(d.floor, loudness*d.cfg.CalibrationFactor)
		return Decision{Loudness: loudness, Threshold: math.Inf(1)}
	}

	threshold := d.floor + d.Sensitivity()
	dec := Decision{Loudness: loudness, Threshold: threshold}

	if loudness <= threshold {
		if d.cfg.Floor == FloorAdaptive {
			k := d.cfg.AdaptiveDecay
			d.floor = k*d.floor + (1-k)*loudness*d.cfg.CalibrationFactor
		}
		return dec
	}

	if d.hasHit && now.Sub(d.lastHit) <= d.cfg.Refractory {
		dec.Suppressed = true
		return dec
	}

	d.lastHit = now
	d.hasHit = true
	dec.Onset = true
	return dec
}

// SetSensitivity changes the threshold offset for subsequent frames. It is
// safe to call concurrently with Evaluate.
func (d *Detector) SetSensitivity(s float64) {
	d.sensitivity.Store(math.Float64bits(s))
}

// Sensitivity returns the current threshold offset.
func (d *Detector) Sensitivity() float64 {
	return math.Float64frombits(d.sensitivity.Load())
}

// Reset returns the detector to calibration, forgetting the floor and the
// last hit.
func (d *Detector) Reset() {
	d.floor = 0
	d.frames = 0
	d.hasHit = false
	d.lastHit = time.Time{}
}

// State reports whether the detector is still calibrating.
func (d *Detector) State() State {
	if d.frames < d.cfg.CalibrationFrames {
		return Calibrating
	}
	return Armed
}

// NoiseFloor returns the current floor estimate.
func (d *Detector) NoiseFloor() float64 {
	return d.floor
}

// RMS returns the root mean square of time-domain bytes centred on 128 and
// normalised to [-1, 1].
func RMS(td []uint8) float64 {
	if len(td) == 0 {
		return 0
	}
	var sum float64
	for _, b := range td {
		x := (float64(b) - 128) / 128
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(td)))
}

// SpectrumMean returns the mean of the spectrum bytes.
func SpectrumMean(bins []uint8) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins))
}
