// Package detect runs the drum onset detection pipeline for one input
// device.
//
// A [Session] is the long-lived controller. Each successful [Session.Start]
// creates a run: it acquires the device, builds a fresh spectral frontend and
// onset detector, and registers a repeating task that on every tick pulls a
// frame, evaluates it and, on an onset, classifies it and hands a [hit.Event]
// to the registered sinks. [Session.Stop] cancels the task, releases the
// device and discards the run. Analysis state is only touched from the tick.
//
// All exported methods are safe for concurrent use. Sinks are called on the
// tick goroutine and may call back into the Session, including Stop.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/donka/internal/classify"
	"github.com/MrWong99/donka/internal/observe"
	"github.com/MrWong99/donka/internal/onset"
	"github.com/MrWong99/donka/internal/spectral"
	"github.com/MrWong99/donka/internal/tick"
	"github.com/MrWong99/donka/pkg/audio"
	"github.com/MrWong99/donka/pkg/hit"
)

var (
	// ErrSessionAlreadyActive is returned by Start when the session is
	// already running or its device is claimed by another session.
	ErrSessionAlreadyActive = errors.New("detect: session already active")

	// ErrInvalidSensitivity is returned for sensitivities outside
	// [onset.MinSensitivity, onset.MaxSensitivity].
	ErrInvalidSensitivity = errors.New("detect: sensitivity out of range")
)

// Config holds the dependencies and tunables of a [Session].
type Config struct {
	// Source acquires the input device. Required.
	Source audio.Source

	// Driver names the source in logs and metrics.
	Driver string

	// Scheduler drives the analysis loop. Defaults to a 60 Hz [tick.Ticker].
	Scheduler tick.Scheduler

	// Spectral configures the per-run frontend.
	Spectral spectral.Config

	// Onset configures the per-run detector. Its Sensitivity is replaced by
	// the value passed to Start.
	Onset onset.Config

	// Classifier labels onset frames. Defaults to the standard band split.
	Classifier *classify.Classifier

	// Constraints and Sensitivity are used when SetActive(true) has to start
	// a run. Zero values select [audio.RawConstraints] and
	// [onset.DefaultSensitivity].
	Constraints audio.Constraints
	Sensitivity int

	// Devices is the claim registry shared between sessions. Defaults to a
	// registry private to this session.
	Devices *Devices

	// Metrics records pipeline telemetry. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Status is a snapshot of the session state.
type Status struct {
	SessionID   string    `json:"session_id"`
	Running     bool      `json:"running"`
	Active      bool      `json:"active"`
	Live        bool      `json:"live"`
	Sensitivity int       `json:"sensitivity"`
	RunID       string    `json:"run_id,omitempty"`
	Device      string    `json:"device,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	State       string    `json:"state,omitempty"`
	NoiseFloor  float64   `json:"noise_floor"`
	Hits        int64     `json:"hits"`
}

// Session controls detection on one input device.
type Session struct {
	id  string
	cfg Config

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	mu          sync.Mutex
	run         *run
	sinks       []hit.Sink
	gate        bool
	sensitivity int
}

// New validates cfg, fills in defaults and returns an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, errors.New("detect: source is required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = tick.NewTicker(tick.DefaultRate)
	}
	if err := cfg.Spectral.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Onset.Validate(); err != nil {
		return nil, err
	}
	if cfg.Classifier == nil {
		c, err := classify.New(classify.DefaultBands(), classify.DefaultLowDominance)
		if err != nil {
			return nil, err
		}
		cfg.Classifier = c
	}
	if cfg.Constraints == (audio.Constraints{}) {
		cfg.Constraints = audio.RawConstraints()
	}
	if cfg.Sensitivity == 0 {
		cfg.Sensitivity = onset.DefaultSensitivity
	}
	if err := validateSensitivity(cfg.Sensitivity); err != nil {
		return nil, err
	}
	if cfg.Devices == nil {
		cfg.Devices = NewDevices()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Driver == "" {
		cfg.Driver = "unknown"
	}
	return &Session{
		id:          uuid.NewString(),
		cfg:         cfg,
		sensitivity: cfg.Sensitivity,
	}, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// OnHit registers a sink for hit events. Sinks are called in registration
// order.
func (s *Session) OnHit(sink hit.Sink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Start acquires the device described by c and begins detection with the
// given sensitivity. The new run starts passive: hits reach the sinks, but
// [Session.Live] stays false until SetActive(true).
//
// Start fails with [ErrSessionAlreadyActive] if a run is in progress or the
// device is claimed elsewhere, leaving the existing run untouched. Device
// failures wrap [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable].
func (s *Session) Start(ctx context.Context, c audio.Constraints, sensitivity int) (err error) {
	if err := validateSensitivity(sensitivity); err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	cur := s.run
	s.mu.Unlock()
	if cur != nil {
		return fmt.Errorf("detect: session %s already running as %s: %w", s.id, cur.id, ErrSessionAlreadyActive)
	}

	r := &run{
		id:      uuid.NewString(),
		device:  deviceKey(c.DeviceID),
		started: time.Now(),
	}

	ctx, span := observe.StartSpan(ctx, "detect.Start",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("run.id", r.id),
			attribute.String("device", r.device),
			attribute.String("driver", s.cfg.Driver),
		),
	)
	defer func() { observe.EndSpan(span, err) }()
	ctx = observe.WithLogAttrs(ctx, "session_id", s.id, "run_id", r.id, "device", r.device)
	log := observe.Logger(ctx)

	if err := s.cfg.Devices.Claim(r.device, s.id); err != nil {
		return err
	}

	oc := s.cfg.Onset
	oc.Sensitivity = float64(sensitivity)
	if r.detector, err = onset.New(oc); err != nil {
		s.cfg.Devices.Release(r.device, s.id)
		return err
	}
	if r.frontend, err = spectral.New(s.cfg.Spectral); err != nil {
		s.cfg.Devices.Release(r.device, s.id)
		return err
	}

	if c.Processed() {
		log.Warn("detect: voice processing requested; percussive transients may be suppressed",
			"echo_cancellation", c.EchoCancellation,
			"noise_suppression", c.NoiseSuppression,
			"auto_gain_control", c.AutoGainControl,
		)
	}

	handle, err := s.cfg.Source.Open(ctx, c)
	if err != nil {
		s.cfg.Devices.Release(r.device, s.id)
		s.cfg.Metrics.RecordDeviceError(ctx, s.cfg.Driver, errorKind(err))
		return fmt.Errorf("detect: open input: %w", err)
	}
	r.handle = handle
	r.input = audio.MonoStream(handle.Frames(), s.cfg.Spectral.SampleRate)

	s.mu.Lock()
	s.run = r
	s.sensitivity = sensitivity
	s.mu.Unlock()

	// Holding lifecycle until the task is stored keeps an early end-of-input
	// stop from observing a nil task.
	r.task = s.cfg.Scheduler.Repeat(func(now time.Time) { s.tick(r, now) })

	s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	log.Info("detection session started",
		"driver", s.cfg.Driver,
		"format", handle.Format().String(),
		"sensitivity", sensitivity,
	)
	return nil
}

// Stop ends the current run and releases the device. Stopping an idle
// session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return s.stopRun(r, "stopped")
}

// Listen starts a run with the configured constraints and the current
// sensitivity without raising the gameplay gate. Hits reach sinks that are
// not gated on [Session.Live], such as the pattern recorder.
func (s *Session) Listen(ctx context.Context) error {
	s.mu.Lock()
	sensitivity := s.sensitivity
	s.mu.Unlock()
	return s.Start(ctx, s.cfg.Constraints, sensitivity)
}

// SetActive raises or lowers the gameplay gate. Raising it starts a run with
// the configured constraints if none is in progress; lowering it stops the
// run.
func (s *Session) SetActive(ctx context.Context, active bool) error {
	if !active {
		s.mu.Lock()
		s.gate = false
		s.mu.Unlock()
		return s.Stop()
	}

	s.mu.Lock()
	s.gate = true
	running := s.run != nil
	sensitivity := s.sensitivity
	s.mu.Unlock()
	if running {
		return nil
	}

	err := s.Start(ctx, s.cfg.Constraints, sensitivity)
	if err == nil || (errors.Is(err, ErrSessionAlreadyActive) && s.Running()) {
		return nil
	}
	s.mu.Lock()
	s.gate = false
	s.mu.Unlock()
	return err
}

// Running reports whether a run is in progress.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Live reports whether hits currently count for gameplay: a run is in
// progress and the gate is raised.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && s.gate
}

// SetSensitivity changes the threshold offset of the current and future
// runs.
func (s *Session) SetSensitivity(v int) error {
	if err := validateSensitivity(v); err != nil {
		return err
	}
	s.mu.Lock()
	s.sensitivity = v
	r := s.run
	s.mu.Unlock()
	if r != nil {
		r.detector.SetSensitivity(float64(v))
	}
	return nil
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID:   s.id,
		Running:     s.run != nil,
		Active:      s.gate,
		Live:        s.run != nil && s.gate,
		Sensitivity: s.sensitivity,
	}
	if r := s.run; r != nil {
		st.RunID = r.id
		st.Device = r.device
		st.StartedAt = r.started
		st.State = onset.State(r.state.Load()).String()
		st.NoiseFloor = math.Float64frombits(r.floor.Load())
		st.Hits = r.hits.Load()
	}
	return st
}

// run is the state of one Start..Stop cycle.
type run struct {
	id      string
	device  string
	started time.Time

	handle   audio.Handle
	input    <-chan audio.AudioFrame
	frontend *spectral.Frontend
	detector *onset.Detector
	task     tick.Task
	clock    eventClock // touched only by the tick

	cancelled   atomic.Bool
	dispatching atomic.Bool
	ended       atomic.Bool

	// Published by the tick for Status.
	state atomic.Int32
	floor atomic.Uint64
	hits  atomic.Int64
}

// eventClock stamps the hits of one run. The first stamp fixes the Unix
// millisecond origin; later stamps add the time elapsed since, measured
// like the refractory check measures it. Ticker times carry a monotonic
// reading, so a stepped wall clock cannot reorder or crowd stamps.
type eventClock struct {
	origin   time.Time
	originMs int64
	set      bool
}

func (c *eventClock) stamp(now time.Time) int64 {
	if !c.set {
		c.origin, c.originMs, c.set = now, now.UnixMilli(), true
	}
	return c.originMs + now.Sub(c.origin).Milliseconds()
}

// tick analyses one frame of run r.
func (s *Session) tick(r *run, now time.Time) {
	if r.cancelled.Load() || r.ended.Load() {
		return
	}
	ctx := context.Background()
	start := time.Now()

	frame, err := r.frontend.Pull(r.input, now)
	if err != nil {
		if r.ended.CompareAndSwap(false, true) {
			go func() {
				if err := s.stopRun(r, "input ended"); err != nil {
					slog.Warn("detect: stop after input end", "run_id", r.id, "err", err)
				}
			}()
		}
		return
	}

	dec := r.detector.Evaluate(frame, now)
	r.state.Store(int32(r.detector.State()))
	r.floor.Store(math.Float64bits(r.detector.NoiseFloor()))

	if dec.Suppressed {
		s.cfg.Metrics.RecordSuppressed(ctx)
	}
	if dec.Onset {
		ev := hit.Event{
			Category:    s.cfg.Classifier.Classify(frame.Spectrum),
			Loudness:    dec.Loudness,
			TimestampMs: r.clock.stamp(now),
		}
		r.hits.Add(1)
		s.cfg.Metrics.RecordOnset(ctx, ev.Category.String(), ev.Loudness)
		slog.Debug("detect: hit",
			"run_id", r.id,
			"category", ev.Category.String(),
			"loudness", ev.Loudness,
			"threshold", dec.Threshold,
		)
		s.dispatch(r, ev)
	}

	s.cfg.Metrics.RecordTick(ctx, time.Since(start).Seconds())
}

// dispatch hands ev to the sinks unless r is being stopped. Together with
// stopRun it forms a two-flag handshake: a stop either sees the dispatch and
// skips waiting for the tick, or the dispatch sees the stop and drops ev.
func (s *Session) dispatch(r *run, ev hit.Event) {
	r.dispatching.Store(true)
	defer r.dispatching.Store(false)
	if r.cancelled.Load() {
		return
	}

	s.mu.Lock()
	sinks := make([]hit.Sink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()

	for _, sink := range sinks {
		sink(ev)
	}
}

// stopRun tears down r if it is still the current run.
func (s *Session) stopRun(r *run, reason string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return nil
	}
	s.run = nil
	s.mu.Unlock()

	r.cancelled.Store(true)
	r.task.Cancel()
	// A sink stopping its own session runs on the tick; waiting would
	// deadlock, and the tick returns right after the sink anyway.
	if !r.dispatching.Load() {
		<-r.task.Done()
	}

	err := r.handle.Close()
	go audio.Drain(r.input)
	s.cfg.Devices.Release(r.device, s.id)
	s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)

	slog.Info("detection session stopped",
		"session_id", s.id,
		"run_id", r.id,
		"reason", reason,
		"hits", r.hits.Load(),
		"duration", time.Since(r.started).Round(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("detect: close input: %w", err)
	}
	return nil
}

func validateSensitivity(v int) error {
	if v < onset.MinSensitivity || v > onset.MaxSensitivity {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidSensitivity, v, onset.MinSensitivity, onset.MaxSensitivity)
	}
	return nil
}

// errorKind maps a device error to a metric label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
