// Package resilience guards input device acquisition with a circuit breaker.
//
// Opening a device that keeps failing (an unplugged microphone, a page that
// has no capture permission yet) is cheap to retry but noisy: every attempt
// logs, counts a device error and, for PortAudio, re-initialises the host
// API. The [Breaker] stops forwarding attempts after a run of failures and
// lets a single probe through once the cooldown has passed.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cooldown has elapsed.
	Open

	// HalfOpen lets exactly one probe call through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs of a [Breaker].
type Config struct {
	// Name labels the breaker in logs.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 10s.
	Cooldown time.Duration

	// Counts reports whether err is a failure of the guarded resource.
	// Errors it rejects pass through without touching the failure count.
	// Default: every non-nil error counts.
	Counts func(err error) bool

	// Now returns the current time. Default: [time.Now].
	Now func() time.Time
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New returns a closed Breaker. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.Counts == nil {
		cfg.Counts = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. While half-open only one caller
// probes; concurrent callers get [ErrOpen].
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	b.advanceLocked()
	switch {
	case b.state == Open, b.state == HalfOpen && b.probing:
		b.mu.Unlock()
		return ErrOpen
	}
	probe := b.state == HalfOpen
	b.probing = probe
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		if b.state != Closed {
			slog.Info("resilience: circuit closed", "name", b.cfg.Name)
		}
		b.state = Closed
		b.failures = 0
	case b.cfg.Counts(err):
		b.failures++
		if probe || b.failures >= b.cfg.MaxFailures {
			b.state = Open
			b.openedAt = b.cfg.Now()
			slog.Warn("resilience: circuit opened",
				"name", b.cfg.Name,
				"failures", b.failures,
				"cooldown", b.cfg.Cooldown,
			)
		}
	}
	return err
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [HalfOpen].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
}

func (b *Breaker) advanceLocked() {
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
	}
}
