// Package app wires the donka subsystems into a running server.
//
// The App owns the full lifecycle: New builds the detection session on top
// of the input source and connects the hit consumers, Run serves HTTP until
// the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithScheduler,
// WithMetrics, etc.). When an option is not provided, New falls back to the
// production implementation.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/donka/internal/config"
	"github.com/MrWong99/donka/internal/detect"
	"github.com/MrWong99/donka/internal/health"
	"github.com/MrWong99/donka/internal/observe"
	"github.com/MrWong99/donka/internal/pattern"
	"github.com/MrWong99/donka/internal/resilience"
	"github.com/MrWong99/donka/internal/tick"
	"github.com/MrWong99/donka/pkg/audio"
	"github.com/MrWong99/donka/pkg/audio/browser"
	"github.com/MrWong99/donka/pkg/hit"
)

const (
	// expireInterval is how often open judge notes are checked for misses.
	expireInterval = 50 * time.Millisecond

	// shutdownGrace bounds the HTTP drain when Run's context ends.
	shutdownGrace = 5 * time.Second
)

// App owns all subsystem lifetimes of the donka server.
type App struct {
	cfg   *config.Config
	level *slog.LevelVar

	source  audio.Source
	guard   *resilience.Source
	gateway *browser.Gateway // nil unless the browser driver is in use

	scheduler      tick.Scheduler
	metrics        *observe.Metrics
	metricsHandler http.Handler

	session  *detect.Session
	recorder *pattern.Recorder

	judgeMu    sync.Mutex
	judge      *pattern.Judge
	judgeFinal bool // tally of the current judge has been logged

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithScheduler replaces the wall-clock ticker driving analysis.
func WithScheduler(s tick.Scheduler) Option {
	return func(a *App) { a.scheduler = s }
}

// WithMetrics injects the metrics instance instead of the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads adjust the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App reading audio from src, which main.go obtains from the
// input driver registry. If src is a [browser.Gateway] it is also mounted at
// GET /ws/audio and receives every live hit and judgement.
func New(cfg *config.Config, src audio.Source, opts ...Option) (*App, error) {
	if src == nil {
		return nil, errors.New("app: input source is required")
	}
	a := &App{
		cfg:    cfg,
		source: src,
	}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	if a.scheduler == nil {
		a.scheduler = tick.NewTicker(cfg.Analysis.TickRate)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if gw, ok := src.(*browser.Gateway); ok {
		a.gateway = gw
	}
	if c, ok := src.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	classifier, err := cfg.Classifier.Build()
	if err != nil {
		return nil, fmt.Errorf("app: classifier: %w", err)
	}
	a.guard = resilience.GuardSource(src, resilience.Config{Name: "input/" + cfg.Input.Driver})
	a.session, err = detect.New(detect.Config{
		Source:      a.guard,
		Driver:      cfg.Input.Driver,
		Scheduler:   a.scheduler,
		Spectral:    cfg.Analysis.Spectral(cfg.Input.SampleRate),
		Onset:       cfg.Onset.Detector(),
		Classifier:  classifier,
		Constraints: cfg.Input.AudioConstraints(),
		Sensitivity: cfg.Onset.Sensitivity,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: detection session: %w", err)
	}

	a.recorder = pattern.NewRecorder(cfg.Session.PatternName)

	var notify hit.Sink
	if a.gateway != nil {
		notify = a.gateway.Notify
	}
	// The recorder also captures passive runs; judging and browser
	// notifications only follow gameplay.
	a.session.OnHit(a.recorder.Sink())
	a.session.OnHit(hit.Gate(a.session.Live, hit.Fanout(a.judgeHit, notify)))

	mux := http.NewServeMux()
	a.routes(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("app initialised",
		"session_id", a.session.ID(),
		"driver", cfg.Input.Driver,
		"device", cfg.Input.Device,
	)
	return a, nil
}

// Handler returns the instrumented HTTP handler of the server.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Session returns the detection session.
func (a *App) Session() *detect.Session {
	return a.session
}

// checkers returns the readiness checks for the configured input.
func (a *App) checkers() []health.Checker {
	return []health.Checker{{Name: "input", Check: a.checkInput}}
}

// deviceLister is implemented by sources that can enumerate local devices.
type deviceLister interface {
	Devices() ([]string, error)
}

func (a *App) checkInput(context.Context) error {
	if a.guard.State() == resilience.Open {
		return fmt.Errorf("device open failures: %w", resilience.ErrOpen)
	}
	if l, ok := a.source.(deviceLister); ok {
		names, err := l.Devices()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return audio.ErrDeviceUnavailable
		}
	}
	if a.cfg.Input.Driver == config.DriverWAV {
		if _, err := os.Stat(a.cfg.Input.Device); err != nil {
			return err
		}
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and sweeps the judge until ctx is cancelled, then drains
// the server. When session.active is set, detection is started right away;
// failing to open the device is logged and leaves the server up.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	g.Go(func() error {
		a.sweepJudge(gctx)
		return nil
	})
	if a.cfg.Session.Active {
		g.Go(func() error {
			if err := a.session.SetActive(gctx, true); err != nil {
				slog.Warn("initial activation failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running", "addr", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// sweepJudge reports notes whose window closed without a hit.
func (a *App) sweepJudge(ctx context.Context) {
	t := time.NewTicker(expireInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			a.expireJudge(now)
		}
	}
}

func (a *App) expireJudge(now time.Time) {
	a.judgeMu.Lock()
	j := a.judge
	a.judgeMu.Unlock()
	if j == nil {
		return
	}
	for _, jd := range j.Expire(now) {
		a.report(jd)
	}
	a.logFinalTally(j)
}

// ─── Hit consumers ───────────────────────────────────────────────────────────

func (a *App) judgeHit(e hit.Event) {
	a.judgeMu.Lock()
	j := a.judge
	a.judgeMu.Unlock()
	if j == nil {
		return
	}
	a.report(j.Judge(e))
	a.logFinalTally(j)
}

// judgementMessage is pushed to connected pages for every judgement.
type judgementMessage struct {
	Type string `json:"type"`
	pattern.Judgement
}

func (a *App) report(jd pattern.Judgement) {
	slog.Debug("judgement", "verdict", jd.Verdict.String(), "delta_ms", jd.DeltaMs)
	if a.gateway != nil {
		a.gateway.Broadcast(judgementMessage{Type: "judgement", Judgement: jd})
	}
}

// logFinalTally logs the tally of j once all of its notes are judged.
func (a *App) logFinalTally(j *pattern.Judge) {
	if !j.Done() {
		return
	}
	a.judgeMu.Lock()
	if a.judge != j || a.judgeFinal {
		a.judgeMu.Unlock()
		return
	}
	a.judgeFinal = true
	a.judgeMu.Unlock()

	t := j.Tally()
	slog.Info("pattern finished",
		"good", t.Good,
		"wrong_drum", t.WrongDrum,
		"miss", t.Miss,
		"stray", t.Stray,
	)
}

// setJudge replaces the active judge; nil removes it.
func (a *App) setJudge(j *pattern.Judge) {
	a.judgeMu.Lock()
	defer a.judgeMu.Unlock()
	a.judge = j
	a.judgeFinal = false
}

func (a *App) currentJudge() *pattern.Judge {
	a.judgeMu.Lock()
	defer a.judgeMu.Unlock()
	return a.judge
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable part of a configuration change:
// log level, sensitivity and the gameplay gate. Changes to any other
// section are logged and take effect on the next restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SensitivityChanged {
		if err := a.session.SetSensitivity(d.NewSensitivity); err != nil {
			slog.Warn("sensitivity not applied", "value", d.NewSensitivity, "err", err)
		}
	}
	if d.ActiveChanged {
		if err := a.session.SetActive(context.Background(), d.NewActive); err != nil {
			slog.Warn("activation not applied", "active", d.NewActive, "err", err)
		}
	}
	if d.RestartRequired() {
		slog.Warn("config changes need a restart", "sections", d.RestartFields)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops detection, drains the HTTP server and runs the closers in
// order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.session.Stop(); err != nil {
			slog.Warn("session stop error", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
