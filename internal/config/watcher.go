package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/donka/internal/tick"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 2 * time.Second

// Watcher re-reads a config file whenever its modification time or size
// moves and reports semantic changes to a callback.
//
// Edits that leave every setting as it was (comments, key order, formatting)
// are adopted silently. Invalid edits are logged once and skipped; the last
// valid config stays current until the file is fixed.
type Watcher struct {
	path     string
	onChange func(old, new *Config)
	sched    tick.Scheduler
	interval time.Duration

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	lastErr string

	task tick.Task
}

// fileStamp is the cheap part of the file state compared on every poll.
type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{mtime: fi.ModTime(), size: fi.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Ignored when a scheduler is
// supplied with [WithWatchScheduler].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchScheduler drives polling from s instead of a private ticker.
func WithWatchScheduler(s tick.Scheduler) WatcherOption {
	return func(w *Watcher) { w.sched = s }
}

// NewWatcher loads path and starts polling it. onChange may be nil and is
// never called for the initial load.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		onChange: onChange,
		interval: DefaultWatchInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.sched == nil {
		w.sched = tick.Every(w.interval)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	w.current = cfg
	w.stamp = stampOf(fi)

	w.task = w.sched.Repeat(func(time.Time) { w.check() })
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.task.Cancel()
}

func (w *Watcher) check() {
	fi, err := os.Stat(w.path)
	if err != nil {
		w.fail("cannot stat config file", err)
		return
	}
	stamp := stampOf(fi)

	w.mu.Lock()
	unchanged := stamp == w.stamp
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.fail("config file rejected", err)
		return
	}

	w.mu.Lock()
	old := w.current
	d := Diff(old, cfg)
	w.current = cfg
	w.stamp = stamp
	w.lastErr = ""
	w.mu.Unlock()

	if d.Empty() {
		slog.Debug("config file rewritten without changes", "path", w.path)
		return
	}
	slog.Info("config reloaded",
		"path", w.path,
		"sensitivity_changed", d.SensitivityChanged,
		"active_changed", d.ActiveChanged,
		"log_level_changed", d.LogLevelChanged,
		"restart_sections", d.RestartFields,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// fail logs err unless it repeats the previous poll's failure.
func (w *Watcher) fail(msg string, err error) {
	w.mu.Lock()
	repeat := err.Error() == w.lastErr
	w.lastErr = err.Error()
	w.mu.Unlock()
	if !repeat {
		slog.Warn(msg, "path", w.path, "err", err)
	}
}
