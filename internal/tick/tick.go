// Package tick provides the repeating-task scheduler that drives per-frame
// analysis.
//
// A detection session registers one task per run with [Scheduler.Repeat].
// The returned [Task] is the run's cancellation token: after
// [Task.Cancel] no new tick starts, and [Task.Done] closes once no tick can
// run anymore. Ticks of one task never overlap.
//
// Two implementations are provided: [Ticker], which fires at a fixed rate on
// its own goroutine, and [Manual], which fires only when a test calls
// [Manual.Tick].
package tick

import (
	"sync"
	"time"
)

// DefaultRate is the display refresh rate the analysis loop follows.
const DefaultRate = 60

// Func is called once per tick with the tick time.
type Func func(now time.Time)

// Task is a registered repeating task.
type Task interface {
	// Cancel stops future ticks. It is idempotent and safe to call from
	// inside the task's own Func.
	Cancel()

	// Done is closed once the task is cancelled and no tick is in flight.
	Done() <-chan struct{}
}

// Scheduler registers repeating tasks.
type Scheduler interface {
	Repeat(fn Func) Task
}

// ─── Ticker ───────────────────────────────────────────────────────────────────

// Ticker is a [Scheduler] firing every task at a fixed interval. Each task
// runs on its own goroutine.
type Ticker struct {
	interval time.Duration
}

// NewTicker returns a Ticker firing rate times per second. A non-positive
// rate selects [DefaultRate].
func NewTicker(rate int) *Ticker {
	if rate <= 0 {
		rate = DefaultRate
	}
	return &Ticker{interval: time.Second / time.Duration(rate)}
}

// Every returns a Ticker firing once per d. A non-positive d selects
// [DefaultRate].
func Every(d time.Duration) *Ticker {
	if d <= 0 {
		return NewTicker(DefaultRate)
	}
	return &Ticker{interval: d}
}

// Interval reports the time between two ticks.
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

// Repeat implements [Scheduler].
func (t *Ticker) Repeat(fn Func) Task {
	task := &tickerTask{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go task.loop(t.interval, fn)
	return task
}

type tickerTask struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (k *tickerTask) loop(interval time.Duration, fn Func) {
	defer close(k.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case now := <-ticker.C:
			// A tick and a stop may be ready together; stop wins.
			select {
			case <-k.stop:
				return
			default:
			}
			fn(now)
		}
	}
}

func (k *tickerTask) Cancel() {
	k.stopOnce.Do(func() {
		close(k.stop)
	})
}

func (k *tickerTask) Done() <-chan struct{} {
	return k.done
}

// ─── Manual ───────────────────────────────────────────────────────────────────

// Manual is a [Scheduler] for tests. Tasks only run when [Manual.Tick] is
// called, synchronously on the caller's goroutine.
type Manual struct {
	mu    sync.Mutex
	tasks []*manualTask
}

// Repeat implements [Scheduler].
func (m *Manual) Repeat(fn Func) Task {
	task := &manualTask{fn: fn, done: make(chan struct{})}
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	return task
}

// Tick runs every live task once with the given time, in registration order.
// Cancelled tasks are dropped.
func (m *Manual) Tick(now time.Time) {
	m.mu.Lock()
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.cancelled() {
			live = append(live, t)
		}
	}
	m.tasks = live
	run := make([]*manualTask, len(live))
	copy(run, live)
	m.mu.Unlock()

	for _, t := range run {
		if !t.cancelled() {
			t.fn(now)
		}
	}
}

// Active reports how many tasks have not been cancelled.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.cancelled() {
			n++
		}
	}
	return n
}

type manualTask struct {
	fn       Func
	done     chan struct{}
	stopOnce sync.Once
}

func (t *manualTask) Cancel() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
}

func (t *manualTask) Done() <-chan struct{} {
	return t.done
}

func (t *manualTask) cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Compile-time interface assertions.
var (
	_ Scheduler = (*Ticker)(nil)
	_ Scheduler = (*Manual)(nil)
)
