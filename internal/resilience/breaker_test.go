package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errDown = errors.New("down")

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *clock) {
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	cfg.Now = clk.Now
	return New(cfg), clk
}

func fail() error { return errDown }
func pass() error { return nil }

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	if b.cfg.MaxFailures != 3 || b.cfg.Cooldown != 10*time.Second {
		t.Errorf("defaults = %d/%v, want 3/10s", b.cfg.MaxFailures, b.cfg.Cooldown)
	}
	if b.State() != Closed {
		t.Errorf("initial state = %v", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 2})

	_ = b.Do(fail)
	_ = b.Do(pass)
	_ = b.Do(fail)
	if b.State() != Closed {
		t.Fatal("a success in between must reset the count")
	}
	_ = b.Do(fail)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("open breaker: err=%v called=%v", err, called)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"success closes", pass, Closed},
		{"failure reopens", fail, Open},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, clk := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Second})
			_ = b.Do(fail)

			clk.Advance(999 * time.Millisecond)
			if b.State() != Open {
				t.Fatal("cooldown not yet over")
			}
			clk.Advance(time.Millisecond)
			if b.State() != HalfOpen {
				t.Fatalf("state = %v, want half-open", b.State())
			}

			_ = b.Do(tc.probe)
			if b.State() != tc.want {
				t.Errorf("state after probe = %v, want %v", b.State(), tc.want)
			}
		})
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Second})
	_ = b.Do(fail)
	clk.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := b.Do(pass); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent call during probe = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("probe = %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_IgnoredErrors(t *testing.T) {
	t.Parallel()
	errUser := errors.New("user said no")
	b, _ := newTestBreaker(Config{
		MaxFailures: 1,
		Counts:      func(err error) bool { return errors.Is(err, errDown) },
	})

	for range 5 {
		if err := b.Do(func() error { return errUser }); !errors.Is(err, errUser) {
			t.Fatalf("err = %v, want passthrough", err)
		}
	}
	if b.State() != Closed {
		t.Errorf("state = %v, ignored errors must not open the breaker", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Hour})
	_ = b.Do(fail)
	b.Reset()
	if b.State() != Closed {
		t.Errorf("state after Reset = %v", b.State())
	}
	if err := b.Do(pass); err != nil {
		t.Errorf("Do after Reset = %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
