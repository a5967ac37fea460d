package detect

import (
	"testing"
	"time"
)

func TestEventClock_StampsFromElapsedTime(t *testing.T) {
	t.Parallel()

	// Ticker times carry a monotonic reading.
	origin := time.Now()
	var c eventClock
	want := origin.UnixMilli()
	for _, d := range []time.Duration{0, 151 * time.Millisecond, 150*time.Millisecond + 900*time.Microsecond, 2 * time.Second} {
		now := origin.Add(d)
		if got := c.stamp(now); got != want+d.Milliseconds() {
			t.Errorf("stamp(origin+%v) = %d, want %d", d, got, want+d.Milliseconds())
		}
	}
}

func TestEventClock_KeepsRefractorySpacing(t *testing.T) {
	t.Parallel()

	// A gap the detector accepted keeps its whole milliseconds, wherever the
	// first stamp falls within a millisecond.
	origin := time.Now().Truncate(time.Millisecond).Add(900 * time.Microsecond)
	var c eventClock
	first := c.stamp(origin.Add(200 * time.Microsecond))
	second := c.stamp(origin.Add(200*time.Microsecond + 150*time.Millisecond + 100*time.Microsecond))
	if gap := second - first; gap < 150 {
		t.Errorf("gap = %dms, want at least 150", gap)
	}
}

func TestEventClock_ManualTimes(t *testing.T) {
	t.Parallel()

	// Times without a monotonic reading, as produced by tick.Manual tests,
	// map to their own Unix milliseconds.
	t0 := time.UnixMilli(1_700_000_000_000)
	var c eventClock
	for _, d := range []time.Duration{0, 16 * time.Millisecond, 480 * time.Millisecond} {
		now := t0.Add(d)
		if got := c.stamp(now); got != now.UnixMilli() {
			t.Errorf("stamp(%v) = %d, want %d", d, got, now.UnixMilli())
		}
	}
}
