// Package hit defines the events produced by drum onset detection.
//
// These types are the lingua franca between the detection session and its
// consumers (browser notifier, pattern recorder, judge, logging). They live
// under pkg/ because external gameplay code subscribes to them.
package hit

import (
	"fmt"
	"time"
)

// Category is the timbral class of a detected hit.
type Category int

const (
	// Low is a strike on the drum face ("don"). It is the zero value, so an
	// unclassifiable frame falls back to it.
	Low Category = iota

	// High is a strike on the drum rim ("ka").
	High
)

// String returns "low" or "high".
func (c Category) String() string {
	switch c {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Drum returns the taiko name of the drum part: "don" or "ka".
func (c Category) Drum() string {
	if c == High {
		return "ka"
	}
	return "don"
}

// MarshalText implements [encoding.TextMarshaler].
func (c Category) MarshalText() ([]byte, error) {
	switch c {
	case Low, High:
		return []byte(c.String()), nil
	default:
		return nil, fmt.Errorf("hit: invalid category %d", int(c))
	}
}

// UnmarshalText implements [encoding.TextUnmarshaler]. Both the category
// names and the drum names are accepted.
func (c *Category) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low", "don":
		*c = Low
	case "high", "ka":
		*c = High
	default:
		return fmt.Errorf("hit: unknown category %q", string(b))
	}
	return nil
}

// Event is a confirmed, classified onset. It is an immutable value delivered
// once to every registered sink and never persisted.
type Event struct {
	// Category is the classifier's verdict for the onset frame.
	Category Category `json:"category" yaml:"category"`

	// Loudness is the scalar that crossed the detection threshold.
	Loudness float64 `json:"loudness" yaml:"loudness"`

	// TimestampMs is the wall-clock time of the onset in Unix milliseconds.
	TimestampMs int64 `json:"timestamp_ms" yaml:"timestamp_ms"`
}

// Time returns the onset time as a [time.Time].
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// Sink receives hit events. Sinks are called synchronously from the
// detection loop and must return quickly.
type Sink func(Event)

// Fanout returns a sink that forwards each event to every non-nil sink in
// order.
func Fanout(sinks ...Sink) Sink {
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return func(e Event) {
		for _, s := range active {
			s(e)
		}
	}
}

// Gate returns a sink that forwards events to s only while live reports
// true. Gameplay consumers are wrapped this way so that hits detected while
// no song is playing are ignored.
func Gate(live func() bool, s Sink) Sink {
	return func(e Event) {
		if live() {
			s(e)
		}
	}
}
