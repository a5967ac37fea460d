// Package pattern holds the two gameplay consumers of hit events: the
// [Recorder], which authors a drum pattern from live hits, and the [Judge],
// which compares live hits against an expected pattern.
//
// Patterns are exchanged as YAML. They are never persisted by this service.
package pattern

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/donka/pkg/hit"
)

// Note is one expected hit, offset from the start of the pattern.
type Note struct {
	OffsetMs int64        `yaml:"offset_ms" json:"offset_ms"`
	Category hit.Category `yaml:"category" json:"category"`
}

// Pattern is an ordered sequence of notes.
type Pattern struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Notes []Note `yaml:"notes" json:"notes"`
}

// Validate checks that offsets are non-negative and ascending.
func (p Pattern) Validate() error {
	var errs []error
	for i, n := range p.Notes {
		if n.OffsetMs < 0 {
			errs = append(errs, fmt.Errorf("pattern: note %d: negative offset %d", i, n.OffsetMs))
		}
		if i > 0 && n.OffsetMs < p.Notes[i-1].OffsetMs {
			errs = append(errs, fmt.Errorf("pattern: note %d: offset %d before previous note", i, n.OffsetMs))
		}
	}
	return errors.Join(errs...)
}

// Encode writes p as YAML.
func (p Pattern) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("pattern: encode: %w", err)
	}
	return enc.Close()
}

// Decode reads a YAML pattern from r and validates it. Unknown fields are
// rejected.
func Decode(r io.Reader) (Pattern, error) {
	var p Pattern
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Pattern{}, nil
		}
		return Pattern{}, fmt.Errorf("pattern: decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// Recorder authors a pattern from hit events. The first recorded hit (or the
// time given to [Recorder.Begin]) becomes offset zero.
//
// All methods are safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	name   string
	origin int64
	armed  bool
	notes  []Note
}

// NewRecorder returns an empty Recorder for a pattern with the given name.
func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

// Begin sets the time of offset zero and discards previously recorded notes.
func (r *Recorder) Begin(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origin = t.UnixMilli()
	r.armed = true
	r.notes = nil
}

// Record appends e to the pattern. Hits before the origin are dropped.
func (r *Recorder) Record(e hit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed {
		r.origin = e.TimestampMs
		r.armed = true
	}
	off := e.TimestampMs - r.origin
	if off < 0 {
		return
	}
	r.notes = append(r.notes, Note{OffsetMs: off, Category: e.Category})
}

// Sink returns Record as a [hit.Sink].
func (r *Recorder) Sink() hit.Sink {
	return r.Record
}

// Pattern returns a copy of the pattern recorded so far.
func (r *Recorder) Pattern() Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Pattern{Name: r.name, Notes: slices.Clone(r.notes)}
}

// Len returns the number of recorded notes.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

// Clear discards all notes; the next hit becomes offset zero again.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = nil
	r.armed = false
	r.origin = 0
}
