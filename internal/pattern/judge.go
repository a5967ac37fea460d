package pattern

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/donka/pkg/hit"
)

// DefaultWindow is how far a hit may be from its note and still count.
const DefaultWindow = 200 * time.Millisecond

// Verdict is the outcome of judging one hit.
type Verdict int

const (
	// Stray means no note was due within the window.
	Stray Verdict = iota

	// Good means the hit matched the category of the note it landed on.
	Good

	// WrongDrum means the hit landed on a note of the other category.
	WrongDrum

	// Miss is reported for notes that passed their window without a hit.
	Miss
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Stray:
		return "stray"
	case Good:
		return "good"
	case WrongDrum:
		return "wrong_drum"
	case Miss:
		return "miss"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Judgement reports how one hit or missed note was judged.
type Judgement struct {
	Verdict Verdict `json:"verdict"`

	// Note is the expected note; zero for Stray.
	Note Note `json:"note"`

	// Hit is the judged event; zero for Miss.
	Hit hit.Event `json:"hit"`

	// DeltaMs is the hit time minus the note time. Zero for Stray and Miss.
	DeltaMs int64 `json:"delta_ms"`
}

// Tally counts verdicts.
type Tally struct {
	Good      int `json:"good"`
	WrongDrum int `json:"wrong_drum"`
	Stray     int `json:"stray"`
	Miss      int `json:"miss"`
	Remaining int `json:"remaining"`
}

// Judge matches live hits against a pattern started at a fixed origin. Each
// note is judged at most once.
//
// All methods are safe for concurrent use.
type Judge struct {
	window time.Duration

	mu     sync.Mutex
	origin int64
	notes  []Note
	next   int // first note not yet judged
	tally  Tally
}

// NewJudge returns a Judge for p whose offset zero is origin. A non-positive
// window selects [DefaultWindow].
func NewJudge(p Pattern, origin time.Time, window time.Duration) *Judge {
	if window <= 0 {
		window = DefaultWindow
	}
	j := &Judge{
		window: window,
		origin: origin.UnixMilli(),
		notes:  append([]Note(nil), p.Notes...),
	}
	j.tally.Remaining = len(j.notes)
	return j
}

// Judge matches e against the earliest open note within the window. Notes
// whose window closed before e are counted as missed first, exactly as
// [Judge.Expire] would.
func (j *Judge) Judge(e hit.Event) Judgement {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.expireLocked(e.TimestampMs)

	w := j.window.Milliseconds()
	if j.next < len(j.notes) {
		n := j.notes[j.next]
		delta := e.TimestampMs - (j.origin + n.OffsetMs)
		if delta >= -w && delta <= w {
			j.next++
			j.tally.Remaining--
			v := Good
			if n.Category != e.Category {
				v = WrongDrum
				j.tally.WrongDrum++
			} else {
				j.tally.Good++
			}
			return Judgement{Verdict: v, Note: n, Hit: e, DeltaMs: delta}
		}
	}
	j.tally.Stray++
	return Judgement{Verdict: Stray, Hit: e}
}

// Expire closes every note whose window ended before now and returns them
// as Miss judgements.
func (j *Judge) Expire(now time.Time) []Judgement {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.expireLocked(now.UnixMilli())
}

func (j *Judge) expireLocked(nowMs int64) []Judgement {
	var missed []Judgement
	w := j.window.Milliseconds()
	for j.next < len(j.notes) {
		n := j.notes[j.next]
		if j.origin+n.OffsetMs+w >= nowMs {
			break
		}
		missed = append(missed, Judgement{Verdict: Miss, Note: n})
		j.next++
		j.tally.Miss++
		j.tally.Remaining--
	}
	return missed
}

// Sink returns a [hit.Sink] that judges each hit and passes the judgement to
// report, if non-nil.
func (j *Judge) Sink(report func(Judgement)) hit.Sink {
	return func(e hit.Event) {
		res := j.Judge(e)
		if report != nil {
			report(res)
		}
	}
}

// Tally returns the verdict counts so far.
func (j *Judge) Tally() Tally {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tally
}

// Done reports whether every note has been judged.
func (j *Judge) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next >= len(j.notes)
}
