package pattern

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/donka/pkg/hit"
)

func ev(c hit.Category, ms int64) hit.Event {
	return hit.Event{Category: c, Loudness: 90, TimestampMs: ms}
}

func TestRecorder_FirstHitIsOrigin(t *testing.T) {
	t.Parallel()

	r := NewRecorder("intro")
	sink := r.Sink()
	sink(ev(hit.Low, 10_000))
	sink(ev(hit.High, 10_250))
	sink(ev(hit.Low, 10_500))

	p := r.Pattern()
	if p.Name != "intro" {
		t.Errorf("Name = %q, want %q", p.Name, "intro")
	}
	want := []Note{
		{OffsetMs: 0, Category: hit.Low},
		{OffsetMs: 250, Category: hit.High},
		{OffsetMs: 500, Category: hit.Low},
	}
	if len(p.Notes) != len(want) {
		t.Fatalf("len(Notes) = %d, want %d", len(p.Notes), len(want))
	}
	for i := range want {
		if p.Notes[i] != want[i] {
			t.Errorf("Notes[%d] = %+v, want %+v", i, p.Notes[i], want[i])
		}
	}
}

func TestRecorder_Begin(t *testing.T) {
	t.Parallel()

	r := NewRecorder("")
	r.Record(ev(hit.High, 1_000))
	r.Begin(time.UnixMilli(5_000))
	if r.Len() != 0 {
		t.Fatalf("Len after Begin = %d, want 0", r.Len())
	}

	r.Record(ev(hit.Low, 4_900)) // before origin
	r.Record(ev(hit.High, 5_120))

	p := r.Pattern()
	if len(p.Notes) != 1 {
		t.Fatalf("len(Notes) = %d, want 1", len(p.Notes))
	}
	if p.Notes[0].OffsetMs != 120 || p.Notes[0].Category != hit.High {
		t.Errorf("Notes[0] = %+v, want {120 high}", p.Notes[0])
	}
}

func TestRecorder_PatternIsCopy(t *testing.T) {
	t.Parallel()

	r := NewRecorder("")
	r.Record(ev(hit.Low, 0))
	p := r.Pattern()
	p.Notes[0].Category = hit.High

	if got := r.Pattern().Notes[0].Category; got != hit.Low {
		t.Errorf("recorder mutated through copy: category = %v", got)
	}
}

func TestRecorder_Clear(t *testing.T) {
	t.Parallel()

	r := NewRecorder("")
	r.Record(ev(hit.Low, 100))
	r.Clear()
	r.Record(ev(hit.High, 900))

	p := r.Pattern()
	if len(p.Notes) != 1 || p.Notes[0].OffsetMs != 0 {
		t.Errorf("Notes after Clear = %+v, want one note at offset 0", p.Notes)
	}
}

func TestRecorder_Concurrent(t *testing.T) {
	t.Parallel()

	r := NewRecorder("")
	r.Begin(time.UnixMilli(0))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range 50 {
				r.Record(ev(hit.Category(k%2), int64(i*1000+k)))
			}
		}()
	}
	wg.Wait()

	if r.Len() != 400 {
		t.Errorf("Len = %d, want 400", r.Len())
	}
}

func TestPattern_YAMLRoundTrip(t *testing.T) {
	t.Parallel()

	p := Pattern{
		Name: "don don ka",
		Notes: []Note{
			{OffsetMs: 0, Category: hit.Low},
			{OffsetMs: 300, Category: hit.Low},
			{OffsetMs: 600, Category: hit.High},
		},
	}

	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(buf.String(), "category: high") {
		t.Errorf("encoded YAML lacks textual category:\n%s", buf.String())
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != p.Name || len(got.Notes) != len(p.Notes) {
		t.Fatalf("Decode = %+v, want %+v", got, p)
	}
	for i := range p.Notes {
		if got.Notes[i] != p.Notes[i] {
			t.Errorf("Notes[%d] = %+v, want %+v", i, got.Notes[i], p.Notes[i])
		}
	}
}

func TestDecode_AcceptsDrumNames(t *testing.T) {
	t.Parallel()

	src := `
notes:
  - offset_ms: 0
    category: don
  - offset_ms: 200
    category: ka
`
	p, err := Decode(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.Notes) != 2 || p.Notes[0].Category != hit.Low || p.Notes[1].Category != hit.High {
		t.Errorf("Notes = %+v", p.Notes)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", "notes: []\ntempo: 120\n"},
		{"bad category", "notes:\n  - offset_ms: 0\n    category: rim\n"},
		{"negative offset", "notes:\n  - offset_ms: -5\n    category: low\n"},
		{"descending", "notes:\n  - offset_ms: 100\n    category: low\n  - offset_ms: 50\n    category: high\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(strings.NewReader(tt.src)); err == nil {
				t.Error("Decode succeeded, want error")
			}
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	t.Parallel()

	p, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.Notes) != 0 {
		t.Errorf("Notes = %+v, want none", p.Notes)
	}
}
