package pattern

import (
	"testing"
	"time"

	"github.com/MrWong99/donka/pkg/hit"
)

// Notes at 1000, 1500 and 2000 ms after an origin of t=0.
func newTestJudge() *Judge {
	p := Pattern{Notes: []Note{
		{OffsetMs: 1000, Category: hit.Low},
		{OffsetMs: 1500, Category: hit.High},
		{OffsetMs: 2000, Category: hit.Low},
	}}
	return NewJudge(p, time.UnixMilli(0), 0)
}

func TestJudge_Verdicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		hit       hit.Event
		want      Verdict
		wantDelta int64
	}{
		{"on time", ev(hit.Low, 1000), Good, 0},
		{"early edge", ev(hit.Low, 800), Good, -200},
		{"late edge", ev(hit.Low, 1200), Good, 200},
		{"too early", ev(hit.Low, 799), Stray, 0},
		{"wrong drum", ev(hit.High, 1050), WrongDrum, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := newTestJudge()
			got := j.Judge(tt.hit)
			if got.Verdict != tt.want {
				t.Errorf("Verdict = %v, want %v", got.Verdict, tt.want)
			}
			if got.DeltaMs != tt.wantDelta {
				t.Errorf("DeltaMs = %d, want %d", got.DeltaMs, tt.wantDelta)
			}
		})
	}
}

func TestJudge_EachNoteOnce(t *testing.T) {
	t.Parallel()

	j := newTestJudge()
	if v := j.Judge(ev(hit.Low, 990)).Verdict; v != Good {
		t.Fatalf("first hit = %v, want good", v)
	}
	// A second hit in the same window has no open note left there.
	if v := j.Judge(ev(hit.Low, 1010)).Verdict; v != Stray {
		t.Errorf("second hit = %v, want stray", v)
	}
}

func TestJudge_LateHitMissesSkippedNotes(t *testing.T) {
	t.Parallel()

	j := newTestJudge()
	got := j.Judge(ev(hit.Low, 2010))
	if got.Verdict != Good || got.Note.OffsetMs != 2000 {
		t.Errorf("Judge = %+v, want good on the 2000ms note", got)
	}

	tally := j.Tally()
	want := Tally{Good: 1, Miss: 2}
	if tally != want {
		t.Errorf("Tally = %+v, want %+v", tally, want)
	}
	if !j.Done() {
		t.Error("Done = false, want true")
	}
}

func TestJudge_Expire(t *testing.T) {
	t.Parallel()

	j := newTestJudge()
	if missed := j.Expire(time.UnixMilli(1200)); len(missed) != 0 {
		t.Errorf("Expire at window edge returned %d, want 0", len(missed))
	}
	missed := j.Expire(time.UnixMilli(1650))
	if len(missed) != 1 || missed[0].Verdict != Miss || missed[0].Note.OffsetMs != 1000 {
		t.Fatalf("Expire = %+v, want one miss on the 1000ms note", missed)
	}
	if j.Tally().Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", j.Tally().Remaining)
	}
}

func TestJudge_Sink(t *testing.T) {
	t.Parallel()

	j := newTestJudge()
	var got []Judgement
	sink := j.Sink(func(res Judgement) { got = append(got, res) })

	sink(ev(hit.Low, 1000))
	sink(ev(hit.Low, 1500))
	sink(ev(hit.High, 5000))

	want := []Verdict{Good, WrongDrum, Stray}
	if len(got) != len(want) {
		t.Fatalf("got %d judgements, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Verdict != want[i] {
			t.Errorf("judgement %d = %v, want %v", i, got[i].Verdict, want[i])
		}
	}
	if tally := j.Tally(); tally != (Tally{Good: 1, WrongDrum: 1, Stray: 1, Miss: 1}) {
		t.Errorf("Tally = %+v", tally)
	}

	// A nil reporter is allowed.
	j.Sink(nil)(ev(hit.Low, 9000))
}

func TestVerdict_String(t *testing.T) {
	t.Parallel()

	for v, want := range map[Verdict]string{
		Stray:       "stray",
		Good:        "good",
		WrongDrum:   "wrong_drum",
		Miss:        "miss",
		Verdict(42): "Verdict(42)",
	} {
		if got := v.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(v), got, want)
		}
	}
}
