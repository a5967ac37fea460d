package wavfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/donka/pkg/audio"
)

// writeWAV writes samples (interleaved) to a new WAV file and returns its path.
func writeWAV(t *testing.T, rate, channels, bitDepth int, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "take.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, bitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

func ramp(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i*10 - n*5
	}
	return out
}

// collect reads frames until the channel closes or limit samples arrived.
func collect(t *testing.T, h audio.Handle, limit int) ([]int16, []audio.AudioFrame) {
	t.Helper()
	var samples []int16
	var frames []audio.AudioFrame
	timeout := time.After(5 * time.Second)
	for limit <= 0 || len(samples) < limit {
		select {
		case f, ok := <-h.Frames():
			if !ok {
				return samples, frames
			}
			frames = append(frames, f)
			samples = append(samples, audio.BytesToInt16s(f.Data)...)
		case <-timeout:
			t.Fatal("timed out reading frames")
		}
	}
	return samples, frames
}

func TestOpen_ReplaysFile(t *testing.T) {
	t.Parallel()

	want := ramp(2500)
	path := writeWAV(t, 8000, 1, 16, want)

	src := New(path, WithRealtime(false), WithChunkSamples(1000))
	h, err := src.Open(context.Background(), audio.RawConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if got := h.Format(); got != (audio.Format{SampleRate: 8000, Channels: 1}) {
		t.Errorf("Format = %v, want 8000Hz mono", got)
	}

	got, frames := collect(t, h, 0)
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if int(got[i]) != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}

	if len(frames) != 3 {
		t.Fatalf("got %d chunks, want 3", len(frames))
	}
	wantTS := []time.Duration{0, 125 * time.Millisecond, 250 * time.Millisecond}
	for i, f := range frames {
		if f.Timestamp != wantTS[i] {
			t.Errorf("chunk %d Timestamp = %v, want %v", i, f.Timestamp, wantTS[i])
		}
	}
}

func TestOpen_Stereo(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 44100, 2, 16, ramp(400))
	h, err := New(path, WithRealtime(false)).Open(context.Background(), audio.RawConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if got := h.Format(); got.Channels != 2 {
		t.Errorf("Channels = %d, want 2", got.Channels)
	}
	got, _ := collect(t, h, 0)
	if len(got) != 400 {
		t.Errorf("got %d interleaved samples, want 400", len(got))
	}
}

func TestOpen_24Bit(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 48000, 1, 24, []int{256 * 1000, -256 * 2000, 0})
	h, err := New(path, WithRealtime(false)).Open(context.Background(), audio.RawConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	got, _ := collect(t, h, 0)
	want := []int16{1000, -2000, 0}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestOpen_Loop(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 1, 16, ramp(100))
	h, err := New(path, WithRealtime(false), WithLoop(true), WithChunkSamples(64)).Open(context.Background(), audio.RawConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, _ := collect(t, h, 350)
	if len(got) < 350 {
		t.Fatalf("loop ended after %d samples", len(got))
	}
	if got[100] != got[0] || got[201] != got[1] {
		t.Errorf("loop does not restart at the beginning: %d/%d, %d/%d", got[100], got[0], got[201], got[1])
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for range h.Frames() {
	}
}

func TestOpen_DeviceIDSelectsFile(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 1, 16, ramp(10))
	src := New(filepath.Join(t.TempDir(), "missing.wav"), WithRealtime(false))

	h, err := src.Open(context.Background(), audio.Constraints{DeviceID: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.wav")
	if err := os.WriteFile(garbage, []byte("definitely not RIFF data"), 0o644); err != nil {
		t.Fatal(err)
	}
	eightBit := writeWAV(t, 8000, 1, 8, []int{1, 2, 3})

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "nope.wav")},
		{"not wav", garbage},
		{"8 bit", eightBit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.path).Open(context.Background(), audio.RawConstraints())
			if !errors.Is(err, audio.ErrDeviceUnavailable) {
				t.Errorf("Open error = %v, want ErrDeviceUnavailable", err)
			}
		})
	}
}

func TestOpen_CancelledContext(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 1, 16, ramp(10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(path).Open(ctx, audio.RawConstraints()); !errors.Is(err, context.Canceled) {
		t.Errorf("Open error = %v, want context.Canceled", err)
	}
}

func TestRealtime_Paced(t *testing.T) {
	t.Parallel()

	// Four 20 ms chunks: the last one cannot arrive before 60 ms.
	path := writeWAV(t, 8000, 1, 16, ramp(640))
	h, err := New(path, WithChunkSamples(160)).Open(context.Background(), audio.RawConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	start := time.Now()
	_, frames := collect(t, h, 0)
	if len(frames) != 4 {
		t.Fatalf("got %d chunks, want 4", len(frames))
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("playback took %v, want at least 60ms", elapsed)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 1, 16, ramp(8000))
	h, err := New(path).Open(context.Background(), audio.RawConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	select {
	case _, ok := <-h.Frames():
		for ok {
			_, ok = <-h.Frames()
		}
	case <-time.After(time.Second):
		t.Fatal("frames channel not closed after Close")
	}
}
