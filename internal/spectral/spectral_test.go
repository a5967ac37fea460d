package spectral_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/donka/internal/spectral"
	"github.com/MrWong99/donka/pkg/audio"
)

// sine returns n mono PCM16 samples of a sine wave at freq Hz.
func sine(freq, amp float64, rate, n int) audio.AudioFrame {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return audio.AudioFrame{Data: audio.Int16sToBytes(pcm), SampleRate: rate, Channels: 1}
}

func testConfig() spectral.Config {
	cfg := spectral.DefaultConfig()
	cfg.FFTSize = 1024
	return cfg
}

func argmax(b []uint8) int {
	best := 0
	for i, v := range b {
		if v > b[best] {
			best = i
		}
	}
	return best
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*spectral.Config)
		wantErr bool
	}{
		{"defaults", func(*spectral.Config) {}, false},
		{"fft 1024", func(c *spectral.Config) { c.FFTSize = 1024 }, false},
		{"fft not power of two", func(c *spectral.Config) { c.FFTSize = 1000 }, true},
		{"fft too small", func(c *spectral.Config) { c.FFTSize = 16 }, true},
		{"smoothing one", func(c *spectral.Config) { c.Smoothing = 1 }, true},
		{"smoothing negative", func(c *spectral.Config) { c.Smoothing = -0.1 }, true},
		{"inverted decibels", func(c *spectral.Config) { c.MinDecibels = -5 }, true},
		{"zero sample rate", func(c *spectral.Config) { c.SampleRate = 0 }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := spectral.DefaultConfig()
			tc.mutate(&cfg)
			_, err := spectral.New(cfg)
			if (err != nil) != tc.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNext_Silence(t *testing.T) {
	t.Parallel()
	f, err := spectral.New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Unix(1, 0)
	frame := f.Next(now)

	if len(frame.TimeDomain) != 1024 || len(frame.Spectrum) != 512 {
		t.Fatalf("sizes = %d/%d, want 1024/512", len(frame.TimeDomain), len(frame.Spectrum))
	}
	for i, b := range frame.TimeDomain {
		if b != 128 {
			t.Fatalf("TimeDomain[%d] = %d, want 128", i, b)
		}
	}
	for i, b := range frame.Spectrum {
		if b != 0 {
			t.Fatalf("Spectrum[%d] = %d, want 0", i, b)
		}
	}
	if !frame.At.Equal(now) {
		t.Errorf("At = %v, want %v", frame.At, now)
	}
}

func TestNext_SinePeaksAtItsBin(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	f, err := spectral.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const bin = 20
	freq := f.BinFrequency(bin)
	f.Write(sine(freq, 0.5, cfg.SampleRate, cfg.FFTSize))

	frame := f.Next(time.Now())
	if got := argmax(frame.Spectrum); got != bin {
		t.Errorf("peak bin = %d, want %d", got, bin)
	}
	if frame.Spectrum[bin] < 200 {
		t.Errorf("Spectrum[%d] = %d, want a strong peak", bin, frame.Spectrum[bin])
	}
	if frame.Spectrum[200] > 50 {
		t.Errorf("Spectrum[200] = %d, want near silence far from the tone", frame.Spectrum[200])
	}
}

func TestNext_TimeDomainMapping(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	f, _ := spectral.New(cfg)

	pcm := make([]int16, cfg.FFTSize)
	pcm[len(pcm)-2] = 32767
	pcm[len(pcm)-1] = -32768
	f.Write(audio.AudioFrame{Data: audio.Int16sToBytes(pcm), SampleRate: cfg.SampleRate, Channels: 1})

	td := f.Next(time.Now()).TimeDomain
	if td[0] != 128 {
		t.Errorf("TimeDomain[0] = %d, want 128", td[0])
	}
	if td[len(td)-2] != 255 {
		t.Errorf("full-scale positive = %d, want 255", td[len(td)-2])
	}
	if td[len(td)-1] != 0 {
		t.Errorf("full-scale negative = %d, want 0", td[len(td)-1])
	}
}

func TestNext_WindowSlides(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	f, _ := spectral.New(cfg)

	f.Write(sine(2000, 0.8, cfg.SampleRate, cfg.FFTSize))
	// A full window of silence pushes the tone out entirely.
	f.Write(audio.AudioFrame{Data: make([]byte, cfg.FFTSize*2), SampleRate: cfg.SampleRate, Channels: 1})

	for i, b := range f.Next(time.Now()).TimeDomain {
		if b != 128 {
			t.Fatalf("TimeDomain[%d] = %d, want 128 after window slid past tone", i, b)
		}
	}
}

func TestNext_SmoothingDecays(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Smoothing = 0.8
	f, _ := spectral.New(cfg)

	const bin = 40
	f.Write(sine(f.BinFrequency(bin), 0.5, cfg.SampleRate, cfg.FFTSize))
	loud := f.Next(time.Now()).Spectrum[bin]

	f.Write(audio.AudioFrame{Data: make([]byte, cfg.FFTSize*2), SampleRate: cfg.SampleRate, Channels: 1})
	first := f.Next(time.Now()).Spectrum[bin]
	second := f.Next(time.Now()).Spectrum[bin]

	if first == 0 || first >= loud {
		t.Errorf("first silent read = %d, want decaying value below %d", first, loud)
	}
	if second >= first {
		t.Errorf("second silent read = %d, want below %d", second, first)
	}

	f.Reset()
	if got := f.Next(time.Now()).Spectrum[bin]; got != 0 {
		t.Errorf("after Reset: Spectrum[%d] = %d, want 0", bin, got)
	}
}

func TestWrite_DownmixesStereo(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	f, _ := spectral.New(cfg)

	// L = full scale, R = silence → mono at half scale.
	pcm := make([]int16, 2*cfg.FFTSize)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 16384
	}
	f.Write(audio.AudioFrame{Data: audio.Int16sToBytes(pcm), SampleRate: cfg.SampleRate, Channels: 2})

	td := f.Next(time.Now()).TimeDomain
	if td[0] != 160 {
		t.Errorf("TimeDomain[0] = %d, want 160 (128 * 1.25)", td[0])
	}
}

func TestPull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	f, _ := spectral.New(cfg)

	in := make(chan audio.AudioFrame, 4)
	in <- sine(1000, 0.5, cfg.SampleRate, 512)
	in <- sine(1000, 0.5, cfg.SampleRate, 512)

	frame, err := f.Pull(in, time.Now())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(in) != 0 {
		t.Errorf("Pull left %d chunks buffered", len(in))
	}
	if argmax(frame.Spectrum) == 0 {
		t.Error("expected tone energy after Pull")
	}

	// Empty but open: returns a frame without blocking.
	if _, err := f.Pull(in, time.Now()); err != nil {
		t.Fatalf("Pull on empty channel: %v", err)
	}

	in <- sine(1000, 0.5, cfg.SampleRate, 512)
	close(in)
	if _, err := f.Pull(in, time.Now()); !errors.Is(err, spectral.ErrStreamClosed) {
		t.Errorf("Pull on closed channel: err = %v, want ErrStreamClosed", err)
	}
}
