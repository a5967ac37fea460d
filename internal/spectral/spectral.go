// Package spectral turns a raw PCM stream into the fixed-size time-domain and
// frequency-domain views consumed by onset detection and classification.
//
// The [Frontend] reproduces the behaviour of a browser AnalyserNode: it keeps
// the most recent FFTSize samples, and on every read it applies a Blackman
// window, a real FFT, temporal smoothing of the bin magnitudes and a linear
// mapping of the decibel range onto bytes. Reads happen once per scheduler
// tick, independent of how much audio arrived since the previous tick.
//
// A Frontend is not safe for concurrent use; it is owned by the tick
// goroutine of a single detection run.
package spectral

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/MrWong99/donka/pkg/audio"
)

// ErrStreamClosed is returned by [Frontend.Pull] once the input channel has
// been closed and fully drained.
var ErrStreamClosed = errors.New("spectral: input stream closed")

// maxDrain bounds the number of chunks folded in by a single Pull so that a
// flooded input cannot stall a tick.
const maxDrain = 64

// Config holds the analyser parameters.
type Config struct {
	// FFTSize is the analysis window length in samples. Must be a power of
	// two between 32 and 32768.
	FFTSize int

	// Smoothing is the time constant τ in [0,1) blending the previous
	// magnitude into the current one.
	Smoothing float64

	// MinDecibels and MaxDecibels bound the range mapped onto 0–255.
	MinDecibels float64
	MaxDecibels float64

	// SampleRate of the mono PCM fed into the frontend. Only used to report
	// bin frequencies.
	SampleRate int
}

// DefaultConfig returns the parameters of the live drum detector: 2048-point
// FFT, τ = 0.1 and a -90..-10 dB range at 44.1 kHz.
func DefaultConfig() Config {
	return Config{
		FFTSize:     2048,
		Smoothing:   0.1,
		MinDecibels: -90,
		MaxDecibels: -10,
		SampleRate:  audio.DefaultSampleRate,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	var errs []error
	if c.FFTSize < 32 || c.FFTSize > 32768 || c.FFTSize&(c.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("spectral: fft size %d must be a power of two in [32, 32768]", c.FFTSize))
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("spectral: smoothing %v must be in [0, 1)", c.Smoothing))
	}
	if c.MinDecibels >= c.MaxDecibels {
		errs = append(errs, fmt.Errorf("spectral: min decibels %v must be below max decibels %v", c.MinDecibels, c.MaxDecibels))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("spectral: sample rate %d must be positive", c.SampleRate))
	}
	return errors.Join(errs...)
}

// Frame is one analysis snapshot. Both views are captured at the same
// instant. The slices are owned by the [Frontend] and overwritten by the next
// read; consumers must not retain them.
type Frame struct {
	// TimeDomain holds FFTSize samples as unsigned bytes, 128 meaning
	// silence.
	TimeDomain []uint8

	// Spectrum holds FFTSize/2 bin magnitudes mapped onto 0–255.
	Spectrum []uint8

	// At is the tick time the frame was read at.
	At time.Time
}

// Frontend is a sliding-window spectrum analyser.
type Frontend struct {
	cfg Config

	ring []float64 // last FFTSize samples, oldest at pos
	pos  int

	win    []float64
	fft    *fourier.FFT
	buf    []float64
	coeff  []complex128
	smooth []float64

	timeDomain []uint8
	spectrum   []uint8
}

// New validates cfg and allocates a Frontend primed with silence.
func New(cfg Config) (*Frontend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := cfg.FFTSize

	win := make([]float64, n)
	for i := range win {
		win[i] = 1
	}
	window.Blackman(win)

	return &Frontend{
		cfg:        cfg,
		ring:       make([]float64, n),
		win:        win,
		fft:        fourier.NewFFT(n),
		buf:        make([]float64, n),
		coeff:      make([]complex128, n/2+1),
		smooth:     make([]float64, n/2),
		timeDomain: make([]uint8, n),
		spectrum:   make([]uint8, n/2),
	}, nil
}

// Config returns the parameters the frontend was built with.
func (f *Frontend) Config() Config {
	return f.cfg
}

// BinFrequency returns the centre frequency in Hz of spectrum bin k.
func (f *Frontend) BinFrequency(k int) float64 {
	return float64(k) * float64(f.cfg.SampleRate) / float64(f.cfg.FFTSize)
}

// Write appends a PCM chunk to the sample window. Multi-channel chunks are
// downmixed first.
func (f *Frontend) Write(pcm audio.AudioFrame) {
	data := pcm.Data
	if pcm.Channels > 1 {
		data = audio.DownmixToMono(data, pcm.Channels)
	}
	n := len(f.ring)
	for i := 0; i+1 < len(data); i += 2 {
		s := int16(data[i]) | int16(data[i+1])<<8
		f.ring[f.pos] = float64(s) / 32768
		f.pos++
		if f.pos == n {
			f.pos = 0
		}
	}
}

// Pull folds every chunk currently buffered on in into the window without
// blocking, then reads a frame. It returns [ErrStreamClosed] once in is
// closed and empty.
func (f *Frontend) Pull(in <-chan audio.AudioFrame, now time.Time) (Frame, error) {
	for range maxDrain {
		select {
		case pcm, ok := <-in:
			if !ok {
				return Frame{}, ErrStreamClosed
			}
			f.Write(pcm)
			continue
		default:
		}
		break
	}
	return f.Next(now), nil
}

// Next reads a frame from the current window and advances the smoothing
// state.
func (f *Frontend) Next(now time.Time) Frame {
	n := len(f.ring)

	// Unroll the ring into chronological order.
	for i := range n {
		x := f.ring[(f.pos+i)%n]
		f.timeDomain[i] = toByte(128 * (1 + x))
		f.buf[i] = x * f.win[i]
	}

	f.coeff = f.fft.Coefficients(f.coeff, f.buf)

	tau := f.cfg.Smoothing
	scale := 255 / (f.cfg.MaxDecibels - f.cfg.MinDecibels)
	for k := range f.smooth {
		mag := cmplx.Abs(f.coeff[k]) / float64(n)
		f.smooth[k] = tau*f.smooth[k] + (1-tau)*mag
		if f.smooth[k] == 0 {
			f.spectrum[k] = 0
			continue
		}
		db := 20 * math.Log10(f.smooth[k])
		f.spectrum[k] = toByte(scale * (db - f.cfg.MinDecibels))
	}

	return Frame{TimeDomain: f.timeDomain, Spectrum: f.spectrum, At: now}
}

// Reset clears the sample window and the smoothing state.
func (f *Frontend) Reset() {
	clear(f.ring)
	clear(f.smooth)
	f.pos = 0
}

func toByte(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}
