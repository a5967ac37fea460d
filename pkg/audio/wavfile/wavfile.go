// Package wavfile provides an [audio.Source] that replays a WAV file as if it
// were a live microphone. It is used for offline tuning of the detector and
// for deterministic end-to-end tests.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/donka/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Handle = (*handle)(nil)
)

// DefaultChunkSamples is the number of samples per channel in each chunk.
const DefaultChunkSamples = 1024

// Option configures a [Source].
type Option func(*Source)

// WithLoop restarts playback at the beginning when the file ends.
func WithLoop(loop bool) Option {
	return func(s *Source) {
		s.loop = loop
	}
}

// WithRealtime paces chunks at the file's sample rate. When disabled, chunks
// are delivered as fast as the consumer reads them.
func WithRealtime(realtime bool) Option {
	return func(s *Source) {
		s.realtime = realtime
	}
}

// WithChunkSamples sets the number of samples per channel in each chunk.
func WithChunkSamples(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// Source replays WAV files. The device ID in [audio.Constraints] names the
// file; an empty ID selects the path given to [New].
//
// Source is safe for concurrent use.
type Source struct {
	path     string
	loop     bool
	realtime bool
	chunk    int
}

// New returns a Source for the WAV file at path. Playback is paced in real
// time and does not loop unless configured otherwise.
func New(path string, opts ...Option) *Source {
	s := &Source{
		path:     path,
		realtime: true,
		chunk:    DefaultChunkSamples,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open decodes the file and starts playback. A missing, unreadable or
// unsupported file fails with [audio.ErrDeviceUnavailable]; a file the
// process may not read fails with [audio.ErrPermissionDenied]. Sample rate
// and channel preferences in c are ignored; the file's own format is
// reported by [audio.Handle.Format].
func (s *Source) Open(ctx context.Context, c audio.Constraints) (audio.Handle, error) {
	path := s.path
	if c.DeviceID != "" && c.DeviceID != "default" {
		path = c.DeviceID
	}

	pcm, format, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &handle{
		format: format,
		frames: make(chan audio.AudioFrame, 4),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.play(pcm, s.chunk*format.Channels*2, s.loop, s.realtime)

	slog.Info("wavfile: playback started", "path", path, "format", format, "loop", s.loop)
	return h, nil
}

// load reads the whole file as interleaved little-endian PCM16.
func load(path string) ([]byte, audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, audio.Format{}, fmt.Errorf("wavfile: open %s: %w", path, audio.ErrPermissionDenied)
		}
		return nil, audio.Format{}, fmt.Errorf("wavfile: open %s: %v: %w", path, err, audio.ErrDeviceUnavailable)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, audio.Format{}, fmt.Errorf("wavfile: %s is not a valid WAV file: %w", path, audio.ErrDeviceUnavailable)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: decode %s: %v: %w", path, err, audio.ErrDeviceUnavailable)
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, audio.Format{}, fmt.Errorf("wavfile: %s: invalid format %v: %w", path, format, audio.ErrDeviceUnavailable)
	}
	pcm, err := toPCM16(buf, int(dec.BitDepth))
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: %s: %v: %w", path, err, audio.ErrDeviceUnavailable)
	}
	if len(pcm) < 2*format.Channels {
		return nil, audio.Format{}, fmt.Errorf("wavfile: %s holds no samples: %w", path, audio.ErrDeviceUnavailable)
	}
	return pcm, format, nil
}

// toPCM16 narrows decoded integer samples to 16 bits.
func toPCM16(buf *goaudio.IntBuffer, bitDepth int) ([]byte, error) {
	var shift uint
	switch bitDepth {
	case 16:
	case 24:
		shift = 8
	case 32:
		shift = 16
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = int16(v >> shift)
	}
	return audio.Int16sToBytes(out), nil
}

// ─── handle ───────────────────────────────────────────────────────────────────

type handle struct {
	format audio.Format
	frames chan audio.AudioFrame

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Frames implements [audio.Handle].
func (h *handle) Frames() <-chan audio.AudioFrame {
	return h.frames
}

// Format implements [audio.Handle].
func (h *handle) Format() audio.Format {
	return h.format
}

// Close implements [audio.Handle]. It stops playback and waits for the
// playback goroutine to exit.
func (h *handle) Close() error {
	h.closeOnce.Do(func() { close(h.stop) })
	<-h.done
	return nil
}

func (h *handle) play(pcm []byte, chunkBytes int, loop, realtime bool) {
	defer close(h.done)
	defer close(h.frames)

	var ticker *time.Ticker
	if realtime {
		d := time.Duration(chunkBytes/(2*h.format.Channels)) * time.Second / time.Duration(h.format.SampleRate)
		ticker = time.NewTicker(d)
		defer ticker.Stop()
	}

	var pos time.Duration
	for {
		for off := 0; off < len(pcm); off += chunkBytes {
			end := min(off+chunkBytes, len(pcm))
			f := audio.AudioFrame{
				Data:       pcm[off:end],
				SampleRate: h.format.SampleRate,
				Channels:   h.format.Channels,
				Timestamp:  pos,
			}
			select {
			case h.frames <- f:
			case <-h.stop:
				return
			}
			pos += f.Duration()

			if ticker != nil {
				select {
				case <-ticker.C:
				case <-h.stop:
					return
				}
			}
		}
		if !loop {
			return
		}
	}
}
