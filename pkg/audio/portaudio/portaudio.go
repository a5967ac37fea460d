//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/donka/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Handle = (*handle)(nil)
)

// DefaultFramesPerBuffer is the capture block size in samples per channel.
const DefaultFramesPerBuffer = 512

// Source captures from PortAudio input devices.
//
// The device ID in [audio.Constraints] selects the device by 1-based index
// into [Devices] or by name prefix; empty or "default" selects the host's
// default input. PortAudio exposes no separate permission failure, so every
// acquisition error wraps [audio.ErrDeviceUnavailable].
type Source struct {
	framesPerBuffer int
}

// New returns a Source reading blocks of framesPerBuffer samples. A
// non-positive value selects [DefaultFramesPerBuffer].
func New(framesPerBuffer int) *Source {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Source{framesPerBuffer: framesPerBuffer}
}

// Devices returns the names of all devices with at least one input channel.
func Devices() ([]string, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer pa.Terminate()

	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var names []string
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// Devices lists the input devices selectable through s.
func (s *Source) Devices() ([]string, error) {
	return Devices()
}

// Open starts capture on the selected device. Voice processing flags in c
// have no PortAudio equivalent; capture is always unprocessed.
func (s *Source) Open(_ context.Context, c audio.Constraints) (audio.Handle, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %v: %w", err, audio.ErrDeviceUnavailable)
	}

	h, err := s.open(c)
	if err != nil {
		pa.Terminate()
		return nil, err
	}
	return h, nil
}

func (s *Source) open(c audio.Constraints) (*handle, error) {
	info, err := findDevice(c.DeviceID)
	if err != nil {
		return nil, err
	}

	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	channels = min(channels, info.MaxInputChannels)

	rate := float64(c.SampleRate)
	if rate <= 0 {
		rate = info.DefaultSampleRate
	}

	p := pa.LowLatencyParameters(info, nil)
	p.Input.Channels = channels
	p.Output.Channels = 0
	p.SampleRate = rate
	p.FramesPerBuffer = s.framesPerBuffer

	buf := make([]int16, s.framesPerBuffer*channels)
	stream, err := pa.OpenStream(p, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %q: %v: %w", info.Name, err, audio.ErrDeviceUnavailable)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start %q: %v: %w", info.Name, err, audio.ErrDeviceUnavailable)
	}

	h := &handle{
		name:   info.Name,
		stream: stream,
		format: audio.Format{SampleRate: int(rate), Channels: channels},
		frames: make(chan audio.AudioFrame, 8),
		done:   make(chan struct{}),
	}
	go h.capture(buf)

	slog.Info("portaudio: capture started", "device", info.Name, "format", h.format)
	return h, nil
}

func findDevice(id string) (*pa.DeviceInfo, error) {
	if id == "" || id == "default" {
		info, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: no default input: %v: %w", err, audio.ErrDeviceUnavailable)
		}
		return info, nil
	}

	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %v: %w", err, audio.ErrDeviceUnavailable)
	}
	if i, err := strconv.Atoi(id); err == nil && i > 0 && i <= len(devs) {
		if d := devs[i-1]; d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	for _, d := range devs {
		if d.MaxInputChannels > 0 && strings.HasPrefix(d.Name, id) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no input device matches %q: %w", id, audio.ErrDeviceUnavailable)
}

// ─── handle ───────────────────────────────────────────────────────────────────

type handle struct {
	name   string
	stream *pa.Stream
	format audio.Format
	frames chan audio.AudioFrame

	stopping  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Frames implements [audio.Handle].
func (h *handle) Frames() <-chan audio.AudioFrame {
	return h.frames
}

// Format implements [audio.Handle].
func (h *handle) Format() audio.Format {
	return h.format
}

// Close implements [audio.Handle]. The capture goroutine finishes its
// current block before the stream is stopped.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.stopping.Store(true)
		<-h.done
		if err := h.stream.Stop(); err != nil {
			h.closeErr = fmt.Errorf("portaudio: stop %q: %w", h.name, err)
		}
		if err := h.stream.Close(); err != nil && h.closeErr == nil {
			h.closeErr = fmt.Errorf("portaudio: close %q: %w", h.name, err)
		}
		pa.Terminate()
	})
	return h.closeErr
}

// capture reads blocks until Close. Overflowed reads are skipped; any other
// read error ends the stream.
func (h *handle) capture(buf []int16) {
	defer close(h.done)
	defer close(h.frames)

	var (
		samples int
		dropped int
	)
	for !h.stopping.Load() {
		if err := h.stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				dropped++
				continue
			}
			slog.Warn("portaudio: read failed, ending capture", "device", h.name, "err", err)
			return
		}

		f := audio.AudioFrame{
			Data:       audio.Int16sToBytes(buf),
			SampleRate: h.format.SampleRate,
			Channels:   h.format.Channels,
			Timestamp:  time.Duration(samples) * time.Second / time.Duration(h.format.SampleRate),
		}
		samples += len(buf) / h.format.Channels

		select {
		case h.frames <- f:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("portaudio: capture dropped blocks", "device", h.name, "dropped", dropped)
	}
}
