// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Handle] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	h := mock.NewHandle(audio.Format{SampleRate: 44100, Channels: 1}, 16)
//	src := &mock.Source{OpenResult: h}
//	got, err := src.Open(ctx, audio.RawConstraints())
//	h.Push(audio.AudioFrame{...})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/donka/pkg/audio"
)

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is a mock implementation of [audio.Handle]. Create one with
// [NewHandle]; feed it with [Handle.Push] and end it with [Handle.EndStream].
type Handle struct {
	mu sync.Mutex

	// FormatResult is returned by [Handle.Format].
	FormatResult audio.Format

	// CloseError is returned by the first [Handle.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames chan audio.AudioFrame
	ended  bool
}

// NewHandle returns a Handle delivering frames in format f through a channel
// with the given buffer size.
func NewHandle(f audio.Format, buffer int) *Handle {
	return &Handle{
		FormatResult: f,
		frames:       make(chan audio.AudioFrame, buffer),
	}
}

// Frames implements [audio.Handle].
func (h *Handle) Frames() <-chan audio.AudioFrame {
	return h.frames
}

// Format implements [audio.Handle]. Returns FormatResult.
func (h *Handle) Format() audio.Format {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.FormatResult
}

// Close implements [audio.Handle]. It closes the frame channel on the first
// call and returns CloseError; later calls return nil.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountClose++
	if h.ended {
		return nil
	}
	h.ended = true
	close(h.frames)
	return h.CloseError
}

// Push delivers f to the reader. It never blocks: it reports false when the
// buffer is full or the stream has ended.
func (h *Handle) Push(f audio.AudioFrame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	select {
	case h.frames <- f:
		return true
	default:
		return false
	}
}

// EndStream closes the frame channel without counting as a Close call,
// simulating a device that disappears mid-session.
func (h *Handle) EndStream() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	close(h.frames)
}

// Closed reports whether Close was called at least once.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CallCountClose > 0
}

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	// Constraints is the constraints argument passed to Open.
	Constraints audio.Constraints
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is the [audio.Handle] returned by Open.
	OpenResult audio.Handle

	// OpenError is the error returned by Open.
	OpenError error

	// OpenFunc, when set, replaces OpenResult and OpenError. Use it to hand
	// out a fresh handle per call.
	OpenFunc func(ctx context.Context, c audio.Constraints) (audio.Handle, error)

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Source]. Records the call and returns
// OpenResult / OpenError, or delegates to OpenFunc.
func (s *Source) Open(ctx context.Context, c audio.Constraints) (audio.Handle, error) {
	s.mu.Lock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Constraints: c})
	fn := s.OpenFunc
	res, err := s.OpenResult, s.OpenError
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, c)
	}
	return res, err
}

// Calls returns a copy of the recorded Open invocations.
func (s *Source) Calls() []OpenCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OpenCall, len(s.OpenCalls))
	copy(out, s.OpenCalls)
	return out
}

// Compile-time interface assertions.
var (
	_ audio.Handle = (*Handle)(nil)
	_ audio.Source = (*Source)(nil)
)
