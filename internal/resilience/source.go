package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/donka/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source guards the Open method of an [audio.Source] with a [Breaker].
//
// Only [audio.ErrDeviceUnavailable] counts as a failure: a refused
// permission prompt is the user's answer, not a broken device, and a
// cancelled context says nothing about the device at all. While the breaker
// is open, Open fails with an error matching both [ErrOpen] and
// [audio.ErrDeviceUnavailable].
type Source struct {
	src     audio.Source
	breaker *Breaker
}

// GuardSource wraps src. cfg.Counts is ignored.
func GuardSource(src audio.Source, cfg Config) *Source {
	cfg.Counts = func(err error) bool { return errors.Is(err, audio.ErrDeviceUnavailable) }
	return &Source{src: src, breaker: New(cfg)}
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, c audio.Constraints) (audio.Handle, error) {
	var h audio.Handle
	err := s.breaker.Do(func() error {
		var err error
		h, err = s.src.Open(ctx, c)
		return err
	})
	if errors.Is(err, ErrOpen) {
		return nil, fmt.Errorf("%w: %w", ErrOpen, audio.ErrDeviceUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// State returns the breaker state.
func (s *Source) State() State {
	return s.breaker.State()
}

// Reset closes the breaker, e.g. after the user reconnected the device.
func (s *Source) Reset() {
	s.breaker.Reset()
}
