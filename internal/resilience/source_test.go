package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/donka/internal/resilience"
	"github.com/MrWong99/donka/pkg/audio"
	audiomock "github.com/MrWong99/donka/pkg/audio/mock"
)

func TestGuardSource_OpensOnUnavailableDevice(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{OpenError: audio.ErrDeviceUnavailable}
	g := resilience.GuardSource(src, resilience.Config{MaxFailures: 2, Cooldown: time.Hour})

	for range 2 {
		if _, err := g.Open(context.Background(), audio.RawConstraints()); !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Fatalf("Open = %v", err)
		}
	}
	if g.State() != resilience.Open {
		t.Fatalf("state = %v, want open", g.State())
	}

	_, err := g.Open(context.Background(), audio.RawConstraints())
	if !errors.Is(err, resilience.ErrOpen) || !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("rejected Open = %v, want ErrOpen and ErrDeviceUnavailable", err)
	}
	if n := len(src.Calls()); n != 2 {
		t.Errorf("device opened %d times, want 2", n)
	}

	g.Reset()
	src.OpenError = nil
	src.OpenResult = audiomock.NewHandle(audio.Format{SampleRate: 44100, Channels: 1}, 1)
	h, err := g.Open(context.Background(), audio.RawConstraints())
	if err != nil || h == nil {
		t.Errorf("Open after Reset = %v, %v", h, err)
	}
}

func TestGuardSource_PermissionDoesNotTrip(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{OpenError: audio.ErrPermissionDenied}
	g := resilience.GuardSource(src, resilience.Config{MaxFailures: 1})

	for range 3 {
		if _, err := g.Open(context.Background(), audio.RawConstraints()); !errors.Is(err, audio.ErrPermissionDenied) {
			t.Fatalf("Open = %v", err)
		}
	}
	if g.State() != resilience.Closed {
		t.Errorf("state = %v, want closed", g.State())
	}
	if n := len(src.Calls()); n != 3 {
		t.Errorf("device opened %d times, want 3", n)
	}
}
