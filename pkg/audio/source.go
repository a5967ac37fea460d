// Package audio defines the interfaces and types for acquiring live audio
// from an input device.
//
// The two primary abstractions are:
//
//   - [Source] acquires a device with explicit capture [Constraints] and
//     returns a [Handle].
//   - [Handle] represents an open capture stream, delivering PCM chunks on a
//     channel until it is closed.
//
// Implementations are provided by driver packages (audio/browser,
// audio/portaudio, audio/wavfile). The interfaces are intentionally narrow to
// keep the detection session decoupled from device details.
//
// This package lives under pkg/ because external code (third-party capture
// drivers) is expected to implement [Source] and [Handle].
package audio

import (
	"context"
	"errors"
)

// Errors returned by [Source.Open]. Drivers wrap them with context; callers
// match them with [errors.Is].
var (
	// ErrPermissionDenied means the user or the operating system refused
	// microphone access. It is terminal for the open attempt.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable means no matching input device is present.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// DefaultSampleRate is the capture rate requested by [RawConstraints].
const DefaultSampleRate = 44100

// Constraints describes the capture stream requested from a device. The
// field names follow the browser media constraints so that they can be
// forwarded verbatim to getUserMedia.
type Constraints struct {
	// DeviceID selects the input device. Its meaning is driver specific
	// (browser device key, PortAudio device name or index, WAV file path).
	// Empty selects the driver's default device.
	DeviceID string `json:"deviceId,omitempty"`

	// SampleRate is the preferred capture rate in Hz. Drivers may deliver a
	// different rate; the actual rate is reported by [Handle.Format].
	SampleRate int `json:"sampleRate,omitempty"`

	// Channels is the preferred channel count.
	Channels int `json:"channelCount,omitempty"`

	// EchoCancellation, NoiseSuppression and AutoGainControl enable the
	// platform's voice processing stages. They suppress or reshape percussive
	// transients and must stay off for onset detection.
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`
}

// RawConstraints returns constraints for an unprocessed mono stream on the
// default device.
func RawConstraints() Constraints {
	return Constraints{
		SampleRate: DefaultSampleRate,
		Channels:   1,
	}
}

// Processed reports whether any voice processing stage is requested.
func (c Constraints) Processed() bool {
	return c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl
}

// Handle represents an open capture stream.
//
// A Handle is obtained from [Source.Open] and remains valid until
// [Handle.Close] is called or the underlying device goes away, in which case
// the channel returned by [Handle.Frames] is closed.
//
// Implementations must be safe for concurrent use.
type Handle interface {
	// Frames returns the read-only channel delivering captured chunks. The
	// channel is closed when the stream ends or after Close.
	Frames() <-chan AudioFrame

	// Format reports the sample rate and channel count the device actually
	// delivers.
	Format() Format

	// Close stops capture and releases all device resources. It is safe to
	// call Close more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Source is the entry point for an input driver.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open acquires the device described by c and starts capture. The
	// supplied ctx governs the acquisition only; once open, the Handle lives
	// until it is closed.
	//
	// Failures wrap [ErrPermissionDenied] or [ErrDeviceUnavailable] where the
	// cause is known. Open never retries.
	Open(ctx context.Context, c Constraints) (Handle, error)
}
