package audio

import "time"

// AudioFrame is one chunk of captured PCM. A [Handle] emits chunks in the
// device's native format; [MonoStream] brings them to the analysis rate
// before they enter the analyser's sample window.
type AudioFrame struct {
	Data       []byte // little-endian int16, interleaved when Channels > 1
	SampleRate int    // Hz; 44100 for most local devices, 48000 for browser Opus
	Channels   int

	// Timestamp is the capture offset of the first sample from stream start.
	Timestamp time.Duration
}

// Samples reports the number of samples per channel carried by the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration reports the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
