package audio

import (
	"fmt"
	"log/slog"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo" or "44100Hz 4ch".
func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// ─── Stream conversion ───────────────────────────────────────────────────────

// MonoStream converts every frame read from in to mono PCM at sampleRate
// and closes the returned channel when in closes. The output buffer has the
// capacity of in.
//
// Resampling state is carried across frames so chunk boundaries do not
// shift transients. When the source format changes mid-stream the state is
// reset. Frames with an odd byte count are dropped.
//
// The conversion goroutine blocks while the output is full; callers that
// stop reading before in is closed must [Drain] the returned channel.
func MonoStream(in <-chan AudioFrame, sampleRate int) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		c := monoConverter{rate: sampleRate}
		for frame := range in {
			if converted, ok := c.convert(frame); ok {
				out <- converted
			}
		}
	}()
	return out
}

type monoConverter struct {
	rate int

	from    Format
	res     *Resampler
	corrupt bool
}

func (c *monoConverter) convert(f AudioFrame) (AudioFrame, bool) {
	if len(f.Data)%2 != 0 || f.Channels <= 0 {
		if !c.corrupt {
			c.corrupt = true
			slog.Warn("audio: dropping malformed PCM frames",
				"bytes", len(f.Data),
				"channels", f.Channels,
			)
		}
		return AudioFrame{}, false
	}

	from := Format{SampleRate: f.SampleRate, Channels: f.Channels}
	if from != c.from {
		changed := c.from != (Format{})
		c.from = from
		c.res = nil
		if c.rate > 0 && from.SampleRate > 0 && from.SampleRate != c.rate {
			c.res = NewResampler(from.SampleRate, c.rate)
		}
		if changed || c.res != nil || from.Channels != 1 {
			slog.Info("audio: converting input", "from", from.String(), "to_hz", c.rate)
		}
	}

	pcm := DownmixToMono(f.Data, f.Channels)
	rate := f.SampleRate
	if c.res != nil {
		pcm = c.res.Resample(pcm)
		rate = c.rate
	}
	if len(pcm) == 0 {
		return AudioFrame{}, false
	}
	return AudioFrame{Data: pcm, SampleRate: rate, Channels: 1, Timestamp: f.Timestamp}, true
}

// ─── Sample helpers ──────────────────────────────────────────────────────────

// DownmixToMono averages the channels of interleaved int16 PCM. Mono input
// is returned as is; a trailing partial frame is ignored.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*stride + ch*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := int16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Resampler converts a mono int16 stream between sample rates by linear
// interpolation. Feeding a stream chunk by chunk yields the same samples as
// resampling it in one piece. A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int64

	// pos is the input position of the next output sample in units of
	// 1/dst input samples, relative to the first sample of the next chunk.
	// It lies in [-dst, 0) while the next output falls between prev and
	// that first sample.
	pos  int64
	prev int16
}

// NewResampler returns a Resampler from srcRate to dstRate Hz. Both rates
// must be positive.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

// Resample consumes one chunk of little-endian int16 samples and returns
// the output samples that chunk completes.
func (r *Resampler) Resample(pcm []byte) []byte {
	n := int64(len(pcm) / 2)
	if n == 0 {
		return nil
	}
	sample := func(i int64) int16 {
		if i < 0 {
			return r.prev
		}
		return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}

	limit := (n - 1) * r.dst
	out := make([]byte, 0, max(0, (limit-r.pos)/r.src+1)*2)
	for ; r.pos < limit; r.pos += r.src {
		i, frac := r.pos/r.dst, r.pos%r.dst
		if r.pos < 0 {
			i, frac = -1, r.pos+r.dst
		}
		s0, s1 := int64(sample(i)), int64(sample(i+1))
		v := int16(s0 + (s1-s0)*frac/r.dst)
		out = append(out, byte(v), byte(v>>8))
	}
	r.pos -= n * r.dst
	r.prev = sample(n - 1)
	return out
}

// Int16sToBytes converts int16 samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
