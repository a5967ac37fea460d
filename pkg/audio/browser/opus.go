package browser

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/donka/pkg/audio"
)

// Browser Opus is always decoded at 48 kHz; a packet holds at most 120 ms.
const (
	opusSampleRate   = 48000
	opusMaxFrameSize = opusSampleRate * 120 / 1000 // 5760
)

// opusDecoder wraps a gopus decoder for a single capture stream. Decoder
// state carries across packets, so each stream owns one.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder(channels int) (*opusDecoder, error) {
	if channels > 2 {
		return nil, fmt.Errorf("browser: opus supports at most 2 channels, page sent %d: %w", channels, audio.ErrDeviceUnavailable)
	}
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("browser: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns one packet as interleaved little-endian PCM16.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("browser: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}
