// Package portaudio provides an [audio.Source] that captures from a local
// input device through PortAudio.
//
// The driver needs the PortAudio C library and is only compiled with the
// "portaudio" build tag:
//
//	go build -tags portaudio ./cmd/donka
//
// [audio.Source]: github.com/MrWong99/donka/pkg/audio.Source
package portaudio
