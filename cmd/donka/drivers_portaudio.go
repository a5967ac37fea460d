//go:build portaudio

package main

import (
	"github.com/MrWong99/donka/internal/config"
	"github.com/MrWong99/donka/pkg/audio"
	"github.com/MrWong99/donka/pkg/audio/portaudio"
)

func init() {
	optionalDrivers = append(optionalDrivers, func(reg *config.Registry) {
		reg.Register(config.DriverPortAudio, config.Driver{
			Open: func(in config.InputConfig) (audio.Source, error) {
				return portaudio.New(in.FramesPerBuffer), nil
			},
			Devices: portaudio.Devices,
		})
	})
}
