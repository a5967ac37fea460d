package main

import (
	"github.com/MrWong99/donka/internal/config"
	"github.com/MrWong99/donka/pkg/audio"
	"github.com/MrWong99/donka/pkg/audio/browser"
	"github.com/MrWong99/donka/pkg/audio/wavfile"
)

// optionalDrivers holds registration hooks of drivers behind build tags.
var optionalDrivers []func(*config.Registry)

// registerBuiltinDrivers adds every input driver compiled into the binary.
func registerBuiltinDrivers(reg *config.Registry, server config.ServerConfig) {
	reg.Register(config.DriverBrowser, config.Driver{
		Open: func(in config.InputConfig) (audio.Source, error) {
			return browser.New(
				browser.WithAcquireTimeout(in.AcquireTimeout),
				browser.WithOriginPatterns(server.AllowedOrigins...),
			), nil
		},
	})

	reg.Register(config.DriverWAV, config.Driver{
		Open: func(in config.InputConfig) (audio.Source, error) {
			return wavfile.New(in.Device,
				wavfile.WithLoop(in.Loop),
				wavfile.WithRealtime(in.PacedPlayback()),
			), nil
		},
	})

	for _, register := range optionalDrivers {
		register(reg)
	}
}
