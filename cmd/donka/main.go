// Command donka serves drum hit detection for the browser taiko game.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/MrWong99/donka/internal/app"
	"github.com/MrWong99/donka/internal/config"
	"github.com/MrWong99/donka/internal/observe"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the input devices of the configured driver and exit")
	watch := flag.Bool("watch", true, "reload live settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "donka: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "donka: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	reg := config.NewRegistry()
	registerBuiltinDrivers(reg, cfg.Server)

	if *listDevices {
		return printDevices(reg, cfg.Input.Driver)
	}

	slog.Info("donka starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(provider.Meter)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Input driver ──────────────────────────────────────────────────────────
	src, err := reg.CreateInput(cfg.Input)
	if err != nil {
		slog.Error("failed to create input", "driver", cfg.Input.Driver, "err", err)
		return 1
	}

	printStartupSummary(cfg, reg.Drivers())

	application, err := app.New(cfg, src,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.Handler()),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// printDevices lists the local input devices of driver on stdout.
func printDevices(reg *config.Registry, driver string) int {
	names, err := reg.Devices(driver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "donka: %v\n", err)
		return 1
	}
	for i, name := range names {
		fmt.Printf("%2d  %s\n", i+1, name)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, drivers []string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          donka: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Input driver", cfg.Input.Driver)
	printRow("Device", cfg.Input.Device)
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Input.SampleRate))
	printRow("FFT size", fmt.Sprint(cfg.Analysis.FFTSize))
	printRow("Tick rate", fmt.Sprintf("%d Hz", cfg.Analysis.TickRate))
	printRow("Sensitivity", fmt.Sprint(cfg.Onset.Sensitivity))
	printRow("Noise floor", cfg.Onset.NoiseFloor)
	printRow("Start active", fmt.Sprint(cfg.Session.Active))
	printRow("Listen addr", cfg.Server.ListenAddr)
	if !slices.Contains(drivers, config.DriverPortAudio) {
		printRow("PortAudio", "(not compiled in)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
