// Package main provides the skygo payload entrypoint.
//
// skygo drives a Raspberry Pi camera on a balloon flight computer: it
// captures best-of-N image rounds, converts the winner to SSDV via
// external tools, and transmits the packets out of a serial port, looping
// until stopped.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/cjeanneret/SkyGo/internal/config"
	"github.com/cjeanneret/SkyGo/internal/debug"
	"github.com/cjeanneret/SkyGo/internal/hw/camera"
	"github.com/cjeanneret/SkyGo/internal/hw/gpio"
	"github.com/cjeanneret/SkyGo/internal/hw/led"
	"github.com/cjeanneret/SkyGo/internal/logic/acquire"
	"github.com/cjeanneret/SkyGo/internal/logic/camsession"
	"github.com/cjeanneret/SkyGo/internal/logic/pipeline"
	"github.com/cjeanneret/SkyGo/internal/logic/ssdv"
	"github.com/cjeanneret/SkyGo/internal/txqueue"
)

func main() {
	app := &cli.App{
		Name:  "skygo",
		Usage: "Balloon image downlink payload controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: filepath.Join("configs", "default.yaml"),
				Usage: "path to config file",
			},
			&cli.StringFlag{
				Name:  "callsign",
				Usage: "override transmit.callsign",
			},
			&cli.StringFlag{
				Name:  "serial",
				Usage: "override transmit.serial_port",
			},
			&cli.IntFlag{
				Name:  "debug",
				Value: -1,
				Usage: "override defaults.debug_level (0-4)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, warnings, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg, c)
	if _, err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid override: %w", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	for _, w := range warnings {
		debug.Info("Config warning: %s", w)
	}
	debug.Value("Callsign", cfg.Transmit.Callsign)
	debug.Value("Serial port", cfg.Transmit.SerialPort)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Transmitter first: every later status message goes down the link.
	// The serial port is expected to be pre-configured to the mission
	// baud rate (see transmit.baud_rate in the config).
	port, err := os.OpenFile(cfg.Transmit.SerialPort, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("open serial port: %w", err)
	}
	defer port.Close()

	tx := txqueue.New(port, cfg.Transmit.Callsign)
	tx.Start()
	defer tx.Close()
	sink := tx.Sink()

	gpioDriver, err := gpio.NewDriver(cfg.GPIO.Mock)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			debug.Error(err)
		}
	}()
	statusLED := led.New(gpioDriver, cfg.GPIO.StatusLEDPin)

	if err := os.MkdirAll(cfg.Loop.DestinationDir, 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	backend := camera.NewRpicamBackend(cfg.Camera.CaptureCommand)
	sess := camsession.New(backend, cfg, sink)
	defer sess.Close()

	// The transmit resolution is only resolved once the camera session has
	// opened, and the orchestrator owns the open (with init retries, then
	// the in-flight recovery branch). The encoder reads it lazily; a
	// capture always precedes an encode, so it is resolved by then.
	encoder := &ssdv.Encoder{
		Callsign:   cfg.Transmit.Callsign,
		Resolution: sess.TxResolution,
		WorkDir:    cfg.Loop.DestinationDir,
		Sink:       sink,
	}
	acquirer := &acquire.Acquirer{Sink: sink}

	orch := pipeline.New(sess, acquirer, encoder, tx, nil, sink, pipeline.Config{
		DestinationDir: cfg.Loop.DestinationDir,
		NumImages:      cfg.Camera.NumImages,
		ImageDelay:     cfg.ImageDelay(),
		CycleDelay:     cfg.CycleDelay(),
		Quality:        cfg.Encoder.Quality,
		StartID:        cfg.Loop.StartID,
		OpenRetries:    cfg.Camera.InitRetries,
	})
	orch.LED = statusLED

	debug.Info("Starting capture loop")
	orch.Run()

	<-ctx.Done()
	debug.Info("Stop requested, waiting for current cycle to finish")
	orch.Stop()
	<-orch.Done()
	return nil
}

// applyOverrides mutates cfg with CLI overrides. Unset flags leave the
// config value in place.
func applyOverrides(cfg *config.Config, c *cli.Context) {
	if v := c.String("callsign"); v != "" {
		cfg.Transmit.Callsign = v
	}
	if v := c.String("serial"); v != "" {
		cfg.Transmit.SerialPort = v
	}
	if v := c.Int("debug"); v >= 0 {
		cfg.Defaults.DebugLevel = v
	}
}
