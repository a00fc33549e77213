// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/admin"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/config"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/controller"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/dispatcher"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/gpio"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/health"
	ventlog "github.com/lsst-ts/ts-atbuilding-vents/internal/log"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/simulator"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/vfd"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const driveTimeout = 5 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	port := flag.Int("port", 0, "dispatcher TCP port (overrides VENT_DISPATCHER_PORT)")
	driveHost := flag.String("modbus-host", "", "fan drive modbus host (overrides VENT_DRIVE_HOST)")
	drivePort := flag.Int("modbus-port", 0, "fan drive modbus port (overrides VENT_DRIVE_PORT)")
	maxFreq := flag.Float64("max-freq", 0, "maximum fan frequency in Hz (overrides VENT_MAX_FREQUENCY)")
	simulate := flag.Bool("simulate", false, "run against in-process simulated hardware")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	if *port != 0 {
		cfg.DispatcherPort = *port
	}
	if *driveHost != "" {
		cfg.DriveHost = *driveHost
	}
	if *drivePort != 0 {
		cfg.DrivePort = *drivePort
	}
	if *maxFreq != 0 {
		cfg.MaxFrequency = *maxFreq
	}
	if *simulate {
		cfg.Simulate = true
	}

	ventlog.Configure(ventlog.Config{
		Level:   cfg.LogLevel,
		Service: "ventd",
		Version: version,
	})
	logger := ventlog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	ctrl, cleanup, err := buildController(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := ctrl.Connect(); err != nil {
		return fmt.Errorf("connect to fan drive: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn().Err(err).Str("event", "daemon.close_failed").Msg("error closing drive connection")
		}
	}()

	disp := dispatcher.New(ctrl)
	if err := disp.Listen(cfg.DispatcherPort); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return disp.Serve(gctx)
	})

	if cfg.AdminAddr != "" {
		hm := health.NewManager(version)
		hm.RegisterChecker(health.NewDriveChecker(func() error {
			_, err := ctrl.DriveState()
			return err
		}))
		hm.RegisterChecker(health.NewDispatcherChecker(disp.Listening))

		adm := admin.New(cfg.AdminAddr, hm, statusSnapshot(ctrl))
		g.Go(func() error {
			return adm.Run(gctx)
		})
	}

	logger.Info().
		Str("event", "daemon.started").
		Int("dispatcher_port", disp.Port()).
		Str("drive", cfg.DriveAddr()).
		Bool("simulate", cfg.Simulate).
		Msg("vent controller daemon running")

	return g.Wait()
}

// buildController wires either the real hardware or the in-process
// simulators, returning a cleanup func for whichever was built.
func buildController(cfg config.Config, logger zerolog.Logger) (*controller.Controller, func(), error) {
	if cfg.Simulate {
		sim, err := simulator.NewDrive()
		if err != nil {
			return nil, nil, fmt.Errorf("start drive simulator: %w", err)
		}
		drive, err := vfd.NewDrive(sim.URL(), uint8(cfg.DriveDeviceID), driveTimeout)
		if err != nil {
			sim.Close()
			return nil, nil, err
		}
		card := simulator.NewIOCard(cfg)
		logger.Info().Str("event", "daemon.simulated").Str("drive", sim.URL()).Msg("using simulated hardware")
		return controller.New(cfg, drive, card, card), sim.Close, nil
	}

	drive, err := vfd.NewDrive(cfg.DriveAddr(), uint8(cfg.DriveDeviceID), driveTimeout)
	if err != nil {
		return nil, nil, err
	}
	outputs, err := gpio.OpenMegaind(cfg.MegaindBus, cfg.MegaindStack)
	if err != nil {
		return nil, nil, fmt.Errorf("open output card: %w", err)
	}
	inputs, err := gpio.OpenInpind16(cfg.SixteenBus, cfg.SixteenStack)
	if err != nil {
		_ = outputs.Close()
		return nil, nil, fmt.Errorf("open input card: %w", err)
	}
	cleanup := func() {
		_ = inputs.Close()
		_ = outputs.Close()
	}
	return controller.New(cfg, drive, outputs, inputs), cleanup, nil
}

// statusSnapshot adapts the controller to the admin status endpoint.
func statusSnapshot(ctrl *controller.Controller) admin.StatusFunc {
	return func() (admin.Status, error) {
		var snap admin.Status
		for i := 0; i < 4; i++ {
			st, err := ctrl.VentState(i)
			if err != nil {
				if !errors.Is(err, controller.ErrInvalid) {
					return snap, err
				}
				st = controller.GateClosed
			}
			snap.Gates[i] = int(st)
		}
		freq, err := ctrl.FanFrequency()
		if err != nil {
			return snap, err
		}
		snap.FanFrequency = freq

		voltage, err := ctrl.DriveVoltage()
		if err != nil {
			return snap, err
		}
		snap.DriveVoltage = voltage

		state, err := ctrl.DriveState()
		if err != nil {
			return snap, err
		}
		snap.DriveState = state.String()

		faults, err := ctrl.LastEightFaults()
		if err != nil {
			return snap, err
		}
		if len(faults) > 0 {
			snap.FaultCode = faults[0].Code
		}
		return snap, nil
	}
}
