// SPDX-License-Identifier: MIT

// Command labrig-module is the bundled launcher for the sensor module
// families. The master spawns it with stdio pipes and commands arrive
// on stdin; run standalone it drives the recorder headless, which is
// handy for bench-testing a device without the full rig.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/modrun"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/protocol"

	// Module families register their recorder factories from init.
	_ "github.com/labrig/labrig/internal/modules/audio"
	_ "github.com/labrig/labrig/internal/modules/cameras"
	_ "github.com/labrig/labrig/internal/modules/drt"
	_ "github.com/labrig/labrig/internal/modules/eyetracker"
	_ "github.com/labrig/labrig/internal/modules/gps"
	_ "github.com/labrig/labrig/internal/modules/notes"
	_ "github.com/labrig/labrig/internal/modules/vog"
)

var (
	version   = "v1.2.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	moduleName := flag.String("module", "", "module family to run (audio, cameras, ...)")
	configPath := flag.String("config", "", "path to the module config file (key=value)")
	outputDir := flag.String("output-dir", "", "override the module output directory")
	geometry := flag.String("geometry", "", "restore window placement (WxH+X+Y)")
	headless := flag.Bool("headless", false, "run without a parent process")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	name := strings.TrimSpace(*moduleName)
	if name == "" {
		fmt.Fprintf(os.Stderr, "Usage: labrig-module -module NAME [-config FILE]\n")
		fmt.Fprintf(os.Stderr, "Registered modules: %s\n", strings.Join(modules.Names(), ", "))
		return 2
	}

	// Stdout carries the status channel; all logging goes to stderr.
	log.Configure(log.Config{
		Output:  os.Stderr,
		Service: "labrig-" + name,
		Version: version,
	})
	logger := log.WithComponent("module").With().Str(log.FieldModule, name).Logger()

	opts, err := config.LoadModule(strings.TrimSpace(*configPath))
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldConfigPath, *configPath).
			Msg("failed to load module options")
		return 1
	}
	if *outputDir != "" {
		opts.OutputDir = *outputDir
	}

	// Placement applies only under a toolkit; accept the flag either way.
	if *geometry != "" {
		if g, err := protocol.ParseGeometry(*geometry); err != nil {
			logger.Warn().Err(err).Msg("ignoring malformed -geometry")
		} else {
			logger.Debug().Str("geometry", g.String()).Msg("window placement restored by the master")
		}
	}

	rec, err := modules.NewRecorder(name, opts)
	if err != nil {
		logger.Error().Err(err).Msg("no recorder for module")
		return 1
	}

	sys, err := modrun.NewSystem(modrun.SystemConfig{
		Name:          name,
		Opts:          opts,
		Status:        protocol.NewStatusWriter(os.Stdout),
		Recorder:      rec,
		RetryInterval: opts.Raw.Seconds(config.KeyDiscoveryRetryInterval, 0),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to assemble the module runtime")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		mode     modrun.Mode
		modeName string
	)
	switch {
	case *headless:
		mode, modeName = modrun.HeadlessMode{}, "headless"
	case !isatty.IsTerminal(os.Stdin.Fd()):
		// Spawned by the master: commands arrive on stdin.
		mode, modeName = modrun.SlaveMode{}, "slave"
	default:
		mode, modeName = modrun.HeadlessMode{}, "headless"
	}

	logger.Info().
		Str("version", version).
		Str("mode", modeName).
		Int(log.FieldPID, os.Getpid()).
		Msg("module starting")

	if err := modrun.Supervise(ctx, sys, mode); err != nil {
		logger.Error().Err(err).Msg("module runtime failed")
		return 1
	}

	logger.Info().Msg("module exiting")
	return 0
}
