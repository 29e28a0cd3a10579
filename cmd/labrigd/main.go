// SPDX-License-Identifier: MIT

// Command labrigd is the labrig master daemon. It discovers recording
// hardware, supervises the sensor module children and serves the
// loopback control plane the operator GUI talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/labrig/labrig/internal/api"
	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/cache"
	"github.com/labrig/labrig/internal/catalog"
	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/daemon"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/eventlog"
	"github.com/labrig/labrig/internal/health"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/modproc"
	"github.com/labrig/labrig/internal/orchestrator"
	"github.com/labrig/labrig/internal/telemetry"
)

var (
	version   = "v1.2.0"
	commit    = "none"
	buildDate = "unknown"
)

// sampleTTL bounds how long a module's last status sample stays
// servable after the module goes quiet.
const sampleTTL = 30 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		case "catalog":
			os.Exit(runCatalogCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to the master config file (key=value)")
	manifestPath := flag.String("manifest", "", "path to the module manifest (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Determine config path: explicit via -config, otherwise the
	// conventional location when the file exists.
	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		if p := config.DefaultConfigPath(); fileExists(p) {
			effectiveConfigPath = p
		}
	}

	// The logger locks its output on first use and loading the config
	// logs, so log_file has to be resolved ahead of the full load.
	logOutput := io.Writer(os.Stderr)
	if logFile := peekLogFile(effectiveConfigPath); logFile != "" {
		logOutput = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
		})
	}
	log.Configure(log.Config{
		Output:  logOutput,
		Service: "labrigd",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	// Create a context that listens for the interrupt signal from the OS
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration with precedence: ENV > File > Defaults
	opts, err := config.Load(effectiveConfigPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str(log.FieldConfigPath, effectiveConfigPath).
			Msg("failed to load configuration")
	}
	log.SetLevel(opts.LogLevel)

	// Log config source
	if effectiveConfigPath != "" {
		logger.Info().
			Str(log.FieldEvent, "config.loaded").
			Str("source", "file").
			Str(log.FieldConfigPath, effectiveConfigPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str(log.FieldEvent, "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	effectiveManifestPath := strings.TrimSpace(*manifestPath)
	if effectiveManifestPath == "" {
		effectiveManifestPath = config.DefaultManifestPath()
	}
	manifest, err := config.LoadManifest(effectiveManifestPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldConfigPath, effectiveManifestPath).
			Msg("failed to load module manifest")
	}

	// -------------------------------------------------------------------------
	// Pre-flight Checks (Fail Fast)
	// -------------------------------------------------------------------------
	if err := health.PerformStartupChecks(ctx, opts, manifest); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and permissions.")
	}
	// -------------------------------------------------------------------------

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("starting labrigd")

	// Log key configuration
	logger.Info().Msgf("→ Data dir: %s", opts.DataDir)
	logger.Info().Msgf("→ Modules: %s", strings.Join(manifest.Names(), ", "))
	logger.Info().Msgf("→ Control plane: 127.0.0.1:%d", opts.APIPort)
	logger.Info().Msgf("→ Cache backend: %s", opts.CacheBackend)
	if opts.LogFile != "" {
		logger.Info().Msgf("→ Log file: %s", opts.LogFile)
	}
	if opts.TracingEnabled {
		logger.Info().Msgf("→ Tracing: %s (%s)", opts.TracingEndpoint, opts.TracingExporter)
	}

	// Hot reload support: watch the config file and allow SIGHUP or
	// API-triggered reload.
	var holder *config.Holder
	if effectiveConfigPath != "" {
		holder, err = config.NewHolder(effectiveConfigPath)
		if err != nil {
			logger.Fatal().
				Err(err).
				Str(log.FieldConfigPath, effectiveConfigPath).
				Msg("failed to initialise config holder")
		}
	}

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        opts.TracingEnabled,
		ServiceName:    "labrigd",
		ServiceVersion: version,
		Environment:    "lab",
		ExporterType:   opts.TracingExporter,
		Endpoint:       opts.TracingEndpoint,
		SamplingRate:   opts.TracingSampleRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "tracing.init_failed").
			Msg("failed to initialise tracing")
	}

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewDirChecker("data_dir", opts.DataDir))

	cat, err := catalog.NewStore(filepath.Join(opts.DataDir, "catalog.db"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "catalog.open_failed").
			Msg("failed to open the session catalog")
	}
	hm.RegisterChecker(health.NewPingChecker("catalog", cat.Ping))

	var (
		store      cache.Store
		closeCache func() error
	)
	switch opts.CacheBackend {
	case "redis":
		rs, err := cache.NewRedisStore(cache.RedisConfig{Addr: opts.RedisAddr}, sampleTTL, log.WithComponent("cache"))
		if err != nil {
			logger.Fatal().
				Err(err).
				Str("addr", opts.RedisAddr).
				Msg("failed to connect to redis")
		}
		store = rs
		closeCache = rs.Close
		hm.RegisterChecker(health.NewPingChecker("redis", rs.HealthCheck))
	default:
		store = cache.NewMemoryStore(sampleTTL, time.Minute)
	}

	b := bus.NewMemoryBus()

	logsDir := filepath.Join(opts.DataDir, "logs")
	journal, err := eventlog.New(eventlog.Config{Bus: b, Dir: logsDir})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "eventlog.init_failed").
			Msg("failed to initialise the event journal")
	}

	feeder, err := cache.NewFeeder(b, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to attach the sample cache to the bus")
	}

	registry := devices.NewRegistry(devices.Config{Bus: b})
	drivers := []devices.Driver{
		&devices.AlsaDriver{},
		&devices.SerialDriver{},
		&devices.USBDriver{},
		&devices.XBeeDriver{Coordinator: devices.CoordinatorFromRegistry(registry)},
	}

	defs, err := moduleDefs(manifest)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "manifest.options_failed").
			Msg("failed to load module options")
	}
	if targets := networkTargets(defs); len(targets) > 0 {
		drivers = append(drivers, &devices.NetworkDriver{Targets: targets})
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Options: opts,
		Bus:     b,
		History: cat,
	}, defs...)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "orchestrator.init_failed").
			Msg("failed to initialise the orchestrator")
	}
	hm.RegisterChecker(health.NewModulesChecker(func() (running, crashed int) {
		for _, st := range orch.ModuleStatuses() {
			if st.Running {
				running++
			}
			if st.State == string(modproc.StateCrashed) {
				crashed++
			}
		}
		return running, crashed
	}))

	state, err := config.OpenState(config.StatePath())
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "state.open_failed").
			Msg("failed to open the runtime state file")
	}

	mgr := daemon.New(daemon.DefaultShutdownTimeout)
	app := daemon.NewApp(mgr, holder)

	server, err := api.New(api.Deps{
		Options:         opts,
		Version:         version,
		Manifest:        manifest,
		Orchestrator:    orch,
		Registry:        registry,
		Cache:           store,
		Catalog:         cat,
		Health:          hm,
		Bus:             b,
		State:           state,
		EventLogDir:     logsDir,
		RequestShutdown: app.RequestShutdown,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "api.init_failed").
			Msg("failed to initialise the control plane")
	}

	// Teardown runs in reverse registration order: the control plane
	// stops first, then the orchestrator shuts the children down while
	// the bus consumers are still draining, then the consumers and the
	// stores go.
	mgr.AddHook("telemetry", tracing.Shutdown)
	mgr.AddHook("catalog", func(context.Context) error { return cat.Close() })
	if closeCache != nil {
		mgr.AddHook("cache", func(context.Context) error { return closeCache() })
	}
	mgr.Add("eventlog", journal.Run)
	mgr.Add("cache-feeder", feeder.Run)
	mgr.Add("discovery", func(ctx context.Context) error {
		return registry.Run(ctx, drivers...)
	})
	mgr.Add("orchestrator", orch.Run)
	mgr.AddHook("modules", orch.Shutdown)
	mgr.Add("api", server.Run)

	// Start daemon app (blocks until shutdown)
	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "daemon.failed").
			Msg("daemon failed")
	}

	logger.Info().Msg("labrigd exiting")
}

// moduleDefs resolves the manifest into launchable module definitions.
// Modules without an explicit entry point run through the bundled
// labrig-module launcher.
func moduleDefs(manifest config.Manifest) ([]orchestrator.ModuleDef, error) {
	defs := make([]orchestrator.ModuleDef, 0, len(manifest.Modules))
	for _, desc := range manifest.Modules {
		modOpts, err := config.LoadModule(desc.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", desc.Name, err)
		}
		command := desc.EntryPoint
		if len(command) == 0 {
			command = []string{"labrig-module", "-module", desc.Name}
			if desc.ConfigPath != "" {
				command = append(command, "-config", desc.ConfigPath)
			}
		}
		defs = append(defs, orchestrator.ModuleDef{
			Name:    desc.Name,
			Command: command,
			Options: modOpts,
		})
	}
	return defs, nil
}

// networkTargets derives TCP probe targets from the module options.
// Today that is the eye tracker control port.
func networkTargets(defs []orchestrator.ModuleDef) []devices.NetTarget {
	var targets []devices.NetTarget
	for _, def := range defs {
		if def.Name != devices.FamilyEyeTracker {
			continue
		}
		targets = append(targets, devices.NetTarget{
			Host:        def.Options.Raw.String("tracker_host", "127.0.0.1"),
			Port:        def.Options.Raw.Int("tracker_port", 50020),
			DisplayName: "Pupil Core",
			ModuleID:    devices.FamilyEyeTracker,
			DeviceType:  "pupil_core",
		})
	}
	return targets
}

// peekLogFile resolves log_file without the full config load, ENV
// first, then the file. Parse errors surface later during Load.
func peekLogFile(configPath string) string {
	if v := os.Getenv(config.EnvPrefix + strings.ToUpper(config.KeyLogFile)); v != "" {
		return v
	}
	if configPath == "" {
		return ""
	}
	vals, err := config.ParseFile(configPath)
	if err != nil {
		return ""
	}
	return vals.String(config.KeyLogFile, "")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
