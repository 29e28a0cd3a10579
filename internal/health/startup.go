// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/log"
)

// PerformStartupChecks validates the environment before the master
// starts serving. Missing module binaries only warn, modules are
// optional until the operator starts one.
func PerformStartupChecks(_ context.Context, cfg config.Options, manifest config.Manifest) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkOptions(logger, cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	checkModuleBinaries(logger, manifest)

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("cannot create data directory %s: %w", path, err)
		}
	case err != nil:
		return err
	case !info.IsDir():
		return fmt.Errorf("path is not a directory: %s", path)
	}

	// probe writability, session dirs land here
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	tempDir := filepath.Clean(os.TempDir())
	dataDir := filepath.Clean(path)
	if tempDir != "." && (dataDir == tempDir || strings.HasPrefix(dataDir, tempDir+string(filepath.Separator))) {
		logger.Warn().
			Str("data_dir", path).
			Msg("data directory is under temp; recordings may be lost on reboot")
	}

	logger.Info().Str("path", path).Msg("✓ Data directory is writable")
	return nil
}

func checkOptions(logger zerolog.Logger, cfg config.Options) error {
	if cfg.APIPort < 1 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid API port %d", cfg.APIPort)
	}
	logger.Info().Int("port", cfg.APIPort).Msg("✓ API port is valid")

	switch cfg.CacheBackend {
	case "", "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return fmt.Errorf("cache backend redis requires redis_addr")
		}
		if _, _, err := net.SplitHostPort(cfg.RedisAddr); err != nil {
			return fmt.Errorf("invalid redis_addr %q: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("✓ Redis address is valid")
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}

	if cfg.TracingEnabled {
		if cfg.TracingExporter != "grpc" && cfg.TracingExporter != "http" {
			return fmt.Errorf("tracing exporter must be grpc or http, got %q", cfg.TracingExporter)
		}
		if cfg.TracingEndpoint == "" {
			return fmt.Errorf("tracing enabled without an endpoint")
		}
		logger.Info().Str("exporter", cfg.TracingExporter).Msg("✓ Tracing configuration is valid")
	}

	return nil
}

// checkModuleBinaries resolves each module's launcher on PATH. Missing
// binaries warn rather than fail, the module just cannot start.
func checkModuleBinaries(logger zerolog.Logger, manifest config.Manifest) {
	builtinNeeded := false
	for _, d := range manifest.Modules {
		if len(d.EntryPoint) == 0 {
			builtinNeeded = true
			continue
		}
		if _, err := exec.LookPath(d.EntryPoint[0]); err != nil {
			logger.Warn().
				Str(log.FieldModule, d.Name).
				Str("binary", d.EntryPoint[0]).
				Msg("module binary not found on PATH")
		}
	}
	if builtinNeeded {
		if _, err := exec.LookPath("labrig-module"); err != nil {
			logger.Warn().Msg("labrig-module binary not found on PATH; built-in modules cannot start")
		} else {
			logger.Info().Msg("✓ Module launcher available")
		}
	}
}
