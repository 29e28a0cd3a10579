// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/modproc"
)

// handleStatus reports the daemon's aggregate state in one call: the
// operator dashboard polls this.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sess := s.deps.Orchestrator.Session()
	mods := s.deps.Orchestrator.ModuleStatuses()

	running, crashed := 0, 0
	for _, m := range mods {
		if m.Running {
			running++
		}
		if m.State == string(modproc.StateCrashed) {
			crashed++
		}
	}

	body := map[string]any{
		"version":        s.deps.Version,
		"started_at":     s.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"debug":          s.deps.Options.APIDebug,
		"session":        sess,
		"modules":        mods,
		"running":        running,
		"crashed":        crashed,
	}
	if s.deps.Registry != nil {
		body["devices"] = len(s.deps.Registry.Devices())
		body["scanning"] = s.deps.Registry.Scanning()
	}
	problem.JSON(w, http.StatusOK, body)
}

// handlePlatform reports the host this rig runs on.
func (s *Server) handlePlatform(w http.ResponseWriter, r *http.Request) {
	info, err := host.InfoWithContext(r.Context())
	if err != nil {
		problem.Internal(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"hostname":         info.Hostname,
		"os":               info.OS,
		"platform":         info.Platform,
		"platform_version": info.PlatformVersion,
		"kernel_version":   info.KernelVersion,
		"arch":             info.KernelArch,
		"boot_time":        time.Unix(int64(info.BootTime), 0).UTC().Format(time.RFC3339),
		"go_version":       runtime.Version(),
		"num_cpu":          runtime.NumCPU(),
	})
}

// handleSystemInfo reports live resource usage. The disk figure covers
// the data directory because that is the volume recordings fill up.
// Concurrent pollers share one collection pass; it runs off the request
// contexts so a cancelled leader cannot fail the followers.
func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	v, _, _ := s.sysinfo.Do("system_info", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.collectSystemInfo(ctx), nil
	})
	problem.JSON(w, http.StatusOK, v.(map[string]any))
}

func (s *Server) collectSystemInfo(ctx context.Context) map[string]any {
	body := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		body["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		body["memory"] = map[string]any{
			"total_bytes":     vm.Total,
			"available_bytes": vm.Available,
			"used_percent":    vm.UsedPercent,
		}
	}
	if du, err := disk.UsageWithContext(ctx, s.deps.Options.DataDir); err == nil {
		body["data_disk"] = map[string]any{
			"path":         s.deps.Options.DataDir,
			"total_bytes":  du.Total,
			"free_bytes":   du.Free,
			"used_percent": du.UsedPercent,
		}
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		body["load"] = map[string]any{
			"1m":  avg.Load1,
			"5m":  avg.Load5,
			"15m": avg.Load15,
		}
	}
	return body
}

// handleShutdown acknowledges and then asks the daemon to exit. The
// response is written first so the caller is not left with a reset
// connection.
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.deps.RequestShutdown == nil {
		problem.Write(w, http.StatusNotImplemented, problem.CodeValidation,
			"shutdown is not wired on this instance")
		return
	}
	s.logger.Info().Msg("shutdown requested over the control plane")
	problem.JSON(w, http.StatusOK, map[string]any{"status": "shutting_down"})
	go s.deps.RequestShutdown()
}
