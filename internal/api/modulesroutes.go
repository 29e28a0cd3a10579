// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/orchestrator"
	"github.com/labrig/labrig/internal/protocol"
)

// execTimeout caps forwarded module commands that wait for a reply.
const (
	defaultExecTimeout = 3 * time.Second
	maxExecTimeout     = 30 * time.Second
)

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	problem.JSON(w, http.StatusOK, map[string]any{
		"modules": s.deps.Orchestrator.ModuleStatuses(),
	})
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.ModuleStatusFor(chi.URLParam(r, "name"))
	if err != nil {
		writeOrchError(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, st)
}

func (s *Server) handleModuleStart(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.StartModule(chi.URLParam(r, "name"))
	if err != nil {
		writeOrchError(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, st)
}

func (s *Server) handleModuleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Orchestrator.StopModule(r.Context(), name); err != nil {
		writeOrchError(w, err)
		return
	}
	st, err := s.deps.Orchestrator.ModuleStatusFor(name)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, st)
}

func (s *Server) handleModuleEnable(w http.ResponseWriter, r *http.Request) {
	s.setModuleEnabled(w, r, true)
}

func (s *Server) handleModuleDisable(w http.ResponseWriter, r *http.Request) {
	s.setModuleEnabled(w, r, false)
}

func (s *Server) setModuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")
	var err error
	if enabled {
		err = s.deps.Orchestrator.EnableModule(name)
	} else {
		err = s.deps.Orchestrator.DisableModule(name)
	}
	if err != nil {
		writeOrchError(w, err)
		return
	}
	st, err := s.deps.Orchestrator.ModuleStatusFor(name)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, st)
}

// handleModuleCommand forwards one command to a running module child.
// Fire-and-forget answers 202; wait=true blocks for the accepted reply
// status, status_report unless the caller names others.
func (s *Server) handleModuleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.deps.Orchestrator.ModuleStatusFor(name); err != nil {
		writeOrchError(w, err)
		return
	}

	var body struct {
		Command        string         `json:"command"`
		Params         map[string]any `json:"params"`
		Wait           bool           `json:"wait"`
		Accept         []string       `json:"accept"`
		TimeoutSeconds float64        `json:"timeout_seconds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Command == "" {
		problem.MissingField(w, "command")
		return
	}

	if !body.Wait {
		if err := s.ctrl.Send(name, body.Command, body.Params); err != nil {
			writeOrchError(w, err)
			return
		}
		problem.JSON(w, http.StatusAccepted, map[string]any{
			"module":  name,
			"command": body.Command,
			"sent":    true,
		})
		return
	}

	timeout := defaultExecTimeout
	if body.TimeoutSeconds > 0 {
		timeout = min(time.Duration(body.TimeoutSeconds*float64(time.Second)), maxExecTimeout)
	}
	accept := body.Accept
	if len(accept) == 0 {
		accept = []string{protocol.StatusReport}
	}

	st, err := s.ctrl.Exec(r.Context(), name, body.Command, body.Params, timeout, accept...)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	if st.IsError() {
		problem.Validation(w, st.Message())
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"module":  name,
		"command": body.Command,
		"status":  st.Status,
		"data":    st.Data,
	})
}

// handleLatestSample serves the most recent status payload the module
// child emitted, straight from the sample cache.
func (s *Server) handleLatestSample(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.deps.Orchestrator.ModuleStatusFor(name); err != nil {
		writeOrchError(w, err)
		return
	}
	sample, ok := s.deps.Cache.Latest(name)
	if !ok {
		problem.NotFound(w, "no sample cached for "+name)
		return
	}
	problem.JSON(w, http.StatusOK, sample)
}

// handleInstances lists every live child with its resource footprint.
// Stats are best-effort: a child that exits mid-probe just loses them.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make([]map[string]any, 0)
	for _, inst := range s.deps.Orchestrator.Instances() {
		rec := map[string]any{
			"instance_id": inst.ID(),
			"module":      inst.Module(),
			"pid":         inst.PID(),
			"state":       string(inst.State()),
			"devices":     inst.DeviceCount(),
		}
		if at := inst.LastStatusAt(); !at.IsZero() {
			rec["last_status_at"] = at.UTC().Format(time.RFC3339Nano)
		}
		if lastErr := inst.LastError(); lastErr != "" {
			rec["last_error"] = lastErr
		}
		if p, err := process.NewProcessWithContext(ctx, int32(inst.PID())); err == nil {
			if pct, err := p.CPUPercentWithContext(ctx); err == nil {
				rec["cpu_percent"] = pct
			}
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				rec["rss_bytes"] = mi.RSS
			}
		}
		out = append(out, rec)
	}
	problem.JSON(w, http.StatusOK, map[string]any{"instances": out})
}

// handleWindowsArrange places every live module window with one of the
// bulk layouts. The screen size comes from the caller because the
// master itself is headless and cannot probe a display.
func (s *Server) handleWindowsArrange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Layout string              `json:"layout"`
		Screen orchestrator.Screen `json:"screen"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Layout == "" {
		problem.MissingField(w, "layout")
		return
	}
	layout := orchestrator.Layout(body.Layout)
	if err := s.deps.Orchestrator.ArrangeWindows(layout, body.Screen); err != nil {
		problem.Validation(w, err.Error())
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{"layout": body.Layout})
}
