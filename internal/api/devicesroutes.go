// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/protocol"
)

// requireRegistry answers 503 when discovery is not wired.
func (s *Server) requireRegistry(w http.ResponseWriter) bool {
	if s.deps.Registry == nil {
		problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable,
			"device discovery is not running")
		return false
	}
	return true
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	devs := s.deps.Registry.Devices()
	if family := r.URL.Query().Get("module"); family != "" {
		devs = s.deps.Registry.DevicesFor(family)
	}
	problem.JSON(w, http.StatusOK, map[string]any{"devices": devs})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	dev, ok := s.deps.Registry.Get(chi.URLParam(r, "deviceID"))
	if !ok {
		problem.NotFound(w, "unknown device")
		return
	}
	problem.JSON(w, http.StatusOK, dev)
}

// handleDeviceConnect marks the device connecting and tells the owning
// module child to adopt it. The connected flip arrives later through
// the child's status stream.
func (s *Server) handleDeviceConnect(w http.ResponseWriter, r *http.Request) {
	s.toggleDevice(w, r, true)
}

// handleDeviceDisconnect is the reverse: the child releases the device
// and the registry drops its connected mark immediately.
func (s *Server) handleDeviceDisconnect(w http.ResponseWriter, r *http.Request) {
	s.toggleDevice(w, r, false)
}

func (s *Server) toggleDevice(w http.ResponseWriter, r *http.Request, enable bool) {
	if !s.requireRegistry(w) {
		return
	}
	id := chi.URLParam(r, "deviceID")
	dev, ok := s.deps.Registry.Get(id)
	if !ok {
		problem.NotFound(w, "unknown device")
		return
	}
	if dev.ModuleID == "" {
		problem.Validation(w, "device has no owning module")
		return
	}
	if _, running := s.deps.Orchestrator.Instance(dev.ModuleID); !running {
		problem.Validation(w, "module "+dev.ModuleID+" is not running")
		return
	}

	ctx := r.Context()
	if enable {
		if err := s.deps.Registry.MarkConnecting(ctx, id); err != nil {
			problem.Internal(w, err)
			return
		}
	} else {
		if err := s.deps.Registry.MarkDisconnected(ctx, id); err != nil {
			problem.Internal(w, err)
			return
		}
	}
	err := s.ctrl.Send(dev.ModuleID, protocol.CmdToggleDevice, map[string]any{
		"device_id": id,
		"enabled":   enable,
	})
	if err != nil {
		writeOrchError(w, err)
		return
	}

	dev, _ = s.deps.Registry.Get(id)
	problem.JSON(w, http.StatusAccepted, map[string]any{
		"device":    dev,
		"requested": map[string]any{"enabled": enable},
	})
}

func (s *Server) handleScanning(w http.ResponseWriter, _ *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{"scanning": s.deps.Registry.Scanning()})
}

func (s *Server) handleScanningStart(w http.ResponseWriter, _ *http.Request) {
	s.setScanning(w, true)
}

func (s *Server) handleScanningStop(w http.ResponseWriter, _ *http.Request) {
	s.setScanning(w, false)
}

func (s *Server) setScanning(w http.ResponseWriter, on bool) {
	if !s.requireRegistry(w) {
		return
	}
	s.deps.Registry.SetScanning(on)
	problem.JSON(w, http.StatusOK, map[string]any{"scanning": on})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	connected := make([]devices.Device, 0)
	for _, dev := range s.deps.Registry.Devices() {
		if dev.Connected {
			connected = append(connected, dev)
		}
	}
	problem.JSON(w, http.StatusOK, map[string]any{"connections": connected})
}

// handleConnectionsSummary rolls connection counts up per module family.
func (s *Server) handleConnectionsSummary(w http.ResponseWriter, _ *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	type familyCount struct {
		Module    string `json:"module"`
		Known     int    `json:"known"`
		Connected int    `json:"connected"`
	}
	byFamily := map[string]*familyCount{}
	for _, dev := range s.deps.Registry.Devices() {
		family := dev.ModuleID
		if family == "" {
			family = "unassigned"
		}
		fc := byFamily[family]
		if fc == nil {
			fc = &familyCount{Module: family}
			byFamily[family] = fc
		}
		fc.Known++
		if dev.Connected {
			fc.Connected++
		}
	}
	out := make([]familyCount, 0, len(byFamily))
	for _, fc := range byFamily {
		out = append(out, *fc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	problem.JSON(w, http.StatusOK, map[string]any{"summary": out})
}
