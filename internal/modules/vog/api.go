// SPDX-License-Identifier: MIT

package vog

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/protocol"
)

const extTimeout = 3 * time.Second

func init() {
	modules.RegisterExtension(modules.Extension{
		Spec: modules.Spec{
			ModuleID:    "vog",
			Version:     "1.0",
			Description: "shutter state, lens switching and wireless battery levels",
		},
		Install: installRoutes,
	})
}

func installRoutes(r chi.Router, c modules.Controller) {
	r.Get("/devices", func(w http.ResponseWriter, req *http.Request) {
		problem.JSON(w, http.StatusOK, map[string]any{
			"devices": c.DevicesFor("vog"),
		})
	})

	r.Get("/state", func(w http.ResponseWriter, req *http.Request) {
		st, err := c.Exec(req.Context(), "vog", protocol.CmdGetStatus, nil,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		problem.JSON(w, http.StatusOK, map[string]any{
			"devices":     st.Data["devices"],
			"connected":   st.Data["connected"],
			"transitions": st.Data["transitions"],
			"occlusions":  st.Data["occlusions"],
			"device_list": st.Data["device_list"],
		})
	})

	r.Post("/lens", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			DeviceID string `json:"device_id"`
			Lens     string `json:"lens"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			problem.Validation(w, "malformed JSON body")
			return
		}
		if body.Lens == "" {
			problem.MissingField(w, "lens")
			return
		}

		st, err := c.Exec(req.Context(), "vog", cmdSetLens, map[string]any{
			"device_id": body.DeviceID,
			"lens":      body.Lens,
		}, extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		if st.IsError() {
			writeModuleError(w, st.Message())
			return
		}
		problem.JSON(w, http.StatusOK, st.Data)
	})

	r.Post("/shutter", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			DeviceID string `json:"device_id"`
			State    string `json:"state"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			problem.Validation(w, "malformed JSON body")
			return
		}
		if body.State == "" {
			problem.MissingField(w, "state")
			return
		}

		st, err := c.Exec(req.Context(), "vog", cmdSetShutter, map[string]any{
			"device_id": body.DeviceID,
			"state":     body.State,
		}, extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		if st.IsError() {
			writeModuleError(w, st.Message())
			return
		}
		problem.JSON(w, http.StatusOK, st.Data)
	})

	r.Get("/battery/{deviceID}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "deviceID")
		st, err := c.Exec(req.Context(), "vog", cmdGetBattery,
			map[string]any{"device_id": id}, extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		if st.IsError() {
			writeModuleError(w, st.Message())
			return
		}
		problem.JSON(w, http.StatusOK, st.Data)
	})
}

// writeModuleError maps module command failures onto the problem
// vocabulary shared by the hardware extensions.
func writeModuleError(w http.ResponseWriter, msg string) {
	switch {
	case strings.Contains(msg, "not a wireless device"):
		problem.Write(w, http.StatusBadRequest, problem.CodeNotWireless, msg)
	case strings.Contains(msg, "unknown device"):
		problem.NotFound(w, msg)
	default:
		problem.Validation(w, msg)
	}
}
