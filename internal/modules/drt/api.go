// SPDX-License-Identifier: MIT

package drt

import (
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
			ModuleID:    "drt",
			Version:     "1.0",
			Description: "response unit status and wireless battery levels",
		},
		Install: installRoutes,
	})
}

func installRoutes(r chi.Router, c modules.Controller) {
	r.Get("/devices", func(w http.ResponseWriter, req *http.Request) {
		problem.JSON(w, http.StatusOK, map[string]any{
			"devices": c.DevicesFor("drt"),
		})
	})

	r.Get("/summary", func(w http.ResponseWriter, req *http.Request) {
		st, err := c.Exec(req.Context(), "drt", protocol.CmdGetStatus, nil,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		problem.JSON(w, http.StatusOK, map[string]any{
			"devices":     st.Data["devices"],
			"connected":   st.Data["connected"],
			"stimuli":     st.Data["stimuli"],
			"timeouts":    st.Data["timeouts"],
			"device_list": st.Data["device_list"],
		})
	})

	r.Get("/battery/{deviceID}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "deviceID")
		st, err := c.Exec(req.Context(), "drt", cmdGetBattery,
			map[string]any{"device_id": id}, extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		if st.IsError() {
			msg := st.Message()
			switch {
			case strings.Contains(msg, "not a wireless device"):
				problem.Write(w, http.StatusBadRequest, problem.CodeNotWireless, msg)
			case strings.Contains(msg, "unknown device"):
				problem.NotFound(w, msg)
			default:
				problem.Validation(w, msg)
			}
			return
		}
		problem.JSON(w, http.StatusOK, st.Data)
	})
}
