// SPDX-License-Identifier: MIT

package audio

import (
	"encoding/json"
	"net/http"
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
			ModuleID:    "audio",
			Version:     "1.0",
			Description: "capture device levels and per-device enablement",
		},
		Install: installRoutes,
	})
}

func installRoutes(r chi.Router, c modules.Controller) {
	r.Get("/devices", func(w http.ResponseWriter, req *http.Request) {
		problem.JSON(w, http.StatusOK, map[string]any{
			"devices": c.DevicesFor("audio"),
		})
	})

	r.Get("/levels", func(w http.ResponseWriter, req *http.Request) {
		st, err := c.Exec(req.Context(), "audio", protocol.CmdGetStatus, nil,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		problem.JSON(w, http.StatusOK, map[string]any{
			"levels":      st.Data["levels"],
			"sample_rate": st.Data["sample_rate"],
		})
	})

	r.Post("/devices/{id}/toggle", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			problem.Validation(w, "malformed JSON body")
			return
		}
		if body.Enabled == nil {
			problem.MissingField(w, "enabled")
			return
		}

		st, err := c.Exec(req.Context(), "audio", protocol.CmdToggleDevice, map[string]any{
			"device_id": chi.URLParam(req, "id"),
			"enabled":   *body.Enabled,
		}, extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		if st.IsError() {
			problem.Validation(w, st.Message())
			return
		}
		problem.JSON(w, http.StatusOK, st.Data)
	})
}
