// SPDX-License-Identifier: MIT

package cameras

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/protocol"
)

// Snapshot encodes can take a moment on a loaded box, so this runs
// longer than the usual command timeout.
const snapshotTimeout = 10 * time.Second

const extTimeout = 3 * time.Second

func init() {
	modules.RegisterExtension(modules.Extension{
		Spec: modules.Spec{
			ModuleID:    "cameras",
			Version:     "1.0",
			Description: "camera snapshots and preview control",
		},
		Install: installRoutes,
	})
}

func installRoutes(r chi.Router, c modules.Controller) {
	r.Get("/devices", func(w http.ResponseWriter, req *http.Request) {
		problem.JSON(w, http.StatusOK, map[string]any{
			"devices": c.DevicesFor("cameras"),
		})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		st, err := c.Exec(req.Context(), "cameras", protocol.CmdGetStatus, nil,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		problem.JSON(w, http.StatusOK, st.Data)
	})

	r.Post("/snapshot", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			CameraID string `json:"camera_id"`
			Format   string `json:"format"`
			SavePath string `json:"save_path"`
		}
		if req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				problem.Validation(w, "malformed JSON body")
				return
			}
		}

		params := map[string]any{}
		if body.CameraID != "" {
			params["camera_id"] = body.CameraID
		}
		if body.Format != "" {
			params["format"] = body.Format
		}
		if body.SavePath != "" {
			params["save_path"] = body.SavePath
		}

		st, err := c.Exec(req.Context(), "cameras", protocol.CmdTakeSnapshot, params,
			snapshotTimeout, protocol.StatusSnapshotTaken)
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

	r.Post("/preview/{id}/toggle", func(w http.ResponseWriter, req *http.Request) {
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

		st, err := c.Exec(req.Context(), "cameras", protocol.CmdTogglePreview, map[string]any{
			"camera_id": chi.URLParam(req, "id"),
			"enabled":   *body.Enabled,
		}, extTimeout, protocol.StatusPreviewToggled)
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
