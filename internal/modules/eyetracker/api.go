// SPDX-License-Identifier: MIT

package eyetracker

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
			ModuleID:    "eyetracker",
			Version:     "1.0",
			Description: "live gaze, IMU state and trial annotations",
		},
		Install: installRoutes,
	})
}

func installRoutes(r chi.Router, c modules.Controller) {
	r.Get("/devices", func(w http.ResponseWriter, req *http.Request) {
		problem.JSON(w, http.StatusOK, map[string]any{
			"devices": c.DevicesFor("eyetracker"),
		})
	})

	r.Get("/gaze", func(w http.ResponseWriter, req *http.Request) {
		st, err := c.Exec(req.Context(), "eyetracker", protocol.CmdGetStatus, nil,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		gaze, ok := st.Data["gaze"]
		if !ok {
			problem.NotFound(w, "no gaze received yet")
			return
		}
		problem.JSON(w, http.StatusOK, map[string]any{
			"gaze":      gaze,
			"gaze_rate": st.Data["gaze_rate"],
			"samples":   st.Data["gaze_samples"],
		})
	})

	r.Get("/imu", func(w http.ResponseWriter, req *http.Request) {
		st, err := c.Exec(req.Context(), "eyetracker", protocol.CmdGetStatus, nil,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		imu, ok := st.Data["imu"]
		if !ok {
			problem.NotFound(w, "no imu samples received yet")
			return
		}
		problem.JSON(w, http.StatusOK, map[string]any{
			"imu":     imu,
			"samples": st.Data["imu_samples"],
		})
	})

	r.Post("/annotate", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			problem.Validation(w, "malformed JSON body")
			return
		}
		if body.Text == "" {
			problem.MissingField(w, "text")
			return
		}

		st, err := c.Exec(req.Context(), "eyetracker", cmdAnnotate, map[string]any{
			"text": body.Text,
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
