// SPDX-License-Identifier: MIT

package notes

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
			ModuleID:    "notes",
			Version:     "1.0",
			Description: "operator annotations for the active trial",
		},
		Install: installRoutes,
	})
}

func installRoutes(r chi.Router, c modules.Controller) {
	r.Get("/summary", func(w http.ResponseWriter, req *http.Request) {
		st, err := c.Exec(req.Context(), "notes", protocol.CmdGetStatus, nil,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		problem.JSON(w, http.StatusOK, map[string]any{
			"recording":   st.Data["recording"],
			"trial_notes": st.Data["trial_notes"],
			"notes":       st.Data["notes"],
		})
	})

	r.Post("/note", func(w http.ResponseWriter, req *http.Request) {
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

		st, err := c.Exec(req.Context(), "notes", cmdAddNote,
			map[string]any{"text": body.Text}, extTimeout, protocol.StatusReport)
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
