// SPDX-License-Identifier: MIT

package gps

import (
	"net/http"
	"strconv"
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
			ModuleID:    "gps",
			Version:     "1.0",
			Description: "receiver position and raw NMEA access",
		},
		Install: installRoutes,
	})
}

func installRoutes(r chi.Router, c modules.Controller) {
	r.Get("/devices", func(w http.ResponseWriter, req *http.Request) {
		problem.JSON(w, http.StatusOK, map[string]any{
			"devices": c.DevicesFor("gps"),
		})
	})

	r.Get("/position", func(w http.ResponseWriter, req *http.Request) {
		st, err := c.Exec(req.Context(), "gps", protocol.CmdGetStatus, nil,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		problem.JSON(w, http.StatusOK, map[string]any{
			"fix_valid": st.Data["fix_valid"],
			"latitude":  st.Data["latitude"],
			"longitude": st.Data["longitude"],
			"sentences": st.Data["sentences"],
		})
	})

	r.Get("/nmea", func(w http.ResponseWriter, req *http.Request) {
		params := map[string]any{}
		if v := req.URL.Query().Get("count"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				problem.Validation(w, "count must be a positive integer")
				return
			}
			params["count"] = n
		}

		st, err := c.Exec(req.Context(), "gps", cmdDumpNMEA, params,
			extTimeout, protocol.StatusReport)
		if err != nil {
			problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, err.Error())
			return
		}
		problem.JSON(w, http.StatusOK, st.Data)
	})
}
