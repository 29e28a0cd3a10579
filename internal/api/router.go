// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labrig/labrig/internal/api/middleware"
	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/modules"
)

// routes assembles the full control plane surface.
func (s *Server) routes() http.Handler {
	tracing := ""
	if s.deps.Options.TracingEnabled {
		tracing = "labrig-api"
	}
	r := middleware.NewRouter(middleware.StackConfig{
		Debug:          s.deps.Options.APIDebug,
		TracingService: tracing,
		RateLimit:      s.deps.Options.APIRateLimit,
		LocalOnly:      true,
	})

	// Probe endpoints for local supervisors, no /api/v1 prefix.
	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// System.
		r.Get("/health", s.deps.Health.ServeHealth)
		r.Get("/ready", s.deps.Health.ServeReady)
		r.Get("/status", s.handleStatus)
		r.Get("/platform", s.handlePlatform)
		r.Get("/info/system", s.handleSystemInfo)
		r.Post("/shutdown", s.handleShutdown)

		// Session and trial lifecycle.
		r.Get("/session", s.handleSession)
		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/stop", s.handleSessionStop)
		r.Get("/trial", s.handleTrial)
		r.Post("/trial/start", s.handleTrialStart)
		r.Post("/trial/stop", s.handleTrialStop)

		// Modules and instances.
		r.Get("/modules", s.handleModules)
		r.Get("/instances", s.handleInstances)
		r.Route("/modules/{name}", func(r chi.Router) {
			r.Get("/", s.handleModule)
			r.Post("/start", s.handleModuleStart)
			r.Post("/stop", s.handleModuleStop)
			r.Post("/enable", s.handleModuleEnable)
			r.Post("/disable", s.handleModuleDisable)
			r.Post("/command", s.handleModuleCommand)
			r.Get("/samples/latest", s.handleLatestSample)
			r.Get("/config", s.handleModuleConfig)
			r.Get("/preferences", s.handlePreferences)
			r.Get("/preferences/{key}", s.handleGetPreference)
			r.Put("/preferences/{key}", s.handleSetPreference)
			r.Delete("/preferences/{key}", s.handleDeletePreference)
		})

		// Window placement.
		r.Post("/windows/arrange", s.handleWindowsArrange)

		// Devices.
		r.Get("/devices", s.handleDevices)
		r.Get("/devices/scanning", s.handleScanning)
		r.Post("/devices/scanning/start", s.handleScanningStart)
		r.Post("/devices/scanning/stop", s.handleScanningStop)
		r.Get("/devices/{deviceID}", s.handleDevice)
		r.Post("/devices/{deviceID}/connect", s.handleDeviceConnect)
		r.Post("/devices/{deviceID}/disconnect", s.handleDeviceDisconnect)
		r.Get("/connections", s.handleConnections)
		r.Get("/connections/summary", s.handleConnectionsSummary)

		// Master configuration.
		r.Get("/config", s.handleConfig)

		// Logs.
		r.Get("/logs/paths", s.handleLogPaths)
		r.Get("/logs/master", s.handleMasterLog)
		r.Get("/logs/session", s.handleSessionLog)
		r.Get("/logs/events", s.handleEventsLog)
		r.Get("/logs/modules/{name}", s.handleModuleLog)
		r.Get("/logs/tail/*", s.handleLogTail)

		// Session catalog.
		r.Get("/catalog/sessions", s.handleCatalogSessions)
		r.Get("/catalog/sessions/{label}", s.handleCatalogSession)
		r.Get("/catalog/sessions/{label}/trials", s.handleCatalogTrials)
		r.Get("/catalog/sessions/{label}/artifacts", s.handleCatalogArtifacts)

		// Live event feed.
		if s.hub != nil {
			r.Get("/events", s.handleEvents)
		}

		// Module extensions mount under their module id.
		r.Get("/extensions", s.handleExtensions)
		for _, ext := range modules.Extensions() {
			r.Route("/"+ext.Spec.ModuleID, func(r chi.Router) {
				ext.Install(r, s.ctrl)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		problem.NotFound(w, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		problem.Write(w, http.StatusMethodNotAllowed, problem.CodeValidation, "method not allowed")
	})
	return r
}

// handleExtensions lists the module extension specs compiled in.
func (s *Server) handleExtensions(w http.ResponseWriter, _ *http.Request) {
	specs := make([]modules.Spec, 0)
	for _, ext := range modules.Extensions() {
		specs = append(specs, ext.Spec)
	}
	problem.JSON(w, http.StatusOK, map[string]any{"extensions": specs})
}
