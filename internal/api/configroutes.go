// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/httpx/problem"
)

// handleConfig renders the resolved master options with their config
// file keys, so what the operator reads matches what they would edit.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	o := s.deps.Options
	problem.JSON(w, http.StatusOK, map[string]any{
		config.KeyDataDir:                o.DataDir,
		config.KeySessionPrefix:          o.SessionPrefix,
		config.KeyLogLevel:               o.LogLevel,
		config.KeyLogFile:                o.LogFile,
		config.KeyDiscoveryRetryInterval: o.DiscoveryRetryInterval.Seconds(),
		config.KeyTrialStartTimeout:      o.TrialStartTimeout.Seconds(),
		config.KeyTrialStopTimeout:       o.TrialStopTimeout.Seconds(),
		config.KeyInitTimeout:            o.InitTimeout.Seconds(),
		config.KeyGUIStartMinimized:      o.GUIStartMinimized,
		config.KeyAPIPort:                o.APIPort,
		config.KeyAPIDebug:               o.APIDebug,
		config.KeyAPIRateLimit:           o.APIRateLimit,
		config.KeyCacheBackend:           o.CacheBackend,
		config.KeyRedisAddr:              o.RedisAddr,
		config.KeyTracingEnabled:         o.TracingEnabled,
	})
}

// lookupModule resolves a manifest descriptor or writes the 404.
func (s *Server) lookupModule(w http.ResponseWriter, name string) (config.ModuleDescriptor, bool) {
	desc, ok := s.deps.Manifest.Lookup(name)
	if !ok {
		problem.Write(w, http.StatusNotFound, problem.CodeModuleNotFound, "unknown module")
		return config.ModuleDescriptor{}, false
	}
	return desc, true
}

// handleModuleConfig resolves and renders one module's options.
func (s *Server) handleModuleConfig(w http.ResponseWriter, r *http.Request) {
	desc, ok := s.lookupModule(w, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	opts, err := config.LoadModule(desc.ConfigPath)
	if err != nil {
		problem.Internal(w, err)
		return
	}
	body := map[string]any{
		"module":                desc.Name,
		"display_name":          desc.DisplayName,
		"config_path":           desc.ConfigPath,
		"sample_rate":           opts.SampleRate,
		"output_dir":            opts.OutputDir,
		"auto_start_recording":  opts.AutoStartRecording,
		"auto_select_new":       opts.AutoSelectNew,
		"width":                 opts.Width,
		"height":                opts.Height,
		"fps":                   opts.FPS,
		"preview_width":         opts.PreviewWidth,
		"preview_height":        opts.PreviewHeight,
		"gui_preview_update_hz": opts.GUIPreviewUpdateHz,
	}
	if len(opts.Raw) > 0 {
		body["raw"] = opts.Raw
	}
	problem.JSON(w, http.StatusOK, body)
}

// requireState answers 503 when preference persistence is not wired.
func (s *Server) requireState(w http.ResponseWriter) bool {
	if s.deps.State == nil {
		problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable,
			"preference store is not available")
		return false
	}
	return true
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if !s.requireState(w) {
		return
	}
	desc, ok := s.lookupModule(w, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"module":      desc.Name,
		"preferences": s.deps.State.Preferences(desc.Name),
	})
}

func (s *Server) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	if !s.requireState(w) {
		return
	}
	desc, ok := s.lookupModule(w, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	value, ok := s.deps.State.Preference(desc.Name, key)
	if !ok {
		problem.NotFound(w, "preference not set")
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"module": desc.Name,
		"key":    key,
		"value":  value,
	})
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	if !s.requireState(w) {
		return
	}
	desc, ok := s.lookupModule(w, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	var body struct {
		Value *string `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Value == nil {
		problem.MissingField(w, "value")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.deps.State.SetPreference(desc.Name, key, *body.Value); err != nil {
		problem.Internal(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"module": desc.Name,
		"key":    key,
		"value":  *body.Value,
	})
}

func (s *Server) handleDeletePreference(w http.ResponseWriter, r *http.Request) {
	if !s.requireState(w) {
		return
	}
	desc, ok := s.lookupModule(w, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.deps.State.DeletePreference(desc.Name, key); err != nil {
		problem.Internal(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"module":  desc.Name,
		"key":     key,
		"deleted": true,
	})
}
