// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/orchestrator"
)

// writeOrchError maps orchestrator lifecycle errors onto the error
// envelope. Conflicts carry their own codes so clients can branch
// without parsing messages.
func writeOrchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSessionActive):
		problem.Write(w, http.StatusBadRequest, problem.CodeSessionActive, "a session is already active")
	case errors.Is(err, orchestrator.ErrNoSession):
		problem.Write(w, http.StatusBadRequest, problem.CodeNoSession, "no session is active")
	case errors.Is(err, orchestrator.ErrTrialActive):
		problem.Write(w, http.StatusBadRequest, problem.CodeTrialActive, "a trial is already active")
	case errors.Is(err, orchestrator.ErrNoTrial):
		problem.Write(w, http.StatusBadRequest, problem.CodeNoTrial, "no trial is active")
	case errors.Is(err, orchestrator.ErrUnknownModule):
		problem.Write(w, http.StatusNotFound, problem.CodeModuleNotFound, "unknown module")
	case errors.Is(err, orchestrator.ErrModuleDisabled),
		errors.Is(err, orchestrator.ErrModuleRunning),
		errors.Is(err, orchestrator.ErrModuleNotRunning),
		errors.Is(err, orchestrator.ErrModuleCrashed):
		problem.Validation(w, err.Error())
	default:
		problem.Internal(w, err)
	}
}

// decodeBody reads an optional JSON body into v. A missing body is
// fine; a malformed one is reported and false returned.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		problem.Validation(w, "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	problem.JSON(w, http.StatusOK, s.deps.Orchestrator.Session())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionDir string `json:"session_dir"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	dir := body.SessionDir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(s.deps.Options.DataDir, dir)
	}

	sess, err := s.deps.Orchestrator.StartSession(r.Context(), dir)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Orchestrator.StopSession(r.Context())
	if err != nil {
		writeOrchError(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, sess)
}

func (s *Server) handleTrial(w http.ResponseWriter, _ *http.Request) {
	sess := s.deps.Orchestrator.Session()
	problem.JSON(w, http.StatusOK, map[string]any{
		"trial_active":  sess.TrialActive,
		"trial_counter": sess.TrialCounter,
		"trial_label":   sess.TrialLabel,
	})
}

// handleTrialStart fans start_recording out to every ready module.
// Partial success still answers 200; the body names who did not follow
// so the operator can decide whether the trial is usable.
func (s *Server) handleTrialStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := s.deps.Orchestrator.StartTrial(r.Context(), body.Label)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, res)
}

func (s *Server) handleTrialStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Orchestrator.StopTrial(r.Context())
	if err != nil {
		writeOrchError(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, res)
}
