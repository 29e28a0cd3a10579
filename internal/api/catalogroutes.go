// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/labrig/labrig/internal/catalog"
	"github.com/labrig/labrig/internal/httpx/problem"
)

func (s *Server) requireCatalog(w http.ResponseWriter) bool {
	if s.deps.Catalog == nil {
		problem.Write(w, http.StatusServiceUnavailable, problem.CodeUnavailable, "session catalog is not available")
		return false
	}
	return true
}

func (s *Server) handleCatalogSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w) {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			problem.Validation(w, "limit must be a non-negative integer")
			return
		}
		limit = v
	}
	sessions, err := s.deps.Catalog.Sessions(r.Context(), limit)
	if err != nil {
		problem.Internal(w, err)
		return
	}
	if sessions == nil {
		sessions = []catalog.SessionRecord{}
	}
	problem.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCatalogSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.catalogSession(w, r)
	if !ok {
		return
	}
	problem.JSON(w, http.StatusOK, rec)
}

func (s *Server) handleCatalogTrials(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.catalogSession(w, r)
	if !ok {
		return
	}
	trials, err := s.deps.Catalog.Trials(r.Context(), rec.ID)
	if err != nil {
		problem.Internal(w, err)
		return
	}
	if trials == nil {
		trials = []catalog.TrialRecord{}
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"session": rec.Label,
		"trials":  trials,
	})
}

func (s *Server) handleCatalogArtifacts(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.catalogSession(w, r)
	if !ok {
		return
	}
	artifacts, err := s.deps.Catalog.Artifacts(r.Context(), rec.ID)
	if err != nil {
		problem.Internal(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []catalog.ArtifactRecord{}
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"session":   rec.Label,
		"dir":       rec.Dir,
		"artifacts": artifacts,
	})
}

// catalogSession resolves the {label} segment against the catalog.
func (s *Server) catalogSession(w http.ResponseWriter, r *http.Request) (catalog.SessionRecord, bool) {
	if !s.requireCatalog(w) {
		return catalog.SessionRecord{}, false
	}
	label := chi.URLParam(r, "label")
	rec, err := s.deps.Catalog.SessionByLabel(r.Context(), label)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			problem.NotFound(w, "no session recorded under that label")
		} else {
			problem.Internal(w, err)
		}
		return catalog.SessionRecord{}, false
	}
	return rec, true
}
