// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/labrig/labrig/internal/orchestrator"
)

const defaultSessionLimit = 50

// SessionRecord is one row of the session history.
type SessionRecord struct {
	ID         int64      `json:"id"`
	Label      string     `json:"label"`
	Dir        string     `json:"dir"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	TrialCount int        `json:"trial_count"`
}

// TrialRecord is one recorded trial of a session.
type TrialRecord struct {
	Number    int                        `json:"trial_number"`
	Label     string                     `json:"trial_label"`
	StartedAt time.Time                  `json:"started_at"`
	StoppedAt *time.Time                 `json:"stopped_at,omitempty"`
	Started   []string                   `json:"started"`
	Failed    []orchestrator.ModuleFault `json:"failed"`
}

// ArtifactRecord is one file a session left behind, with its path
// relative to the session directory.
type ArtifactRecord struct {
	Module    string    `json:"module"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Sessions lists the most recent sessions, newest first. A limit of
// zero or less applies the default of 50.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, dir, started_at, stopped_at, trial_count
		 FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SessionByLabel returns the newest session with the given label.
func (s *Store) SessionByLabel(ctx context.Context, label string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, label, dir, started_at, stopped_at, trial_count
		 FROM sessions WHERE label = ? ORDER BY id DESC LIMIT 1`, label)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("catalog: session %q: %w", label, ErrNotFound)
	}
	return rec, err
}

// Trials lists the trials of a session in recording order.
func (s *Store) Trials(ctx context.Context, sessionID int64) ([]TrialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT number, label, started_at, stopped_at, started_modules, failed_modules
		 FROM trials WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list trials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TrialRecord
	for rows.Next() {
		var (
			rec            TrialRecord
			startedAt      string
			stoppedAt      sql.NullString
			startedModules string
			failedModules  string
		)
		if err := rows.Scan(&rec.Number, &rec.Label, &startedAt, &stoppedAt, &startedModules, &failedModules); err != nil {
			return nil, fmt.Errorf("catalog: scan trial: %w", err)
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.StoppedAt, err = parseNullTime(stoppedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(startedModules), &rec.Started); err != nil {
			return nil, fmt.Errorf("catalog: decode started modules: %w", err)
		}
		if err := json.Unmarshal([]byte(failedModules), &rec.Failed); err != nil {
			return nil, fmt.Errorf("catalog: decode failed modules: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Artifacts lists the indexed files of a session, grouped by module.
func (s *Store) Artifacts(ctx context.Context, sessionID int64) ([]ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module, path, kind, bytes, created_at
		 FROM artifacts WHERE session_id = ? ORDER BY module, path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ArtifactRecord
	for rows.Next() {
		var (
			rec       ArtifactRecord
			createdAt string
		)
		if err := rows.Scan(&rec.Module, &rec.Path, &rec.Kind, &rec.Bytes, &createdAt); err != nil {
			return nil, fmt.Errorf("catalog: scan artifact: %w", err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddArtifact registers a single file out of band, for modules that
// report artifacts while the session is still running.
func (s *Store) AddArtifact(ctx context.Context, sessionLabel, module, relPath, kind string, bytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (session_id, module, path, kind, bytes, created_at)
		 VALUES ((SELECT id FROM sessions WHERE label = ? ORDER BY id DESC LIMIT 1), ?, ?, ?, ?, ?)`,
		sessionLabel, module, relPath, kind, bytes,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("catalog: add artifact %s: %w", relPath, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec       SessionRecord
		startedAt string
		stoppedAt sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Label, &rec.Dir, &startedAt, &stoppedAt, &rec.TrialCount)
	if err != nil {
		return SessionRecord{}, err
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return SessionRecord{}, err
	}
	if rec.StoppedAt, err = parseNullTime(stoppedAt); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("catalog: parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
