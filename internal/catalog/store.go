// SPDX-License-Identifier: MIT

// Package catalog persists the session history to SQLite and indexes
// the artifact files each session leaves behind. The orchestrator
// feeds it through the History hooks; the REST API reads it back.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/orchestrator"
)

// ErrNotFound is returned when a lookup matches no catalog row.
var ErrNotFound = errors.New("catalog: not found")

// Store records session, trial and artifact history.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ orchestrator.History = (*Store)(nil)

// NewStore opens (or creates) the catalog database at dbPath and runs
// the schema migration.
func NewStore(dbPath string) (*Store, error) {
	db, err := openDB(dbPath, DefaultDBConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: log.WithComponent("catalog")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database answers, for the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	label       TEXT NOT NULL,
	dir         TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	stopped_at  TEXT,
	trial_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_label ON sessions(label);

CREATE TABLE IF NOT EXISTS trials (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	number          INTEGER NOT NULL,
	label           TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	stopped_at      TEXT,
	started_modules TEXT NOT NULL DEFAULT '[]',
	failed_modules  TEXT NOT NULL DEFAULT '[]',
	UNIQUE(session_id, number)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	module     TEXT NOT NULL,
	path       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	bytes      INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(session_id, path)
);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// SessionStarted inserts the row for a freshly opened session.
func (s *Store) SessionStarted(ctx context.Context, sess orchestrator.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (label, dir, started_at) VALUES (?, ?, ?)`,
		sess.Label, sess.Dir, sess.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("catalog: insert session: %w", err)
	}
	return nil
}

// SessionStopped closes the open row for the session, fixes the trial
// count from the trials table and indexes the artifact files the
// modules left in the session directory.
func (s *Store) SessionStopped(ctx context.Context, sess orchestrator.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET stopped_at = ?,
		     trial_count = (SELECT COUNT(*) FROM trials WHERE trials.session_id = sessions.id)
		 WHERE label = ? AND stopped_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), sess.Label)
	if err != nil {
		return fmt.Errorf("catalog: close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: close session %q: %w", sess.Label, ErrNotFound)
	}
	if err := s.scanArtifacts(ctx, sess.Label, sess.Dir); err != nil {
		// a broken artifact index must not fail the session close
		s.logger.Warn().Err(err).Str(log.FieldSession, sess.Label).Msg("artifact scan incomplete")
	}
	return nil
}

// TrialStarted inserts the trial row under the currently open session.
func (s *Store) TrialStarted(ctx context.Context, sess orchestrator.Session, t orchestrator.TrialResult) error {
	started, err := json.Marshal(t.Started)
	if err != nil {
		return fmt.Errorf("catalog: encode started modules: %w", err)
	}
	failed, err := json.Marshal(t.Failed)
	if err != nil {
		return fmt.Errorf("catalog: encode failed modules: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trials (session_id, number, label, started_at, started_modules, failed_modules)
		 VALUES ((SELECT id FROM sessions WHERE label = ? AND stopped_at IS NULL ORDER BY id DESC LIMIT 1),
		         ?, ?, ?, ?, ?)`,
		sess.Label, t.Number, t.Label,
		time.Now().UTC().Format(time.RFC3339Nano), string(started), string(failed))
	if err != nil {
		return fmt.Errorf("catalog: insert trial %d: %w", t.Number, err)
	}
	return nil
}

// TrialStopped stamps the stop time on the trial row.
func (s *Store) TrialStopped(ctx context.Context, sess orchestrator.Session, t orchestrator.TrialResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials
		 SET stopped_at = ?
		 WHERE number = ?
		   AND session_id = (SELECT id FROM sessions WHERE label = ? AND stopped_at IS NULL ORDER BY id DESC LIMIT 1)`,
		time.Now().UTC().Format(time.RFC3339Nano), t.Number, sess.Label)
	if err != nil {
		return fmt.Errorf("catalog: close trial %d: %w", t.Number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: close trial %d of %q: %w", t.Number, sess.Label, ErrNotFound)
	}
	return nil
}

// artifactKind maps a file extension to the catalog kind column.
func artifactKind(ext string) string {
	switch strings.ToLower(ext) {
	case ".wav":
		return "audio"
	case ".mp4", ".avi", ".mkv":
		return "video"
	case ".csv":
		return "data"
	case ".json", ".txt":
		return "meta"
	default:
		return "other"
	}
}

// scanArtifacts walks the session directory and records every file.
// Paths are stored relative to the session directory; the module
// column is the first path element, empty for top level files.
func (s *Store) scanArtifacts(ctx context.Context, label, dir string) error {
	var sid int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE label = ? ORDER BY id DESC LIMIT 1`, label).Scan(&sid)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("catalog: session %q: %w", label, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("catalog: resolve session id: %w", err)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn().Err(walkErr).Str("path", path).Msg("artifact walk error")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		module := ""
		if i := strings.IndexRune(rel, filepath.Separator); i > 0 {
			module = rel[:i]
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO artifacts (session_id, module, path, kind, bytes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sid, module, filepath.ToSlash(rel), artifactKind(filepath.Ext(rel)),
			info.Size(), info.ModTime().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("catalog: index artifact %s: %w", rel, err)
		}
		return nil
	})
}
