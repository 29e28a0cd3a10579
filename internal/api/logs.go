// SPDX-License-Identifier: MIT

package api

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/log"
)

const (
	defaultTailLines = 200
	maxTailLines     = 2000
	// maxTailBytes bounds how much of a log file one request may read.
	maxTailBytes = 512 * 1024
)

func defaultEventLogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// handleLogPaths names every log location the daemon knows about.
func (s *Server) handleLogPaths(w http.ResponseWriter, _ *http.Request) {
	moduleLogs := map[string]string{}
	for _, name := range s.deps.Orchestrator.ModuleNames() {
		moduleLogs[name] = filepath.Join(s.deps.EventLogDir, name+".log")
	}

	body := map[string]any{
		"master":  s.deps.Options.LogFile,
		"events":  filepath.Join(s.deps.EventLogDir, "events.log"),
		"modules": moduleLogs,
	}
	if sess := s.deps.Orchestrator.Session(); sess.Active {
		body["session"] = filepath.Join(sess.Dir, "session.log")
	}
	problem.JSON(w, http.StatusOK, body)
}

// handleMasterLog serves the daemon's own log. Without a configured log
// file the bounded in-memory buffer answers instead.
func (s *Server) handleMasterLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Options.LogFile == "" {
		entries := log.GetRecentLogs()
		n := tailLines(r)
		if len(entries) > n {
			entries = entries[len(entries)-n:]
		}
		problem.JSON(w, http.StatusOK, map[string]any{
			"source":  "memory",
			"entries": entries,
		})
		return
	}
	s.serveTail(w, r, s.deps.Options.LogFile)
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	sess := s.deps.Orchestrator.Session()
	if !sess.Active {
		problem.Write(w, http.StatusBadRequest, problem.CodeNoSession, "no session is active")
		return
	}
	s.serveTail(w, r, filepath.Join(sess.Dir, "session.log"))
}

func (s *Server) handleEventsLog(w http.ResponseWriter, r *http.Request) {
	s.serveTail(w, r, filepath.Join(s.deps.EventLogDir, "events.log"))
}

func (s *Server) handleModuleLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.deps.Orchestrator.ModuleStatusFor(name); err != nil {
		writeOrchError(w, err)
		return
	}
	s.serveTail(w, r, filepath.Join(s.deps.EventLogDir, name+".log"))
}

// handleLogTail serves a bounded tail of any file under the data
// directory. Everything else, including traversal and symlink escapes,
// is refused.
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if rel == "" || strings.HasSuffix(rel, "/") {
		problem.Validation(w, "path names no file")
		return
	}
	if isPathTraversal(rel) {
		s.logger.Warn().Str(log.FieldPath, rel).Msg("log tail refused, traversal sequence")
		problem.Write(w, http.StatusForbidden, problem.CodeForbidden, "path escapes the data directory")
		return
	}

	absDataDir, err := filepath.Abs(s.deps.Options.DataDir)
	if err != nil {
		problem.Internal(w, err)
		return
	}
	full := filepath.Join(absDataDir, filepath.FromSlash(rel))

	realPath, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			problem.NotFound(w, "no such log file")
			return
		}
		problem.Internal(w, err)
		return
	}
	realDataDir, err := filepath.EvalSymlinks(absDataDir)
	if err != nil {
		problem.Internal(w, err)
		return
	}
	inside, err := filepath.Rel(realDataDir, realPath)
	if err != nil || strings.HasPrefix(inside, "..") || filepath.IsAbs(inside) {
		s.logger.Warn().Str(log.FieldPath, rel).Str("resolved", realPath).Msg("log tail refused, path escape")
		problem.Write(w, http.StatusForbidden, problem.CodeForbidden, "path escapes the data directory")
		return
	}

	s.serveTail(w, r, realPath)
}

// serveTail renders the last lines of one file.
func (s *Server) serveTail(w http.ResponseWriter, r *http.Request, path string) {
	lines, truncated, err := tailFile(path, tailLines(r))
	if err != nil {
		if os.IsNotExist(err) {
			problem.NotFound(w, "no such log file")
			return
		}
		problem.Internal(w, err)
		return
	}
	problem.JSON(w, http.StatusOK, map[string]any{
		"path":      path,
		"lines":     lines,
		"count":     len(lines),
		"truncated": truncated,
	})
}

// tailLines resolves the lines query parameter with bounds.
func tailLines(r *http.Request) int {
	n := defaultTailLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = min(v, maxTailLines)
		}
	}
	return n
}

// tailFile reads at most the last maxTailBytes of path and returns up
// to n trailing lines.
func tailFile(path string, n int) (lines []string, truncated bool, err error) {
	f, err := os.Open(path) // #nosec G304 -- callers confine path to known log locations
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	var offset int64
	if info.Size() > maxTailBytes {
		offset = info.Size() - maxTailBytes
		truncated = true
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, false, err
	}
	data, err := io.ReadAll(io.LimitReader(f, maxTailBytes))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return []string{}, truncated, nil
	}

	lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		// The first line after a mid-file seek is almost surely partial.
		lines = lines[1:]
	}
	if len(lines) > n {
		truncated = true
		lines = lines[len(lines)-n:]
	}
	return lines, truncated, nil
}

// isPathTraversal rejects traversal attempts before any filesystem
// touch: repeated URL decoding catches double encodings, unicode
// normalization catches composed lookalikes, and NUL bytes are refused
// outright.
func isPathTraversal(p string) bool {
	decoded := p
	for range 3 {
		prev := decoded
		if d, err := url.PathUnescape(decoded); err == nil {
			decoded = d
		} else if d, err := url.QueryUnescape(decoded); err == nil {
			decoded = d
		}
		if decoded == prev {
			break
		}
	}

	lower := strings.ToLower(decoded)
	for _, pat := range []string{"..", "%00", "\x00"} {
		if strings.Contains(lower, pat) {
			return true
		}
	}

	normalized := strings.ToLower(norm.NFC.String(decoded))
	return strings.Contains(normalized, "..")
}
