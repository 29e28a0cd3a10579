// SPDX-License-Identifier: MIT

// Package notes records operator annotations. There is no hardware
// behind it: the module always reports one virtual device and turns
// add_note commands into CSV rows while a trial runs. Note text is
// normalized to NFC so annotations typed on different keyboards
// compare equal in analysis.
package notes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/csvspec"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/modrun"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/pipeline"
	"github.com/labrig/labrig/internal/protocol"
	"github.com/labrig/labrig/internal/timing"
)

// DirName is the session subdirectory this module owns.
const DirName = "NOTES"

// cmdAddNote appends one annotation to the active trial.
const cmdAddNote = "add_note"

// deviceID names the virtual annotation channel in the CSV prefix.
const deviceID = "notes:operator"

func init() {
	modules.Register("notes", func(opts config.ModuleOptions) (modrun.Recorder, error) {
		return New(opts), nil
	})
}

var (
	_ modrun.Recorder       = (*Recorder)(nil)
	_ modrun.CommandHandler = (*Recorder)(nil)
	_ modrun.StatusSender   = (*Recorder)(nil)
)

// Recorder implements the notes module. Note ids restart at 1 for
// every trial so each file numbers its own rows.
type Recorder struct {
	opts   config.ModuleOptions
	logger zerolog.Logger
	clock  timing.Clock

	mu        sync.Mutex
	status    *protocol.StatusWriter
	sidecar   *pipeline.Sidecar
	recording bool
	trial     modrun.TrialInfo
	noteID    int64
	total     int64
}

// New builds the recorder.
func New(opts config.ModuleOptions) *Recorder {
	return &Recorder{
		opts:   opts,
		logger: log.WithComponent("notes"),
		clock:  timing.NewSystemClock(),
	}
}

// AttachStatus wires the parent channel for command replies.
func (r *Recorder) AttachStatus(w *protocol.StatusWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = w
}

// Init always succeeds with the one virtual channel.
func (r *Recorder) Init(context.Context) (int, error) {
	r.logger.Info().Msg("annotation channel ready")
	return 1, nil
}

// Start opens one notes file for the trial.
func (r *Recorder) Start(_ context.Context, trial modrun.TrialInfo) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil, fmt.Errorf("notes: already recording")
	}

	dir := filepath.Join(trial.SessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("notes: create session dir: %w", err)
	}
	sc, err := pipeline.NewSidecar(pipeline.SidecarConfig{
		Module: "notes",
		Name:   "notes",
		Path:   filepath.Join(dir, modules.FileBase(trial, "")+".csv"),
		Schema: csvspec.Notes,
		// Annotations are rare and each one matters.
		FlushEvery: 1,
	})
	if err != nil {
		return nil, err
	}
	r.sidecar = sc
	r.recording = true
	r.trial = trial
	r.noteID = 0

	return map[string]any{"devices": 1, "recording_count": 1}, nil
}

// Stop closes the trial's notes file.
func (r *Recorder) Stop(context.Context) (map[string]any, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return map[string]any{"rows": int64(0)}, nil
	}
	sc := r.sidecar
	r.sidecar = nil
	r.recording = false
	r.mu.Unlock()

	err := sc.Close()
	_, written, dropped := sc.Counts()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"rows":    written,
		"dropped": dropped,
	}, nil
}

// Report contributes annotation counts to status reports.
func (r *Recorder) Report() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"devices":     1,
		"recording":   r.recording,
		"trial_notes": r.noteID,
		"notes":       r.total,
	}
}

// HandleCommand implements add_note. The reply carries the id the
// annotation got in the trial file.
func (r *Recorder) HandleCommand(_ context.Context, cmd protocol.Command) (bool, error) {
	if cmd.Name != cmdAddNote {
		return false, nil
	}
	text, _ := cmd.Str("text")
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return true, fmt.Errorf("notes: empty text")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return true, fmt.Errorf("notes: no active trial")
	}

	r.noteID++
	r.total++
	now := r.clock.Now()
	r.sidecar.Append([]string{
		strconv.Itoa(r.trial.Number), "notes", deviceID, r.trial.Label,
		csvspec.FormatSeconds(now.UnixSeconds()),
		csvspec.FormatSeconds(now.MonoSeconds()),
		strconv.FormatInt(r.noteID, 10),
		text,
	})
	r.sendLocked(protocol.StatusReport, map[string]any{
		"note_id": r.noteID,
		"trial":   r.trial.Number,
	})
	return true, nil
}

// Cleanup closes any open trial file.
func (r *Recorder) Cleanup() error {
	_, err := r.Stop(context.Background())
	return err
}

func (r *Recorder) sendLocked(status string, data map[string]any) {
	if r.status == nil {
		return
	}
	if err := r.status.Send(status, data); err != nil {
		r.logger.Warn().Err(err).Msg("status send failed")
	}
}
