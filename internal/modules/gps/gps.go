// SPDX-License-Identifier: MIT

// Package gps records NMEA streams from a serial receiver. The port is
// read continuously from Init so position and fix state are available
// before a trial starts; recording attaches a sidecar CSV that gets one
// row per accepted sentence.
package gps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/csvspec"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/modrun"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/pipeline"
	"github.com/labrig/labrig/internal/pipeline/encoder"
	"github.com/labrig/labrig/internal/protocol"
	"github.com/labrig/labrig/internal/timing"
)

// DirName is the session subdirectory this module owns.
const DirName = "GPS"

// cmdDumpNMEA returns the most recent raw sentences.
const cmdDumpNMEA = "dump_nmea"

// ringSize bounds the raw sentence history kept for dumps.
const ringSize = 200

func init() {
	modules.Register("gps", func(opts config.ModuleOptions) (modrun.Recorder, error) {
		return New(opts), nil
	})
}

var (
	_ modrun.Recorder       = (*Recorder)(nil)
	_ modrun.CommandHandler = (*Recorder)(nil)
	_ modrun.Previewer      = (*Recorder)(nil)
	_ modrun.StatusSender   = (*Recorder)(nil)
)

// Recorder implements the gps module.
type Recorder struct {
	opts      config.ModuleOptions
	logger    zerolog.Logger
	enumerate Enumerate
	open      OpenPort
	clock     timing.Clock
	ring      *encoder.LineRing

	mu        sync.Mutex
	status    *protocol.StatusWriter
	devs      []devices.Device
	dev       devices.Device
	src       Source
	connected bool
	parser    Parser
	sidecar   *pipeline.Sidecar
	trial     modrun.TrialInfo
	sentences int64
	rejected  int64
}

// New builds the recorder with the production serial backends.
func New(opts config.ModuleOptions) *Recorder {
	return &Recorder{
		opts:      opts,
		logger:    log.WithComponent("gps"),
		enumerate: defaultEnumerate,
		open:      defaultOpenPort,
		clock:     timing.NewSystemClock(),
		ring:      encoder.NewLineRing(ringSize),
	}
}

// AttachStatus wires the parent channel for command replies and
// position previews.
func (r *Recorder) AttachStatus(w *protocol.StatusWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = w
}

// Init sweeps serial ports and opens the first receiver. The stream
// runs from here on; a retry keeps an already-open port.
func (r *Recorder) Init(ctx context.Context) (int, error) {
	found, err := r.enumerate(ctx)
	if err != nil {
		return 0, fmt.Errorf("gps: enumerate: %w", err)
	}
	if len(found) == 0 {
		return 0, &modrun.InitError{Reason: "no gps receiver detected"}
	}
	pick := found[0]

	r.mu.Lock()
	r.devs = found
	if r.src != nil && r.dev.ID == pick.ID {
		r.mu.Unlock()
		return len(found), nil
	}
	old := r.src
	r.src = nil
	r.connected = false
	r.mu.Unlock()

	if old != nil {
		_ = old.Stop()
	}

	src, err := r.open(pick)
	if err != nil {
		return 0, &modrun.InitError{Reason: fmt.Sprintf("open %s: %v", pick.ID, err)}
	}
	if err := src.Start(r.handleLine); err != nil {
		return 0, &modrun.InitError{Reason: fmt.Sprintf("start %s: %v", pick.ID, err)}
	}

	r.mu.Lock()
	r.dev = pick
	r.src = src
	r.connected = true
	r.mu.Unlock()

	r.logger.Info().Str(log.FieldDeviceID, pick.ID).Str("port", pick.Port).
		Msg("gps receiver streaming")
	return len(found), nil
}

// handleLine folds one sentence into the parser and, while recording,
// into the sidecar.
func (r *Recorder) handleLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stype, ok := r.parser.Apply(line)
	if !ok {
		r.rejected++
		return
	}
	r.sentences++
	_, _ = r.ring.Write([]byte(line))

	if r.sidecar != nil {
		r.sidecar.Append(r.rowLocked(stype, line))
	}
}

func (r *Recorder) rowLocked(stype, raw string) []string {
	st := r.clock.Now()
	row := make([]string, 0, csvspec.GPS.NumColumns())
	row = append(row,
		strconv.Itoa(r.trial.Number), "gps", r.dev.ID, r.trial.Label,
		csvspec.FormatSeconds(st.UnixSeconds()),
		csvspec.FormatSeconds(st.MonoSeconds()),
		stype,
	)
	row = append(row, r.parser.Derived()...)
	row = append(row, raw)
	return row
}

// Start attaches the sidecar CSV for this trial.
func (r *Recorder) Start(_ context.Context, trial modrun.TrialInfo) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.src == nil {
		return nil, fmt.Errorf("gps: no receiver connected")
	}
	if r.sidecar != nil {
		return nil, fmt.Errorf("gps: already recording")
	}

	dir := filepath.Join(trial.SessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gps: create session dir: %w", err)
	}

	base := modules.FileBase(trial, r.dev.ID)
	sc, err := pipeline.NewSidecar(pipeline.SidecarConfig{
		Module:     "gps",
		Name:       "nmea",
		Path:       filepath.Join(dir, base+".csv"),
		Schema:     csvspec.GPS,
		FlushEvery: 8,
	})
	if err != nil {
		return nil, err
	}

	r.sidecar = sc
	r.trial = trial
	return map[string]any{
		"devices":         1,
		"recording_count": 1,
		"fix_valid":       r.parser.HasFix(),
	}, nil
}

// Stop detaches and closes the sidecar. The port keeps streaming for
// the next trial.
func (r *Recorder) Stop(context.Context) (map[string]any, error) {
	r.mu.Lock()
	sc := r.sidecar
	r.sidecar = nil
	r.mu.Unlock()

	if sc == nil {
		return map[string]any{"rows": int64(0)}, nil
	}
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

// Report contributes receiver and fix state to status reports.
func (r *Recorder) Report() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	devs := make([]map[string]any, 0, len(r.devs))
	for _, d := range r.devs {
		devs = append(devs, map[string]any{
			"device_id": d.ID,
			"name":      d.DisplayName,
			"port":      d.Port,
		})
	}
	out := map[string]any{
		"devices":     len(r.devs),
		"connected":   r.connected,
		"device_list": devs,
		"fix_valid":   r.parser.HasFix(),
		"sentences":   r.sentences,
		"rejected":    r.rejected,
	}
	if lat, lon, ok := r.parser.Position(); ok {
		out["latitude"] = lat
		out["longitude"] = lon
	}
	return out
}

// HandleCommand implements dump_nmea, replying with the most recent raw
// sentences.
func (r *Recorder) HandleCommand(_ context.Context, cmd protocol.Command) (bool, error) {
	if cmd.Name != cmdDumpNMEA {
		return false, nil
	}

	n, ok := cmd.Int("count")
	if !ok || n <= 0 || n > ringSize {
		n = 25
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.ring.LastN(n)
	r.sendLocked(protocol.StatusReport, map[string]any{
		"sentences": lines,
		"count":     len(lines),
	})
	return true, nil
}

// UpdatePreview pushes the current position, driven by gui mode at the
// configured preview rate.
func (r *Recorder) UpdatePreview() {
	r.mu.Lock()
	defer r.mu.Unlock()

	lat, lon, ok := r.parser.Position()
	if !ok {
		return
	}
	r.sendLocked(protocol.StatusPreviewFrame, map[string]any{
		"latitude":  lat,
		"longitude": lon,
		"fix_valid": r.parser.HasFix(),
	})
}

// Cleanup closes the sidecar and the port.
func (r *Recorder) Cleanup() error {
	_, err := r.Stop(context.Background())

	r.mu.Lock()
	src := r.src
	r.src = nil
	r.connected = false
	r.mu.Unlock()

	if src != nil {
		if serr := src.Stop(); serr != nil && err == nil {
			err = serr
		}
	}
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
