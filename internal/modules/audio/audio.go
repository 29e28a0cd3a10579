// SPDX-License-Identifier: MIT

// Package audio records 16-bit PCM mono WAV per capture device. Devices
// come from the ALSA card table; each enabled one gets its own capture
// process, pipeline and output file. The toggle_device command switches
// individual devices in and out of the next recording.
package audio

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/modrun"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/pipeline"
	"github.com/labrig/labrig/internal/pipeline/encoder"
	"github.com/labrig/labrig/internal/protocol"
)

// DirName is the session subdirectory this module owns.
const DirName = "Audio"

// chunksPerSecond is the PCM delivery cadence; each chunk carries 100ms
// of samples and the pipeline paces output at the same rate.
const chunksPerSecond = 10

func init() {
	modules.Register("audio", func(opts config.ModuleOptions) (modrun.Recorder, error) {
		return New(opts), nil
	})
}

type captureDevice struct {
	dev     devices.Device
	enabled bool
}

type activeRecording struct {
	dev    devices.Device
	source Source
	wav    *encoder.WAV
	pipe   *pipeline.Pipeline
}

var (
	_ modrun.Recorder       = (*Recorder)(nil)
	_ modrun.CommandHandler = (*Recorder)(nil)
	_ modrun.Previewer      = (*Recorder)(nil)
	_ modrun.PreviewRater   = (*Recorder)(nil)
	_ modrun.StatusSender   = (*Recorder)(nil)
)

// Recorder implements the audio module.
type Recorder struct {
	opts      config.ModuleOptions
	logger    zerolog.Logger
	enumerate Enumerate
	open      OpenSource

	mu     sync.Mutex
	status *protocol.StatusWriter
	devs   []*captureDevice
	active []*activeRecording
	levels map[string]float64
}

// New builds the recorder with the production ALSA backends.
func New(opts config.ModuleOptions) *Recorder {
	return &Recorder{
		opts:      opts,
		logger:    log.WithComponent("audio"),
		enumerate: defaultEnumerate,
		open:      defaultOpenSource,
		levels:    map[string]float64{},
	}
}

// AttachStatus wires the parent channel for command replies and meter
// previews.
func (r *Recorder) AttachStatus(w *protocol.StatusWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = w
}

// Init sweeps the card table. Enablement survives re-initialisation so
// a device toggled off stays off across a discovery retry.
func (r *Recorder) Init(ctx context.Context) (int, error) {
	found, err := r.enumerate(ctx)
	if err != nil {
		return 0, fmt.Errorf("audio: enumerate: %w", err)
	}
	if len(found) == 0 {
		return 0, &modrun.InitError{Reason: "no audio capture devices"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := make(map[string]bool, len(r.devs))
	for _, d := range r.devs {
		prev[d.dev.ID] = d.enabled
	}
	r.devs = r.devs[:0]
	for _, dev := range found {
		enabled := true
		if was, known := prev[dev.ID]; known {
			enabled = was
		}
		r.devs = append(r.devs, &captureDevice{dev: dev, enabled: enabled})
	}
	r.logger.Info().Int("devices", len(r.devs)).Msg("audio devices enumerated")
	return len(r.devs), nil
}

// Start opens one WAV pipeline per enabled device. Already-started
// pipelines are unwound when a later device fails so a partial start
// never leaks capture processes.
func (r *Recorder) Start(_ context.Context, trial modrun.TrialInfo) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := make([]*captureDevice, 0, len(r.devs))
	for _, d := range r.devs {
		if d.enabled {
			enabled = append(enabled, d)
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("audio: no enabled capture devices")
	}

	dir := filepath.Join(trial.SessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audio: create session dir: %w", err)
	}

	chunkBytes := 2 * r.opts.SampleRate / chunksPerSecond
	var started []*activeRecording
	for _, d := range enabled {
		rec, err := r.startDevice(d.dev, dir, trial, chunkBytes)
		if err != nil {
			for _, s := range started {
				_ = s.source.Stop()
				_ = s.pipe.Stop()
			}
			return nil, err
		}
		started = append(started, rec)
	}

	r.active = started
	return map[string]any{
		"devices":         len(enabled),
		"recording_count": len(started),
	}, nil
}

func (r *Recorder) startDevice(dev devices.Device, dir string, trial modrun.TrialInfo, chunkBytes int) (*activeRecording, error) {
	base := modules.FileBase(trial, dev.ID)
	wav, err := encoder.NewWAV(filepath.Join(dir, base+".wav"), r.opts.SampleRate)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Config{
		Module:     "audio",
		Device:     dev.ID,
		FPS:        chunksPerSecond,
		Sink:       wav,
		TimingPath: filepath.Join(dir, base+"_timing.csv"),
	})
	if err != nil {
		_ = wav.Close()
		return nil, err
	}

	src, err := r.open(dev, r.opts.SampleRate, chunkBytes)
	if err != nil {
		_ = pipe.Stop()
		return nil, fmt.Errorf("audio: open %s: %w", dev.ID, err)
	}

	id := dev.ID
	if err := src.Start(func(p []byte) {
		r.observeLevel(id, p)
		pipe.Capture(p, pipeline.CaptureMeta{})
	}); err != nil {
		_ = pipe.Stop()
		return nil, fmt.Errorf("audio: capture %s: %w", dev.ID, err)
	}
	pipe.Start()

	return &activeRecording{dev: dev, source: src, wav: wav, pipe: pipe}, nil
}

// Stop ends every active capture. Sources stop before pipelines so no
// chunk arrives after the sink closed.
func (r *Recorder) Stop(context.Context) (map[string]any, error) {
	r.mu.Lock()
	active := r.active
	r.active = nil
	r.mu.Unlock()

	var firstErr error
	files := 0
	var duration float64
	for _, a := range active {
		if err := a.source.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := a.pipe.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		duration = math.Max(duration, a.wav.Duration())
		files++
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return map[string]any{
		"recording_count": files,
		"duration_s":      duration,
	}, nil
}

// Report contributes device and level state to status reports.
func (r *Recorder) Report() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := 0
	devs := make([]map[string]any, 0, len(r.devs))
	for _, d := range r.devs {
		if d.enabled {
			enabled++
		}
		devs = append(devs, map[string]any{
			"device_id": d.dev.ID,
			"name":      d.dev.DisplayName,
			"enabled":   d.enabled,
		})
	}
	levels := make(map[string]float64, len(r.levels))
	for id, v := range r.levels {
		levels[id] = v
	}
	return map[string]any{
		"devices":     len(r.devs),
		"enabled":     enabled,
		"device_list": devs,
		"levels":      levels,
		"sample_rate": r.opts.SampleRate,
	}
}

// HandleCommand implements toggle_device. Toggling during a recording
// is rejected; the change would desynchronise the open files.
func (r *Recorder) HandleCommand(_ context.Context, cmd protocol.Command) (bool, error) {
	if cmd.Name != protocol.CmdToggleDevice {
		return false, nil
	}

	id, ok := cmd.Str("device_id")
	if !ok || id == "" {
		return true, fmt.Errorf("toggle_device requires device_id")
	}
	enabled, ok := cmd.Bool("enabled")
	if !ok {
		return true, fmt.Errorf("toggle_device requires enabled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) > 0 {
		return true, fmt.Errorf("cannot toggle %s while recording", id)
	}
	for _, d := range r.devs {
		if d.dev.ID != id {
			continue
		}
		d.enabled = enabled
		r.logger.Info().Str(log.FieldDeviceID, id).Bool("enabled", enabled).Msg("device toggled")
		r.sendLocked(protocol.StatusReport, map[string]any{
			"device_id": id,
			"enabled":   enabled,
		})
		return true, nil
	}
	return true, fmt.Errorf("unknown device %q", id)
}

// UpdatePreview pushes the current meter levels, driven by gui mode at
// the configured preview rate.
func (r *Recorder) UpdatePreview() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.levels) == 0 {
		return
	}
	levels := make(map[string]float64, len(r.levels))
	for id, v := range r.levels {
		levels[id] = v
	}
	r.sendLocked(protocol.StatusPreviewFrame, map[string]any{"meters": levels})
}

// PreviewHz is the meter redraw rate when the operator did not pin one.
// Meters need a faster repaint than camera thumbnails to read well.
func (r *Recorder) PreviewHz() float64 { return 20 }

// Cleanup stops any capture still running.
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

// observeLevel computes the RMS of one chunk, normalised to [0,1].
func (r *Recorder) observeLevel(id string, p []byte) {
	n := len(p) / 2
	if n == 0 {
		return
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(p[2*i]) | uint16(p[2*i+1])<<8))
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768

	r.mu.Lock()
	r.levels[id] = rms
	r.mu.Unlock()
}

