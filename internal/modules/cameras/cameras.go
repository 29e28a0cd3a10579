// SPDX-License-Identifier: MIT

// Package cameras records H.264 video per camera. Grab processes run
// continuously from Init so previews and snapshots work before a trial;
// recording attaches an encoding pipeline per camera. The
// toggle_preview command switches per-camera preview streaming and
// take_snapshot saves the most recent frame as an image file.
package cameras

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

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
const DirName = "Cameras"

// previewQuality is the JPEG quality for preview thumbnails.
const previewQuality = 60

func init() {
	modules.Register("cameras", func(opts config.ModuleOptions) (modrun.Recorder, error) {
		return New(opts), nil
	})
}

var (
	_ modrun.Recorder       = (*Recorder)(nil)
	_ modrun.CommandHandler = (*Recorder)(nil)
	_ modrun.Snapshotter    = (*Recorder)(nil)
	_ modrun.Previewer      = (*Recorder)(nil)
	_ modrun.StatusSender   = (*Recorder)(nil)
)

// camera is the per-device state. The grab source streams for the whole
// process lifetime; pipe is attached only while recording.
type camera struct {
	dev       devices.Device
	src       Source
	connected bool
	preview   bool

	latest    []byte
	lastIndex int64
	rate      float64
	rateCount int
	rateStart time.Time

	pipe *pipeline.Pipeline
}

// NewSink builds the encoding sink for one camera's recording. Swapped
// in tests to avoid spawning real encoder processes.
type NewSink func(cfg encoder.MP4Config) (pipeline.Sink, error)

// Recorder implements the cameras module.
type Recorder struct {
	opts      config.ModuleOptions
	logger    zerolog.Logger
	enumerate Enumerate
	open      OpenSource
	newSink   NewSink

	mu        sync.Mutex
	status    *protocol.StatusWriter
	cams      []*camera
	recording bool
}

// New builds the recorder with the production v4l2 backends.
func New(opts config.ModuleOptions) *Recorder {
	return &Recorder{
		opts:      opts,
		logger:    log.WithComponent("cameras"),
		enumerate: defaultEnumerate,
		open:      defaultOpenSource,
		newSink: func(cfg encoder.MP4Config) (pipeline.Sink, error) {
			return encoder.NewMP4(cfg)
		},
	}
}

// AttachStatus wires the parent channel for command replies, preview
// frames and snapshot notices.
func (r *Recorder) AttachStatus(w *protocol.StatusWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = w
}

// Init sweeps the video nodes and reconciles the camera set: sources of
// still-present cameras keep running, vanished ones are stopped, new
// ones start streaming. Preview flags survive re-initialisation.
func (r *Recorder) Init(ctx context.Context) (int, error) {
	found, err := r.enumerate(ctx)
	if err != nil {
		return 0, fmt.Errorf("cameras: enumerate: %w", err)
	}
	if len(found) == 0 {
		return 0, &modrun.InitError{Reason: "no cameras detected"}
	}

	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return 0, fmt.Errorf("cameras: cannot re-initialise while recording")
	}
	prev := make(map[string]*camera, len(r.cams))
	for _, c := range r.cams {
		prev[c.dev.ID] = c
	}
	next := make([]*camera, 0, len(found))
	var fresh []*camera
	for _, dev := range found {
		if c, known := prev[dev.ID]; known && c.connected {
			c.dev = dev
			next = append(next, c)
			delete(prev, dev.ID)
			continue
		}
		c := &camera{dev: dev}
		if old, known := prev[dev.ID]; known {
			c.preview = old.preview
			delete(prev, dev.ID)
		}
		next = append(next, c)
		fresh = append(fresh, c)
	}
	var drop []*camera
	for _, c := range prev {
		if c.connected {
			drop = append(drop, c)
		}
	}
	r.cams = next
	r.mu.Unlock()

	for _, c := range drop {
		_ = c.src.Stop()
		r.logger.Info().Str(log.FieldDeviceID, c.dev.ID).Msg("camera removed")
	}

	connected := len(next) - len(fresh)
	for _, c := range fresh {
		src, err := r.open(c.dev, r.opts.Width, r.opts.Height, r.opts.FPS)
		if err != nil {
			r.logger.Warn().Err(err).Str(log.FieldDeviceID, c.dev.ID).Msg("camera open failed")
			continue
		}
		cam := c
		if err := src.Start(func(frame []byte, index int) {
			r.observeFrame(cam, frame, index)
		}); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldDeviceID, c.dev.ID).Msg("camera start failed")
			continue
		}
		r.mu.Lock()
		c.src = src
		c.connected = true
		r.mu.Unlock()
		connected++
	}

	if connected == 0 {
		return 0, &modrun.InitError{Reason: "no cameras could be opened"}
	}
	r.logger.Info().Int("devices", connected).Msg("cameras streaming")
	return connected, nil
}

// observeFrame retains the frame for previews and snapshots, updates
// the measured rate and feeds the recording pipeline when one is
// attached.
func (r *Recorder) observeFrame(c *camera, frame []byte, index int) {
	now := time.Now()

	r.mu.Lock()
	c.latest = frame
	c.lastIndex = int64(index)
	c.rateCount++
	if c.rateStart.IsZero() {
		c.rateStart = now
	} else if el := now.Sub(c.rateStart); el >= time.Second {
		c.rate = float64(c.rateCount) / el.Seconds()
		c.rateCount = 0
		c.rateStart = now
	}
	pipe, rate := c.pipe, c.rate
	r.mu.Unlock()

	if pipe != nil {
		pipe.Capture(frame, pipeline.CaptureMeta{
			CameraFrameIndex: int64(index),
			AvailableFPS:     rate,
			Width:            r.opts.Width,
			Height:           r.opts.Height,
		})
	}
}

// Start attaches one encoding pipeline per connected camera.
// Already-attached pipelines are unwound when a later camera fails so a
// partial start never leaks encoder processes.
func (r *Recorder) Start(_ context.Context, trial modrun.TrialInfo) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return nil, fmt.Errorf("cameras: already recording")
	}
	var connected []*camera
	for _, c := range r.cams {
		if c.connected {
			connected = append(connected, c)
		}
	}
	if len(connected) == 0 {
		return nil, fmt.Errorf("cameras: no cameras connected")
	}

	dir := filepath.Join(trial.SessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cameras: create session dir: %w", err)
	}

	var started []*camera
	for _, c := range connected {
		pipe, err := r.startCamera(c, dir, trial)
		if err != nil {
			for _, s := range started {
				p := s.pipe
				s.pipe = nil
				_ = p.Stop()
			}
			return nil, err
		}
		c.pipe = pipe
		started = append(started, c)
	}

	r.recording = true
	return map[string]any{
		"devices":         len(connected),
		"recording_count": len(started),
	}, nil
}

func (r *Recorder) startCamera(c *camera, dir string, trial modrun.TrialInfo) (*pipeline.Pipeline, error) {
	base := modules.FileBase(trial, c.dev.ID)
	sink, err := r.newSink(encoder.MP4Config{
		Path:   filepath.Join(dir, base+".mp4"),
		Width:  r.opts.Width,
		Height: r.opts.Height,
		FPS:    r.opts.FPS,
		Module: "cameras",
		Device: c.dev.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("cameras: encoder %s: %w", c.dev.ID, err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Module:     "cameras",
		Device:     c.dev.ID,
		FPS:        r.opts.FPS,
		Sink:       sink,
		TimingPath: filepath.Join(dir, base+"_timing.csv"),
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	pipe.Start()
	return pipe, nil
}

// Stop detaches and drains every pipeline. Grab processes keep
// streaming for the next trial.
func (r *Recorder) Stop(context.Context) (map[string]any, error) {
	r.mu.Lock()
	var pipes []*pipeline.Pipeline
	for _, c := range r.cams {
		if c.pipe != nil {
			pipes = append(pipes, c.pipe)
			c.pipe = nil
		}
	}
	r.recording = false
	r.mu.Unlock()

	var firstErr error
	var written, dropped int64
	for _, p := range pipes {
		if err := p.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		st := p.Stats()
		written += st.Written
		dropped += st.Dropped
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return map[string]any{
		"recording_count": len(pipes),
		"frames_written":  written,
		"frames_dropped":  dropped,
	}, nil
}

// Report contributes camera and rate state to status reports.
func (r *Recorder) Report() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	connected := 0
	devs := make([]map[string]any, 0, len(r.cams))
	for _, c := range r.cams {
		if c.connected {
			connected++
		}
		devs = append(devs, map[string]any{
			"device_id":    c.dev.ID,
			"name":         c.dev.DisplayName,
			"connected":    c.connected,
			"preview":      c.preview,
			"measured_fps": c.rate,
			"frame_index":  c.lastIndex,
		})
	}
	return map[string]any{
		"devices":     len(r.cams),
		"connected":   connected,
		"device_list": devs,
		"width":       r.opts.Width,
		"height":      r.opts.Height,
		"fps":         r.opts.FPS,
	}
}

// Snapshot implements take_snapshot: the most recent frame of one
// camera is written as a JPEG or PNG file.
func (r *Recorder) Snapshot(_ context.Context, cmd protocol.Command) (map[string]any, error) {
	format, _ := cmd.Str("format")
	switch format {
	case "":
		format = "jpeg"
	case "jpeg", "png":
	default:
		return nil, fmt.Errorf("unsupported snapshot format %q", format)
	}

	r.mu.Lock()
	var cam *camera
	if id, ok := cmd.Str("camera_id"); ok && id != "" {
		for _, c := range r.cams {
			if c.dev.ID == id {
				cam = c
				break
			}
		}
		if cam == nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("unknown camera %q", id)
		}
	} else {
		for _, c := range r.cams {
			if c.latest != nil {
				cam = c
				break
			}
		}
		if cam == nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("no frames captured yet")
		}
	}
	frame := cam.latest
	id := cam.dev.ID
	r.mu.Unlock()

	if frame == nil {
		return nil, fmt.Errorf("no frames captured yet for %s", id)
	}

	path, _ := cmd.Str("save_path")
	if path == "" {
		dir := filepath.Join(r.opts.OutputDir, "snapshots")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cameras: snapshot dir: %w", err)
		}
		name := fmt.Sprintf("%s_%s.%s", modules.Sanitize(id),
			time.Now().Format("20060102_150405"), extFor(format))
		path = filepath.Join(dir, name)
	}

	img := bgrImage(frame, r.opts.Width, r.opts.Height)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cameras: snapshot create: %w", err)
	}
	switch format {
	case "png":
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("cameras: snapshot encode: %w", err)
	}

	r.logger.Info().Str(log.FieldDeviceID, id).Str(log.FieldPath, path).Msg("snapshot saved")
	return map[string]any{
		"camera_id": id,
		"path":      path,
		"width":     r.opts.Width,
		"height":    r.opts.Height,
		"format":    format,
	}, nil
}

// HandleCommand implements toggle_preview.
func (r *Recorder) HandleCommand(_ context.Context, cmd protocol.Command) (bool, error) {
	if cmd.Name != protocol.CmdTogglePreview {
		return false, nil
	}

	id, ok := cmd.Str("camera_id")
	if !ok || id == "" {
		return true, fmt.Errorf("toggle_preview requires camera_id")
	}
	enabled, ok := cmd.Bool("enabled")
	if !ok {
		return true, fmt.Errorf("toggle_preview requires enabled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cams {
		if c.dev.ID != id {
			continue
		}
		c.preview = enabled
		r.logger.Info().Str(log.FieldDeviceID, id).Bool("enabled", enabled).Msg("preview toggled")
		r.sendLocked(protocol.StatusPreviewToggled, map[string]any{
			"camera_id": id,
			"enabled":   enabled,
		})
		return true, nil
	}
	return true, fmt.Errorf("unknown camera %q", id)
}

// UpdatePreview pushes a thumbnail per preview-enabled camera, driven
// by gui mode at the configured preview rate.
func (r *Recorder) UpdatePreview() {
	r.mu.Lock()
	defer r.mu.Unlock()

	pw, ph := r.opts.PreviewWidth, r.opts.PreviewHeight
	for _, c := range r.cams {
		if !c.preview || c.latest == nil {
			continue
		}
		small := encoder.ResizeBGR24(make([]byte, pw*ph*3), c.latest,
			r.opts.Width, r.opts.Height, pw, ph)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, bgrImage(small, pw, ph),
			&jpeg.Options{Quality: previewQuality}); err != nil {
			continue
		}
		r.sendLocked(protocol.StatusPreviewFrame, map[string]any{
			"camera_id": c.dev.ID,
			"width":     pw,
			"height":    ph,
			"format":    "jpeg",
			"jpeg_b64":  base64.StdEncoding.EncodeToString(buf.Bytes()),
		})
	}
}

// Cleanup stops recording and every grab process.
func (r *Recorder) Cleanup() error {
	_, err := r.Stop(context.Background())

	r.mu.Lock()
	var srcs []Source
	for _, c := range r.cams {
		if c.connected {
			srcs = append(srcs, c.src)
			c.connected = false
		}
	}
	r.mu.Unlock()

	for _, s := range srcs {
		if serr := s.Stop(); serr != nil && err == nil {
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

// bgrImage wraps a raw bgr24 frame as an image for the stdlib encoders.
func bgrImage(frame []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h && 3*i+2 < len(frame); i++ {
		img.Pix[4*i] = frame[3*i+2]
		img.Pix[4*i+1] = frame[3*i+1]
		img.Pix[4*i+2] = frame[3*i]
		img.Pix[4*i+3] = 0xFF
	}
	return img
}

func extFor(format string) string {
	if format == "png" {
		return "png"
	}
	return "jpg"
}
