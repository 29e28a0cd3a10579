// SPDX-License-Identifier: MIT

// Package eyetracker records gaze, IMU and event streams from a
// networked eye tracker, plus the scene camera as H.264 video. The
// tracker speaks newline-delimited JSON over TCP; the connection is
// held from Init so live gaze is available before a trial, and
// recording attaches the three CSV sidecars and the world pipeline.
package eyetracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

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
const DirName = "EyeTracker"

// cmdAnnotate appends an operator marker row to the events CSV.
const cmdAnnotate = "annotate"

// Tracker endpoint defaults, overridable through tracker_host and
// tracker_port in the module options.
const (
	defaultHost = "127.0.0.1"
	defaultPort = 50020
)

func init() {
	modules.Register("eyetracker", func(opts config.ModuleOptions) (modrun.Recorder, error) {
		return New(opts), nil
	})
}

var (
	_ modrun.Recorder       = (*Recorder)(nil)
	_ modrun.CommandHandler = (*Recorder)(nil)
	_ modrun.Previewer      = (*Recorder)(nil)
	_ modrun.StatusSender   = (*Recorder)(nil)
)

// NewSink builds the encoding sink for the world video. Swapped in
// tests to avoid spawning real encoder processes.
type NewSink func(cfg encoder.MP4Config) (pipeline.Sink, error)

// meter measures a stream's delivery rate over one-second windows.
type meter struct {
	value float64
	count int
	start time.Time
}

func (m *meter) observe(now time.Time) {
	m.count++
	if m.start.IsZero() {
		m.start = now
	} else if el := now.Sub(m.start); el >= time.Second {
		m.value = float64(m.count) / el.Seconds()
		m.count = 0
		m.start = now
	}
}

// Recorder implements the eyetracker module.
type Recorder struct {
	opts        config.ModuleOptions
	logger      zerolog.Logger
	enumerate   Enumerate
	open        OpenConn
	newSink     NewSink
	clock       timing.Clock
	recordWorld bool

	mu        sync.Mutex
	status    *protocol.StatusWriter
	devs      []devices.Device
	dev       devices.Device
	src       Source
	connected bool

	trial    modrun.TrialInfo
	gazeCSV  *pipeline.Sidecar
	imuCSV   *pipeline.Sidecar
	eventCSV *pipeline.Sidecar
	world    *pipeline.Pipeline

	lastGaze GazeMessage
	hasGaze  bool
	lastIMU  IMUMessage
	hasIMU   bool

	gazeMeter  meter
	worldMeter meter

	gazeCount   int64
	imuCount    int64
	eventCount  int64
	worldCount  int64
	rejected    int64
	badFrames   int64
	badWarned   bool
	annotations int
}

// New builds the recorder with the production network backends.
func New(opts config.ModuleOptions) *Recorder {
	return &Recorder{
		opts:   opts,
		logger: log.WithComponent("eyetracker"),
		enumerate: networkEnumerate(
			opts.Raw.String("tracker_host", defaultHost),
			opts.Raw.Int("tracker_port", defaultPort),
		),
		open: defaultOpenConn,
		newSink: func(cfg encoder.MP4Config) (pipeline.Sink, error) {
			return encoder.NewMP4(cfg)
		},
		clock:       timing.NewSystemClock(),
		recordWorld: opts.Raw.Bool("record_world_video", true),
	}
}

// AttachStatus wires the parent channel for command replies and gaze
// previews.
func (r *Recorder) AttachStatus(w *protocol.StatusWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = w
}

// Init probes the tracker endpoint and connects. The stream runs from
// here on; a retry keeps an already-open connection.
func (r *Recorder) Init(ctx context.Context) (int, error) {
	found, err := r.enumerate(ctx)
	if err != nil {
		return 0, fmt.Errorf("eyetracker: enumerate: %w", err)
	}
	if len(found) == 0 {
		return 0, &modrun.InitError{Reason: "no eye tracker reachable"}
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
		return 0, &modrun.InitError{Reason: fmt.Sprintf("connect %s: %v", pick.ID, err)}
	}
	if err := src.Start(r.handleLine); err != nil {
		return 0, &modrun.InitError{Reason: fmt.Sprintf("start %s: %v", pick.ID, err)}
	}

	r.mu.Lock()
	r.dev = pick
	r.src = src
	r.connected = true
	r.mu.Unlock()

	r.logger.Info().Str(log.FieldDeviceID, pick.ID).Str("addr", pick.Port).
		Msg("eye tracker streaming")
	return len(found), nil
}

// handleLine decodes one tracker message and routes it by topic.
func (r *Recorder) handleLine(line []byte) {
	topic, err := decodeTopic(line)
	if err != nil {
		r.reject()
		return
	}
	switch topic {
	case TopicGaze:
		var m GazeMessage
		if err := json.Unmarshal(line, &m); err != nil {
			r.reject()
			return
		}
		r.handleGaze(m)
	case TopicIMU:
		var m IMUMessage
		if err := json.Unmarshal(line, &m); err != nil {
			r.reject()
			return
		}
		r.handleIMU(m)
	case TopicEvent:
		var m EventMessage
		if err := json.Unmarshal(line, &m); err != nil {
			r.reject()
			return
		}
		r.handleEvent(m)
	case TopicWorld:
		var m WorldMessage
		if err := json.Unmarshal(line, &m); err != nil {
			r.reject()
			return
		}
		r.handleWorld(m)
	default:
		r.reject()
	}
}

func (r *Recorder) reject() {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
}

// prefixLocked starts a CSV row with the six shared columns.
func (r *Recorder) prefixLocked(schema csvspec.Schema) []string {
	st := r.clock.Now()
	row := make([]string, 0, schema.NumColumns())
	return append(row,
		strconv.Itoa(r.trial.Number), "eyetracker", r.dev.ID, r.trial.Label,
		csvspec.FormatSeconds(st.UnixSeconds()),
		csvspec.FormatSeconds(st.MonoSeconds()),
	)
}

func (r *Recorder) handleGaze(m GazeMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastGaze = m
	r.hasGaze = true
	r.gazeCount++
	r.gazeMeter.observe(time.Now())

	if r.gazeCSV != nil {
		r.gazeCSV.Append(m.row(r.prefixLocked(csvspec.Gaze)))
	}
}

func (r *Recorder) handleIMU(m IMUMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastIMU = m
	r.hasIMU = true
	r.imuCount++

	if r.imuCSV != nil {
		r.imuCSV.Append(m.row(r.prefixLocked(csvspec.IMU)))
	}
}

func (r *Recorder) handleEvent(m EventMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.eventCount++
	if r.eventCSV != nil {
		r.eventCSV.Append(m.row(r.prefixLocked(csvspec.Events)))
	}
}

// handleWorld decodes the frame and feeds the world pipeline when one
// is attached. Frames that do not match the configured scene format are
// dropped.
func (r *Recorder) handleWorld(m WorldMessage) {
	payload, err := base64.StdEncoding.DecodeString(m.FrameB64)
	ok := err == nil &&
		m.Width == r.opts.Width && m.Height == r.opts.Height &&
		len(payload) == m.Width*m.Height*3
	if !ok {
		r.mu.Lock()
		r.badFrames++
		warned := r.badWarned
		r.badWarned = true
		r.mu.Unlock()
		if !warned {
			r.logger.Warn().Int("width", m.Width).Int("height", m.Height).
				Int("bytes", len(payload)).Msg("world frame does not match configured scene format")
		}
		return
	}

	r.mu.Lock()
	r.worldCount++
	r.worldMeter.observe(time.Now())
	pipe := r.world
	meta := pipeline.CaptureMeta{
		CameraFrameIndex: int64(m.WorldIndex),
		AvailableFPS:     r.worldMeter.value,
		Width:            m.Width,
		Height:           m.Height,
		GazeUnix:         r.lastGaze.Timestamp,
		HasGaze:          r.hasGaze,
	}
	r.mu.Unlock()

	if pipe != nil {
		pipe.Capture(payload, meta)
	}
}

// Start attaches the three CSV sidecars and, when enabled, the world
// video pipeline. A partial failure unwinds whatever was attached.
func (r *Recorder) Start(_ context.Context, trial modrun.TrialInfo) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.src == nil {
		return nil, fmt.Errorf("eyetracker: no tracker connected")
	}
	if r.gazeCSV != nil {
		return nil, fmt.Errorf("eyetracker: already recording")
	}

	dir := filepath.Join(trial.SessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eyetracker: create session dir: %w", err)
	}
	base := modules.FileBase(trial, r.dev.ID)
	r.trial = trial
	r.annotations = 0

	streams := []struct {
		name   string
		schema csvspec.Schema
		flush  int
		dst    **pipeline.Sidecar
	}{
		{"gaze", csvspec.Gaze, pipeline.FlushEveryGaze, &r.gazeCSV},
		{"imu", csvspec.IMU, pipeline.FlushEveryIMU, &r.imuCSV},
		{"events", csvspec.Events, pipeline.FlushEveryEvents, &r.eventCSV},
	}
	for _, s := range streams {
		sc, err := pipeline.NewSidecar(pipeline.SidecarConfig{
			Module:     "eyetracker",
			Name:       s.name,
			Path:       filepath.Join(dir, base+"_"+s.name+".csv"),
			Schema:     s.schema,
			FlushEvery: s.flush,
		})
		if err != nil {
			r.closeStreamsLocked()
			return nil, err
		}
		*s.dst = sc
	}

	if r.recordWorld {
		pipe, err := r.startWorld(dir, base)
		if err != nil {
			r.closeStreamsLocked()
			return nil, err
		}
		r.world = pipe
	}

	return map[string]any{
		"devices":         1,
		"recording_count": 1,
		"world_video":     r.recordWorld,
	}, nil
}

func (r *Recorder) closeStreamsLocked() {
	for _, sc := range []*pipeline.Sidecar{r.gazeCSV, r.imuCSV, r.eventCSV} {
		if sc != nil {
			_ = sc.Close()
		}
	}
	r.gazeCSV, r.imuCSV, r.eventCSV = nil, nil, nil
}

func (r *Recorder) startWorld(dir, base string) (*pipeline.Pipeline, error) {
	sink, err := r.newSink(encoder.MP4Config{
		Path:   filepath.Join(dir, base+"_world.mp4"),
		Width:  r.opts.Width,
		Height: r.opts.Height,
		FPS:    r.opts.FPS,
		Module: "eyetracker",
		Device: r.dev.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("eyetracker: world encoder: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Module:      "eyetracker",
		Device:      r.dev.ID,
		FPS:         r.opts.FPS,
		Sink:        sink,
		TimingPath:  filepath.Join(dir, base+"_world_timing.csv"),
		GazeColumns: true,
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	pipe.Start()
	return pipe, nil
}

// Stop detaches and closes the sidecars and the world pipeline. The
// tracker connection keeps streaming for the next trial.
func (r *Recorder) Stop(context.Context) (map[string]any, error) {
	r.mu.Lock()
	g, i, e, w := r.gazeCSV, r.imuCSV, r.eventCSV, r.world
	r.gazeCSV, r.imuCSV, r.eventCSV, r.world = nil, nil, nil, nil
	r.mu.Unlock()

	if g == nil && w == nil {
		return map[string]any{
			"gaze_rows":  int64(0),
			"imu_rows":   int64(0),
			"event_rows": int64(0),
		}, nil
	}

	var firstErr error
	var dropped int64
	rows := func(sc *pipeline.Sidecar) int64 {
		if sc == nil {
			return 0
		}
		if err := sc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		_, written, d := sc.Counts()
		dropped += d
		return written
	}
	gazeRows := rows(g)
	imuRows := rows(i)
	eventRows := rows(e)

	out := map[string]any{
		"gaze_rows":  gazeRows,
		"imu_rows":   imuRows,
		"event_rows": eventRows,
		"dropped":    dropped,
	}
	if w != nil {
		if err := w.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		st := w.Stats()
		out["world_frames"] = st.Written
		out["world_dropped"] = st.Dropped
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Report contributes tracker and stream state to status reports.
func (r *Recorder) Report() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	devs := make([]map[string]any, 0, len(r.devs))
	for _, d := range r.devs {
		devs = append(devs, map[string]any{
			"device_id": d.ID,
			"name":      d.DisplayName,
			"address":   d.Port,
		})
	}
	out := map[string]any{
		"devices":      len(r.devs),
		"connected":    r.connected,
		"device_list":  devs,
		"gaze_samples": r.gazeCount,
		"imu_samples":  r.imuCount,
		"events":       r.eventCount,
		"world_frames": r.worldCount,
		"rejected":     r.rejected,
		"bad_frames":   r.badFrames,
		"gaze_rate":    r.gazeMeter.value,
		"world_rate":   r.worldMeter.value,
	}
	if r.hasGaze {
		out["gaze"] = map[string]any{
			"timestamp":  r.lastGaze.Timestamp,
			"norm_x":     r.lastGaze.NormPos[0],
			"norm_y":     r.lastGaze.NormPos[1],
			"confidence": r.lastGaze.Confidence,
			"on_surface": r.lastGaze.OnSurface,
		}
	}
	if r.hasIMU {
		out["imu"] = map[string]any{
			"temperature_c": r.lastIMU.TempC,
			"gyro":          r.lastIMU.Gyro,
			"accel":         r.lastIMU.Accel,
			"quaternion":    r.lastIMU.Quaternion,
		}
	}
	return out
}

// HandleCommand implements annotate, appending an operator marker row
// to the events CSV of the active trial.
func (r *Recorder) HandleCommand(_ context.Context, cmd protocol.Command) (bool, error) {
	if cmd.Name != cmdAnnotate {
		return false, nil
	}
	text, ok := cmd.Str("text")
	if !ok || text == "" {
		return true, fmt.Errorf("eyetracker: annotate requires text")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eventCSV == nil {
		return true, fmt.Errorf("eyetracker: not recording")
	}

	r.annotations++
	r.eventCSV.Append(r.annotationRowLocked(r.annotations, text))
	r.sendLocked(protocol.StatusReport, map[string]any{
		"annotation": text,
		"event_id":   r.annotations,
	})
	return true, nil
}

// annotationRowLocked builds an events row for a manual marker. The
// record stamp doubles as the event timestamp and the tracker-derived
// columns stay empty.
func (r *Recorder) annotationRowLocked(id int, text string) []string {
	row := r.prefixLocked(csvspec.Events)
	row = append(row, row[4], "", "annotation", strconv.Itoa(id))
	for n := 0; n < 11; n++ { // duration_ms through on_surface
		row = append(row, "")
	}
	return append(row, "manual", "", text)
}

// UpdatePreview pushes the latest gaze point, driven by gui mode at the
// configured preview rate.
func (r *Recorder) UpdatePreview() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasGaze {
		return
	}
	r.sendLocked(protocol.StatusPreviewFrame, map[string]any{
		"norm_x":     r.lastGaze.NormPos[0],
		"norm_y":     r.lastGaze.NormPos[1],
		"confidence": r.lastGaze.Confidence,
		"on_surface": r.lastGaze.OnSurface,
		"gaze_rate":  r.gazeMeter.value,
	})
}

// Cleanup closes the recording streams and the connection.
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
