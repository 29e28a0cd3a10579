// SPDX-License-Identifier: MIT

package eyetracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/csvspec"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/devsim"
	"github.com/labrig/labrig/internal/modrun"
	"github.com/labrig/labrig/internal/pipeline"
	"github.com/labrig/labrig/internal/pipeline/encoder"
	"github.com/labrig/labrig/internal/protocol"
	"github.com/labrig/labrig/internal/timing"
)

type fakeSource struct {
	mu      sync.Mutex
	onLine  func([]byte)
	stopped bool
}

func (s *fakeSource) Start(onLine func(line []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLine = onLine
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeSource) deliver(line []byte) {
	s.mu.Lock()
	cb, stopped := s.onLine, s.stopped
	s.mu.Unlock()
	if cb != nil && !stopped {
		cb(line)
	}
}

func (s *fakeSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeSink struct {
	mu     sync.Mutex
	frames []pipeline.Frame
	closed bool
}

func (s *fakeSink) WriteFrame(f pipeline.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) snapshot() ([]pipeline.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Frame(nil), s.frames...), s.closed
}

func testTracker() devices.Device {
	return devices.Device{
		ID:          "net:127.0.0.1:50020",
		DisplayName: "Pupil Core",
		ModuleID:    devices.FamilyEyeTracker,
		Port:        "127.0.0.1:50020",
		DeviceType:  "pupil_core",
	}
}

// newTestRecorder wires fakes: one reachable tracker, a fakeSource per
// connect, fakeSink world encoders and a manual clock for deterministic
// row stamps.
func newTestRecorder(t *testing.T) (*Recorder, *fakeSource, *[]*fakeSink, *timing.Manual) {
	t.Helper()

	opts := config.ModuleDefaults()
	opts.Width = 8
	opts.Height = 6
	opts.FPS = 30

	r := New(opts)
	r.enumerate = func(context.Context) ([]devices.Device, error) {
		return []devices.Device{testTracker()}, nil
	}

	src := &fakeSource{}
	opens := 0
	r.open = func(devices.Device) (Source, error) {
		opens++
		require.Equal(t, 1, opens, "connection must be opened once across retries")
		return src, nil
	}

	var mu sync.Mutex
	var sinks []*fakeSink
	r.newSink = func(encoder.MP4Config) (pipeline.Sink, error) {
		mu.Lock()
		defer mu.Unlock()
		s := &fakeSink{}
		sinks = append(sinks, s)
		return s, nil
	}

	clk := timing.NewManual(time.Unix(1710428966, 0))
	r.clock = clk
	return r, src, &sinks, clk
}

// The devsim structs carry no wire tags, so the tests render them into
// tracker JSON by hand.

func gazeJSON(t *testing.T, s devsim.GazeSample) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"topic":             TopicGaze,
		"timestamp":         s.Timestamp,
		"device_time":       s.DeviceTime,
		"world_index":       s.WorldIndex,
		"confidence":        s.Confidence,
		"norm_pos":          []float64{s.NormX, s.NormY},
		"gaze_point_3d":     s.Point3D,
		"eye_centers_3d":    [][3]float64{s.EyeCenter0, s.EyeCenter1},
		"gaze_normals_3d":   [][3]float64{s.Normal0, s.Normal1},
		"pupil_diameter_mm": []float64{s.PupilDiameter0, s.PupilDiameter1},
		"eye_confidence":    []float64{s.Eye0Confidence, s.Eye1Confidence},
		"fixation_id":       s.FixationID,
		"blink_id":          s.BlinkID,
		"on_surface":        s.OnSurface,
		"surface_pos":       []float64{s.SurfaceX, s.SurfaceY},
	})
	require.NoError(t, err)
	return b
}

func imuJSON(t *testing.T, s devsim.IMUSample) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"topic":         TopicIMU,
		"timestamp":     s.Timestamp,
		"device_time":   s.DeviceTime,
		"gyro":          s.Gyro,
		"accel":         s.Accel,
		"quaternion":    s.Quaternion,
		"temperature_c": s.TempC,
	})
	require.NoError(t, err)
	return b
}

func eventJSON(t *testing.T, ev devsim.TrackerEvent) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"topic":             TopicEvent,
		"timestamp":         ev.Timestamp,
		"device_time":       ev.DeviceTime,
		"event_type":        ev.Type,
		"event_id":          ev.ID,
		"duration_ms":       ev.DurationMS,
		"confidence":        ev.Confidence,
		"norm_pos":          []float64{ev.NormX, ev.NormY},
		"dispersion_deg":    ev.Dispersion,
		"velocity_deg_s":    ev.Velocity,
		"amplitude_deg":     ev.Amplitude,
		"start_frame_index": ev.StartFrame,
		"end_frame_index":   ev.EndFrame,
		"surface_name":      ev.SurfaceName,
		"on_surface":        ev.OnSurface,
		"method":            ev.Method,
		"base_data_count":   ev.BaseDataCount,
	})
	require.NoError(t, err)
	return b
}

func worldJSON(t *testing.T, index, w, h int, frame []byte, ts float64) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"topic":       TopicWorld,
		"timestamp":   ts,
		"world_index": index,
		"width":       w,
		"height":      h,
		"frame_b64":   base64.StdEncoding.EncodeToString(frame),
	})
	require.NoError(t, err)
	return b
}

func TestDecode_GazeMessage(t *testing.T) {
	gen := devsim.NewGazeGenerator(3)
	s := gen.NextGaze()
	line := gazeJSON(t, s)

	topic, err := decodeTopic(line)
	require.NoError(t, err)
	assert.Equal(t, TopicGaze, topic)

	var m GazeMessage
	require.NoError(t, json.Unmarshal(line, &m))
	assert.Equal(t, s.Timestamp, m.Timestamp)
	assert.Equal(t, s.DeviceTime, m.DeviceTime)
	assert.Equal(t, s.WorldIndex, m.WorldIndex)
	assert.Equal(t, s.NormX, m.NormPos[0])
	assert.Equal(t, s.NormY, m.NormPos[1])
	assert.Equal(t, s.Point3D, m.Point3D)
	assert.Equal(t, s.EyeCenter0, m.EyeCenters[0])
	assert.Equal(t, s.EyeCenter1, m.EyeCenters[1])
	assert.Equal(t, s.Normal0, m.Normals[0])
	assert.Equal(t, s.Normal1, m.Normals[1])
	assert.Equal(t, s.PupilDiameter0, m.PupilDiameter[0])
	assert.Equal(t, s.FixationID, m.FixationID)
	assert.Equal(t, s.OnSurface, m.OnSurface)
}

func TestRows_MatchSchemas(t *testing.T) {
	gen := devsim.NewGazeGenerator(5)
	pre := []string{"1", "eyetracker", "net:x", "lab", "0.000000", "0.000000"}

	var g GazeMessage
	require.NoError(t, json.Unmarshal(gazeJSON(t, gen.NextGaze()), &g))
	require.NoError(t, csvspec.Gaze.CheckRow(g.row(pre)))

	var im IMUMessage
	require.NoError(t, json.Unmarshal(imuJSON(t, gen.NextIMU()), &im))
	require.NoError(t, csvspec.IMU.CheckRow(im.row(pre)))

	var ev EventMessage
	require.NoError(t, json.Unmarshal(eventJSON(t, gen.NextEvent()), &ev))
	require.NoError(t, csvspec.Events.CheckRow(ev.row(pre)))
}

func TestInit_NoTracker(t *testing.T) {
	r, _, _, _ := newTestRecorder(t)
	r.enumerate = func(context.Context) ([]devices.Device, error) { return nil, nil }

	_, err := r.Init(context.Background())
	require.Error(t, err)
	assert.True(t, modrun.IsInitError(err), "empty probe must be retryable")
}

func TestInit_KeepsConnection(t *testing.T) {
	r, _, _, _ := newTestRecorder(t)

	n, err := r.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The open-count assertion inside newTestRecorder fails the test if
	// this reconnects.
	_, err = r.Init(context.Background())
	require.NoError(t, err)
}

func TestStartStop_WritesRows(t *testing.T) {
	r, src, sinks, clk := newTestRecorder(t)
	r.recordWorld = false
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	trial := modrun.TrialInfo{Number: 2, Label: "city", SessionDir: dir}
	payload, err := r.Start(context.Background(), trial)
	require.NoError(t, err)
	assert.Equal(t, 1, payload["recording_count"])
	assert.Equal(t, false, payload["world_video"])

	gen := devsim.NewGazeGenerator(7)
	var gazes []devsim.GazeSample
	for i := 0; i < 6; i++ {
		s := gen.NextGaze()
		gazes = append(gazes, s)
		src.deliver(gazeJSON(t, s))
		clk.Advance(10 * time.Millisecond)
	}
	var imus []devsim.IMUSample
	for i := 0; i < 4; i++ {
		s := gen.NextIMU()
		imus = append(imus, s)
		src.deliver(imuJSON(t, s))
		clk.Advance(5 * time.Millisecond)
	}
	var events []devsim.TrackerEvent
	for i := 0; i < 3; i++ {
		ev := gen.NextEvent()
		events = append(events, ev)
		src.deliver(eventJSON(t, ev))
		clk.Advance(100 * time.Millisecond)
	}

	stop, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), stop["gaze_rows"])
	assert.Equal(t, int64(4), stop["imu_rows"])
	assert.Equal(t, int64(3), stop["event_rows"])
	assert.Equal(t, int64(0), stop["dropped"])
	assert.NotContains(t, stop, "world_frames")
	assert.Empty(t, *sinks, "no world encoder when disabled")

	base := filepath.Join(dir, DirName, "trial_002_city_net_127.0.0.1_50020")

	gazeRows := readCSV(t, base+"_gaze.csv")
	require.Len(t, gazeRows, 7, "header plus one row per sample")
	require.NoError(t, csvspec.Gaze.CheckHeader(gazeRows[0]))
	confCol, err := csvspec.Gaze.ColumnIndex("confidence")
	require.NoError(t, err)
	worldCol, err := csvspec.Gaze.ColumnIndex("world_index")
	require.NoError(t, err)
	for i, row := range gazeRows[1:] {
		assert.Equal(t, "2", row[0], "trial")
		assert.Equal(t, "eyetracker", row[1], "module")
		assert.Equal(t, "net:127.0.0.1:50020", row[2], "device_id")
		assert.Equal(t, "city", row[3], "label")
		assert.Equal(t, csvspec.FormatFloat(gazes[i].Confidence), row[confCol])
		assert.Equal(t, csvspec.FormatSeconds(gazes[i].Timestamp), row[6])
	}
	assert.Equal(t, strconv.Itoa(gazes[0].WorldIndex), gazeRows[1][worldCol])

	imuRows := readCSV(t, base+"_imu.csv")
	require.Len(t, imuRows, 5)
	require.NoError(t, csvspec.IMU.CheckHeader(imuRows[0]))
	quatCol, err := csvspec.IMU.ColumnIndex("quaternion_w")
	require.NoError(t, err)
	tempCol, err := csvspec.IMU.ColumnIndex("temperature_c")
	require.NoError(t, err)
	assert.Equal(t, csvspec.FormatFloat(imus[0].Quaternion[0]), imuRows[1][quatCol])
	assert.Equal(t, csvspec.FormatFloat(imus[0].TempC), imuRows[1][tempCol])

	eventRows := readCSV(t, base+"_events.csv")
	require.Len(t, eventRows, 4)
	require.NoError(t, csvspec.Events.CheckHeader(eventRows[0]))
	typeCol, err := csvspec.Events.ColumnIndex("event_type")
	require.NoError(t, err)
	annCol, err := csvspec.Events.ColumnIndex("annotation")
	require.NoError(t, err)
	for i, row := range eventRows[1:] {
		assert.Equal(t, events[i].Type, row[typeCol])
		assert.Empty(t, row[annCol], "tracker events carry no annotation")
	}

	assert.False(t, src.isStopped(), "connection keeps streaming between trials")
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestStart_RequiresTracker(t *testing.T) {
	r, _, _, _ := newTestRecorder(t)
	_, err := r.Start(context.Background(), modrun.TrialInfo{Number: 1, SessionDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tracker")
}

func TestWorldPipeline(t *testing.T) {
	r, src, sinks, _ := newTestRecorder(t)
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	payload, err := r.Start(context.Background(), modrun.TrialInfo{Number: 1, Label: "scene", SessionDir: dir})
	require.NoError(t, err)
	assert.Equal(t, true, payload["world_video"])

	gen := devsim.NewGazeGenerator(9)
	gaze := gen.NextGaze()
	src.deliver(gazeJSON(t, gaze))

	frame := bytes.Repeat([]byte{9, 8, 7}, 8*6)
	for i := 0; i < 5; i++ {
		src.deliver(worldJSON(t, i, 8, 6, frame, gaze.Timestamp+float64(i)/30))
		time.Sleep(40 * time.Millisecond)
	}

	stop, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stop["world_frames"].(int64), int64(1))

	require.Len(t, *sinks, 1)
	frames, closed := (*sinks)[0].snapshot()
	assert.True(t, closed, "world sink closed on stop")
	require.NotEmpty(t, frames)
	assert.Equal(t, frame, frames[0].Payload)
	assert.Equal(t, 8, frames[0].Meta.Width)
	assert.True(t, frames[0].Meta.HasGaze)
	assert.InDelta(t, gaze.Timestamp, frames[0].Meta.GazeUnix, 1e-9)

	timingCSV := filepath.Join(dir, DirName, "trial_001_scene_net_127.0.0.1_50020_world_timing.csv")
	b, err := os.ReadFile(timingCSV)
	require.NoError(t, err)
	assert.Contains(t, string(b), "gaze_timestamp_unix,gaze_timestamp_diff")

	assert.False(t, src.isStopped(), "connection keeps streaming between trials")
}

func TestWorld_RejectsMismatchedFrames(t *testing.T) {
	r, src, _, _ := newTestRecorder(t)
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	good := bytes.Repeat([]byte{1, 2, 3}, 8*6)
	src.deliver(worldJSON(t, 0, 4, 4, bytes.Repeat([]byte{1, 2, 3}, 4*4), 1.0))
	src.deliver(worldJSON(t, 1, 8, 6, good[:10], 2.0))
	src.deliver(worldJSON(t, 2, 8, 6, good, 3.0))

	rep := r.Report()
	assert.Equal(t, int64(2), rep["bad_frames"])
	assert.Equal(t, int64(1), rep["world_frames"])
}

func TestAnnotate(t *testing.T) {
	r, _, _, _ := newTestRecorder(t)
	r.recordWorld = false
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	r.AttachStatus(protocol.NewStatusWriter(&buf))

	t.Run("requires text", func(t *testing.T) {
		handled, err := r.HandleCommand(context.Background(), protocol.Command{Name: cmdAnnotate})
		require.True(t, handled)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "text")
	})

	t.Run("requires recording", func(t *testing.T) {
		handled, err := r.HandleCommand(context.Background(), protocol.Command{
			Name:   cmdAnnotate,
			Params: map[string]any{"text": "too early"},
		})
		require.True(t, handled)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not recording")
	})

	t.Run("other commands pass through", func(t *testing.T) {
		handled, err := r.HandleCommand(context.Background(), protocol.Command{Name: "set_lens"})
		require.NoError(t, err)
		assert.False(t, handled)
	})

	dir := t.TempDir()
	_, err = r.Start(context.Background(), modrun.TrialInfo{Number: 1, Label: "drive", SessionDir: dir})
	require.NoError(t, err)

	handled, err := r.HandleCommand(context.Background(), protocol.Command{
		Name:   cmdAnnotate,
		Params: map[string]any{"text": "lane change"},
	})
	require.True(t, handled)
	require.NoError(t, err)

	st, err := protocol.ParseStatus(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReport, st.Status)
	assert.Equal(t, "lane change", st.Data["annotation"])
	assert.EqualValues(t, 1, st.Data["event_id"])

	stop, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stop["event_rows"])

	rows := readCSV(t, filepath.Join(dir, DirName, "trial_001_drive_net_127.0.0.1_50020_events.csv"))
	require.Len(t, rows, 2)
	row := rows[1]
	idx := func(name string) int {
		i, err := csvspec.Events.ColumnIndex(name)
		require.NoError(t, err)
		return i
	}
	assert.Equal(t, "annotation", row[idx("event_type")])
	assert.Equal(t, "1", row[idx("event_id")])
	assert.Equal(t, "manual", row[idx("method")])
	assert.Equal(t, "lane change", row[idx("annotation")])
	assert.Equal(t, row[4], row[idx("event_timestamp_unix")], "record stamp doubles as event time")
	assert.Empty(t, row[idx("event_timestamp_device")])
	assert.Empty(t, row[idx("duration_ms")])
}

func TestReport(t *testing.T) {
	r, src, _, _ := newTestRecorder(t)
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	gen := devsim.NewGazeGenerator(2)
	gaze := gen.NextGaze()
	imu := gen.NextIMU()
	src.deliver(gazeJSON(t, gaze))
	src.deliver(imuJSON(t, imu))
	src.deliver([]byte("{not json"))
	src.deliver([]byte(`{"topic":"mystery"}`))

	rep := r.Report()
	assert.Equal(t, 1, rep["devices"])
	assert.Equal(t, true, rep["connected"])
	assert.Equal(t, int64(1), rep["gaze_samples"])
	assert.Equal(t, int64(1), rep["imu_samples"])
	assert.Equal(t, int64(2), rep["rejected"])

	g, ok := rep["gaze"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, gaze.NormX, g["norm_x"])
	assert.Equal(t, gaze.Confidence, g["confidence"])

	im, ok := rep["imu"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, imu.TempC, im["temperature_c"])
}

func TestUpdatePreview(t *testing.T) {
	r, src, _, _ := newTestRecorder(t)
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	r.AttachStatus(protocol.NewStatusWriter(&buf))

	r.UpdatePreview()
	assert.Zero(t, buf.Len(), "no preview before the first gaze sample")

	gen := devsim.NewGazeGenerator(4)
	gaze := gen.NextGaze()
	src.deliver(gazeJSON(t, gaze))

	r.UpdatePreview()
	st, err := protocol.ParseStatus(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPreviewFrame, st.Status)
	assert.InDelta(t, gaze.NormX, st.Data["norm_x"].(float64), 1e-9)
	assert.InDelta(t, gaze.Confidence, st.Data["confidence"].(float64), 1e-9)
}

func TestCleanup_ClosesConnection(t *testing.T) {
	r, src, _, _ := newTestRecorder(t)
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Cleanup())
	assert.True(t, src.isStopped())
}
