// SPDX-License-Identifier: MIT

package vog

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
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
	"github.com/labrig/labrig/internal/lineio"
	"github.com/labrig/labrig/internal/modrun"
	"github.com/labrig/labrig/internal/protocol"
	"github.com/labrig/labrig/internal/timing"
)

type fakeSource struct {
	mu      sync.Mutex
	onLine  func(string)
	sent    []string
	stopped bool
}

func (s *fakeSource) Start(onLine func(string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLine = onLine
	return nil
}

func (s *fakeSource) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, line)
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeSource) deliver(line string) {
	s.mu.Lock()
	cb, stopped := s.onLine, s.stopped
	s.mu.Unlock()
	if cb != nil && !stopped {
		cb(line)
	}
}

func (s *fakeSource) sentLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func testWired() devices.Device {
	return devices.Device{
		ID:          "serial:usb-PLATO_A0",
		DisplayName: "PLATO Occlusion Goggles",
		ModuleID:    devices.FamilyVOG,
		Port:        "/dev/ttyUSB2",
		Baudrate:    115200,
	}
}

func testWireless() devices.Device {
	return devices.Device{
		ID:          "xbee:0013a20040ffee01",
		DisplayName: "VOG_01",
		ModuleID:    devices.FamilyVOG,
		DeviceType:  "wvog",
		Interface:   devices.InterfaceXBee,
		Port:        "/dev/ttyUSB3",
		IsWireless:  true,
		Metadata:    map[string]string{"addr64": "0013a20040ffee01"},
	}
}

// newTestRecorder wires fakes: a fakeSource per goggle and a manual
// clock for deterministic row stamps.
func newTestRecorder(t *testing.T, devs ...devices.Device) (*Recorder, map[string]*fakeSource, *timing.Manual) {
	t.Helper()

	r := New(config.ModuleDefaults())
	r.enumerate = func(context.Context) ([]devices.Device, error) {
		return append([]devices.Device(nil), devs...), nil
	}
	srcs := make(map[string]*fakeSource)
	r.open = func(dev devices.Device) (lineio.Conn, error) {
		if _, dup := srcs[dev.ID]; dup {
			t.Fatalf("goggle %s opened twice", dev.ID)
		}
		src := &fakeSource{}
		srcs[dev.ID] = src
		return src, nil
	}
	clk := timing.NewManual(time.Unix(1710431855, 0))
	r.clock = clk
	return r, srcs, clk
}

// evtLine renders a generator transition the way a goggle reports it.
func evtLine(ev devsim.VOGEvent) string {
	line := fmt.Sprintf("EVT %s %s", ev.EventType, ev.ShutterState)
	if ev.Battery >= 0 {
		line += fmt.Sprintf(" %s %d %s", ev.Lens, ev.Battery, ev.UnitID)
	}
	return line
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

func TestParseTransition(t *testing.T) {
	tr, ok := parseTransition([]string{"open", "open"})
	require.True(t, ok)
	assert.Equal(t, transition{EventType: "open", ShutterState: "open", Battery: -1}, tr)

	tr, ok = parseTransition([]string{"close", "closed", "B", "96", "vog-0042"})
	require.True(t, ok)
	assert.Equal(t, transition{
		EventType:    "close",
		ShutterState: "closed",
		Lens:         "B",
		Battery:      96,
		UnitID:       "vog-0042",
	}, tr)

	for _, fields := range [][]string{
		{},
		{"open"},
		{"open", "ajar"},
		{"open", "open", "A"},
		{"close", "closed", "Q", "96", "vog-0042"},
		{"close", "closed", "A", "-3", "vog-0042"},
		{"close", "closed", "A", "96", "vog-0042", "extra"},
	} {
		_, ok := parseTransition(fields)
		assert.False(t, ok, "fields %v", fields)
	}
}

func TestParseBattery(t *testing.T) {
	b, ok := parseBattery([]string{"64"})
	require.True(t, ok)
	assert.Equal(t, 64, b)

	for _, fields := range [][]string{{}, {"x"}, {"-1"}, {"101"}, {"50", "60"}} {
		_, ok := parseBattery(fields)
		assert.False(t, ok, "fields %v", fields)
	}
}

func TestInit_NoGoggles(t *testing.T) {
	r, _, _ := newTestRecorder(t)
	_, err := r.Init(context.Background())
	require.Error(t, err)
	assert.True(t, modrun.IsInitError(err), "empty sweep must be retryable")
}

func TestInit_ReconcilesGoggles(t *testing.T) {
	r, srcs, _ := newTestRecorder(t, testWired(), testWireless())

	n, err := r.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The wireless goggle drops off the next sweep: its transport
	// stops, the wired one keeps running without a reopen. The
	// open-count guard in newTestRecorder fails the test on a reopen.
	r.enumerate = func(context.Context) ([]devices.Device, error) {
		return []devices.Device{testWired()}, nil
	}
	n, err = r.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, srcs[testWireless().ID].isStopped())
	assert.False(t, srcs[testWired().ID].isStopped())
}

func TestStartStop_WritesRows(t *testing.T) {
	r, srcs, clk := newTestRecorder(t, testWired(), testWireless())
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	trial := modrun.TrialInfo{Number: 7, Label: "dusk", SessionDir: dir}
	payload, err := r.Start(context.Background(), trial)
	require.NoError(t, err)
	assert.Equal(t, 2, payload["recording_count"])

	wired, wireless := srcs[testWired().ID], srcs[testWireless().ID]
	assert.Equal(t, []string{wireTrialStart}, wired.sentLines())
	assert.Equal(t, []string{wireTrialStart}, wireless.sentLines())

	wiredGen := devsim.NewVOGGenerator(5, false)
	wiredEvents := make([]devsim.VOGEvent, 0, 4)
	for i := 0; i < 4; i++ {
		ev := wiredGen.Next()
		wiredEvents = append(wiredEvents, ev)
		wired.deliver(evtLine(ev))
		clk.Advance(2 * time.Second)
	}
	wirelessGen := devsim.NewVOGGenerator(6, true)
	wirelessEvents := make([]devsim.VOGEvent, 0, 3)
	for i := 0; i < 3; i++ {
		ev := wirelessGen.Next()
		wirelessEvents = append(wirelessEvents, ev)
		wireless.deliver(evtLine(ev))
		clk.Advance(2 * time.Second)
	}

	stop, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stop["recording_count"])
	assert.Equal(t, int64(7), stop["rows"])
	assert.Equal(t, int64(0), stop["dropped"])
	assert.Equal(t, []string{wireTrialStart, wireTrialStop}, wired.sentLines())
	assert.Equal(t, []string{wireTrialStart, wireTrialStop}, wireless.sentLines())

	wiredRows := readCSV(t, filepath.Join(dir, DirName, "trial_007_dusk_serial_usb-PLATO_A0.csv"))
	require.Len(t, wiredRows, 5)
	require.NoError(t, csvspec.VOGSimple.CheckHeader(wiredRows[0]))

	evCol, err := csvspec.VOGSimple.ColumnIndex("event_type")
	require.NoError(t, err)
	stCol, err := csvspec.VOGSimple.ColumnIndex("shutter_state")
	require.NoError(t, err)

	for i, row := range wiredRows[1:] {
		ev := wiredEvents[i]
		assert.Equal(t, "7", row[0], "trial")
		assert.Equal(t, "vog", row[1], "module")
		assert.Equal(t, "dusk", row[3], "label")
		assert.Equal(t, ev.EventType, row[evCol])
		assert.Equal(t, ev.ShutterState, row[stCol])
	}

	wirelessRows := readCSV(t, filepath.Join(dir, DirName, "trial_007_dusk_xbee_0013a20040ffee01.csv"))
	require.Len(t, wirelessRows, 4)
	require.NoError(t, csvspec.VOGWireless.CheckHeader(wirelessRows[0]))

	lensCol, err := csvspec.VOGWireless.ColumnIndex("lens")
	require.NoError(t, err)
	batCol, err := csvspec.VOGWireless.ColumnIndex("battery_percent")
	require.NoError(t, err)
	unitCol, err := csvspec.VOGWireless.ColumnIndex("unit_id")
	require.NoError(t, err)

	for i, row := range wirelessRows[1:] {
		ev := wirelessEvents[i]
		assert.Equal(t, ev.Lens, row[lensCol])
		assert.Equal(t, strconv.Itoa(ev.Battery), row[batCol])
		assert.Equal(t, ev.UnitID, row[unitCol])
	}
}

func TestStart_RequiresGoggles(t *testing.T) {
	r, _, _ := newTestRecorder(t, testWired())
	_, err := r.Start(context.Background(), modrun.TrialInfo{Number: 1, SessionDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no goggles")
}

func TestSetLens(t *testing.T) {
	r, srcs, _ := newTestRecorder(t, testWired(), testWireless())
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	r.AttachStatus(protocol.NewStatusWriter(&buf))

	t.Run("wired refuses", func(t *testing.T) {
		handled, err := r.HandleCommand(context.Background(), protocol.Command{
			Name:   cmdSetLens,
			Params: map[string]any{"device_id": testWired().ID, "lens": "B"},
		})
		require.True(t, handled)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a wireless device")
	})

	t.Run("bad lens", func(t *testing.T) {
		handled, err := r.HandleCommand(context.Background(), protocol.Command{
			Name:   cmdSetLens,
			Params: map[string]any{"lens": "Q"},
		})
		require.True(t, handled)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad lens")
	})

	// An omitted device_id picks the wireless goggle. The lens line
	// goes out, the reply and the report carry the new selection.
	handled, err := r.HandleCommand(context.Background(), protocol.Command{
		Name:   cmdSetLens,
		Params: map[string]any{"lens": "B"},
	})
	require.True(t, handled)
	require.NoError(t, err)
	assert.Contains(t, srcs[testWireless().ID].sentLines(), "LENS B")

	st, err := protocol.ParseStatus(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReport, st.Status)
	assert.Equal(t, testWireless().ID, st.Data["device_id"])
	assert.Equal(t, "B", st.Data["lens"])

	list := r.Report()["device_list"].([]map[string]any)
	for _, e := range list {
		if e["device_id"] == testWireless().ID {
			assert.Equal(t, "B", e["lens"])
		}
	}
}

func TestSetShutter(t *testing.T) {
	r, srcs, _ := newTestRecorder(t, testWired())
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	r.AttachStatus(protocol.NewStatusWriter(&buf))

	handled, err := r.HandleCommand(context.Background(), protocol.Command{
		Name:   cmdSetShutter,
		Params: map[string]any{"state": "closed"},
	})
	require.True(t, handled)
	require.NoError(t, err)
	assert.Contains(t, srcs[testWired().ID].sentLines(), wireShutterClose)

	st, err := protocol.ParseStatus(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReport, st.Status)
	assert.Equal(t, testWired().ID, st.Data["device_id"])
	assert.Equal(t, "closed", st.Data["requested"])
	buf.Reset()

	handled, err = r.HandleCommand(context.Background(), protocol.Command{
		Name:   cmdSetShutter,
		Params: map[string]any{"state": "open", "device_id": testWired().ID},
	})
	require.True(t, handled)
	require.NoError(t, err)
	assert.Contains(t, srcs[testWired().ID].sentLines(), wireShutterOpen)

	handled, err = r.HandleCommand(context.Background(), protocol.Command{
		Name:   cmdSetShutter,
		Params: map[string]any{"state": "ajar"},
	})
	require.True(t, handled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad shutter state")
}

func TestGetBattery(t *testing.T) {
	r, srcs, _ := newTestRecorder(t, testWired(), testWireless())
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	r.AttachStatus(protocol.NewStatusWriter(&buf))

	t.Run("wired refuses", func(t *testing.T) {
		handled, err := r.HandleCommand(context.Background(), protocol.Command{
			Name:   cmdGetBattery,
			Params: map[string]any{"device_id": testWired().ID},
		})
		require.True(t, handled)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a wireless device")
	})

	t.Run("unknown device", func(t *testing.T) {
		handled, err := r.HandleCommand(context.Background(), protocol.Command{
			Name:   cmdGetBattery,
			Params: map[string]any{"device_id": "xbee:ffff"},
		})
		require.True(t, handled)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown device")
	})

	t.Run("other commands pass through", func(t *testing.T) {
		handled, err := r.HandleCommand(context.Background(), protocol.Command{Name: "annotate"})
		assert.False(t, handled)
		assert.NoError(t, err)
	})

	// An omitted device_id picks the wireless goggle. The reply
	// carries the cached level and a fresh query goes out on the wire.
	srcs[testWireless().ID].deliver("BTY 73")
	handled, err := r.HandleCommand(context.Background(), protocol.Command{Name: cmdGetBattery})
	require.True(t, handled)
	require.NoError(t, err)

	st, err := protocol.ParseStatus(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReport, st.Status)
	assert.Equal(t, testWireless().ID, st.Data["device_id"])
	assert.EqualValues(t, 73, st.Data["battery_percent"])
	assert.Contains(t, st.Data, "age_seconds")
	assert.Contains(t, srcs[testWireless().ID].sentLines(), wireQueryBattery)
}

func TestReport(t *testing.T) {
	r, srcs, _ := newTestRecorder(t, testWired(), testWireless())
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	gen := devsim.NewVOGGenerator(3, true)
	wireless := srcs[testWireless().ID]
	var last devsim.VOGEvent
	var wantOcc int64
	for i := 0; i < 5; i++ {
		last = gen.Next()
		if last.ShutterState == shutterClosed {
			wantOcc++
		}
		wireless.deliver(evtLine(last))
	}
	wireless.deliver("garbage line")
	wireless.deliver("EVT open ajar")

	rep := r.Report()
	assert.Equal(t, 2, rep["devices"])
	assert.Equal(t, 2, rep["connected"])
	assert.EqualValues(t, 5, rep["transitions"])
	assert.EqualValues(t, wantOcc, rep["occlusions"])
	assert.EqualValues(t, 2, rep["rejected"])

	list, ok := rep["device_list"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	var wvog map[string]any
	for _, e := range list {
		if e["device_id"] == testWireless().ID {
			wvog = e
		}
	}
	require.NotNil(t, wvog)
	assert.Equal(t, true, wvog["wireless"])
	assert.Equal(t, last.Lens, wvog["lens"])
	assert.Equal(t, last.Battery, wvog["battery_percent"])
	assert.Equal(t, last.UnitID, wvog["unit_id"])
	assert.Equal(t, last.ShutterState, wvog["shutter_state"])
	assert.Equal(t, last.EventType, wvog["last_event"])
}

func TestUpdatePreview(t *testing.T) {
	r, srcs, _ := newTestRecorder(t, testWireless())
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	r.AttachStatus(protocol.NewStatusWriter(&buf))

	r.UpdatePreview()
	assert.Zero(t, buf.Len(), "no preview before the first transition")

	gen := devsim.NewVOGGenerator(9, true)
	ev := gen.Next()
	srcs[testWireless().ID].deliver(evtLine(ev))

	r.UpdatePreview()
	st, err := protocol.ParseStatus(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPreviewFrame, st.Status)
	assert.Equal(t, testWireless().ID, st.Data["device_id"])
	assert.Equal(t, ev.EventType, st.Data["event_type"])
	assert.Equal(t, ev.ShutterState, st.Data["shutter_state"])
	assert.Equal(t, ev.Lens, st.Data["lens"])
	assert.Contains(t, st.Data, "battery_percent")
}

func TestCleanup_StopsGoggles(t *testing.T) {
	r, srcs, _ := newTestRecorder(t, testWired(), testWireless())
	_, err := r.Init(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Cleanup())
	for id, src := range srcs {
		assert.True(t, src.isStopped(), id)
	}
}
