// SPDX-License-Identifier: MIT

// Package drt records detection response task units: response boxes
// that flash a stimulus at random intervals and time the button press
// answering it. Wired units speak newline-framed text over USB serial;
// wireless ones carry the same lines inside XBee API frames relayed by
// a coordinator dongle. Unit transports run from Init so battery state
// is available before a trial; recording arms each unit with a start
// line and attaches one CSV sidecar per unit.
package drt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/csvspec"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/lineio"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/modrun"
	"github.com/labrig/labrig/internal/modules"
	"github.com/labrig/labrig/internal/pipeline"
	"github.com/labrig/labrig/internal/protocol"
	"github.com/labrig/labrig/internal/timing"
)

// DirName is the session subdirectory this module owns.
const DirName = "DRT"

// cmdGetBattery reports a wireless unit's last known battery level.
const cmdGetBattery = "get_battery"

func init() {
	modules.Register("drt", func(opts config.ModuleOptions) (modrun.Recorder, error) {
		return New(opts), nil
	})
}

var (
	_ modrun.Recorder       = (*Recorder)(nil)
	_ modrun.CommandHandler = (*Recorder)(nil)
	_ modrun.Previewer      = (*Recorder)(nil)
	_ modrun.StatusSender   = (*Recorder)(nil)
)

// unit is the per-device state. The transport streams for the whole
// process lifetime; the sidecar is attached only while recording.
type unit struct {
	dev       devices.Device
	src       lineio.Conn
	connected bool

	stimuli   int64
	timeouts  int64
	responses int64
	lastStim  stimulus
	hasStim   bool

	battery   int
	batteryAt timing.Stamp

	sidecar *pipeline.Sidecar
}

// Recorder implements the drt module.
type Recorder struct {
	opts      config.ModuleOptions
	logger    zerolog.Logger
	enumerate Enumerate
	open      OpenSource
	clock     timing.Clock

	mu        sync.Mutex
	status    *protocol.StatusWriter
	units     []*unit
	recording bool
	trial     modrun.TrialInfo
	rejected  int64
}

// New builds the recorder with the production serial and radio
// backends.
func New(opts config.ModuleOptions) *Recorder {
	return &Recorder{
		opts:      opts,
		logger:    log.WithComponent("drt"),
		enumerate: defaultEnumerate,
		open:      defaultOpenSource,
		clock:     timing.NewSystemClock(),
	}
}

// AttachStatus wires the parent channel for command replies and
// stimulus previews.
func (r *Recorder) AttachStatus(w *protocol.StatusWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = w
}

// Init sweeps for response units and reconciles the set: transports of
// still-present units keep running, vanished ones are stopped, new ones
// start streaming. Battery state survives a brief disappearance.
func (r *Recorder) Init(ctx context.Context) (int, error) {
	found, err := r.enumerate(ctx)
	if err != nil {
		return 0, fmt.Errorf("drt: enumerate: %w", err)
	}
	if len(found) == 0 {
		return 0, &modrun.InitError{Reason: "no response units detected"}
	}

	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return 0, fmt.Errorf("drt: cannot re-initialise while recording")
	}
	prev := make(map[string]*unit, len(r.units))
	for _, u := range r.units {
		prev[u.dev.ID] = u
	}
	next := make([]*unit, 0, len(found))
	var fresh []*unit
	for _, dev := range found {
		if u, known := prev[dev.ID]; known && u.connected {
			u.dev = dev
			next = append(next, u)
			delete(prev, dev.ID)
			continue
		}
		u := &unit{dev: dev, battery: -1}
		if old, known := prev[dev.ID]; known {
			u.battery = old.battery
			u.batteryAt = old.batteryAt
			delete(prev, dev.ID)
		}
		next = append(next, u)
		fresh = append(fresh, u)
	}
	var drop []*unit
	for _, u := range prev {
		if u.connected {
			drop = append(drop, u)
		}
	}
	r.units = next
	r.mu.Unlock()

	for _, u := range drop {
		_ = u.src.Stop()
		r.logger.Info().Str(log.FieldDeviceID, u.dev.ID).Msg("unit removed")
	}

	connected := len(next) - len(fresh)
	for _, u := range fresh {
		src, err := r.open(u.dev)
		if err != nil {
			r.logger.Warn().Err(err).Str(log.FieldDeviceID, u.dev.ID).Msg("unit open failed")
			continue
		}
		target := u
		if err := src.Start(func(line string) {
			r.handleLine(target, line)
		}); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldDeviceID, u.dev.ID).Msg("unit start failed")
			continue
		}
		r.mu.Lock()
		u.src = src
		u.connected = true
		r.mu.Unlock()
		connected++
	}

	if connected == 0 {
		return 0, &modrun.InitError{Reason: "no response units could be opened"}
	}
	r.logger.Info().Int("devices", connected).Msg("response units streaming")
	return connected, nil
}

// handleLine parses one unit record, updates live state and appends a
// stimulus row when the unit's sidecar is attached.
func (r *Recorder) handleLine(u *unit, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case lineStimulus:
		st, ok := parseStimulus(fields[1:])
		if !ok {
			r.reject()
			return
		}
		r.handleStimulus(u, st)
	case lineBattery:
		b, ok := parseBattery(fields[1:])
		if !ok {
			r.reject()
			return
		}
		r.mu.Lock()
		u.battery = b
		u.batteryAt = r.clock.Now()
		r.mu.Unlock()
	default:
		r.reject()
	}
}

func (r *Recorder) reject() {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
}

func (r *Recorder) handleStimulus(u *unit, st stimulus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u.stimuli++
	if st.TimedOut() {
		u.timeouts++
	} else {
		u.responses += int64(st.Responses)
	}
	u.lastStim = st
	u.hasStim = true
	if st.Battery >= 0 {
		u.battery = st.Battery
		u.batteryAt = r.clock.Now()
	}

	if u.sidecar != nil {
		u.sidecar.Append(r.stimulusRowLocked(u, st))
	}
}

// stimulusRowLocked renders one STM record. stimulus_onset_mono is the
// unit's own monotonic clock at light onset, not the host clock.
func (r *Recorder) stimulusRowLocked(u *unit, st stimulus) []string {
	schema := csvspec.DRTSimple
	if u.dev.IsWireless {
		schema = csvspec.DRTWireless
	}
	now := r.clock.Now()
	row := make([]string, 0, schema.NumColumns())
	row = append(row,
		strconv.Itoa(r.trial.Number), "drt", u.dev.ID, r.trial.Label,
		csvspec.FormatSeconds(now.UnixSeconds()),
		csvspec.FormatSeconds(now.MonoSeconds()),
		strconv.Itoa(st.Index),
		csvspec.FormatSeconds(float64(st.OnsetMS)/1000),
		strconv.Itoa(st.ReactionMS),
		strconv.Itoa(st.Responses),
	)
	if u.dev.IsWireless {
		b := st.Battery
		if b < 0 {
			b = u.battery
		}
		if b < 0 {
			row = append(row, "")
		} else {
			row = append(row, strconv.Itoa(b))
		}
	}
	return row
}

// Start attaches one sidecar per connected unit, then arms the units
// with a start line. Wireless units record the battery column layout,
// wired ones the plain one. Already-attached sidecars are unwound when
// a later one fails.
func (r *Recorder) Start(_ context.Context, trial modrun.TrialInfo) (map[string]any, error) {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil, fmt.Errorf("drt: already recording")
	}
	var connected []*unit
	for _, u := range r.units {
		if u.connected {
			connected = append(connected, u)
		}
	}
	if len(connected) == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("drt: no response units connected")
	}

	dir := filepath.Join(trial.SessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("drt: create session dir: %w", err)
	}
	r.trial = trial

	for _, u := range connected {
		schema := csvspec.DRTSimple
		if u.dev.IsWireless {
			schema = csvspec.DRTWireless
		}
		sc, err := pipeline.NewSidecar(pipeline.SidecarConfig{
			Module:     "drt",
			Name:       "stimuli",
			Path:       filepath.Join(dir, modules.FileBase(trial, u.dev.ID)+".csv"),
			Schema:     schema,
			FlushEvery: 8,
		})
		if err != nil {
			r.closeSidecarsLocked()
			r.mu.Unlock()
			return nil, err
		}
		u.sidecar = sc
	}
	r.recording = true
	arm := armedLocked(connected)
	r.mu.Unlock()

	sendAll(arm, wireTrialStart, r.logger)

	return map[string]any{
		"devices":         len(connected),
		"recording_count": len(connected),
	}, nil
}

func (r *Recorder) closeSidecarsLocked() {
	for _, u := range r.units {
		if u.sidecar != nil {
			_ = u.sidecar.Close()
			u.sidecar = nil
		}
	}
}

// armed is a transport snapshot taken under the lock so control lines
// go out without holding it.
type armed struct {
	id  string
	src lineio.Conn
}

func armedLocked(units []*unit) []armed {
	out := make([]armed, 0, len(units))
	for _, u := range units {
		if u.src != nil {
			out = append(out, armed{u.dev.ID, u.src})
		}
	}
	return out
}

func sendAll(arm []armed, line string, logger zerolog.Logger) {
	for _, a := range arm {
		if err := a.src.Send(line); err != nil {
			logger.Warn().Err(err).Str(log.FieldDeviceID, a.id).
				Str(log.FieldCommand, line).Msg("unit send failed")
		}
	}
}

// Stop disarms the units, then detaches and closes the sidecars. A
// trailing record landing between the stop line and detach still
// reaches its file. Transports keep streaming for the next trial.
func (r *Recorder) Stop(context.Context) (map[string]any, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return map[string]any{"rows": int64(0)}, nil
	}
	var recording []*unit
	for _, u := range r.units {
		if u.sidecar != nil {
			recording = append(recording, u)
		}
	}
	arm := armedLocked(recording)
	r.mu.Unlock()

	sendAll(arm, wireTrialStop, r.logger)

	r.mu.Lock()
	var sidecars []*pipeline.Sidecar
	for _, u := range r.units {
		if u.sidecar != nil {
			sidecars = append(sidecars, u.sidecar)
			u.sidecar = nil
		}
	}
	r.recording = false
	r.mu.Unlock()

	var firstErr error
	var written, dropped int64
	for _, sc := range sidecars {
		if err := sc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		_, w, d := sc.Counts()
		written += w
		dropped += d
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return map[string]any{
		"recording_count": len(sidecars),
		"rows":            written,
		"dropped":         dropped,
	}, nil
}

// Report contributes unit, stimulus and battery state to status
// reports.
func (r *Recorder) Report() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	connected := 0
	var stimuli, timeouts int64
	devs := make([]map[string]any, 0, len(r.units))
	for _, u := range r.units {
		if u.connected {
			connected++
		}
		e := map[string]any{
			"device_id": u.dev.ID,
			"name":      u.dev.DisplayName,
			"type":      u.dev.DeviceType,
			"wireless":  u.dev.IsWireless,
			"connected": u.connected,
			"stimuli":   u.stimuli,
			"timeouts":  u.timeouts,
			"responses": u.responses,
		}
		if u.dev.IsWireless && u.battery >= 0 {
			e["battery_percent"] = u.battery
		}
		if u.hasStim {
			e["last_stimulus"] = u.lastStim.Index
			e["last_reaction_ms"] = u.lastStim.ReactionMS
		}
		devs = append(devs, e)
		stimuli += u.stimuli
		timeouts += u.timeouts
	}
	return map[string]any{
		"devices":     len(r.units),
		"connected":   connected,
		"device_list": devs,
		"stimuli":     stimuli,
		"timeouts":    timeouts,
		"rejected":    r.rejected,
	}
}

// HandleCommand implements get_battery. The reply carries the last
// level the unit reported; a query line nudges it to report again so
// the next read is fresher.
func (r *Recorder) HandleCommand(_ context.Context, cmd protocol.Command) (bool, error) {
	if cmd.Name != cmdGetBattery {
		return false, nil
	}
	id, _ := cmd.Str("device_id")

	r.mu.Lock()
	var u *unit
	for _, c := range r.units {
		if c.dev.ID == id || (id == "" && c.dev.IsWireless) {
			u = c
			break
		}
	}
	if u == nil {
		r.mu.Unlock()
		if id == "" {
			return true, fmt.Errorf("drt: no wireless unit connected")
		}
		return true, fmt.Errorf("drt: unknown device %q", id)
	}
	if !u.dev.IsWireless {
		r.mu.Unlock()
		return true, fmt.Errorf("drt: %s is not a wireless device", u.dev.ID)
	}

	uid := u.dev.ID
	data := map[string]any{
		"device_id":       uid,
		"battery_percent": u.battery,
	}
	if u.battery >= 0 {
		data["age_seconds"] = r.clock.Now().MonoSeconds() - u.batteryAt.MonoSeconds()
	}
	src := u.src
	r.sendLocked(protocol.StatusReport, data)
	r.mu.Unlock()

	if src != nil {
		if err := src.Send(wireQueryBattery); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldDeviceID, uid).
				Msg("battery query send failed")
		}
	}
	return true, nil
}

// UpdatePreview pushes the latest cycle per unit, driven by gui mode at
// the configured preview rate.
func (r *Recorder) UpdatePreview() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.units {
		if !u.connected || !u.hasStim {
			continue
		}
		data := map[string]any{
			"device_id":        u.dev.ID,
			"stimulus_index":   u.lastStim.Index,
			"reaction_time_ms": u.lastStim.ReactionMS,
			"responses":        u.lastStim.Responses,
		}
		if u.dev.IsWireless && u.battery >= 0 {
			data["battery_percent"] = u.battery
		}
		r.sendLocked(protocol.StatusPreviewFrame, data)
	}
}

// Cleanup stops recording and every unit transport.
func (r *Recorder) Cleanup() error {
	_, err := r.Stop(context.Background())

	r.mu.Lock()
	var srcs []lineio.Conn
	for _, u := range r.units {
		if u.connected {
			srcs = append(srcs, u.src)
			u.connected = false
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
