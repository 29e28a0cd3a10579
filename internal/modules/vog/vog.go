// SPDX-License-Identifier: MIT

// Package vog records visual occlusion goggles: liquid-crystal shutter
// lenses that open and close to gate what the participant sees. Wired
// PLATO-style goggles speak newline-framed text over USB serial;
// wireless ones carry the same lines inside XBee API frames relayed by
// a coordinator dongle. Goggle transports run from Init; a trial is
// bracketed with start and stop lines and records one CSV sidecar per
// goggle. Shutter state and the active lens can also be driven by
// command.
package vog

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
const DirName = "VOG"

// Custom commands beyond the standard lifecycle.
const (
	cmdGetBattery = "get_battery"
	cmdSetLens    = "set_lens"
	cmdSetShutter = "set_shutter"
)

func init() {
	modules.Register("vog", func(opts config.ModuleOptions) (modrun.Recorder, error) {
		return New(opts), nil
	})
}

var (
	_ modrun.Recorder       = (*Recorder)(nil)
	_ modrun.CommandHandler = (*Recorder)(nil)
	_ modrun.Previewer      = (*Recorder)(nil)
	_ modrun.StatusSender   = (*Recorder)(nil)
)

// unit is the per-goggle state. The transport streams for the whole
// process lifetime; the sidecar is attached only while recording.
type unit struct {
	dev       devices.Device
	src       lineio.Conn
	connected bool

	transitions int64
	occlusions  int64
	lastTrans   transition
	hasTrans    bool

	lens      string
	unitID    string
	battery   int
	batteryAt timing.Stamp

	sidecar *pipeline.Sidecar
}

// Recorder implements the vog module.
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
		logger:    log.WithComponent("vog"),
		enumerate: defaultEnumerate,
		open:      defaultOpenSource,
		clock:     timing.NewSystemClock(),
	}
}

// AttachStatus wires the parent channel for command replies and
// shutter previews.
func (r *Recorder) AttachStatus(w *protocol.StatusWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = w
}

// Init sweeps for goggles and reconciles the set: transports of
// still-present goggles keep running, vanished ones are stopped, new
// ones start streaming. Lens and battery state survive a brief
// disappearance.
func (r *Recorder) Init(ctx context.Context) (int, error) {
	found, err := r.enumerate(ctx)
	if err != nil {
		return 0, fmt.Errorf("vog: enumerate: %w", err)
	}
	if len(found) == 0 {
		return 0, &modrun.InitError{Reason: "no goggles detected"}
	}

	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return 0, fmt.Errorf("vog: cannot re-initialise while recording")
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
			u.lens = old.lens
			u.unitID = old.unitID
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
		r.logger.Info().Str(log.FieldDeviceID, u.dev.ID).Msg("goggle removed")
	}

	connected := len(next) - len(fresh)
	for _, u := range fresh {
		src, err := r.open(u.dev)
		if err != nil {
			r.logger.Warn().Err(err).Str(log.FieldDeviceID, u.dev.ID).Msg("goggle open failed")
			continue
		}
		target := u
		if err := src.Start(func(line string) {
			r.handleLine(target, line)
		}); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldDeviceID, u.dev.ID).Msg("goggle start failed")
			continue
		}
		r.mu.Lock()
		u.src = src
		u.connected = true
		r.mu.Unlock()
		connected++
	}

	if connected == 0 {
		return 0, &modrun.InitError{Reason: "no goggles could be opened"}
	}
	r.logger.Info().Int("devices", connected).Msg("goggles streaming")
	return connected, nil
}

// handleLine parses one goggle record, updates live state and appends
// a transition row when the goggle's sidecar is attached.
func (r *Recorder) handleLine(u *unit, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case lineTransition:
		tr, ok := parseTransition(fields[1:])
		if !ok {
			r.reject()
			return
		}
		r.handleTransition(u, tr)
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

func (r *Recorder) handleTransition(u *unit, tr transition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u.transitions++
	if tr.ShutterState == shutterClosed {
		u.occlusions++
	}
	u.lastTrans = tr
	u.hasTrans = true
	if tr.Lens != "" {
		u.lens = tr.Lens
	}
	if tr.Battery >= 0 {
		u.battery = tr.Battery
		u.batteryAt = r.clock.Now()
	}
	if tr.UnitID != "" {
		u.unitID = tr.UnitID
	}

	if u.sidecar != nil {
		u.sidecar.Append(r.transitionRowLocked(u, tr))
	}
}

// transitionRowLocked renders one EVT record. Wireless rows fall back
// to the cached lens, battery and unit name when the line carried
// none.
func (r *Recorder) transitionRowLocked(u *unit, tr transition) []string {
	schema := csvspec.VOGSimple
	if u.dev.IsWireless {
		schema = csvspec.VOGWireless
	}
	now := r.clock.Now()
	row := make([]string, 0, schema.NumColumns())
	row = append(row,
		strconv.Itoa(r.trial.Number), "vog", u.dev.ID, r.trial.Label,
		csvspec.FormatSeconds(now.UnixSeconds()),
		csvspec.FormatSeconds(now.MonoSeconds()),
		tr.EventType,
		tr.ShutterState,
	)
	if u.dev.IsWireless {
		row = append(row, u.lens)
		if u.battery < 0 {
			row = append(row, "")
		} else {
			row = append(row, strconv.Itoa(u.battery))
		}
		row = append(row, u.unitID)
	}
	return row
}

// Start attaches one sidecar per connected goggle, then arms them with
// a start line. Wireless goggles record the lens and battery column
// layout, wired ones the plain one. Already-attached sidecars are
// unwound when a later one fails.
func (r *Recorder) Start(_ context.Context, trial modrun.TrialInfo) (map[string]any, error) {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil, fmt.Errorf("vog: already recording")
	}
	var connected []*unit
	for _, u := range r.units {
		if u.connected {
			connected = append(connected, u)
		}
	}
	if len(connected) == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("vog: no goggles connected")
	}

	dir := filepath.Join(trial.SessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("vog: create session dir: %w", err)
	}
	r.trial = trial

	for _, u := range connected {
		schema := csvspec.VOGSimple
		if u.dev.IsWireless {
			schema = csvspec.VOGWireless
		}
		sc, err := pipeline.NewSidecar(pipeline.SidecarConfig{
			Module:     "vog",
			Name:       "transitions",
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
				Str(log.FieldCommand, line).Msg("goggle send failed")
		}
	}
}

// Stop disarms the goggles, then detaches and closes the sidecars. A
// trailing transition landing between the stop line and detach still
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

// Report contributes goggle, shutter and battery state to status
// reports.
func (r *Recorder) Report() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	connected := 0
	var transitions, occlusions int64
	devs := make([]map[string]any, 0, len(r.units))
	for _, u := range r.units {
		if u.connected {
			connected++
		}
		e := map[string]any{
			"device_id":   u.dev.ID,
			"name":        u.dev.DisplayName,
			"type":        u.dev.DeviceType,
			"wireless":    u.dev.IsWireless,
			"connected":   u.connected,
			"transitions": u.transitions,
			"occlusions":  u.occlusions,
		}
		if u.dev.IsWireless {
			if u.lens != "" {
				e["lens"] = u.lens
			}
			if u.battery >= 0 {
				e["battery_percent"] = u.battery
			}
			if u.unitID != "" {
				e["unit_id"] = u.unitID
			}
		}
		if u.hasTrans {
			e["shutter_state"] = u.lastTrans.ShutterState
			e["last_event"] = u.lastTrans.EventType
		}
		devs = append(devs, e)
		transitions += u.transitions
		occlusions += u.occlusions
	}
	return map[string]any{
		"devices":     len(r.units),
		"connected":   connected,
		"device_list": devs,
		"transitions": transitions,
		"occlusions":  occlusions,
		"rejected":    r.rejected,
	}
}

// HandleCommand implements get_battery, set_lens and set_shutter.
func (r *Recorder) HandleCommand(_ context.Context, cmd protocol.Command) (bool, error) {
	switch cmd.Name {
	case cmdGetBattery:
		return true, r.getBattery(cmd)
	case cmdSetLens:
		return true, r.setLens(cmd)
	case cmdSetShutter:
		return true, r.setShutter(cmd)
	}
	return false, nil
}

// findLocked picks the addressed goggle, or the first eligible one
// when the command names none.
func (r *Recorder) findLocked(id string, needWireless bool) (*unit, error) {
	var u *unit
	for _, c := range r.units {
		if c.dev.ID == id || (id == "" && (!needWireless || c.dev.IsWireless)) {
			u = c
			break
		}
	}
	if u == nil {
		if id != "" {
			return nil, fmt.Errorf("vog: unknown device %q", id)
		}
		if needWireless {
			return nil, fmt.Errorf("vog: no wireless unit connected")
		}
		return nil, fmt.Errorf("vog: no goggles connected")
	}
	if needWireless && !u.dev.IsWireless {
		return nil, fmt.Errorf("vog: %s is not a wireless device", u.dev.ID)
	}
	return u, nil
}

// getBattery replies with the last level the goggle reported; a query
// line nudges it to report again so the next read is fresher.
func (r *Recorder) getBattery(cmd protocol.Command) error {
	id, _ := cmd.Str("device_id")

	r.mu.Lock()
	u, err := r.findLocked(id, true)
	if err != nil {
		r.mu.Unlock()
		return err
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
	return nil
}

// setLens switches the active lens on a wireless goggle. The cached
// lens updates once the line is out; the goggle confirms with its own
// transition record.
func (r *Recorder) setLens(cmd protocol.Command) error {
	lens, _ := cmd.Str("lens")
	if !validLens(lens) {
		return fmt.Errorf("vog: bad lens %q (want A, B or X)", lens)
	}
	id, _ := cmd.Str("device_id")

	r.mu.Lock()
	u, err := r.findLocked(id, true)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	uid := u.dev.ID
	src := u.src
	r.mu.Unlock()

	if src == nil {
		return fmt.Errorf("vog: %s is not connected", uid)
	}
	if err := src.Send(wireSetLens + lens); err != nil {
		return fmt.Errorf("vog: set lens: %w", err)
	}

	r.mu.Lock()
	u.lens = lens
	r.sendLocked(protocol.StatusReport, map[string]any{
		"device_id": uid,
		"lens":      lens,
	})
	r.mu.Unlock()
	return nil
}

// setShutter opens or closes the shutter. The reply acknowledges the
// request; the resulting transition arrives as an EVT record.
func (r *Recorder) setShutter(cmd protocol.Command) error {
	state, _ := cmd.Str("state")
	var line string
	switch state {
	case shutterOpen:
		line = wireShutterOpen
	case shutterClosed:
		line = wireShutterClose
	default:
		return fmt.Errorf("vog: bad shutter state %q (want open or closed)", state)
	}
	id, _ := cmd.Str("device_id")

	r.mu.Lock()
	u, err := r.findLocked(id, false)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	uid := u.dev.ID
	src := u.src
	r.mu.Unlock()

	if src == nil {
		return fmt.Errorf("vog: %s is not connected", uid)
	}
	if err := src.Send(line); err != nil {
		return fmt.Errorf("vog: set shutter: %w", err)
	}

	r.mu.Lock()
	r.sendLocked(protocol.StatusReport, map[string]any{
		"device_id": uid,
		"requested": state,
	})
	r.mu.Unlock()
	return nil
}

// UpdatePreview pushes the latest transition per goggle, driven by gui
// mode at the configured preview rate.
func (r *Recorder) UpdatePreview() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.units {
		if !u.connected || !u.hasTrans {
			continue
		}
		data := map[string]any{
			"device_id":     u.dev.ID,
			"event_type":    u.lastTrans.EventType,
			"shutter_state": u.lastTrans.ShutterState,
		}
		if u.dev.IsWireless {
			if u.lens != "" {
				data["lens"] = u.lens
			}
			if u.battery >= 0 {
				data["battery_percent"] = u.battery
			}
		}
		r.sendLocked(protocol.StatusPreviewFrame, data)
	}
}

// Cleanup stops recording and every goggle transport.
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
