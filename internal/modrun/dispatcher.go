// SPDX-License-Identifier: MIT

package modrun

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/protocol"
)

// Dispatcher routes parsed commands to the built-in handlers and the
// module's custom command hook. Handler panics are contained: they
// become error statuses, never a child crash.
type Dispatcher struct {
	sys    *System
	tk     Toolkit
	logger zerolog.Logger
}

// NewDispatcher builds the dispatcher. tk is nil outside gui mode.
func NewDispatcher(sys *System, tk Toolkit) *Dispatcher {
	return &Dispatcher{
		sys: sys,
		tk:  tk,
		logger: log.WithComponent("dispatch").With().
			Str(log.FieldModule, sys.Name()).
			Logger(),
	}
}

// DispatchLine parses one stdin line and dispatches it. Blank lines are
// ignored; unparseable ones produce a single error status.
func (d *Dispatcher) DispatchLine(ctx context.Context, line []byte) (stop bool) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		if errors.Is(err, protocol.ErrEmptyLine) {
			return false
		}
		d.logger.Warn().Err(err).Msg("rejected command line")
		d.sendError("Invalid JSON command")
		return false
	}
	return d.Dispatch(ctx, cmd)
}

// Dispatch runs one command to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str(log.FieldCommand, cmd.Name).
				Interface("panic", r).
				Msg("command handler panicked")
			d.sendError(fmt.Sprintf("internal error handling %s: %v", cmd.Name, r))
		}
	}()

	d.logger.Debug().Str(log.FieldCommand, cmd.Name).Msg("dispatching command")

	// Any command may re-point the session directory before acting.
	if dir, ok := cmd.Str("session_dir"); ok && dir != "" {
		d.sys.SetSessionDir(dir)
	}

	switch cmd.Name {
	case protocol.CmdStartRecording:
		d.handleStart(ctx, cmd)
	case protocol.CmdStopRecording:
		d.handleStop(ctx)
	case protocol.CmdGetStatus:
		d.handleGetStatus()
	case protocol.CmdGetGeometry:
		d.handleGetGeometry()
	case protocol.CmdSetWindowGeometry:
		d.handleSetGeometry(cmd)
	case protocol.CmdTakeSnapshot:
		d.handleSnapshot(ctx, cmd)
	case protocol.CmdQuit:
		return d.handleQuit()
	default:
		d.handleCustom(ctx, cmd)
	}
	return false
}

// requireRecording short-circuits a handler when the recording state
// does not match. Emits the error status on mismatch.
func (d *Dispatcher) requireRecording(expected bool) bool {
	if d.sys.Recording() == expected {
		return true
	}
	if expected {
		d.sendError("Not recording")
	} else {
		d.sendError("Already recording")
	}
	return false
}

func (d *Dispatcher) handleStart(ctx context.Context, cmd protocol.Command) {
	if !d.requireRecording(false) {
		return
	}

	trial := TrialInfo{SessionDir: d.sys.SessionDir()}
	if n, ok := cmd.Int("trial_number"); ok {
		trial.Number = n
	}
	if label, ok := cmd.Str("trial_label"); ok {
		trial.Label = label
	}

	data, err := d.sys.rec.Start(ctx, trial)
	if err != nil {
		d.logger.Error().Err(err).Int(log.FieldTrial, trial.Number).Msg("start recording failed")
		d.sendError(err.Error())
		return
	}
	d.sys.setRecording(true, trial)
	d.send(protocol.StatusRecordingStarted, data)
}

func (d *Dispatcher) handleStop(ctx context.Context) {
	if !d.requireRecording(true) {
		return
	}

	data, err := d.sys.rec.Stop(ctx)
	// The capture is torn down either way; a stuck recording flag would
	// block every later start.
	d.sys.setRecording(false, TrialInfo{})
	if err != nil {
		d.logger.Error().Err(err).Msg("stop recording failed")
		d.sendError(err.Error())
		return
	}
	d.send(protocol.StatusRecordingStopped, data)
}

func (d *Dispatcher) handleGetStatus() {
	data := map[string]any{}
	for k, v := range d.sys.rec.Report() {
		data[k] = v
	}
	trial := d.sys.Trial()
	data["module"] = d.sys.Name()
	data["recording"] = d.sys.Recording()
	data["session_dir"] = d.sys.SessionDir()
	data["trial_number"] = trial.Number
	data["trial_label"] = trial.Label
	d.send(protocol.StatusReport, data)
}

func (d *Dispatcher) handleGetGeometry() {
	if d.tk == nil {
		return
	}
	g, ok := d.tk.Geometry()
	if !ok {
		return
	}
	d.send(protocol.StatusGeometryChanged, g.Data())
}

func (d *Dispatcher) handleSetGeometry(cmd protocol.Command) {
	if d.tk == nil {
		d.logger.Debug().Msg("set_window_geometry ignored without a window")
		return
	}

	var g protocol.Geometry
	if s, ok := cmd.Str("geometry"); ok {
		parsed, err := protocol.ParseGeometry(s)
		if err != nil {
			d.sendError(fmt.Sprintf("malformed geometry %q", s))
			return
		}
		g = parsed
	} else if parsed, ok := protocol.GeometryFromData(cmd.Params); ok {
		g = parsed
	} else {
		d.sendError("set_window_geometry requires geometry or x,y,width,height")
		return
	}

	if err := d.tk.SetGeometry(g); err != nil {
		d.sendError(err.Error())
		return
	}
	d.send(protocol.StatusGeometryChanged, g.Data())
}

func (d *Dispatcher) handleSnapshot(ctx context.Context, cmd protocol.Command) {
	snap, ok := d.sys.rec.(Snapshotter)
	if !ok {
		d.sendError("take_snapshot not supported")
		return
	}
	data, err := snap.Snapshot(ctx, cmd)
	if err != nil {
		d.sendError(err.Error())
		return
	}
	d.send(protocol.StatusSnapshotTaken, data)
}

func (d *Dispatcher) handleQuit() (stop bool) {
	if d.tk == nil {
		d.sys.SendQuitting("command")
		d.sys.SetShutdown()
	}
	// With a window the mode runs the full shutdown sequence so the
	// geometry report precedes the quitting status.
	return true
}

func (d *Dispatcher) handleCustom(ctx context.Context, cmd protocol.Command) {
	if h, ok := d.sys.rec.(CommandHandler); ok {
		handled, err := h.HandleCommand(ctx, cmd)
		if err != nil {
			d.logger.Error().Err(err).Str(log.FieldCommand, cmd.Name).Msg("module command failed")
			d.sendError(err.Error())
			return
		}
		if handled {
			return
		}
	}
	d.sendError("unknown command: " + cmd.Name)
}

func (d *Dispatcher) send(status string, data map[string]any) {
	if err := d.sys.status.Send(status, data); err != nil {
		d.logger.Warn().Err(err).Str(log.FieldStatus, status).Msg("status send failed")
	}
}

func (d *Dispatcher) sendError(msg string) {
	if err := d.sys.status.SendError(msg); err != nil {
		d.logger.Warn().Err(err).Msg("error status send failed")
	}
}
