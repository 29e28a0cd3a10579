// SPDX-License-Identifier: MIT

// Package modrun is the shared child-process runtime every sensor
// module runs on: a System owning options and the status channel, a
// command dispatcher, and one of three modes (slave, headless, gui)
// driving the event loop. A Supervisor wraps the whole runtime with
// retry-on-init and guaranteed cleanup.
package modrun

import (
	"context"
	"errors"

	"github.com/labrig/labrig/internal/protocol"
)

// TrialInfo identifies the recording interval a start command targets.
type TrialInfo struct {
	Number     int
	Label      string
	SessionDir string
}

// Recorder is the module-specific half of the runtime: device setup,
// capture control and status payloads. Implementations live in
// internal/modules.
type Recorder interface {
	// Init opens devices and reports how many are usable. Returning an
	// InitError makes the supervisor retry after the discovery interval.
	Init(ctx context.Context) (devices int, err error)
	// Start begins capture for one trial. The returned payload is
	// carried in the recording_started status.
	Start(ctx context.Context, trial TrialInfo) (map[string]any, error)
	// Stop ends capture. The returned payload is carried in the
	// recording_stopped status.
	Stop(ctx context.Context) (map[string]any, error)
	// Report contributes the module half of a status_report payload.
	Report() map[string]any
	// Cleanup releases devices. The supervisor calls it exactly once.
	Cleanup() error
}

// Snapshotter is implemented by recorders with still capture.
type Snapshotter interface {
	Snapshot(ctx context.Context, cmd protocol.Command) (map[string]any, error)
}

// CommandHandler extends the dispatcher with module commands such as
// toggle_device. Return handled=false to fall through to the unknown
// command error.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd protocol.Command) (handled bool, err error)
}

// Previewer refreshes a module's live preview (camera thumbnails, audio
// meters). Driven by the gui mode at the configured rate.
type Previewer interface {
	UpdatePreview()
}

// PreviewRater is an optional Previewer extension naming the family's
// own redraw rate, used when the operator leaves gui_preview_update_hz
// unset. Audio meters repaint faster than camera thumbnails.
type PreviewRater interface {
	PreviewHz() float64
}

// StatusSender is implemented by recorders that push unsolicited
// statuses: preview frames, custom command replies. The runtime
// attaches the parent channel during construction, before Init.
type StatusSender interface {
	AttachStatus(w *protocol.StatusWriter)
}

// Toolkit abstracts the windowing system for gui mode.
type Toolkit interface {
	// Pump processes pending toolkit events. False means the window no
	// longer exists and the runtime must shut down.
	Pump() bool
	// Geometry reports the current window placement, if a window exists.
	Geometry() (protocol.Geometry, bool)
	SetGeometry(g protocol.Geometry) error
	// Hide withdraws the window; Terminate tears the toolkit down.
	Hide()
	Terminate()
}

// Mode runs the module's event loop until shutdown.
type Mode interface {
	Run(ctx context.Context, sys *System) error
}

// InitError marks an initialisation failure worth retrying once devices
// appear, typically because discovery has not found any yet.
type InitError struct {
	Reason string
}

func (e *InitError) Error() string { return "init: " + e.Reason }

// IsInitError reports whether err is an InitError anywhere in its chain.
func IsInitError(err error) bool {
	var ie *InitError
	return errors.As(err, &ie)
}
