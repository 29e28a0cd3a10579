// SPDX-License-Identifier: MIT

package modrun

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/protocol"
)

// GUIPumpInterval is the toolkit event pump cadence.
const GUIPumpInterval = 10 * time.Millisecond

// GUIMode drives a toolkit window cooperatively: the event pump ticks
// every ~10ms, the preview task runs at the module's configured rate,
// and a stdin command listener is attached when the module was launched
// as a child of the master (stdin is not a terminal).
type GUIMode struct {
	Toolkit Toolkit
	// Preview refreshes at the configured gui_preview_update_hz rate
	// when non-nil.
	Preview Previewer
	// Input overrides the command stream. Nil means os.Stdin.
	Input *os.File
}

func (m GUIMode) Run(ctx context.Context, sys *System) error {
	if m.Toolkit == nil {
		return fmt.Errorf("modrun: gui mode requires a toolkit")
	}
	d := NewDispatcher(sys, m.Toolkit)

	pump := time.NewTicker(GUIPumpInterval)
	defer pump.Stop()

	var previewC <-chan time.Time
	if m.Preview != nil {
		pt := time.NewTicker(previewInterval(sys.Options(), m.Preview))
		defer pt.Stop()
		previewC = pt.C
	}

	// Remote control only when driven by the master, never when an
	// operator launched us from a terminal.
	var lines chan []byte
	in := m.Input
	if in == nil {
		in = os.Stdin
	}
	if !isatty.IsTerminal(in.Fd()) {
		lines = make(chan []byte, CommandQueueSize)
		go readLines(in, lines, sys.Done(), sys.Logger())
	}

	reason := "shutdown"
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-sys.Done():
			break loop
		case <-pump.C:
			if !m.Toolkit.Pump() {
				reason = "window_closed"
				break loop
			}
		case <-previewC:
			m.Preview.UpdatePreview()
		case line, ok := <-lines:
			if !ok {
				reason = "stdin_eof"
				break loop
			}
			if d.DispatchLine(ctx, line) {
				reason = "command"
				break loop
			}
		}
	}

	m.shutdownSequence(sys, reason)
	return nil
}

// previewInterval resolves the preview tick. An operator-set
// gui_preview_update_hz wins, then the family's own PreviewHz, then
// the 10Hz fallback.
func previewInterval(opts config.ModuleOptions, p Previewer) time.Duration {
	hz := opts.GUIPreviewUpdateHz
	if !opts.Raw.Has(config.KeyGUIPreviewUpdateHz) {
		if r, ok := p.(PreviewRater); ok && r.PreviewHz() > 0 {
			hz = r.PreviewHz()
		}
	}
	if hz <= 0 {
		hz = 10
	}
	return time.Duration(float64(time.Second) / hz)
}

// shutdownSequence runs the pinned teardown order: report geometry,
// send quitting, set the shutdown flag, hide the window, terminate the
// toolkit. A failure in the first two steps never blocks the rest.
func (m GUIMode) shutdownSequence(sys *System, reason string) {
	if g, ok := m.Toolkit.Geometry(); ok {
		if err := sys.status.Send(protocol.StatusGeometryChanged, g.Data()); err != nil {
			sys.Logger().Warn().Err(err).Msg("final geometry report failed")
		}
	}
	sys.SendQuitting(reason)
	sys.SetShutdown()
	m.Toolkit.Hide()
	m.Toolkit.Terminate()
}
