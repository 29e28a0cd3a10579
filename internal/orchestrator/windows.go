// SPDX-License-Identifier: MIT

package orchestrator

import (
	"fmt"
	"math"

	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/protocol"
)

// Layout names a bulk window arrangement.
type Layout string

const (
	LayoutGrid           Layout = "grid"
	LayoutCascade        Layout = "cascade"
	LayoutTileHorizontal Layout = "tile_horizontal"
	LayoutTileVertical   Layout = "tile_vertical"
)

// Screen is the arrangement area in pixels.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

const cascadeStep = 40

// computeLayout places n windows on the screen. Order follows the
// caller's slice, so placements are stable across calls.
func computeLayout(layout Layout, screen Screen, n int) ([]protocol.Geometry, error) {
	if n <= 0 {
		return nil, nil
	}
	if screen.Width <= 0 || screen.Height <= 0 {
		return nil, fmt.Errorf("orchestrator: invalid screen %dx%d", screen.Width, screen.Height)
	}

	out := make([]protocol.Geometry, n)
	switch layout {
	case LayoutGrid:
		cols := int(math.Ceil(math.Sqrt(float64(n))))
		rows := (n + cols - 1) / cols
		w, h := screen.Width/cols, screen.Height/rows
		for i := range out {
			out[i] = protocol.Geometry{
				Width:  w,
				Height: h,
				X:      (i % cols) * w,
				Y:      (i / cols) * h,
			}
		}
	case LayoutCascade:
		w, h := screen.Width*3/5, screen.Height*3/5
		maxX := screen.Width - w
		maxY := screen.Height - h
		for i := range out {
			x, y := i*cascadeStep, i*cascadeStep
			if maxX > 0 {
				x %= maxX + 1
			} else {
				x = 0
			}
			if maxY > 0 {
				y %= maxY + 1
			} else {
				y = 0
			}
			out[i] = protocol.Geometry{Width: w, Height: h, X: x, Y: y}
		}
	case LayoutTileHorizontal:
		w := screen.Width / n
		for i := range out {
			out[i] = protocol.Geometry{Width: w, Height: screen.Height, X: i * w, Y: 0}
		}
	case LayoutTileVertical:
		h := screen.Height / n
		for i := range out {
			out[i] = protocol.Geometry{Width: screen.Width, Height: h, X: 0, Y: i * h}
		}
	default:
		return nil, fmt.Errorf("orchestrator: unknown layout %q", layout)
	}
	return out, nil
}

// ArrangeWindows computes a target rectangle per live module window
// and issues set_window_geometry to each. Placement order follows the
// module definition order.
func (o *Orchestrator) ArrangeWindows(layout Layout, screen Screen) error {
	o.mu.Lock()
	var names []string
	var insts []ProcHandle
	for _, name := range o.order {
		ms := o.modules[name]
		if ms.inst != nil && !ms.inst.State().Terminal() {
			names = append(names, name)
			insts = append(insts, ms.inst)
		}
	}
	o.mu.Unlock()

	rects, err := computeLayout(layout, screen, len(insts))
	if err != nil {
		return err
	}
	for i, inst := range insts {
		g := rects[i]
		err := inst.Send(protocol.CmdSetWindowGeometry, map[string]any{
			"width":  g.Width,
			"height": g.Height,
			"x":      g.X,
			"y":      g.Y,
		})
		if err != nil {
			o.logger.Warn().Err(err).Str(log.FieldModule, names[i]).Msg("window placement not delivered")
		}
	}
	o.logger.Info().Str("layout", string(layout)).Int("windows", len(insts)).Msg("windows arranged")
	return nil
}

// SetModuleGeometry sends one explicit window rectangle to a module.
func (o *Orchestrator) SetModuleGeometry(name string, g protocol.Geometry) error {
	o.mu.Lock()
	ms := o.modules[name]
	var inst ProcHandle
	if ms != nil {
		inst = ms.inst
	}
	o.mu.Unlock()
	if ms == nil {
		return ErrUnknownModule
	}
	if inst == nil || inst.State().Terminal() {
		return ErrModuleNotRunning
	}
	return inst.Send(protocol.CmdSetWindowGeometry, map[string]any{
		"width":  g.Width,
		"height": g.Height,
		"x":      g.X,
		"y":      g.Y,
	})
}
