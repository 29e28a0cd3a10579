// SPDX-License-Identifier: MIT

package protocol

import (
	"fmt"
	"regexp"
	"strconv"
)

// Geometry is a window placement exchanged in geometry_changed payloads
// and set_window_geometry commands.
type Geometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

var geometryRe = regexp.MustCompile(`^(\d+)x(\d+)\+(-?\d+)\+(-?\d+)$`)

// ParseGeometry parses a toolkit geometry string of the form WxH+X+Y.
func ParseGeometry(s string) (Geometry, error) {
	m := geometryRe.FindStringSubmatch(s)
	if m == nil {
		return Geometry{}, fmt.Errorf("protocol: malformed geometry %q", s)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	x, _ := strconv.Atoi(m[3])
	y, _ := strconv.Atoi(m[4])
	return Geometry{Width: w, Height: h, X: x, Y: y}, nil
}

// String renders the WxH+X+Y form.
func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", g.Width, g.Height, g.X, g.Y)
}

// Data returns the map shape used in geometry_changed payloads.
func (g Geometry) Data() map[string]any {
	return map[string]any{"width": g.Width, "height": g.Height, "x": g.X, "y": g.Y}
}

// GeometryFromData reads a geometry from a status payload or command params.
func GeometryFromData(data map[string]any) (Geometry, bool) {
	num := func(key string) (int, bool) {
		switch v := data[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		}
		return 0, false
	}
	w, ok1 := num("width")
	h, ok2 := num("height")
	x, ok3 := num("x")
	y, ok4 := num("y")
	if !(ok1 && ok2 && ok3 && ok4) {
		return Geometry{}, false
	}
	return Geometry{Width: w, Height: h, X: x, Y: y}, true
}
