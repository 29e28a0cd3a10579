// SPDX-License-Identifier: MIT

package devsim

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// VOGEvent is one shutter transition on a visual-occlusion goggle.
// EventType names the command that caused the transition and
// ShutterState the resulting lens state. Lens and Battery are only
// meaningful on wireless units.
type VOGEvent struct {
	EventType    string
	ShutterState string
	Lens         string
	Battery      int
	UnitID       string
	At           time.Duration
}

// VOGGenerator alternates open and close transitions with occlusion
// and viewing windows in the usual experimental range. Wireless
// generators cycle the active lens and drain a battery.
type VOGGenerator struct {
	rng      *rand.Rand
	wireless bool
	open     bool
	lens     int
	clock    time.Duration
	battery  float64
	unitID   string
}

var vogLenses = []string{"A", "B", "X"}

// NewVOGGenerator seeds a generator whose shutter starts closed.
func NewVOGGenerator(seed uint64, wireless bool) *VOGGenerator {
	rng := newRNG(seed)
	return &VOGGenerator{
		rng:      rng,
		wireless: wireless,
		battery:  100,
		unitID:   fmt.Sprintf("vog-%04d", rng.IntN(10000)),
	}
}

// Next returns the next shutter transition. Open windows run 1.5s to
// 3s, occlusions 0.5s to 2s.
func (g *VOGGenerator) Next() VOGEvent {
	if g.open {
		g.clock += time.Duration(1500+g.rng.IntN(1500)) * time.Millisecond
	} else {
		g.clock += time.Duration(500+g.rng.IntN(1500)) * time.Millisecond
	}
	g.open = !g.open

	ev := VOGEvent{
		EventType:    "close",
		ShutterState: "closed",
		Battery:      -1,
		At:           g.clock,
	}
	if g.open {
		ev.EventType = "open"
		ev.ShutterState = "open"
	}
	if g.wireless {
		if !g.open && g.rng.IntN(4) == 0 {
			g.lens = (g.lens + 1) % len(vogLenses)
		}
		ev.Lens = vogLenses[g.lens]
		ev.UnitID = g.unitID
		g.battery -= 0.02 + g.rng.Float64()*0.02
		if g.battery < 0 {
			g.battery = 0
		}
		ev.Battery = int(g.battery)
	}
	return ev
}
