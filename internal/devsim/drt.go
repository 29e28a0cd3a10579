// SPDX-License-Identifier: MIT

package devsim

import (
	"math/rand/v2"
	"time"
)

// DRTEvent is one completed stimulus cycle on a detection-response
// device. ReactionMS is -1 when the stimulus timed out unanswered.
// Battery is a percentage on wireless units and -1 on wired ones.
type DRTEvent struct {
	Index      int
	Onset      time.Duration
	ReactionMS int
	Responses  int
	Battery    int
}

// DRTGenerator produces stimulus cycles with plausible inter-stimulus
// intervals, reaction times and an occasional timeout. Wireless
// generators also drain a battery.
type DRTGenerator struct {
	rng      *rand.Rand
	wireless bool
	index    int
	clock    time.Duration
	battery  float64
}

// NewDRTGenerator seeds a generator. Wireless units start with a full
// battery.
func NewDRTGenerator(seed uint64, wireless bool) *DRTGenerator {
	return &DRTGenerator{
		rng:      newRNG(seed),
		wireless: wireless,
		battery:  100,
	}
}

// Next returns the next stimulus cycle. Roughly one cycle in ten times
// out, the rest complete with a reaction between 180ms and 900ms.
func (g *DRTGenerator) Next() DRTEvent {
	g.index++
	g.clock += time.Duration(3000+g.rng.IntN(2000)) * time.Millisecond

	ev := DRTEvent{
		Index:      g.index,
		Onset:      g.clock,
		ReactionMS: -1,
		Battery:    -1,
	}
	if g.rng.IntN(10) > 0 {
		ev.ReactionMS = 180 + g.rng.IntN(720)
		ev.Responses = 1
		if g.rng.IntN(20) == 0 {
			ev.Responses = 2
		}
	}
	if g.wireless {
		g.battery -= 0.05 + g.rng.Float64()*0.03
		if g.battery < 0 {
			g.battery = 0
		}
		ev.Battery = int(g.battery)
	}
	return ev
}
