// SPDX-License-Identifier: MIT

// Package timing supplies the wall/monotonic timestamp pair recorded in
// every data row. Wall time anchors rows to the real world; the
// monotonic reading orders rows immune to NTP steps.
package timing

import (
	"sync"
	"time"
)

// Stamp is one instant captured on both clocks.
type Stamp struct {
	Wall time.Time
	Mono time.Duration
}

// UnixSeconds returns the wall clock as fractional seconds since epoch.
func (s Stamp) UnixSeconds() float64 {
	return float64(s.Wall.UnixNano()) / float64(time.Second)
}

// MonoSeconds returns the monotonic reading as fractional seconds.
func (s Stamp) MonoSeconds() float64 {
	return s.Mono.Seconds()
}

// Clock produces stamps. Recording code takes a Clock so tests can drive
// deterministic time.
type Clock interface {
	Now() Stamp
}

type systemClock struct {
	base time.Time
}

// NewSystemClock returns a Clock whose monotonic reading counts from the
// moment of construction.
func NewSystemClock() Clock {
	return &systemClock{base: time.Now()}
}

func (c *systemClock) Now() Stamp {
	now := time.Now()
	return Stamp{Wall: now, Mono: now.Sub(c.base)}
}

// Manual is a hand-driven Clock for tests and simulated devices.
type Manual struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewManual returns a Manual clock starting at wall with zero monotonic.
func NewManual(wall time.Time) *Manual {
	return &Manual{wall: wall}
}

// Now returns the current manual stamp.
func (m *Manual) Now() Stamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stamp{Wall: m.wall, Mono: m.mono}
}

// Advance moves both clocks forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wall = m.wall.Add(d)
	m.mono += d
}

// StepWall moves only the wall clock, simulating an NTP adjustment.
func (m *Manual) StepWall(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wall = m.wall.Add(d)
}
