// SPDX-License-Identifier: MIT

package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemClockMonotoneProgress(t *testing.T) {
	c := NewSystemClock()
	a := c.Now()
	time.Sleep(5 * time.Millisecond)
	b := c.Now()

	assert.Greater(t, b.Mono, a.Mono)
	assert.GreaterOrEqual(t, b.MonoSeconds(), a.MonoSeconds()+0.004)
}

func TestStampSeconds(t *testing.T) {
	wall := time.Unix(1756116900, 250_000_000)
	s := Stamp{Wall: wall, Mono: 1500 * time.Millisecond}

	assert.InDelta(t, 1756116900.25, s.UnixSeconds(), 1e-9)
	assert.InDelta(t, 1.5, s.MonoSeconds(), 1e-9)
}

func TestManualClock(t *testing.T) {
	m := NewManual(time.Unix(1000, 0))
	first := m.Now()
	require.Equal(t, time.Duration(0), first.Mono)

	m.Advance(250 * time.Millisecond)
	second := m.Now()
	assert.Equal(t, 250*time.Millisecond, second.Mono)
	assert.Equal(t, time.Unix(1000, 0).Add(250*time.Millisecond), second.Wall)

	m.StepWall(-10 * time.Second)
	third := m.Now()
	assert.Equal(t, 250*time.Millisecond, third.Mono, "wall step leaves monotonic untouched")
	assert.True(t, third.Wall.Before(second.Wall))
}
