// SPDX-License-Identifier: MIT

package pipeline

import (
	"sync"

	"github.com/labrig/labrig/internal/timing"
)

// captured is a payload parked in the slot between capture and tick.
type captured struct {
	payload []byte
	meta    CaptureMeta
	stamp   timing.Stamp
}

// slot is the single-element mailbox between the capture callback and
// the timer. Put replaces any unconsumed frame; take clears the slot so
// a frame is consumed at most once.
type slot struct {
	mu      sync.Mutex
	current *captured
}

// put parks a capture, returning true when it displaced an unconsumed one.
func (s *slot) put(c *captured) (displaced bool) {
	s.mu.Lock()
	displaced = s.current != nil
	s.current = c
	s.mu.Unlock()
	return displaced
}

// take removes and returns the parked capture, or nil when the slot is
// empty.
func (s *slot) take() *captured {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	return c
}
