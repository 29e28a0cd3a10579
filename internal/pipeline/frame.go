// SPDX-License-Identifier: MIT

// Package pipeline implements the fixed-rate recording chain used by
// every media-producing module: a capture callback feeds a latest-frame
// slot, a timer emits exactly one frame per period into a bounded
// drop-oldest queue, and a writer drains the queue into a Sink while
// logging per-frame diagnostics to a timing CSV.
package pipeline

import (
	"time"

	"github.com/labrig/labrig/internal/timing"
)

// CaptureMeta is the device-side context delivered with each capture.
type CaptureMeta struct {
	// CameraFrameIndex is the source device's own frame counter.
	CameraFrameIndex int64
	// AvailableFPS is the measured rate the source is producing at.
	AvailableFPS float64
	// Width and Height describe the payload shape for video sources.
	Width  int
	Height int
	// GazeUnix carries the matched gaze timestamp on eye-tracker world
	// frames. Valid only when HasGaze is set.
	GazeUnix float64
	HasGaze  bool
}

// Frame is one unit travelling from the timer to the writer.
type Frame struct {
	Payload []byte
	Meta    CaptureMeta

	// Capture is the stamp taken when the capture callback delivered
	// the payload; for duplicated frames it repeats the original's.
	Capture timing.Stamp
	// Enqueued is the monotonic reading at the timer tick that emitted
	// this frame.
	Enqueued time.Duration

	DisplayFrameIndex int64
	RequestedFPS      float64
	DroppedTotal      int64
	DuplicatesTotal   int64
	IsDuplicate       bool

	sentinel bool
}

// Stats is a snapshot of a pipeline's frame accounting.
type Stats struct {
	Captured    int64
	Written     int64
	Dropped     int64
	Duplicated  int64
	Skipped     int64
	WriteErrors int64
}
