// SPDX-License-Identifier: MIT

package pipeline

// Sink consumes frames in writer order. Implementations wrap an ffmpeg
// stdin, a WAV encoder or a row-appending CSV; see the encoder package.
type Sink interface {
	// WriteFrame commits one frame. Errors are contained by the writer:
	// logged, counted, and the pipeline keeps running.
	WriteFrame(f Frame) error
	// Close flushes and releases the sink. Bounded waits on external
	// encoder processes happen inside Close.
	Close() error
}
