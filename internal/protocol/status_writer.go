// SPDX-License-Identifier: MIT

package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// StatusWriter emits status lines to a caller-chosen stream. A child
// typically constructs one over its original stdout before any logging
// setup, keeping the parent channel clean. Each line is written and
// flushed under a mutex so concurrent senders never interleave.
type StatusWriter struct {
	mu sync.Mutex
	w  *bufio.Writer

	now func() time.Time
}

// NewStatusWriter wraps w for status emission.
func NewStatusWriter(w io.Writer) *StatusWriter {
	return &StatusWriter{w: bufio.NewWriter(w), now: time.Now}
}

// Send writes one {type:"status", ...} line. A nil data map becomes an
// empty object on the wire.
func (sw *StatusWriter) Send(status string, data map[string]any) error {
	if status == "" {
		return fmt.Errorf("protocol: empty status value")
	}
	if data == nil {
		data = map[string]any{}
	}
	obj := map[string]any{
		"type":      "status",
		"status":    status,
		"timestamp": sw.now().Format(TimeFormat),
		"data":      data,
	}
	line, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("protocol: encode status %s: %w", status, err)
	}
	line = append(line, '\n')

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write(line); err != nil {
		return fmt.Errorf("protocol: write status %s: %w", status, err)
	}
	if err := sw.w.Flush(); err != nil {
		return fmt.Errorf("protocol: flush status %s: %w", status, err)
	}
	return nil
}

// SendError is a convenience for error statuses with a sanitized message.
func (sw *StatusWriter) SendError(msg string) error {
	return sw.Send(StatusError, map[string]any{"message": SanitizeMessage(msg)})
}

// SendWarning is a convenience for warning statuses with a sanitized message.
func (sw *StatusWriter) SendWarning(msg string) error {
	return sw.Send(StatusWarning, map[string]any{"message": SanitizeMessage(msg)})
}
