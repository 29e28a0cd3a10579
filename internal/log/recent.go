// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"sync"
)

const (
	// maxRecentEntries bounds the in-memory log window served by the API.
	maxRecentEntries = 500
	// maxLineBytes drops pathological single lines instead of buffering them.
	maxLineBytes = 64 * 1024
	// maxPartialBytes bounds the reassembly buffer for split writes.
	maxPartialBytes = 256 * 1024
)

// LogEntry is one structured log line retained in the recent-log buffer.
type LogEntry struct {
	Time      string         `json:"time,omitempty"`
	Level     string         `json:"level,omitempty"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// BufferMetrics reports drops observed by the recent-log buffer.
type BufferMetrics struct {
	DroppedPartialOverflow int64
	DroppedOversizedLine   int64
	DroppedUnparsable      int64
}

// structuredBufferWriter reassembles zerolog's JSON lines from possibly
// split writes and appends parsed entries to a bounded ring.
type structuredBufferWriter struct {
	mu      sync.Mutex
	partial bytes.Buffer
	entries []LogEntry
	metrics BufferMetrics
}

var recentBuffer = &structuredBufferWriter{}

func recentTap() *structuredBufferWriter { return recentBuffer }

func (w *structuredBufferWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial.Write(p)
	if w.partial.Len() > maxPartialBytes && !bytes.Contains(w.partial.Bytes(), []byte{'\n'}) {
		w.partial.Reset()
		w.metrics.DroppedPartialOverflow++
		return len(p), nil
	}

	for {
		raw := w.partial.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		w.partial.Next(idx + 1)
		w.appendLine(line)
	}
	return len(p), nil
}

func (w *structuredBufferWriter) appendLine(line []byte) {
	if len(line) == 0 {
		return
	}
	if len(line) > maxLineBytes {
		w.metrics.DroppedOversizedLine++
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		w.metrics.DroppedUnparsable++
		return
	}
	entry := LogEntry{Fields: fields}
	if v, ok := fields["time"].(string); ok {
		entry.Time = v
	}
	if v, ok := fields["level"].(string); ok {
		entry.Level = v
	}
	if v, ok := fields["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := fields["message"].(string); ok {
		entry.Message = v
	}
	w.entries = append(w.entries, entry)
	if len(w.entries) > maxRecentEntries {
		w.entries = w.entries[len(w.entries)-maxRecentEntries:]
	}
}

// GetRecentLogs returns a copy of the buffered recent log entries, oldest first.
func GetRecentLogs() []LogEntry {
	recentBuffer.mu.Lock()
	defer recentBuffer.mu.Unlock()
	out := make([]LogEntry, len(recentBuffer.entries))
	copy(out, recentBuffer.entries)
	return out
}

// ClearRecentLogs empties the recent-log buffer. Intended for tests.
func ClearRecentLogs() {
	recentBuffer.mu.Lock()
	defer recentBuffer.mu.Unlock()
	recentBuffer.entries = nil
	recentBuffer.partial.Reset()
	recentBuffer.metrics = BufferMetrics{}
}

// GetBufferMetrics returns drop counters for the recent-log buffer.
func GetBufferMetrics() BufferMetrics {
	recentBuffer.mu.Lock()
	defer recentBuffer.mu.Unlock()
	return recentBuffer.metrics
}
