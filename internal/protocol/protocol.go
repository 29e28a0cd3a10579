// SPDX-License-Identifier: MIT

// Package protocol implements the newline-delimited JSON framing spoken
// between the orchestrator and its module child processes.
//
// Commands flow parent to child on stdin, one object per line:
//
//	{"command":"start_recording","timestamp":"2026-01-02T15:04:05.1Z","trial_number":3}
//
// Status messages flow child to parent on stdout, one object per line:
//
//	{"type":"status","status":"recording_started","timestamp":"...","data":{"devices":2}}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Command names understood by every module runtime. Modules may accept
// additional names through their custom command hook.
const (
	CmdStartRecording    = "start_recording"
	CmdStopRecording     = "stop_recording"
	CmdGetStatus         = "get_status"
	CmdGetGeometry       = "get_geometry"
	CmdTakeSnapshot      = "take_snapshot"
	CmdSetWindowGeometry = "set_window_geometry"
	CmdToggleDevice      = "toggle_device"
	CmdTogglePreview     = "toggle_preview"
	CmdQuit              = "quit"
)

// Well-known status values. The orchestrator treats anything else as opaque.
const (
	StatusInitializing     = "initializing"
	StatusInitialized      = "initialized"
	StatusRecordingStarted = "recording_started"
	StatusRecordingStopped = "recording_stopped"
	StatusSnapshotTaken    = "snapshot_taken"
	StatusReport           = "status_report"
	StatusPreviewFrame     = "preview_frame"
	StatusPreviewToggled   = "preview_toggled"
	StatusGeometryChanged  = "geometry_changed"
	StatusError            = "error"
	StatusWarning          = "warning"
	StatusQuitting         = "quitting"
)

// TimeFormat is the wall-clock timestamp layout on the wire.
const TimeFormat = time.RFC3339Nano

// MaxMessageLen bounds error text carried in status payloads.
const MaxMessageLen = 200

var (
	ErrNotObject = errors.New("protocol: line is not a JSON object")
	ErrNoCommand = errors.New("protocol: missing command key of string type")
	ErrNoStatus  = errors.New("protocol: missing status key of string type")
	ErrNotStatus = errors.New("protocol: type is not \"status\"")
	ErrEmptyLine = errors.New("protocol: empty line")
)

// Command is one parsed parent-to-child message. Params carries every key
// except command and timestamp, preserved for forwarding.
type Command struct {
	Name      string
	Timestamp time.Time
	Params    map[string]any
}

// EncodeCommand renders a command line: the given params plus the command
// name and a wall-clock timestamp, terminated by '\n'.
func EncodeCommand(name string, params map[string]any) ([]byte, error) {
	return encodeCommandAt(name, params, time.Now())
}

func encodeCommandAt(name string, params map[string]any, now time.Time) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("protocol: empty command name")
	}
	obj := make(map[string]any, len(params)+2)
	for k, v := range params {
		obj[k] = v
	}
	obj["command"] = name
	obj["timestamp"] = now.Format(TimeFormat)

	line, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command %s: %w", name, err)
	}
	return append(line, '\n'), nil
}

// ParseCommand parses one command line. It rejects lines that are not
// valid JSON, not objects, or missing a string command key. Unknown keys
// are kept in Params.
func ParseCommand(line []byte) (Command, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Command{}, ErrEmptyLine
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Command{}, ErrNotObject
		}
		return Command{}, fmt.Errorf("protocol: parse command: %w", err)
	}
	if obj == nil {
		return Command{}, ErrNotObject
	}

	name, ok := obj["command"].(string)
	if !ok || name == "" {
		return Command{}, ErrNoCommand
	}

	cmd := Command{Name: name, Params: obj}
	delete(obj, "command")
	if raw, ok := obj["timestamp"].(string); ok {
		if ts, err := parseTime(raw); err == nil {
			cmd.Timestamp = ts
		}
		delete(obj, "timestamp")
	}
	return cmd, nil
}

// Str returns the string param for key.
func (c Command) Str(key string) (string, bool) {
	s, ok := c.Params[key].(string)
	return s, ok
}

// Int returns the integer param for key. JSON numbers arrive as float64.
func (c Command) Int(key string) (int, bool) {
	switch v := c.Params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Float returns the numeric param for key.
func (c Command) Float(key string) (float64, bool) {
	switch v := c.Params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the boolean param for key.
func (c Command) Bool(key string) (bool, bool) {
	b, ok := c.Params[key].(bool)
	return b, ok
}

// Status is one parsed child-to-parent message.
type Status struct {
	Status    string
	Timestamp time.Time
	Data      map[string]any
}

// IsError reports whether this status signals a failure.
func (s Status) IsError() bool { return s.Status == StatusError }

// IsWarning reports whether this status signals a degraded condition.
func (s Status) IsWarning() bool { return s.Status == StatusWarning }

// Message returns the bounded message text from an error or warning payload.
func (s Status) Message() string {
	if m, ok := s.Data["message"].(string); ok {
		return m
	}
	return ""
}

// ParseStatus parses one status line. Lines whose type key is not
// "status" are rejected with ErrNotStatus so consumers can skip them.
func ParseStatus(line []byte) (Status, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Status{}, ErrEmptyLine
	}

	var obj struct {
		Type      string         `json:"type"`
		Status    string         `json:"status"`
		Timestamp string         `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "" {
			return Status{}, ErrNotObject
		}
		return Status{}, fmt.Errorf("protocol: parse status: %w", err)
	}
	if obj.Type != "status" {
		return Status{}, ErrNotStatus
	}
	if obj.Status == "" {
		return Status{}, ErrNoStatus
	}

	st := Status{Status: obj.Status, Data: obj.Data}
	if st.Data == nil {
		st.Data = map[string]any{}
	}
	if obj.Timestamp != "" {
		if ts, err := parseTime(obj.Timestamp); err == nil {
			st.Timestamp = ts
		}
	}
	return st, nil
}

// SanitizeMessage flattens newlines and caps the text at MaxMessageLen
// runes so error payloads stay one line and bounded.
func SanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	if utf8.RuneCountInString(msg) <= MaxMessageLen {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxMessageLen-3]) + "..."
}

func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(TimeFormat, s); err == nil {
		return ts, nil
	}
	// Zone-less variant, seen when a peer formats with a naive clock.
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.Local)
}
