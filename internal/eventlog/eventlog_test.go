// SPDX-License-Identifier: MIT

package eventlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/orchestrator"
)

func startRecorder(t *testing.T) (*Recorder, bus.Bus, string) {
	t.Helper()
	dir := t.TempDir()
	b := bus.NewMemoryBus()
	rec, err := New(Config{Bus: b, Dir: dir})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec, b, dir
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func waitForLines(t *testing.T, path string, n int) []string {
	t.Helper()
	var lines []string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		lines = strings.Split(strings.TrimSpace(string(data)), "\n")
		return len(lines) >= n && lines[0] != ""
	}, 2*time.Second, 10*time.Millisecond, "expected %d lines in %s", n, path)
	return lines
}

func TestNew_RequiresBusAndDir(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir()})
	require.Error(t, err)

	_, err = New(Config{Bus: bus.NewMemoryBus()})
	require.Error(t, err)
}

func TestRecorder_PersistsDeviceEvents(t *testing.T) {
	rec, b, _ := startRecorder(t)

	ev := devices.Event{
		Kind:   devices.EventDiscovered,
		Device: devices.Device{ID: "serial:gps0", ModuleID: "gps"},
	}
	require.NoError(t, b.Publish(context.Background(), bus.TopicDeviceEvents, ev))

	lines := waitForLines(t, rec.Path(), 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, bus.TopicDeviceEvents, record.Topic)
	assert.False(t, record.TS.IsZero())

	payload, ok := record.Event.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, devices.EventDiscovered, payload["event"])
}

func TestRecorder_SessionLogFollowsLifecycle(t *testing.T) {
	rec, b, _ := startRecorder(t)
	sessionDir := t.TempDir()

	publish := func(kind string, active bool) {
		require.NoError(t, b.Publish(context.Background(), bus.TopicSessionEvents,
			orchestrator.SessionEvent{
				Kind:    kind,
				Session: orchestrator.Session{Label: "s1", Dir: sessionDir, Active: active},
			}))
	}

	publish(orchestrator.SessionStarted, true)
	publish(orchestrator.TrialStarted, true)
	publish(orchestrator.SessionStopped, false)
	waitForLines(t, rec.Path(), 3)

	// After a stop the next device event must not reach the session log.
	require.NoError(t, b.Publish(context.Background(), bus.TopicDeviceEvents,
		devices.Event{Kind: devices.EventRemoved, Device: devices.Device{ID: "serial:gps0"}}))
	waitForLines(t, rec.Path(), 4)

	sessionLog := filepath.Join(sessionDir, SessionLogName)
	lines := readLines(t, sessionLog)
	require.Len(t, lines, 3)

	var kinds []string
	for _, line := range lines {
		var record Record
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		payload, ok := record.Event.(map[string]any)
		require.True(t, ok)
		kinds = append(kinds, payload["kind"].(string))
	}
	assert.Equal(t, []string{
		orchestrator.SessionStarted,
		orchestrator.TrialStarted,
		orchestrator.SessionStopped,
	}, kinds)
}

func TestRecorder_DeviceEventsLandInOpenSession(t *testing.T) {
	rec, b, _ := startRecorder(t)
	sessionDir := t.TempDir()

	require.NoError(t, b.Publish(context.Background(), bus.TopicSessionEvents,
		orchestrator.SessionEvent{
			Kind:    orchestrator.SessionStarted,
			Session: orchestrator.Session{Label: "s1", Dir: sessionDir, Active: true},
		}))
	waitForLines(t, rec.Path(), 1)

	require.NoError(t, b.Publish(context.Background(), bus.TopicDeviceEvents,
		devices.Event{Kind: devices.EventDiscovered, Device: devices.Device{ID: "alsa:hw:1,0"}}))
	waitForLines(t, rec.Path(), 2)
	lines := waitForLines(t, filepath.Join(sessionDir, SessionLogName), 2)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &record))
	assert.Equal(t, bus.TopicDeviceEvents, record.Topic)
}
