// SPDX-License-Identifier: MIT

// Package eventlog persists session and device events as JSON lines.
//
// The recorder subscribes to the bus and appends every event to a
// rotating events.log. While a session is active the same records also
// land in a session.log inside the session directory, so each
// recording ships with its own timeline.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
	"github.com/labrig/labrig/internal/orchestrator"
)

// Rotation defaults for events.log.
const (
	defaultMaxSizeMB  = 20
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

// SessionLogName is the per-session timeline file inside a session dir.
const SessionLogName = "session.log"

// Config wires the recorder.
type Config struct {
	Bus bus.Bus
	// Dir holds events.log. Created on New when missing.
	Dir string

	// Rotation knobs for events.log; zero values take the defaults.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Record is one persisted event line.
type Record struct {
	TS    time.Time `json:"ts"`
	Topic string    `json:"topic"`
	Event any       `json:"event"`
}

// Recorder is the bus to JSONL bridge.
type Recorder struct {
	cfg    Config
	logger zerolog.Logger
	events *lumberjack.Logger

	mu      sync.Mutex
	session *os.File
}

// New builds a recorder writing under cfg.Dir.
func New(cfg Config) (*Recorder, error) {
	if cfg.Bus == nil {
		return nil, errors.New("eventlog: bus is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("eventlog: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create %s: %w", cfg.Dir, err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultMaxBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = defaultMaxAgeDays
	}
	return &Recorder{
		cfg:    cfg,
		logger: log.WithComponent("eventlog"),
		events: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "events.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
	}, nil
}

// Path returns the events.log location.
func (r *Recorder) Path() string {
	return r.events.Filename
}

// Run consumes the session and device topics until ctx is cancelled.
// Write failures are counted and logged but never stop the loop.
func (r *Recorder) Run(ctx context.Context) error {
	sessionSub, err := r.cfg.Bus.Subscribe(ctx, bus.TopicSessionEvents)
	if err != nil {
		return fmt.Errorf("eventlog: subscribe sessions: %w", err)
	}
	defer func() { _ = sessionSub.Close() }()

	deviceSub, err := r.cfg.Bus.Subscribe(ctx, bus.TopicDeviceEvents)
	if err != nil {
		return fmt.Errorf("eventlog: subscribe devices: %w", err)
	}
	defer func() { _ = deviceSub.Close() }()

	r.logger.Info().Str(log.FieldPath, r.events.Filename).Msg("event log recording")
	defer r.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sessionSub.C():
			if !ok {
				return nil
			}
			r.handleSession(msg)
		case msg, ok := <-deviceSub.C():
			if !ok {
				return nil
			}
			r.write(bus.TopicDeviceEvents, msg)
		}
	}
}

// handleSession writes the record and tracks the per-session file
// around it: a start opens the session log before its own record, a
// stop closes it after.
func (r *Recorder) handleSession(msg bus.Message) {
	ev, ok := msg.(orchestrator.SessionEvent)
	if !ok {
		r.write(bus.TopicSessionEvents, msg)
		return
	}
	if ev.Kind == orchestrator.SessionStarted {
		r.openSession(ev.Session.Dir)
	}
	r.write(bus.TopicSessionEvents, msg)
	if ev.Kind == orchestrator.SessionStopped {
		r.closeSession()
	}
}

func (r *Recorder) write(topic string, event any) {
	line, err := json.Marshal(Record{TS: time.Now().UTC(), Topic: topic, Event: event})
	if err != nil {
		metrics.EventLogErrors.Inc()
		r.logger.Warn().Err(err).Str("topic", topic).Msg("event not encodable")
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.events.Write(line); err != nil {
		metrics.EventLogErrors.Inc()
		r.logger.Warn().Err(err).Msg("events.log write failed")
	}
	if r.session != nil {
		if _, err := r.session.Write(line); err != nil {
			metrics.EventLogErrors.Inc()
			r.logger.Warn().Err(err).Msg("session.log write failed")
		}
	}
	metrics.IncEventLogged(topic)
}

func (r *Recorder) openSession(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		_ = r.session.Close()
		r.session = nil
	}
	if dir == "" {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, SessionLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		metrics.EventLogErrors.Inc()
		r.logger.Warn().Err(err).Str(log.FieldPath, dir).Msg("session.log not opened")
		return
	}
	r.session = f
}

func (r *Recorder) closeSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		_ = r.session.Close()
		r.session = nil
	}
}

func (r *Recorder) close() {
	r.closeSession()
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.events.Close()
}
