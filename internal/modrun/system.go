// SPDX-License-Identifier: MIT

package modrun

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/protocol"
)

// DefaultRetryInterval is the supervisor backoff between init attempts.
const DefaultRetryInterval = 5 * time.Second

// SystemConfig assembles a module runtime.
type SystemConfig struct {
	// Name is the module family name (audio, cameras, ...).
	Name string
	// Opts are the resolved per-module options.
	Opts config.ModuleOptions
	// Status is the parent channel, built over the original stdout.
	Status *protocol.StatusWriter
	// Recorder is the module implementation.
	Recorder Recorder
	// RetryInterval overrides the supervisor backoff. Zero means 5s.
	RetryInterval time.Duration
}

// System owns the runtime state shared between dispatcher, mode and
// supervisor: options, the status writer, the recording flag and the
// shutdown signal. The mode holds a non-owning handle back to it.
type System struct {
	name   string
	opts   config.ModuleOptions
	status *protocol.StatusWriter
	rec    Recorder
	retry  time.Duration
	logger zerolog.Logger

	mu         sync.Mutex
	recording  bool
	trial      TrialInfo
	sessionDir string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	quitSent     atomic.Bool
}

// NewSystem validates cfg and builds the runtime core.
func NewSystem(cfg SystemConfig) (*System, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("modrun: module name required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("modrun: status writer required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("modrun: recorder required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if sender, ok := cfg.Recorder.(StatusSender); ok {
		sender.AttachStatus(cfg.Status)
	}
	return &System{
		name:   cfg.Name,
		opts:   cfg.Opts,
		status: cfg.Status,
		rec:    cfg.Recorder,
		retry:  cfg.RetryInterval,
		logger: log.WithComponent("modrun").With().
			Str(log.FieldModule, cfg.Name).
			Logger(),
		sessionDir: cfg.Opts.OutputDir,
		shutdown:   make(chan struct{}),
	}, nil
}

// Name returns the module family name.
func (s *System) Name() string { return s.name }

// Options returns the resolved module options.
func (s *System) Options() config.ModuleOptions { return s.opts }

// Status returns the parent status channel.
func (s *System) Status() *protocol.StatusWriter { return s.status }

// Logger returns the module-scoped logger.
func (s *System) Logger() zerolog.Logger { return s.logger }

// Recording reports whether a recording is active.
func (s *System) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Trial returns the trial the current or last recording targeted.
func (s *System) Trial() TrialInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trial
}

// SessionDir returns the directory module outputs go under.
func (s *System) SessionDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionDir
}

// SetSessionDir updates output paths; commands carrying a session_dir
// field apply it before acting.
func (s *System) SetSessionDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionDir = dir
}

func (s *System) setRecording(on bool, trial TrialInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = on
	if on {
		s.trial = trial
	}
}

// SetShutdown requests runtime exit. Idempotent.
func (s *System) SetShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// Done is closed once shutdown is requested.
func (s *System) Done() <-chan struct{} { return s.shutdown }

// ShuttingDown reports whether shutdown was requested.
func (s *System) ShuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// SendQuitting emits the quitting status exactly once so the parent can
// tell a graceful stop from a crash.
func (s *System) SendQuitting(reason string) {
	if !s.quitSent.CompareAndSwap(false, true) {
		return
	}
	if err := s.status.Send(protocol.StatusQuitting, map[string]any{"reason": reason}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send quitting status")
	}
}
