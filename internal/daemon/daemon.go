// SPDX-License-Identifier: MIT

// Package daemon runs the master's long-lived components and tears
// them down again in reverse registration order, so late-registered
// components stop while their upstream dependencies are still alive.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/log"
)

// DefaultShutdownTimeout bounds a full teardown pass.
const DefaultShutdownTimeout = 30 * time.Second

// ErrAlreadyStarted is returned by Run when the manager ran before.
var ErrAlreadyStarted = errors.New("daemon: manager already started")

// Hook is one teardown action.
type Hook func(ctx context.Context) error

// step is one slot in the ordered lifecycle: a long-running component
// (run set) or a teardown-only hook (stop set).
type step struct {
	name string
	run  func(ctx context.Context) error
	stop Hook

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager owns the component lifecycle. Components and hooks register
// before Run in dependency order: bus consumers first, the API server
// last. Teardown walks the same list backwards, so the control plane
// stops first and the consumers drain everything published during the
// stops that follow.
type Manager struct {
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	steps   []*step
	started bool
}

// New builds an empty manager. A non-positive shutdownTimeout selects
// the default budget.
func New(shutdownTimeout time.Duration) *Manager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Manager{
		logger:  log.WithComponent("daemon"),
		timeout: shutdownTimeout,
	}
}

// Add registers a long-running component. run must block until its
// context is cancelled; a non-nil return before that brings the whole
// daemon down.
func (m *Manager) Add(name string, run func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, &step{name: name, run: run})
}

// AddHook registers a teardown action executed at its registration
// position, between the stops of the components registered around it.
func (m *Manager) AddHook(name string, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, &step{name: name, stop: hook})
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then tears everything down within the shutdown
// budget. A clean shutdown returns nil.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	steps := m.steps
	m.mu.Unlock()

	fail := make(chan error, 1)
	for _, st := range steps {
		if st.run == nil {
			continue
		}
		runCtx, cancel := context.WithCancel(context.Background())
		st.cancel = cancel
		st.done = make(chan struct{})
		go func(st *step) {
			defer close(st.done)
			err := st.run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				st.err = err
				select {
				case fail <- fmt.Errorf("%s: %w", st.name, err):
				default:
				}
			}
		}(st)
		m.logger.Debug().Str(log.FieldComponent, st.name).Msg("component started")
	}

	select {
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown requested")
	case err := <-fail:
		m.logger.Error().Err(err).Msg("component failed, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	errs := m.teardown(stopCtx, steps)
	if len(errs) > 0 {
		return fmt.Errorf("daemon: shutdown: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}

func (m *Manager) teardown(ctx context.Context, steps []*step) []error {
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		start := time.Now()

		if st.run != nil {
			if st.cancel == nil {
				continue
			}
			st.cancel()
			select {
			case <-st.done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("%s: stop timed out", st.name))
				m.logger.Error().Str(log.FieldComponent, st.name).Msg("component did not stop in time")
				continue
			}
			if st.err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", st.name, st.err))
			}
			m.logger.Debug().
				Str(log.FieldComponent, st.name).
				Dur("duration", time.Since(start)).
				Msg("component stopped")
			continue
		}

		if err := st.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			m.logger.Error().Err(err).
				Str(log.FieldComponent, st.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			continue
		}
		m.logger.Debug().
			Str(log.FieldComponent, st.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}
	return errs
}
