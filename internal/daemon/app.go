// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/log"
)

// App wires the runtime plumbing around the Manager: config hot reload
// (file watcher plus SIGHUP) and the operator-requested shutdown path
// behind POST /shutdown.
type App struct {
	logger  zerolog.Logger
	manager *Manager
	holder  *config.Holder

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewApp builds the app. holder may be nil when the master runs
// without a config file; reload plumbing is skipped then.
func NewApp(manager *Manager, holder *config.Holder) *App {
	return &App{
		logger:  log.WithComponent("daemon"),
		manager: manager,
		holder:  holder,
		stopCh:  make(chan struct{}),
	}
}

// RequestShutdown asks the daemon to exit as if it had received an
// interrupt. Safe to call more than once.
func (a *App) RequestShutdown() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Run starts the reload plumbing and blocks on the manager until
// shutdown.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return errors.New("daemon: manager is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-a.stopCh:
			a.logger.Info().Msg("shutdown requested through the control plane")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if a.holder != nil {
		if err := a.holder.StartWatcher(); err != nil {
			a.logger.Warn().Err(err).Msg("config watcher not started")
		}
		defer a.holder.Stop()

		updates := make(chan config.Options, 1)
		a.holder.RegisterListener(updates)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case opts := <-updates:
					log.SetLevel(opts.LogLevel)
					a.logger.Info().
						Str("log_level", opts.LogLevel).
						Msg("reloaded configuration applied")
				}
			}
		})

		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hup:
					a.logger.Info().Msg("reload signal received")
					if err := a.holder.Reload(); err != nil {
						a.logger.Warn().Err(err).Msg("config reload failed")
					}
				}
			}
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.manager.Run(ctx)
	})

	return g.Wait()
}
