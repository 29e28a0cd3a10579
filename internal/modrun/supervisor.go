// SPDX-License-Identifier: MIT

package modrun

import (
	"context"
	"time"

	"github.com/labrig/labrig/internal/protocol"
)

// runOnce performs one init-and-run cycle: initializing status, device
// setup, initialized status, then the mode's event loop.
func (s *System) runOnce(ctx context.Context, mode Mode) error {
	if err := s.status.Send(protocol.StatusInitializing, map[string]any{"module": s.name}); err != nil {
		s.logger.Warn().Err(err).Msg("status send failed")
	}

	devices, err := s.rec.Init(ctx)
	if err != nil {
		return err
	}
	s.logger.Info().Int("devices", devices).Msg("module initialised")

	if err := s.status.Send(protocol.StatusInitialized, map[string]any{
		"devices": devices,
		"session": s.SessionDir(),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("status send failed")
	}

	return mode.Run(ctx, s)
}

// Supervise runs the module runtime until it exits cleanly or shutdown
// is requested. Init failures (typically no devices yet) are retried
// after the discovery interval; so is any other runtime error. Cleanup
// always runs, and a quitting status precedes process exit so the
// orchestrator can tell a graceful stop from a crash.
func Supervise(ctx context.Context, sys *System, mode Mode) error {
	defer func() {
		if err := sys.rec.Cleanup(); err != nil {
			sys.logger.Error().Err(err).Msg("cleanup failed")
		}
		sys.SendQuitting("shutdown")
	}()

	for {
		err := sys.runOnce(ctx, mode)
		if err == nil {
			return nil
		}

		if IsInitError(err) {
			sys.logger.Info().Err(err).
				Dur("retry_in", sys.retry).
				Msg("initialisation incomplete, retrying")
		} else {
			sys.logger.Error().Err(err).
				Dur("retry_in", sys.retry).
				Msg("module runtime failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-sys.Done():
			return nil
		case <-time.After(sys.retry):
		}
	}
}
