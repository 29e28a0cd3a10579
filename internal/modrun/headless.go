// SPDX-License-Identifier: MIT

package modrun

import (
	"context"

	"github.com/labrig/labrig/internal/protocol"
)

// HeadlessMode runs unattended: optionally auto-start a recording, then
// idle until shutdown.
type HeadlessMode struct{}

func (HeadlessMode) Run(ctx context.Context, sys *System) error {
	if sys.Options().AutoStartRecording {
		trial := TrialInfo{Number: 1, SessionDir: sys.SessionDir()}
		data, err := sys.rec.Start(ctx, trial)
		logger := sys.Logger()
		if err != nil {
			logger.Error().Err(err).Msg("auto-start recording failed")
			if serr := sys.status.SendError(err.Error()); serr != nil {
				logger.Warn().Err(serr).Msg("error status send failed")
			}
		} else {
			sys.setRecording(true, trial)
			if serr := sys.status.Send(protocol.StatusRecordingStarted, data); serr != nil {
				logger.Warn().Err(serr).Msg("status send failed")
			}
		}
	}

	select {
	case <-ctx.Done():
	case <-sys.Done():
	}

	if sys.Recording() {
		data, err := sys.rec.Stop(context.WithoutCancel(ctx))
		sys.setRecording(false, TrialInfo{})
		logger := sys.Logger()
		if err != nil {
			logger.Error().Err(err).Msg("recording stop on shutdown failed")
		} else if serr := sys.status.Send(protocol.StatusRecordingStopped, data); serr != nil {
			logger.Warn().Err(serr).Msg("status send failed")
		}
	}

	sys.SendQuitting("shutdown")
	sys.SetShutdown()
	return nil
}
