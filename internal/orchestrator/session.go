// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
	"github.com/labrig/labrig/internal/modproc"
	"github.com/labrig/labrig/internal/protocol"
	"github.com/labrig/labrig/internal/telemetry"
)

// Session is the recording container state.
type Session struct {
	Label        string    `json:"session_label"`
	Dir          string    `json:"session_dir"`
	Active       bool      `json:"active"`
	TrialCounter int       `json:"trial_counter"`
	TrialActive  bool      `json:"trial_active"`
	TrialLabel   string    `json:"trial_label"`
	StartedAt    time.Time `json:"started_at,omitzero"`
}

// TrialResult is the aggregate outcome of one trial fan-out.
type TrialResult struct {
	Number  int           `json:"trial_number"`
	Label   string        `json:"trial_label"`
	Started []string      `json:"started"`
	Failed  []ModuleFault `json:"failed"`
}

// ModuleFault names one module that did not follow a broadcast.
type ModuleFault struct {
	Module string `json:"module"`
	Reason string `json:"reason"`
}

// Ok reports whether every targeted module followed.
func (t TrialResult) Ok() bool { return len(t.Failed) == 0 }

// Session event kinds on bus.TopicSessionEvents.
const (
	SessionStarted = "session_started"
	SessionStopped = "session_stopped"
	TrialStarted   = "trial_started"
	TrialStopped   = "trial_stopped"
	TrialDegraded  = "trial_degraded"
)

// SessionEvent is the bus payload for session lifecycle changes.
type SessionEvent struct {
	Kind    string       `json:"kind"`
	Session Session      `json:"session"`
	Trial   *TrialResult `json:"trial,omitempty"`
}

// Session returns a snapshot of the current session state.
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// StartSession opens a new recording container. An empty dir derives
// `<data_dir>/<session_prefix>_<YYYYmmdd_HHMMSS>` and creates it.
func (o *Orchestrator) StartSession(ctx context.Context, dir string) (Session, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	tracer := telemetry.Tracer("labrig.orchestrator")
	ctx, span := tracer.Start(ctx, "session.start", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	o.mu.Lock()
	if o.session.Active {
		o.mu.Unlock()
		span.SetStatus(codes.Error, "session already active")
		return Session{}, ErrSessionActive
	}
	o.mu.Unlock()

	now := time.Now()
	if dir == "" {
		name := fmt.Sprintf("%s_%s", o.cfg.Options.SessionPrefix, now.Format("20060102_150405"))
		dir = filepath.Join(o.cfg.Options.DataDir, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session dir not created")
		return Session{}, fmt.Errorf("orchestrator: create session dir: %w", err)
	}

	s := Session{
		Label:     filepath.Base(dir),
		Dir:       dir,
		Active:    true,
		StartedAt: now,
	}
	o.mu.Lock()
	o.session = s
	o.mu.Unlock()

	span.SetAttributes(telemetry.SessionAttributes(s.Label, 0, "")...)
	metrics.SessionActive.Set(1)
	o.logger.Info().
		Str(log.FieldSession, s.Label).
		Str(log.FieldSessionDir, s.Dir).
		Msg("session started")
	o.publishSession(SessionStarted, nil)
	if o.cfg.History != nil {
		if err := o.cfg.History.SessionStarted(ctx, s); err != nil {
			o.logger.Warn().Err(err).Msg("session not recorded in catalog")
		}
	}
	return s, nil
}

// StopSession closes the active session. An active trial is stopped
// first; its faults degrade the log but never block the close.
func (o *Orchestrator) StopSession(ctx context.Context) (Session, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.stopSessionLocked(ctx)
}

// stopSessionLocked requires opMu.
func (o *Orchestrator) stopSessionLocked(ctx context.Context) (Session, error) {
	tracer := telemetry.Tracer("labrig.orchestrator")
	ctx, span := tracer.Start(ctx, "session.stop", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	o.mu.Lock()
	if !o.session.Active {
		o.mu.Unlock()
		span.SetStatus(codes.Error, "no active session")
		return Session{}, ErrNoSession
	}
	trialActive := o.session.TrialActive
	o.mu.Unlock()

	outcome := metrics.OutcomeCompleted
	if trialActive {
		if res, err := o.stopTrialLocked(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("trial not stopped cleanly before session close")
			outcome = metrics.OutcomePartial
		} else if !res.Ok() {
			o.logger.Warn().Int(log.FieldTrial, res.Number).Msg("trial closed with faults before session close")
			outcome = metrics.OutcomePartial
		}
	}

	o.mu.Lock()
	s := o.session
	o.session = Session{}
	o.mu.Unlock()
	s.Active = false
	s.TrialActive = false
	s.TrialCounter = 0

	span.SetAttributes(telemetry.SessionAttributes(s.Label, 0, "")...)
	metrics.SessionActive.Set(0)
	metrics.IncSession(outcome)
	o.logger.Info().Str(log.FieldSession, s.Label).Msg("session stopped")
	o.publishSession(SessionStopped, nil)
	if o.cfg.History != nil {
		if err := o.cfg.History.SessionStopped(ctx, s); err != nil {
			o.logger.Warn().Err(err).Msg("session close not recorded in catalog")
		}
	}
	return s, nil
}

// StartTrial increments the trial counter and broadcasts
// start_recording to every enabled module with a ready instance.
// Partial success keeps the trial active so partial data is captured;
// the result lists who started and who did not.
func (o *Orchestrator) StartTrial(ctx context.Context, label string) (TrialResult, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	tracer := telemetry.Tracer("labrig.orchestrator")
	ctx, span := tracer.Start(ctx, "trial.start", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	o.mu.Lock()
	if !o.session.Active {
		o.mu.Unlock()
		span.SetStatus(codes.Error, "no active session")
		return TrialResult{}, ErrNoSession
	}
	if o.session.TrialActive {
		o.mu.Unlock()
		span.SetStatus(codes.Error, "trial already active")
		return TrialResult{}, ErrTrialActive
	}
	o.session.TrialCounter++
	number := o.session.TrialCounter
	if label == "" {
		label = fmt.Sprintf("trial_%d", number)
	}
	o.session.TrialActive = true
	o.session.TrialLabel = label
	dir := o.session.Dir
	sessionLabel := o.session.Label
	targets := o.targetsLocked(func(ms *moduleState) bool {
		return ms.enabled && ms.inst != nil && ms.inst.State() == modproc.StateReady
	})
	o.mu.Unlock()

	span.SetAttributes(telemetry.SessionAttributes(sessionLabel, number, label)...)
	params := map[string]any{
		"session_dir":  dir,
		"trial_number": number,
		"trial_label":  label,
	}
	fanout := time.Now()
	res := o.broadcast(ctx, targets, protocol.CmdStartRecording, params,
		o.cfg.Options.TrialStartTimeout, protocol.StatusRecordingStarted)
	res.Number = number
	res.Label = label
	metrics.ObserveTrialStartSpread(time.Since(fanout))

	o.mu.Lock()
	o.trialStartedAt = fanout
	o.trialDegraded = !res.Ok()
	o.mu.Unlock()

	lg := o.logger.Info()
	kind := TrialStarted
	if !res.Ok() {
		lg = o.logger.Warn()
		kind = TrialDegraded
		span.SetStatus(codes.Error, "not every module started")
	}
	lg.Int(log.FieldTrial, number).
		Str(log.FieldTrialLabel, label).
		Strs("started", res.Started).
		Int("failed", len(res.Failed)).
		Msg("trial started")
	o.publishSession(kind, &res)
	if o.cfg.History != nil {
		if err := o.cfg.History.TrialStarted(ctx, o.Session(), res); err != nil {
			o.logger.Warn().Err(err).Msg("trial not recorded in catalog")
		}
	}
	return res, nil
}

// StopTrial broadcasts stop_recording to every recording instance and
// clears the trial flag regardless of stragglers.
func (o *Orchestrator) StopTrial(ctx context.Context) (TrialResult, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.stopTrialLocked(ctx)
}

// stopTrialLocked requires opMu.
func (o *Orchestrator) stopTrialLocked(ctx context.Context) (TrialResult, error) {
	tracer := telemetry.Tracer("labrig.orchestrator")
	ctx, span := tracer.Start(ctx, "trial.stop", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	o.mu.Lock()
	if !o.session.TrialActive {
		o.mu.Unlock()
		span.SetStatus(codes.Error, "no active trial")
		return TrialResult{}, ErrNoTrial
	}
	number := o.session.TrialCounter
	label := o.session.TrialLabel
	sessionLabel := o.session.Label
	targets := o.targetsLocked(func(ms *moduleState) bool {
		return ms.inst != nil && ms.inst.State() == modproc.StateRecording
	})
	o.mu.Unlock()

	span.SetAttributes(telemetry.SessionAttributes(sessionLabel, number, label)...)
	res := o.broadcast(ctx, targets, protocol.CmdStopRecording, nil,
		o.cfg.Options.TrialStopTimeout, protocol.StatusRecordingStopped)
	res.Number = number
	res.Label = label

	o.mu.Lock()
	o.session.TrialActive = false
	degraded := o.trialDegraded || !res.Ok()
	startedAt := o.trialStartedAt
	o.mu.Unlock()

	if !startedAt.IsZero() {
		metrics.ObserveTrialDuration(time.Since(startedAt))
	}
	outcome := metrics.OutcomeCompleted
	if degraded {
		outcome = metrics.OutcomePartial
	}
	metrics.IncTrial(outcome)

	lg := o.logger.Info()
	if !res.Ok() {
		lg = o.logger.Warn()
		span.SetStatus(codes.Error, "not every module stopped")
	}
	lg.Int(log.FieldTrial, number).
		Strs("stopped", res.Started).
		Int("failed", len(res.Failed)).
		Msg("trial stopped")
	o.publishSession(TrialStopped, &res)
	if o.cfg.History != nil {
		if err := o.cfg.History.TrialStopped(ctx, o.Session(), res); err != nil {
			o.logger.Warn().Err(err).Msg("trial close not recorded in catalog")
		}
	}
	return res, nil
}

// targetsLocked snapshots the instances matching keep. Requires mu.
func (o *Orchestrator) targetsLocked(keep func(*moduleState) bool) map[string]ProcHandle {
	targets := make(map[string]ProcHandle)
	for name, ms := range o.modules {
		if keep(ms) {
			targets[name] = ms.inst
		}
	}
	return targets
}

// broadcast fans one command out to all targets in parallel and
// aggregates who answered with the accepted status in time.
func (o *Orchestrator) broadcast(ctx context.Context, targets map[string]ProcHandle, cmd string, params map[string]any, timeout time.Duration, accept string) TrialResult {
	tracer := telemetry.Tracer("labrig.orchestrator")
	var (
		res TrialResult
		mu  sync.Mutex
		wg  sync.WaitGroup
	)
	for name, inst := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, span := tracer.Start(ctx, "module.command",
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(telemetry.CommandAttributes(name, cmd)...))
			defer span.End()
			st, err := inst.Exec(ctx, cmd, params, timeout, accept)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetAttributes(telemetry.ErrorAttributes(err, "transport")...)
				span.SetStatus(codes.Error, "command failed")
				res.Failed = append(res.Failed, ModuleFault{Module: name, Reason: err.Error()})
			case st.IsError():
				span.SetAttributes(telemetry.ErrorAttributes(nil, "module")...)
				span.SetStatus(codes.Error, st.Message())
				res.Failed = append(res.Failed, ModuleFault{Module: name, Reason: st.Message()})
			default:
				res.Started = append(res.Started, name)
			}
		}()
	}
	wg.Wait()
	sort.Strings(res.Started)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Module < res.Failed[j].Module })
	return res
}
