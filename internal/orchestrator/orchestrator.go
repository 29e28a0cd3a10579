// SPDX-License-Identifier: MIT

// Package orchestrator is the master core: it owns the session/trial
// state machine, the module instance handles and the fan-out of
// lifecycle commands to module children.
//
// Concurrency model: lifecycle operations (session, trial, module
// start/stop) are serialized end to end through opMu, mirroring the
// single event loop the rest of the system assumes. State reads take
// only the inner mutex and never wait behind a slow fan-out.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/modproc"
	"github.com/labrig/labrig/internal/protocol"
	"github.com/labrig/labrig/internal/telemetry"
)

// Lifecycle errors. The REST layer maps these onto error codes.
var (
	ErrSessionActive    = errors.New("orchestrator: session already active")
	ErrNoSession        = errors.New("orchestrator: no active session")
	ErrTrialActive      = errors.New("orchestrator: trial already active")
	ErrNoTrial          = errors.New("orchestrator: no active trial")
	ErrUnknownModule    = errors.New("orchestrator: unknown module")
	ErrModuleDisabled   = errors.New("orchestrator: module not enabled")
	ErrModuleRunning    = errors.New("orchestrator: module already running")
	ErrModuleNotRunning = errors.New("orchestrator: module not running")
	ErrModuleCrashed    = errors.New("orchestrator: module crashed, stop it to acknowledge")
)

// ProcHandle is the slice of modproc.Instance the orchestrator needs.
// Tests substitute fakes; production uses real child processes.
type ProcHandle interface {
	ID() string
	Module() string
	PID() int
	State() modproc.State
	DeviceCount() int
	LastGeometry() *protocol.Geometry
	LastError() string
	LastStatusAt() time.Time
	Send(name string, params map[string]any) error
	Exec(ctx context.Context, name string, params map[string]any, timeout time.Duration, accept ...string) (protocol.Status, error)
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// Spawner launches one module child.
type Spawner func(cfg modproc.Config) (ProcHandle, error)

func defaultSpawner(cfg modproc.Config) (ProcHandle, error) {
	return modproc.Spawn(cfg)
}

// History receives session and trial lifecycle records. The sqlite
// catalog implements it; nil disables history.
type History interface {
	SessionStarted(ctx context.Context, s Session) error
	SessionStopped(ctx context.Context, s Session) error
	TrialStarted(ctx context.Context, s Session, t TrialResult) error
	TrialStopped(ctx context.Context, s Session, t TrialResult) error
}

// ModuleDef declares one module the master can run.
type ModuleDef struct {
	// Name is the module identifier (audio, gps, ...).
	Name string
	// Command is the argv template for the child process.
	Command []string
	// Options carry the per-module configuration, including
	// auto_select_new.
	Options config.ModuleOptions
}

// Config wires the orchestrator.
type Config struct {
	Options config.Options
	Bus     bus.Bus
	History History
	Spawn   Spawner
	// StateDir receives the persisted enablement/geometry file.
	// Defaults to Options.DataDir.
	StateDir string
	// ModuleLogDir receives per-module child stderr logs. Defaults to
	// <DataDir>/logs.
	ModuleLogDir string
}

type moduleState struct {
	def      ModuleDef
	enabled  bool
	inst     ProcHandle
	geometry *protocol.Geometry
}

// Orchestrator owns session state and module instance handles.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	// opMu serializes lifecycle operations end to end.
	opMu sync.Mutex
	// mu guards the fields below.
	mu             sync.Mutex
	session        Session
	trialStartedAt time.Time
	trialDegraded  bool
	modules        map[string]*moduleState
	order          []string

	// subscriptions are taken in New so nothing published after
	// construction is missed, Run drains them.
	statusSub bus.Subscriber
	deviceSub bus.Subscriber
}

// New builds an orchestrator over the given module definitions and
// restores persisted enablement and window geometry.
func New(cfg Config, defs ...ModuleDef) (*Orchestrator, error) {
	if cfg.Spawn == nil {
		cfg.Spawn = defaultSpawner
	}
	if cfg.StateDir == "" {
		cfg.StateDir = cfg.Options.DataDir
	}
	if cfg.ModuleLogDir == "" {
		cfg.ModuleLogDir = defaultLogDir(cfg.Options.DataDir)
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  log.WithComponent("orchestrator"),
		modules: make(map[string]*moduleState, len(defs)),
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("orchestrator: module definition without name")
		}
		if _, dup := o.modules[def.Name]; dup {
			return nil, errors.New("orchestrator: duplicate module " + def.Name)
		}
		o.modules[def.Name] = &moduleState{def: def}
		o.order = append(o.order, def.Name)
	}
	if err := o.restoreState(); err != nil {
		o.logger.Warn().Err(err).Msg("persisted module state not restored")
	}
	if cfg.Bus != nil {
		var err error
		if o.statusSub, err = cfg.Bus.Subscribe(context.Background(), bus.TopicModuleStatus); err != nil {
			return nil, err
		}
		if o.deviceSub, err = cfg.Bus.Subscribe(context.Background(), bus.TopicDeviceEvents); err != nil {
			_ = o.statusSub.Close()
			return nil, err
		}
	}
	return o, nil
}

// Run pumps bus events into orchestrator policy: geometry caching from
// module status and auto-selection from device events. It blocks until
// ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.statusSub == nil || o.deviceSub == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.watchModuleStatus(ctx, o.statusSub) })
	g.Go(func() error { return o.watchDeviceEvents(ctx, o.deviceSub) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) watchModuleStatus(ctx context.Context, sub bus.Subscriber) error {
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			ev, ok := msg.(modproc.Event)
			if !ok || ev.Kind != modproc.EventStatus || ev.Status == nil {
				continue
			}
			if ev.Status.Status == protocol.StatusGeometryChanged {
				if g, ok := protocol.GeometryFromData(ev.Status.Data); ok {
					o.cacheGeometry(ev.Module, g)
				}
			}
		}
	}
}

func (o *Orchestrator) watchDeviceEvents(ctx context.Context, sub bus.Subscriber) error {
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			ev, ok := msg.(devices.Event)
			if !ok {
				continue
			}
			o.onDeviceEvent(ev)
		}
	}
}

// onDeviceEvent applies the auto-selection policy: modules configured
// with auto_select_new adopt newly discovered devices and stop
// recording when a device disappears mid-trial.
func (o *Orchestrator) onDeviceEvent(ev devices.Event) {
	if ev.Device.ModuleID == "" {
		return
	}
	o.mu.Lock()
	ms := o.modules[ev.Device.ModuleID]
	var inst ProcHandle
	var autoSelect bool
	if ms != nil {
		inst = ms.inst
		autoSelect = ms.def.Options.AutoSelectNew
	}
	o.mu.Unlock()
	if inst == nil || !autoSelect || inst.State().Terminal() {
		return
	}
	if ev.Kind != devices.EventDiscovered && ev.Kind != devices.EventRemoved {
		return
	}

	_, span := telemetry.Tracer("labrig.orchestrator").Start(context.Background(), "device.policy",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(telemetry.DeviceAttributes(ev.Device.ID, ev.Device.ModuleID)...))
	defer span.End()

	switch ev.Kind {
	case devices.EventDiscovered:
		err := inst.Send(protocol.CmdToggleDevice, map[string]any{
			"device_id": ev.Device.ID,
			"enabled":   true,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "auto-select failed")
			o.logger.Warn().Err(err).
				Str(log.FieldModule, ev.Device.ModuleID).
				Str(log.FieldDeviceID, ev.Device.ID).
				Msg("auto-select failed")
			return
		}
		o.logger.Info().
			Str(log.FieldModule, ev.Device.ModuleID).
			Str(log.FieldDeviceID, ev.Device.ID).
			Msg("new device auto-selected")
	case devices.EventRemoved:
		if inst.State() != modproc.StateRecording {
			return
		}
		if err := inst.Send(protocol.CmdStopRecording, nil); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stop not delivered")
			o.logger.Warn().Err(err).
				Str(log.FieldModule, ev.Device.ModuleID).
				Msg("stop after device removal failed")
			return
		}
		o.logger.Warn().
			Str(log.FieldModule, ev.Device.ModuleID).
			Str(log.FieldDeviceID, ev.Device.ID).
			Msg("device removed mid-recording, stop requested")
	}
}

func (o *Orchestrator) cacheGeometry(module string, g protocol.Geometry) {
	o.mu.Lock()
	ms := o.modules[module]
	if ms != nil {
		ms.geometry = &g
	}
	o.mu.Unlock()
	if ms != nil {
		o.persistState()
	}
}

// Shutdown stops the session if active and terminates every live
// instance, then persists module state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	active := o.session.Active
	o.mu.Unlock()
	if active {
		if _, err := o.stopSessionLocked(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("session not stopped cleanly during shutdown")
		}
	}

	o.mu.Lock()
	var live []ProcHandle
	for _, ms := range o.modules {
		if ms.inst != nil && !ms.inst.State().Terminal() {
			live = append(live, ms.inst)
		}
	}
	o.mu.Unlock()

	tracer := telemetry.Tracer("labrig.orchestrator")
	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range live {
		g.Go(func() error {
			ctx, span := tracer.Start(ctx, "module.stop",
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(telemetry.ModuleAttributes(inst.Module(), inst.ID(), string(inst.State()))...))
			defer span.End()
			if err := inst.Stop(ctx); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "stop failed")
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	o.mu.Lock()
	for _, ms := range o.modules {
		if ms.inst != nil {
			if geo := ms.inst.LastGeometry(); geo != nil {
				ms.geometry = geo
			}
			ms.inst = nil
		}
	}
	o.mu.Unlock()
	o.persistState()
	return err
}

func (o *Orchestrator) publishSession(kind string, trial *TrialResult) {
	if o.cfg.Bus == nil {
		return
	}
	ev := SessionEvent{Kind: kind, Session: o.Session(), Trial: trial}
	if err := o.cfg.Bus.Publish(context.Background(), bus.TopicSessionEvents, ev); err != nil {
		o.logger.Warn().Err(err).Msg("session event not published")
	}
}
