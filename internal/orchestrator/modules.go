// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/modproc"
	"github.com/labrig/labrig/internal/protocol"
)

func defaultLogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// ModuleStatus is the operator-facing snapshot of one module.
type ModuleStatus struct {
	Name         string             `json:"name"`
	Enabled      bool               `json:"enabled"`
	Running      bool               `json:"running"`
	State        string             `json:"state"`
	InstanceID   string             `json:"instance_id,omitempty"`
	PID          int                `json:"pid,omitempty"`
	Devices      int                `json:"devices"`
	LastError    string             `json:"last_error,omitempty"`
	Geometry     *protocol.Geometry `json:"geometry,omitempty"`
	LastStatusAt time.Time          `json:"last_status_at,omitzero"`
}

// ModuleNames returns the registered modules in definition order.
func (o *Orchestrator) ModuleNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// ModuleStatuses snapshots every registered module.
func (o *Orchestrator) ModuleStatuses() []ModuleStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ModuleStatus, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.statusLocked(name))
	}
	return out
}

// ModuleStatusFor snapshots one module.
func (o *Orchestrator) ModuleStatusFor(name string) (ModuleStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.modules[name]; !ok {
		return ModuleStatus{}, ErrUnknownModule
	}
	return o.statusLocked(name), nil
}

func (o *Orchestrator) statusLocked(name string) ModuleStatus {
	ms := o.modules[name]
	st := ModuleStatus{
		Name:     name,
		Enabled:  ms.enabled,
		State:    string(modproc.StateStopped),
		Geometry: ms.geometry,
	}
	if ms.inst != nil {
		state := ms.inst.State()
		st.State = string(state)
		st.Running = !state.Terminal()
		st.InstanceID = ms.inst.ID()
		st.PID = ms.inst.PID()
		st.Devices = ms.inst.DeviceCount()
		st.LastError = ms.inst.LastError()
		st.LastStatusAt = ms.inst.LastStatusAt()
		if g := ms.inst.LastGeometry(); g != nil {
			st.Geometry = g
		}
	}
	return st
}

// Instance returns the live handle for a module, if any.
func (o *Orchestrator) Instance(name string) (ProcHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ms := o.modules[name]
	if ms == nil || ms.inst == nil {
		return nil, false
	}
	return ms.inst, true
}

// Instances returns every current handle, including crashed ones still
// awaiting acknowledgement.
func (o *Orchestrator) Instances() []ProcHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []ProcHandle
	for _, name := range o.order {
		if inst := o.modules[name].inst; inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

// EnableModule marks a module eligible for starting and broadcasts.
// Enabling never spawns; StartModule is explicit.
func (o *Orchestrator) EnableModule(name string) error {
	return o.setEnabled(name, true)
}

// DisableModule removes a module from future broadcasts. A running
// instance keeps running until StopModule.
func (o *Orchestrator) DisableModule(name string) error {
	return o.setEnabled(name, false)
}

func (o *Orchestrator) setEnabled(name string, enabled bool) error {
	o.mu.Lock()
	ms := o.modules[name]
	if ms == nil {
		o.mu.Unlock()
		return ErrUnknownModule
	}
	changed := ms.enabled != enabled
	ms.enabled = enabled
	o.mu.Unlock()
	if changed {
		o.logger.Info().Str(log.FieldModule, name).Bool("enabled", enabled).Msg("module enablement changed")
		o.persistState()
	}
	return nil
}

// StartModule spawns the module child. A currently active session
// forwards its directory, and the cached window geometry is restored.
// A crashed instance must be acknowledged with StopModule first.
func (o *Orchestrator) StartModule(name string) (ModuleStatus, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	ms := o.modules[name]
	if ms == nil {
		o.mu.Unlock()
		return ModuleStatus{}, ErrUnknownModule
	}
	if !ms.enabled {
		o.mu.Unlock()
		return ModuleStatus{}, ErrModuleDisabled
	}
	if ms.inst != nil {
		state := ms.inst.State()
		o.mu.Unlock()
		if state == modproc.StateCrashed {
			return ModuleStatus{}, ErrModuleCrashed
		}
		return ModuleStatus{}, ErrModuleRunning
	}
	def := ms.def
	geometry := ms.geometry
	sessionDir := ""
	if o.session.Active {
		sessionDir = o.session.Dir
	}
	o.mu.Unlock()

	inst, err := o.cfg.Spawn(modproc.Config{
		Module:      name,
		Command:     def.Command,
		SessionDir:  sessionDir,
		Geometry:    geometry,
		LogPath:     filepath.Join(o.cfg.ModuleLogDir, name+".log"),
		InitTimeout: o.cfg.Options.InitTimeout,
		Bus:         o.cfg.Bus,
	})
	if err != nil {
		return ModuleStatus{}, fmt.Errorf("orchestrator: start %s: %w", name, err)
	}

	o.mu.Lock()
	ms.inst = inst
	o.mu.Unlock()
	go o.watchInstance(name, inst)

	o.logger.Info().Str(log.FieldModule, name).Str(log.FieldInstanceID, inst.ID()).Msg("module started")
	st, _ := o.ModuleStatusFor(name)
	return st, nil
}

// StopModule stops a running instance, or acknowledges a crashed one
// so the module can be started again.
func (o *Orchestrator) StopModule(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	ms := o.modules[name]
	if ms == nil {
		o.mu.Unlock()
		return ErrUnknownModule
	}
	inst := ms.inst
	o.mu.Unlock()
	if inst == nil {
		return ErrModuleNotRunning
	}

	if inst.State().Terminal() {
		o.clearInstance(name, inst)
		o.logger.Info().Str(log.FieldModule, name).Msg("crashed instance acknowledged")
		return nil
	}

	err := inst.Stop(ctx)
	o.clearInstance(name, inst)
	if err != nil {
		return fmt.Errorf("orchestrator: stop %s: %w", name, err)
	}
	o.logger.Info().Str(log.FieldModule, name).Msg("module stopped")
	return nil
}

// clearInstance drops the handle and keeps its final geometry.
func (o *Orchestrator) clearInstance(name string, inst ProcHandle) {
	o.mu.Lock()
	ms := o.modules[name]
	if ms != nil && ms.inst == inst {
		if g := inst.LastGeometry(); g != nil {
			ms.geometry = g
		}
		ms.inst = nil
	}
	o.mu.Unlock()
	o.persistState()
}

// watchInstance reaps handles of instances that exited on their own.
// Clean exits clear the slot; crashed instances stay visible until the
// operator acknowledges with StopModule.
func (o *Orchestrator) watchInstance(name string, inst ProcHandle) {
	<-inst.Done()
	if inst.State() == modproc.StateCrashed {
		o.mu.Lock()
		ms := o.modules[name]
		if ms != nil && ms.inst == inst {
			if g := inst.LastGeometry(); g != nil {
				ms.geometry = g
			}
		}
		o.mu.Unlock()
		o.persistState()
		return
	}
	o.clearInstance(name, inst)
}
