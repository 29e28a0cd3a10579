// SPDX-License-Identifier: MIT

package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/labrig/labrig/internal/protocol"
)

const stateFileName = "modules.json"

// persistedModule is one module's durable operator state.
type persistedModule struct {
	Enabled  bool               `json:"enabled"`
	Geometry *protocol.Geometry `json:"geometry,omitempty"`
}

type persistedState struct {
	Modules map[string]persistedModule `json:"modules"`
}

func (o *Orchestrator) statePath() string {
	return filepath.Join(o.cfg.StateDir, stateFileName)
}

// persistState writes enablement and window geometry atomically so a
// master restart restores the operator's layout.
func (o *Orchestrator) persistState() {
	o.mu.Lock()
	state := persistedState{Modules: make(map[string]persistedModule, len(o.modules))}
	for name, ms := range o.modules {
		geo := ms.geometry
		if ms.inst != nil {
			if g := ms.inst.LastGeometry(); g != nil {
				geo = g
			}
		}
		state.Modules[name] = persistedModule{Enabled: ms.enabled, Geometry: geo}
	}
	o.mu.Unlock()

	if err := writeStateFile(o.statePath(), state); err != nil {
		o.logger.Warn().Err(err).Msg("module state not persisted")
	}
}

func writeStateFile(path string, state persistedState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending state file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// restoreState loads the persisted file. Unknown modules are ignored;
// a missing file is a first run.
func (o *Orchestrator) restoreState() error {
	data, err := os.ReadFile(o.statePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode state file: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for name, pm := range state.Modules {
		ms := o.modules[name]
		if ms == nil {
			continue
		}
		ms.enabled = pm.Enabled
		ms.geometry = pm.Geometry
	}
	return nil
}
