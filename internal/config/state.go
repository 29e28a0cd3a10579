// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// runtimeState is the on-disk shape of persisted operator preferences.
// Module enablement and window geometry live in the orchestrator's own
// state file, not here.
type runtimeState struct {
	Preferences map[string]map[string]string `json:"preferences,omitempty"`
}

// State persists per-module operator preferences across restarts.
// Writes are atomic so a crash mid-save never corrupts the file.
type State struct {
	mu   sync.Mutex
	path string
	data runtimeState
}

// OpenState loads persisted state from path. A missing file yields empty
// state; a corrupt file is an error so the caller can decide to discard it.
func OpenState(path string) (*State, error) {
	s := &State{
		path: path,
		data: runtimeState{Preferences: map[string]map[string]string{}},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if s.data.Preferences == nil {
		s.data.Preferences = map[string]map[string]string{}
	}
	return s, nil
}

// Preference returns one persisted operator preference for module.
func (s *State) Preference(module, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.Preferences[module][key]
	return v, ok
}

// Preferences returns a copy of every persisted preference for module.
func (s *State) Preferences(module string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data.Preferences[module]))
	for k, v := range s.data.Preferences[module] {
		out[k] = v
	}
	return out
}

// SetPreference records one operator preference for module and saves.
func (s *State) SetPreference(module, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Preferences[module] == nil {
		s.data.Preferences[module] = map[string]string{}
	}
	s.data.Preferences[module][key] = value
	return s.saveLocked()
}

// DeletePreference removes one preference and saves. Deleting a missing
// key is a no-op.
func (s *State) DeletePreference(module, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Preferences[module][key]; !ok {
		return nil
	}
	delete(s.data.Preferences[module], key)
	if len(s.data.Preferences[module]) == 0 {
		delete(s.data.Preferences, module)
	}
	return s.saveLocked()
}

func (s *State) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	pf, err := renameio.NewPendingFile(s.path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("stage state %s: %w", s.path, err)
	}
	defer pf.Cleanup() //nolint:errcheck // no-op after successful replace

	if _, err := pf.Write(raw); err != nil {
		return fmt.Errorf("write state %s: %w", s.path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace state %s: %w", s.path, err)
	}
	return nil
}
