// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModuleDescriptor describes one launchable sensor module.
type ModuleDescriptor struct {
	// Name is the unique module key used in commands and paths.
	Name string `yaml:"name"`
	// DisplayName is the human-facing title.
	DisplayName string `yaml:"display_name"`
	// ModuleID is the numeric identity the module reports during init.
	ModuleID int `yaml:"module_id"`
	// EntryPoint is the argv used to spawn the module process. An empty
	// entry point means the built-in launcher (labrig-module -module <name>).
	EntryPoint []string `yaml:"entry_point,omitempty"`
	// ConfigPath optionally points at the module's key=value config file.
	ConfigPath string `yaml:"config_path,omitempty"`
	// SupportsSnapshot marks modules that can capture outside a trial.
	SupportsSnapshot bool `yaml:"supports_snapshot"`
	// HasGUI marks modules that open a preview window in gui mode.
	HasGUI bool `yaml:"has_gui"`
}

// Manifest is the set of modules the orchestrator knows how to launch.
type Manifest struct {
	Modules []ModuleDescriptor `yaml:"modules"`
}

// BuiltinManifest returns descriptors for the seven bundled module families.
func BuiltinManifest() Manifest {
	return Manifest{Modules: []ModuleDescriptor{
		{Name: "audio", DisplayName: "Audio Recorder", ModuleID: 1, SupportsSnapshot: false, HasGUI: true},
		{Name: "cameras", DisplayName: "Cameras", ModuleID: 2, SupportsSnapshot: true, HasGUI: true},
		{Name: "gps", DisplayName: "GPS Logger", ModuleID: 3, SupportsSnapshot: false, HasGUI: true},
		{Name: "eyetracker", DisplayName: "Eye Tracker", ModuleID: 4, SupportsSnapshot: false, HasGUI: true},
		{Name: "drt", DisplayName: "DRT Devices", ModuleID: 5, SupportsSnapshot: false, HasGUI: true},
		{Name: "vog", DisplayName: "VOG Goggles", ModuleID: 6, SupportsSnapshot: false, HasGUI: true},
		{Name: "notes", DisplayName: "Session Notes", ModuleID: 7, SupportsSnapshot: false, HasGUI: true},
	}}
}

// LoadManifest reads modules.yaml from path. A missing file yields the
// built-in manifest; a present file replaces it entirely.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return BuiltinManifest(), nil
		}
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	sort.Slice(m.Modules, func(i, j int) bool {
		return m.Modules[i].ModuleID < m.Modules[j].ModuleID
	})
	return m, nil
}

// Lookup returns the descriptor for name.
func (m Manifest) Lookup(name string) (ModuleDescriptor, bool) {
	for _, d := range m.Modules {
		if d.Name == name {
			return d, true
		}
	}
	return ModuleDescriptor{}, false
}

// Names returns the module names in module-ID order.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m.Modules))
	for _, d := range m.Modules {
		names = append(names, d.Name)
	}
	return names
}

func (m Manifest) validate() error {
	if len(m.Modules) == 0 {
		return fmt.Errorf("no modules declared")
	}
	seenName := map[string]bool{}
	seenID := map[int]bool{}
	for _, d := range m.Modules {
		if d.Name == "" {
			return fmt.Errorf("module with empty name")
		}
		if seenName[d.Name] {
			return fmt.Errorf("duplicate module name %q", d.Name)
		}
		seenName[d.Name] = true
		if d.ModuleID <= 0 {
			return fmt.Errorf("module %q: module_id must be > 0", d.Name)
		}
		if seenID[d.ModuleID] {
			return fmt.Errorf("module %q: duplicate module_id %d", d.Name, d.ModuleID)
		}
		seenID[d.ModuleID] = true
	}
	return nil
}
