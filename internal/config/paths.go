// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the labrig configuration directory, honoring
// XDG_CONFIG_HOME before falling back to ~/.config/labrig.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "labrig")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".labrig")
	}
	return filepath.Join(home, ".config", "labrig")
}

// DefaultConfigPath returns the conventional master config file location.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "labrig.conf")
}

// DefaultManifestPath returns the conventional module manifest location.
func DefaultManifestPath() string {
	return filepath.Join(ConfigDir(), "modules.yaml")
}

// StatePath returns the location of the persisted runtime state file
// (module enablement, window geometry).
func StatePath() string {
	return filepath.Join(ConfigDir(), "state.json")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "labrig-data")
	}
	return filepath.Join(home, "labrig-data")
}
