// SPDX-License-Identifier: MIT

// Package modules is the link-time registry binding the stock module
// families into the binaries: recorder factories for labrig-module and
// controller extensions for the master's REST surface. Families
// register from init and the binaries blank-import the family packages
// they ship.
package modules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/labrig/labrig/internal/cache"
	"github.com/labrig/labrig/internal/config"
	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/modrun"
	"github.com/labrig/labrig/internal/protocol"
)

// Factory builds one family's recorder from its resolved options.
type Factory func(opts config.ModuleOptions) (modrun.Recorder, error)

// Controller is the master-side surface an extension builds routes on.
// The control plane implements it over the orchestrator, the sample
// cache and the device registry.
type Controller interface {
	// Exec sends one command to the named module's running instance and
	// waits for the accepted reply status.
	Exec(ctx context.Context, module, command string, params map[string]any, timeout time.Duration, accept ...string) (protocol.Status, error)
	// Send fires one command without waiting for a reply.
	Send(module, command string, params map[string]any) error
	// LatestSample returns the module's most recent status payload.
	LatestSample(module string) (cache.Sample, bool)
	// DevicesFor lists the device table subset owned by one family.
	DevicesFor(family string) []devices.Device
	// SessionActive reports whether a session is open.
	SessionActive() bool
}

// Spec identifies one controller extension.
type Spec struct {
	ModuleID    string `json:"module_id"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Extension is one family's contribution to the control plane, mounted
// under /api/v1/<module_id>.
type Extension struct {
	Spec    Spec
	Install func(r chi.Router, c Controller)
}

var (
	mu         sync.RWMutex
	factories  = map[string]Factory{}
	extensions = map[string]Extension{}
)

// Register adds one family's recorder factory. Registering the same
// name twice panics; families register from init exactly once.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if name == "" || f == nil {
		panic("modules: invalid registration")
	}
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("modules: duplicate factory %q", name))
	}
	factories[name] = f
}

// RegisterExtension adds one family's control plane extension.
func RegisterExtension(e Extension) {
	mu.Lock()
	defer mu.Unlock()
	if e.Spec.ModuleID == "" || e.Install == nil {
		panic("modules: invalid extension registration")
	}
	if _, dup := extensions[e.Spec.ModuleID]; dup {
		panic(fmt.Sprintf("modules: duplicate extension %q", e.Spec.ModuleID))
	}
	extensions[e.Spec.ModuleID] = e
}

// NewRecorder builds the named family's recorder.
func NewRecorder(name string, opts config.ModuleOptions) (modrun.Recorder, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("modules: unknown module %q (have %v)", name, Names())
	}
	return f(opts)
}

// Names lists the registered families sorted by name.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Extensions lists the registered extensions sorted by module id.
func Extensions() []Extension {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Extension, 0, len(extensions))
	for _, e := range extensions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ModuleID < out[j].Spec.ModuleID })
	return out
}

// FileBase names one device's artifacts inside a module's session
// directory: trial_003, trial_003_label, trial_003_label_deviceid.
func FileBase(trial modrun.TrialInfo, deviceID string) string {
	base := fmt.Sprintf("trial_%03d", trial.Number)
	if trial.Label != "" {
		base += "_" + Sanitize(trial.Label)
	}
	if deviceID != "" {
		base += "_" + Sanitize(deviceID)
	}
	return base
}

// Sanitize maps a free-form id or label onto a filename-safe slug.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
