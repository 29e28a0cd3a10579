// SPDX-License-Identifier: MIT

package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
)

// DefaultMissedSweeps is how many consecutive sweeps without a sighting
// remove a device.
const DefaultMissedSweeps = 2

// rescanGuard suppresses watcher-triggered rescans that arrive right
// after a sweep already ran.
const rescanGuard = 200 * time.Millisecond

// Driver is one discovery backend swept on its own cadence.
type Driver interface {
	Name() string
	Interval() time.Duration
	Scan(ctx context.Context) ([]Device, error)
}

// Notifier is implemented by drivers that can push change hints between
// sweeps, typically from a filesystem watcher. A failed Notify is not an
// error, the registry just polls.
type Notifier interface {
	Notify(ctx context.Context) (<-chan struct{}, error)
}

// Config assembles a Registry.
type Config struct {
	// Bus receives Event records on bus.TopicDeviceEvents. Nil disables
	// publishing.
	Bus bus.Bus
	// Rules override the classification table. Nil means DefaultRules.
	Rules []Rule
	// MissedSweeps overrides the removal threshold. Zero means 2.
	MissedSweeps int
	// KeepUnknown retains records no rule classified, for diagnostics.
	KeepUnknown bool
}

type entry struct {
	dev    Device
	source string
	missed int
}

// Registry is the authoritative device table.
type Registry struct {
	bus         bus.Bus
	rules       []Rule
	missedLimit int
	keepUnknown bool
	logger      zerolog.Logger

	mu       sync.Mutex
	devices  map[string]*entry
	families map[string]int
	scanning bool
}

// NewRegistry builds an empty registry with scanning enabled.
func NewRegistry(cfg Config) *Registry {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	limit := cfg.MissedSweeps
	if limit <= 0 {
		limit = DefaultMissedSweeps
	}
	return &Registry{
		bus:         cfg.Bus,
		rules:       rules,
		missedLimit: limit,
		keepUnknown: cfg.KeepUnknown,
		logger:      log.WithComponent("devices"),
		devices:     map[string]*entry{},
		families:    map[string]int{},
		scanning:    true,
	}
}

// SetScanning pauses or resumes discovery sweeps. The table is kept as
// is while paused; nothing ages out.
func (r *Registry) SetScanning(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanning != on {
		r.logger.Info().Bool("scanning", on).Msg("discovery scanning toggled")
	}
	r.scanning = on
}

// Scanning reports whether sweeps are running.
func (r *Registry) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// Devices returns the table sorted by device id.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DevicesFor returns the table subset owned by one module family.
func (r *Registry) DevicesFor(family string) []Device {
	var out []Device
	for _, d := range r.Devices() {
		if d.ModuleID == family {
			out = append(out, d)
		}
	}
	return out
}

// Get looks up one device.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.dev, true
}

// MarkConnecting flags a bounded connection attempt.
func (r *Registry) MarkConnecting(ctx context.Context, id string) error {
	return r.transition(ctx, id, EventConnecting, func(d *Device) {
		d.Connecting = true
	})
}

// MarkConnected promotes a device once its owning module reported the
// device usable.
func (r *Registry) MarkConnected(ctx context.Context, id string) error {
	return r.transition(ctx, id, EventConnected, func(d *Device) {
		d.Connecting = false
		d.Connected = true
	})
}

// MarkDisconnected clears both connection flags.
func (r *Registry) MarkDisconnected(ctx context.Context, id string) error {
	return r.transition(ctx, id, EventDisconnected, func(d *Device) {
		d.Connecting = false
		d.Connected = false
	})
}

func (r *Registry) transition(ctx context.Context, id, kind string, apply func(*Device)) error {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("devices: unknown device %q", id)
	}
	apply(&e.dev)
	dev := e.dev
	r.mu.Unlock()

	r.logger.Info().
		Str(log.FieldDeviceID, id).
		Str(log.FieldModule, dev.ModuleID).
		Str(log.FieldEvent, kind).
		Msg("device state changed")
	r.publish(ctx, Event{Kind: kind, Device: dev})
	return nil
}

// ApplySweep reconciles one driver sweep against the table: new ids are
// classified and added, seen ids refreshed, and ids this driver owns
// that stayed unseen for MissedSweeps sweeps are removed.
func (r *Registry) ApplySweep(ctx context.Context, source string, seen []Device) {
	r.mu.Lock()

	var events []Event
	present := map[string]bool{}
	for _, d := range seen {
		if d.ID == "" {
			continue
		}
		if d.Metadata == nil {
			d.Metadata = map[string]string{}
		}
		d.Metadata["source"] = source

		classified, ok := Classify(r.rules, d)
		if !ok && !r.keepUnknown {
			r.logger.Debug().
				Str(log.FieldDeviceID, d.ID).
				Str("driver", source).
				Msg("unclassified device ignored")
			continue
		}
		present[d.ID] = true

		e, known := r.devices[d.ID]
		if !known {
			r.devices[d.ID] = &entry{dev: classified, source: source}
			events = append(events, Event{Kind: EventDiscovered, Device: classified})
			metrics.IncDeviceEvent(familyLabel(classified.ModuleID), metrics.DeviceEventAdded)
			continue
		}
		// Refresh volatile fields, keep the connection state.
		e.missed = 0
		e.dev.DisplayName = classified.DisplayName
		e.dev.Port = classified.Port
		for k, v := range classified.Metadata {
			e.dev.Metadata[k] = v
		}
	}

	for id, e := range r.devices {
		if e.source != source || present[id] {
			continue
		}
		e.missed++
		if e.missed < r.missedLimit {
			continue
		}
		delete(r.devices, id)
		events = append(events, Event{Kind: EventRemoved, Device: e.dev})
		metrics.IncDeviceEvent(familyLabel(e.dev.ModuleID), metrics.DeviceEventRemoved)
	}

	r.refreshGaugesLocked()
	r.mu.Unlock()

	for _, ev := range events {
		r.logger.Info().
			Str(log.FieldDeviceID, ev.Device.ID).
			Str(log.FieldModule, ev.Device.ModuleID).
			Str(log.FieldEvent, ev.Kind).
			Str("driver", source).
			Msg("device table changed")
		r.publish(ctx, ev)
	}
}

func (r *Registry) refreshGaugesLocked() {
	next := map[string]int{}
	for _, e := range r.devices {
		next[familyLabel(e.dev.ModuleID)]++
	}
	for family := range r.families {
		if _, still := next[family]; !still {
			metrics.SetDevicesPresent(family, 0)
		}
	}
	for family, n := range next {
		metrics.SetDevicesPresent(family, n)
	}
	r.families = next
}

func (r *Registry) publish(ctx context.Context, ev Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, bus.TopicDeviceEvents, ev); err != nil {
		r.logger.Warn().Err(err).Msg("device event publish failed")
	}
}

func familyLabel(moduleID string) string {
	if moduleID == "" {
		return "unknown"
	}
	return moduleID
}

// Run sweeps every driver on its own cadence until ctx is cancelled.
// Drivers implementing Notifier additionally trigger sweeps on change
// hints.
func (r *Registry) Run(ctx context.Context, drivers ...Driver) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range drivers {
		g.Go(func() error {
			r.runDriver(ctx, d)
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) runDriver(ctx context.Context, d Driver) {
	logger := r.logger.With().Str("driver", d.Name()).Logger()

	var notify <-chan struct{}
	if n, ok := d.(Notifier); ok {
		ch, err := n.Notify(ctx)
		if err != nil {
			logger.Debug().Err(err).Msg("change notifications unavailable, polling only")
		} else {
			notify = ch
		}
	}

	ticker := time.NewTicker(d.Interval())
	defer ticker.Stop()

	lastSweep := r.sweep(ctx, d, logger, time.Time{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastSweep = r.sweep(ctx, d, logger, lastSweep)
		case _, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			lastSweep = r.sweep(ctx, d, logger, lastSweep)
		}
	}
}

// sweep runs one scan unless paused or inside the rescan guard window.
// Returns the time the driver last actually scanned.
func (r *Registry) sweep(ctx context.Context, d Driver, logger zerolog.Logger, last time.Time) time.Time {
	if !r.Scanning() {
		return last
	}
	if !last.IsZero() && time.Since(last) < rescanGuard {
		return last
	}

	start := time.Now()
	devs, err := d.Scan(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("discovery sweep failed")
		return start
	}
	r.ApplySweep(ctx, d.Name(), devs)
	metrics.ObserveSweep(d.Name(), time.Since(start))
	return start
}
