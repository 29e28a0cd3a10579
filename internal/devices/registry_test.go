// SPDX-License-Identifier: MIT

package devices

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/labrig/labrig/internal/bus"
)

// collectEvents drains device events from the bus into a slice.
func collectEvents(t *testing.T, b bus.Bus) func() []Event {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), bus.TopicDeviceEvents)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	var mu sync.Mutex
	var events []Event
	go func() {
		for msg := range sub.C() {
			ev, ok := msg.(Event)
			if !ok {
				continue
			}
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}
}

func waitEvents(t *testing.T, snapshot func() []Event, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d device events, got %+v", n, snapshot())
	return nil
}

func gpsDevice(id string) Device {
	return Device{
		ID:          id,
		DisplayName: "u-blox 7 GPS receiver",
		Interface:   InterfaceSerial,
		Port:        "/dev/ttyACM0",
	}
}

func TestRegistry_DiscoverClassifyDedupe(t *testing.T) {
	b := bus.NewMemoryBus()
	snapshot := collectEvents(t, b)
	reg := NewRegistry(Config{Bus: b})
	ctx := context.Background()

	reg.ApplySweep(ctx, "serial", []Device{gpsDevice("serial:gps0"), gpsDevice("serial:gps0")})

	devs := reg.Devices()
	require.Len(t, devs, 1, "same id in one sweep registers once")
	assert.Equal(t, FamilyGPS, devs[0].ModuleID)
	assert.Equal(t, "ublox", devs[0].DeviceType)
	assert.Equal(t, 9600, devs[0].Baudrate)
	assert.False(t, devs[0].Connected)

	evs := waitEvents(t, snapshot, 1)
	assert.Equal(t, EventDiscovered, evs[0].Kind)
	assert.Equal(t, "serial:gps0", evs[0].Device.ID)

	// A second sweep with the same device does not re-announce.
	reg.ApplySweep(ctx, "serial", []Device{gpsDevice("serial:gps0")})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, snapshot(), 1)
}

func TestRegistry_UnclassifiedDropped(t *testing.T) {
	reg := NewRegistry(Config{})
	reg.ApplySweep(context.Background(), "usb", []Device{{
		ID:          "usb:dead:beef:1",
		DisplayName: "Integrated Keyboard",
		Interface:   InterfaceUSB,
	}})
	assert.Empty(t, reg.Devices())

	keep := NewRegistry(Config{KeepUnknown: true})
	keep.ApplySweep(context.Background(), "usb", []Device{{
		ID:          "usb:dead:beef:1",
		DisplayName: "Integrated Keyboard",
		Interface:   InterfaceUSB,
	}})
	assert.Len(t, keep.Devices(), 1)
}

func TestRegistry_RemovalAfterMissedSweeps(t *testing.T) {
	b := bus.NewMemoryBus()
	snapshot := collectEvents(t, b)
	reg := NewRegistry(Config{Bus: b})
	ctx := context.Background()

	reg.ApplySweep(ctx, "serial", []Device{gpsDevice("serial:gps0")})
	require.Len(t, reg.Devices(), 1)

	// One empty sweep is not enough.
	reg.ApplySweep(ctx, "serial", nil)
	assert.Len(t, reg.Devices(), 1)

	// The second consecutive miss removes it.
	reg.ApplySweep(ctx, "serial", nil)
	assert.Empty(t, reg.Devices())

	evs := waitEvents(t, snapshot, 2)
	assert.Equal(t, EventDiscovered, evs[0].Kind)
	assert.Equal(t, EventRemoved, evs[1].Kind)
	assert.Equal(t, "serial:gps0", evs[1].Device.ID)
}

func TestRegistry_MissCounterResetsOnSighting(t *testing.T) {
	reg := NewRegistry(Config{})
	ctx := context.Background()

	reg.ApplySweep(ctx, "serial", []Device{gpsDevice("serial:gps0")})
	reg.ApplySweep(ctx, "serial", nil)
	reg.ApplySweep(ctx, "serial", []Device{gpsDevice("serial:gps0")})
	reg.ApplySweep(ctx, "serial", nil)

	assert.Len(t, reg.Devices(), 1, "one miss after a sighting must not remove")
}

func TestRegistry_SweepsAreScopedToDriver(t *testing.T) {
	reg := NewRegistry(Config{})
	ctx := context.Background()

	reg.ApplySweep(ctx, "serial", []Device{gpsDevice("serial:gps0")})
	reg.ApplySweep(ctx, "alsa", []Device{{
		ID:          "alsa:1:Device",
		DisplayName: "USB-Audio - USB Audio Device",
		Interface:   InterfaceUSB,
		Port:        "hw:1",
		Metadata:    map[string]string{"driver": "USB-Audio"},
	}})
	require.Len(t, reg.Devices(), 2)

	// Empty ALSA sweeps must never age out the serial device.
	reg.ApplySweep(ctx, "alsa", nil)
	reg.ApplySweep(ctx, "alsa", nil)

	devs := reg.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "serial:gps0", devs[0].ID)
}

func TestRegistry_TriState(t *testing.T) {
	b := bus.NewMemoryBus()
	snapshot := collectEvents(t, b)
	reg := NewRegistry(Config{Bus: b})
	ctx := context.Background()

	reg.ApplySweep(ctx, "serial", []Device{gpsDevice("serial:gps0")})

	require.NoError(t, reg.MarkConnecting(ctx, "serial:gps0"))
	d, ok := reg.Get("serial:gps0")
	require.True(t, ok)
	assert.True(t, d.Connecting)
	assert.False(t, d.Connected)

	require.NoError(t, reg.MarkConnected(ctx, "serial:gps0"))
	d, _ = reg.Get("serial:gps0")
	assert.False(t, d.Connecting)
	assert.True(t, d.Connected)

	require.NoError(t, reg.MarkDisconnected(ctx, "serial:gps0"))
	d, _ = reg.Get("serial:gps0")
	assert.False(t, d.Connecting)
	assert.False(t, d.Connected)

	assert.Error(t, reg.MarkConnected(ctx, "serial:nope"))

	evs := waitEvents(t, snapshot, 4)
	kinds := []string{evs[0].Kind, evs[1].Kind, evs[2].Kind, evs[3].Kind}
	assert.Equal(t, []string{EventDiscovered, EventConnecting, EventConnected, EventDisconnected}, kinds)
}

func TestRegistry_ConnectionStateSurvivesSweep(t *testing.T) {
	reg := NewRegistry(Config{})
	ctx := context.Background()

	reg.ApplySweep(ctx, "serial", []Device{gpsDevice("serial:gps0")})
	require.NoError(t, reg.MarkConnected(ctx, "serial:gps0"))

	refreshed := gpsDevice("serial:gps0")
	refreshed.Port = "/dev/ttyACM1"
	reg.ApplySweep(ctx, "serial", []Device{refreshed})

	d, ok := reg.Get("serial:gps0")
	require.True(t, ok)
	assert.True(t, d.Connected, "sweeps refresh ports, not connection state")
	assert.Equal(t, "/dev/ttyACM1", d.Port)
}

// tickDriver scans a scripted device list and counts sweeps.
type tickDriver struct {
	name  string
	every time.Duration
	scans atomic.Int32

	mu   sync.Mutex
	devs []Device
}

func (d *tickDriver) Name() string            { return d.name }
func (d *tickDriver) Interval() time.Duration { return d.every }

func (d *tickDriver) Scan(context.Context) ([]Device, error) {
	d.scans.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Device, len(d.devs))
	copy(out, d.devs)
	return out, nil
}

func (d *tickDriver) set(devs []Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devs = devs
}

func TestRegistry_RunSweepsAndRemoves(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	drv := &tickDriver{name: "serial", every: 20 * time.Millisecond}
	drv.set([]Device{gpsDevice("serial:gps0")})
	reg := NewRegistry(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx, drv) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(reg.Devices()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, reg.Devices(), 1)

	// Unplug: the device must age out after two empty sweeps.
	drv.set(nil)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(reg.Devices()) != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Empty(t, reg.Devices())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("registry run loop did not stop")
	}
}

func TestRegistry_ScanningPause(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	drv := &tickDriver{name: "serial", every: 10 * time.Millisecond}
	reg := NewRegistry(Config{})
	reg.SetScanning(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx, drv) }()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, drv.scans.Load(), "paused discovery must not touch drivers")

	reg.SetScanning(true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && drv.scans.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Positive(t, drv.scans.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("registry run loop did not stop")
	}
}
