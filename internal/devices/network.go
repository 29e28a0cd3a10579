// SPDX-License-Identifier: MIT

package devices

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Network probe defaults.
const (
	DefaultNetworkInterval = 2 * time.Second
	DefaultProbeTimeout    = 500 * time.Millisecond
)

// NetTarget is one candidate network endpoint, typically an eye tracker
// control port from the module configuration.
type NetTarget struct {
	Host        string
	Port        int
	DisplayName string
	ModuleID    string
	DeviceType  string
}

// ContextDialer is satisfied by net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NetworkDriver reports a target as present while its TCP port accepts
// connections. Targets carry their own classification since the probe
// list already names the family.
type NetworkDriver struct {
	Targets []NetTarget
	// Timeout bounds one connection attempt.
	Timeout time.Duration
	// Every overrides the sweep interval.
	Every time.Duration
	// Dialer overrides the TCP dialer, for tests.
	Dialer ContextDialer
}

func (d *NetworkDriver) Name() string { return "network" }

func (d *NetworkDriver) Interval() time.Duration {
	if d.Every > 0 {
		return d.Every
	}
	return DefaultNetworkInterval
}

func (d *NetworkDriver) Scan(ctx context.Context) ([]Device, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	var out []Device
	for _, t := range d.Targets {
		addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dialer.DialContext(probeCtx, "tcp", addr)
		cancel()
		if err != nil {
			continue
		}
		_ = conn.Close()

		display := t.DisplayName
		if display == "" {
			display = addr
		}
		out = append(out, Device{
			ID:          "net:" + addr,
			DisplayName: display,
			ModuleID:    t.ModuleID,
			Interface:   InterfaceNetwork,
			Port:        addr,
			DeviceType:  t.DeviceType,
			Metadata:    map[string]string{"host": t.Host, "tcp_port": strconv.Itoa(t.Port)},
		})
	}
	return out, nil
}
