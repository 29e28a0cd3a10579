// SPDX-License-Identifier: MIT

package vog

import (
	"context"
	"fmt"

	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/lineio"
	"github.com/labrig/labrig/internal/log"
)

// Enumerate lists occlusion goggles, wired and wireless. Swapped in
// tests.
type Enumerate func(ctx context.Context) ([]devices.Device, error)

// OpenSource opens the transport for one goggle. Swapped in tests.
type OpenSource func(dev devices.Device) (lineio.Conn, error)

// defaultEnumerate sweeps the serial nodes for wired goggles, then
// walks the radio network behind the first coordinator dongle it
// finds. The dongle classifies under the response-unit family, so it
// is picked out by device type ahead of the family filter. A failed
// wireless sweep still reports the wired goggles.
func defaultEnumerate(ctx context.Context) ([]devices.Device, error) {
	drv := &devices.SerialDriver{}
	found, err := drv.Scan(ctx)
	if err != nil {
		return nil, err
	}
	rules := devices.DefaultRules()
	var out []devices.Device
	coordinator := ""
	for _, d := range found {
		c, ok := devices.Classify(rules, d)
		if !ok {
			continue
		}
		if c.DeviceType == "xbee_coordinator" {
			if coordinator == "" {
				coordinator = c.Port
			}
			continue
		}
		if c.ModuleID != devices.FamilyVOG {
			continue
		}
		out = append(out, c)
	}
	if coordinator == "" {
		return out, nil
	}

	xb := &devices.XBeeDriver{
		Coordinator: func() (string, bool) { return coordinator, true },
	}
	nodes, err := xb.Scan(ctx)
	if err != nil {
		logger := log.WithComponent("vog")
		logger.Warn().Err(err).
			Str("coordinator", coordinator).Msg("wireless sweep failed")
		return out, nil
	}
	for _, n := range nodes {
		if c, ok := devices.Classify(rules, n); ok && c.ModuleID == devices.FamilyVOG {
			out = append(out, c)
		}
	}
	return out, nil
}

func defaultOpenSource(dev devices.Device) (lineio.Conn, error) {
	if dev.IsWireless {
		addr := dev.Meta("addr64")
		if addr == "" {
			return nil, fmt.Errorf("vog: %s has no radio address", dev.ID)
		}
		return lineio.NewXBee(dev.Port, addr, "vog", dev.ID), nil
	}
	baud := dev.Baudrate
	if baud == 0 {
		baud = 115200
	}
	return lineio.NewSerial(dev.Port, baud, "vog", dev.ID), nil
}
