// SPDX-License-Identifier: MIT

package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultUSBInterval is the USB sweep cadence.
const DefaultUSBInterval = 200 * time.Millisecond

// USBDriver enumerates the sysfs USB device tree. Hubs and interface
// nodes are skipped; everything with a vendor id is reported and left
// to the registry to classify.
type USBDriver struct {
	// Root overrides the sysfs device directory, default
	// /sys/bus/usb/devices. A missing root yields an empty sweep.
	Root string
	// Every overrides the sweep interval.
	Every time.Duration
}

func (d *USBDriver) Name() string { return "usb" }

func (d *USBDriver) Interval() time.Duration {
	if d.Every > 0 {
		return d.Every
	}
	return DefaultUSBInterval
}

func (d *USBDriver) Scan(_ context.Context) ([]Device, error) {
	root := d.Root
	if root == "" {
		root = "/sys/bus/usb/devices"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("devices: usb sweep: %w", err)
	}

	var out []Device
	for _, ent := range entries {
		name := ent.Name()
		// Interface nodes carry a colon (1-1:1.0), root hubs are usbN.
		if strings.Contains(name, ":") || strings.HasPrefix(name, "usb") {
			continue
		}
		dir := filepath.Join(root, name)
		vid := strings.ToLower(readSysfs(dir, "idVendor"))
		if vid == "" {
			continue
		}
		pid := strings.ToLower(readSysfs(dir, "idProduct"))
		product := readSysfs(dir, "product")
		serial := readSysfs(dir, "serial")

		id := "usb:" + vid + ":" + pid + ":"
		if serial != "" {
			id += serial
		} else {
			id += name
		}
		display := product
		if display == "" {
			display = vid + ":" + pid
		}

		out = append(out, Device{
			ID:          id,
			DisplayName: display,
			Interface:   InterfaceUSB,
			Port:        usbPort(dir),
			Metadata: map[string]string{
				"vendor_id":  vid,
				"product_id": pid,
				"serial":     serial,
				"sysfs":      name,
			},
		})
	}
	return out, nil
}

// usbPort derives the /dev/bus/usb node from busnum/devnum.
func usbPort(dir string) string {
	bus, err1 := strconv.Atoi(readSysfs(dir, "busnum"))
	dev, err2 := strconv.Atoi(readSysfs(dir, "devnum"))
	if err1 != nil || err2 != nil {
		return dir
	}
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, dev)
}

func readSysfs(dir, file string) string {
	b, err := os.ReadFile(filepath.Join(dir, file)) // #nosec G304 -- path is sysfs-shaped by construction
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
