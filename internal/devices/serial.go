// SPDX-License-Identifier: MIT

package devices

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultSerialInterval is the serial port sweep cadence.
const DefaultSerialInterval = time.Second

var serialSuffixRe = regexp.MustCompile(`-if\d+(-port\d+)?$`)

// SerialDriver probes serial ports. The by-id directory is preferred
// because its names are stable across replugs and carry the vendor
// string; when it is absent the driver falls back to globbing tty
// nodes.
type SerialDriver struct {
	// ByIDDir overrides the symlink directory, default /dev/serial/by-id.
	ByIDDir string
	// DevDir overrides the fallback glob root, default /dev.
	DevDir string
	// Every overrides the sweep interval.
	Every time.Duration
}

func (d *SerialDriver) Name() string { return "serial" }

func (d *SerialDriver) Interval() time.Duration {
	if d.Every > 0 {
		return d.Every
	}
	return DefaultSerialInterval
}

func (d *SerialDriver) Scan(_ context.Context) ([]Device, error) {
	byID := d.ByIDDir
	if byID == "" {
		byID = "/dev/serial/by-id"
	}

	entries, err := os.ReadDir(byID)
	if err == nil {
		var out []Device
		for _, ent := range entries {
			name := ent.Name()
			port := filepath.Join(byID, name)
			if target, err := filepath.EvalSymlinks(port); err == nil {
				port = target
			}
			out = append(out, Device{
				ID:          "serial:" + name,
				DisplayName: humanizeByID(name),
				Interface:   InterfaceSerial,
				Port:        port,
				Metadata:    map[string]string{"by_id": name},
			})
		}
		return out, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	// No by-id directory, typically a dev container or a board image.
	devDir := d.DevDir
	if devDir == "" {
		devDir = "/dev"
	}
	var out []Device
	for _, pattern := range []string{"ttyUSB*", "ttyACM*"} {
		matches, err := filepath.Glob(filepath.Join(devDir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			base := filepath.Base(m)
			out = append(out, Device{
				ID:          "serial:" + base,
				DisplayName: base,
				Interface:   InterfaceSerial,
				Port:        m,
			})
		}
	}
	return out, nil
}

// humanizeByID turns usb-u-blox_AG_u-blox_7_GPS-if00 into a readable
// display name.
func humanizeByID(name string) string {
	name = strings.TrimPrefix(name, "usb-")
	name = serialSuffixRe.ReplaceAllString(name, "")
	return strings.ReplaceAll(name, "_", " ")
}
