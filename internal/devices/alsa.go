// SPDX-License-Identifier: MIT

package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultAlsaInterval is the sound card sweep cadence.
const DefaultAlsaInterval = time.Second

// Card lines look like:
//
//	 1 [Device         ]: USB-Audio - USB Audio Device
var alsaCardRe = regexp.MustCompile(`^\s*(\d+)\s+\[(\S+)\s*\]:\s+(\S+)\s+-\s+(.+)$`)

// AlsaDriver reads the kernel sound card table. USB cards are the ones
// the audio family records from; onboard codecs stay unclassified.
type AlsaDriver struct {
	// CardsPath overrides the card table, default /proc/asound/cards.
	CardsPath string
	// Every overrides the sweep interval.
	Every time.Duration
}

func (d *AlsaDriver) Name() string { return "alsa" }

func (d *AlsaDriver) Interval() time.Duration {
	if d.Every > 0 {
		return d.Every
	}
	return DefaultAlsaInterval
}

func (d *AlsaDriver) path() string {
	if d.CardsPath != "" {
		return d.CardsPath
	}
	return "/proc/asound/cards"
}

func (d *AlsaDriver) Scan(_ context.Context) ([]Device, error) {
	data, err := os.ReadFile(d.path()) // #nosec G304 -- configured card table path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("devices: alsa sweep: %w", err)
	}

	var out []Device
	for _, line := range strings.Split(string(data), "\n") {
		m := alsaCardRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, shortname, driver, longname := m[1], m[2], m[3], strings.TrimSpace(m[4])

		iface := ""
		if strings.Contains(strings.ToUpper(driver), "USB") {
			iface = InterfaceUSB
		}
		out = append(out, Device{
			ID:          "alsa:" + idx + ":" + shortname,
			DisplayName: longname,
			Interface:   iface,
			Port:        "hw:" + idx,
			Metadata: map[string]string{
				"card_index": idx,
				"card_id":    shortname,
				"driver":     driver,
			},
		})
	}
	return out, nil
}

// Notify watches the card table's directory so hot-plugged cards are
// picked up before the next poll. procfs does not emit change events on
// most kernels; the returned error just means the registry polls.
func (d *AlsaDriver) Notify(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path := d.path()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)
	ch := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}
