// SPDX-License-Identifier: MIT

package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/log"
)

// Source delivers NMEA lines from a receiver. Start returns once the
// port is open; lines arrive on the callback until Stop.
type Source interface {
	Start(onLine func(line string)) error
	Stop() error
}

// Enumerate lists candidate receivers. Swapped in tests.
type Enumerate func(ctx context.Context) ([]devices.Device, error)

// OpenPort opens a line source for one receiver. Swapped in tests.
type OpenPort func(dev devices.Device) (Source, error)

func defaultEnumerate(ctx context.Context) ([]devices.Device, error) {
	drv := &devices.SerialDriver{}
	found, err := drv.Scan(ctx)
	if err != nil {
		return nil, err
	}
	rules := devices.DefaultRules()
	var out []devices.Device
	for _, d := range found {
		if c, ok := devices.Classify(rules, d); ok && c.ModuleID == devices.FamilyGPS {
			out = append(out, c)
		}
	}
	return out, nil
}

func defaultOpenPort(dev devices.Device) (Source, error) {
	baud := dev.Baudrate
	if baud == 0 {
		baud = 9600
	}
	return &serialPort{path: dev.Port, baud: baud, deviceID: dev.ID}, nil
}

// serialPort reads newline-framed sentences from a tty node. The port
// is put into raw mode with stty before opening; Go's file poller makes
// Close interrupt the blocked read.
type serialPort struct {
	path     string
	baud     int
	deviceID string

	mu       sync.Mutex
	f        *os.File
	readDone chan struct{}
}

func (p *serialPort) Start(onLine func(string)) error {
	p.configure()

	f, err := os.OpenFile(p.path, os.O_RDONLY|syscall.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("gps: open %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.f = f
	p.readDone = make(chan struct{})
	p.mu.Unlock()

	go p.read(f, onLine)
	return nil
}

func (p *serialPort) read(f *os.File, onLine func(string)) {
	defer close(p.readDone)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		onLine(sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger := log.WithComponent("gps")
		logger.Warn().Err(err).
			Str(log.FieldDeviceID, p.deviceID).Msg("serial read ended")
	}
}

func (p *serialPort) Stop() error {
	p.mu.Lock()
	f, done := p.f, p.readDone
	p.f = nil
	p.mu.Unlock()
	if f == nil {
		return nil
	}
	err := f.Close()
	<-done
	return err
}

// configure sets speed and raw mode through stty. Failure is logged and
// ignored; the port may already be configured or be a test pty.
func (p *serialPort) configure() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "stty",
		"-F", p.path, strconv.Itoa(p.baud), "raw", "-echo")
	if out, err := cmd.CombinedOutput(); err != nil {
		logger := log.WithComponent("gps")
		logger.Warn().Err(err).
			Str(log.FieldDeviceID, p.deviceID).
			Str("output", string(out)).Msg("stty configure failed")
	}
}
