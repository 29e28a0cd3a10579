// SPDX-License-Identifier: MIT

// Package lineio carries newline-framed text to and from experiment
// hardware: units wired to a tty node and radio nodes reached through
// an XBee coordinator dongle. Both transports deliver inbound lines on
// a callback and accept outbound control lines.
package lineio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/log"
)

// Conn is a bidirectional line channel to one unit. Start returns once
// the transport is open; lines arrive on the callback until Stop. Send
// writes one control line to the unit.
type Conn interface {
	Start(onLine func(line string)) error
	Send(line string) error
	Stop() error
}

// Serial is a Conn over a tty node. The port is put into raw mode with
// stty before opening; Go's file poller makes Close interrupt the
// blocked read.
type Serial struct {
	path      string
	baud      int
	component string
	deviceID  string

	mu       sync.Mutex
	f        *os.File
	readDone chan struct{}
}

// NewSerial builds a serial Conn. component and deviceID label its log
// lines.
func NewSerial(path string, baud int, component, deviceID string) *Serial {
	return &Serial{path: path, baud: baud, component: component, deviceID: deviceID}
}

func (s *Serial) Start(onLine func(string)) error {
	s.configure()

	f, err := os.OpenFile(s.path, os.O_RDWR|syscall.O_NOCTTY, 0) // #nosec G304 -- port path comes from discovery
	if err != nil {
		return fmt.Errorf("lineio: open %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.f = f
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	go s.read(f, onLine)
	return nil
}

func (s *Serial) read(f *os.File, onLine func(string)) {
	defer close(s.readDone)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line != "" {
			onLine(line)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger := log.WithComponent(s.component)
		logger.Warn().Err(err).
			Str(log.FieldDeviceID, s.deviceID).Msg("serial read ended")
	}
}

func (s *Serial) Send(line string) error {
	s.mu.Lock()
	f := s.f
	s.mu.Unlock()
	if f == nil {
		return fmt.Errorf("lineio: %s not open", s.path)
	}
	_, err := f.WriteString(line + "\r\n")
	return err
}

func (s *Serial) Stop() error {
	s.mu.Lock()
	f, done := s.f, s.readDone
	s.f = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	err := f.Close()
	<-done
	return err
}

// configure sets speed and raw mode through stty. Failure is logged and
// ignored; the port may already be configured or be a test pty.
func (s *Serial) configure() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "stty",
		"-F", s.path, strconv.Itoa(s.baud), "raw", "-echo")
	if out, err := cmd.CombinedOutput(); err != nil {
		logger := log.WithComponent(s.component)
		logger.Warn().Err(err).
			Str(log.FieldDeviceID, s.deviceID).
			Str("output", string(out)).Msg("stty configure failed")
	}
}

// Coordinator transmit pacing. The dongle buffers outbound frames and
// the radio drains them slowly; pacing keeps a burst of control lines
// from overrunning it.
const (
	xbeeTransmitRate  = 20 // frames per second
	xbeeTransmitBurst = 5
)

// XBee is a Conn to one radio node, relayed through the coordinator
// dongle. Radio payloads can fragment a line, so bytes accumulate until
// a newline completes one; frames from other radios are skipped.
type XBee struct {
	port      string
	addr64    string
	component string
	deviceID  string
	tx        *rate.Limiter

	// Open overrides the port opener. The default opens the device node
	// directly and assumes the line is already configured.
	Open devices.PortOpener

	mu       sync.Mutex
	rw       io.ReadWriteCloser
	frameID  byte
	readDone chan struct{}
}

// NewXBee builds a radio Conn for the node at the 64-bit address,
// relayed through the coordinator port.
func NewXBee(port, addr64, component, deviceID string) *XBee {
	return &XBee{
		port:      port,
		addr64:    addr64,
		component: component,
		deviceID:  deviceID,
		tx:        rate.NewLimiter(xbeeTransmitRate, xbeeTransmitBurst),
	}
}

func (x *XBee) Start(onLine func(string)) error {
	open := x.Open
	if open == nil {
		open = func(port string, _ int) (io.ReadWriteCloser, error) {
			return os.OpenFile(port, os.O_RDWR, 0) // #nosec G304 -- port path comes from discovery
		}
	}
	rw, err := open(x.port, devices.DefaultXBeeBaudrate)
	if err != nil {
		return fmt.Errorf("lineio: open coordinator %s: %w", x.port, err)
	}

	x.mu.Lock()
	x.rw = rw
	x.readDone = make(chan struct{})
	x.mu.Unlock()

	go x.read(rw, onLine)
	return nil
}

func (x *XBee) read(rw io.Reader, onLine func(string)) {
	defer close(x.readDone)
	br := bufio.NewReader(rw)
	var buf bytes.Buffer
	for {
		ftype, payload, err := devices.DecodeFrame(br)
		if errors.Is(err, devices.ErrBadFrame) {
			continue
		}
		if err != nil {
			if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) &&
				!errors.Is(err, io.ErrClosedPipe) {
				logger := log.WithComponent(x.component)
				logger.Warn().Err(err).
					Str(log.FieldDeviceID, x.deviceID).Msg("coordinator read ended")
			}
			return
		}
		addr, data, ok := devices.ParseReceive(ftype, payload)
		if !ok || addr != x.addr64 {
			continue
		}
		buf.Write(data)
		for {
			i := bytes.IndexByte(buf.Bytes(), '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(buf.Next(i+1)), "\r\n")
			if line != "" {
				onLine(line)
			}
		}
	}
}

func (x *XBee) Send(line string) error {
	x.mu.Lock()
	rw := x.rw
	x.frameID++
	if x.frameID == 0 {
		x.frameID = 1
	}
	id := x.frameID
	x.mu.Unlock()
	if rw == nil {
		return fmt.Errorf("lineio: coordinator %s not open", x.port)
	}
	frame, err := devices.EncodeTransmit(id, x.addr64, []byte(line+"\r\n"))
	if err != nil {
		return err
	}
	if err := x.tx.Wait(context.Background()); err != nil {
		return err
	}
	_, err = rw.Write(frame)
	return err
}

func (x *XBee) Stop() error {
	x.mu.Lock()
	rw, done := x.rw, x.readDone
	x.rw = nil
	x.mu.Unlock()
	if rw == nil {
		return nil
	}
	err := rw.Close()
	<-done
	return err
}
