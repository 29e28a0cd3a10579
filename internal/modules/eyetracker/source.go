// SPDX-License-Identifier: MIT

package eyetracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/log"
)

// Source delivers newline-framed tracker messages. Start returns once
// the connection is up; lines arrive on the callback until Stop. The
// line slice is only valid for the duration of the callback.
type Source interface {
	Start(onLine func(line []byte)) error
	Stop() error
}

// Enumerate lists reachable trackers. Swapped in tests.
type Enumerate func(ctx context.Context) ([]devices.Device, error)

// OpenConn opens a line source for one tracker. Swapped in tests.
type OpenConn func(dev devices.Device) (Source, error)

// dialTimeout bounds the data connection dial. The probe already
// succeeded recently, so a slow dial means the tracker went away.
const dialTimeout = 2 * time.Second

// maxLineBytes sizes the scanner for world frames. A 720p bgr24 frame
// is ~3.7MB of base64 plus the JSON envelope.
const maxLineBytes = 8 << 20

func networkEnumerate(host string, port int) Enumerate {
	drv := &devices.NetworkDriver{
		Targets: []devices.NetTarget{{
			Host:        host,
			Port:        port,
			DisplayName: "Pupil Core",
			ModuleID:    devices.FamilyEyeTracker,
			DeviceType:  "pupil_core",
		}},
	}
	return drv.Scan
}

func defaultOpenConn(dev devices.Device) (Source, error) {
	return &tcpSource{addr: dev.Port, deviceID: dev.ID}, nil
}

// tcpSource reads message lines from the tracker's TCP data port.
// Closing the connection interrupts the blocked read.
type tcpSource struct {
	addr     string
	deviceID string

	mu       sync.Mutex
	conn     net.Conn
	readDone chan struct{}
}

func (s *tcpSource) Start(onLine func([]byte)) error {
	conn, err := net.DialTimeout("tcp", s.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("eyetracker: dial %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	go s.read(conn, onLine)
	return nil
}

func (s *tcpSource) read(conn net.Conn, onLine func([]byte)) {
	defer close(s.readDone)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		onLine(sc.Bytes())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger := log.WithComponent("eyetracker")
		logger.Warn().Err(err).
			Str(log.FieldDeviceID, s.deviceID).Msg("tracker stream ended")
	}
}

func (s *tcpSource) Stop() error {
	s.mu.Lock()
	conn, done := s.conn, s.readDone
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}
