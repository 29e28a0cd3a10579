// SPDX-License-Identifier: MIT

package devices

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// XBee sweep defaults.
const (
	DefaultXBeeInterval  = 5 * time.Second
	DefaultDiscoveryWait = 2 * time.Second
	DefaultXBeeBaudrate  = 9600
)

// XBee API mode framing.
const (
	frameDelimiter  = 0x7E
	frameATCommand  = 0x08
	frameTransmit   = 0x10
	frameATResponse = 0x88
	frameReceive    = 0x90
	maxFrameLen     = 512
)

// ErrBadFrame marks a frame that failed length or checksum validation.
// Readers skip it and resync on the next delimiter.
var ErrBadFrame = errors.New("devices: bad xbee frame")

// Node is one radio answering a network discovery.
type Node struct {
	Addr64     string
	Addr16     string
	Identifier string
}

// PortOpener opens a coordinator serial port.
type PortOpener func(port string, baudrate int) (io.ReadWriteCloser, error)

// XBeeDriver walks the wireless response device network: it opens the
// coordinator dongle, issues an ND network discovery and reports every
// answering node.
type XBeeDriver struct {
	// Coordinator locates the coordinator serial port, usually bound to
	// the registry's xbee_coordinator entry. Nil or not-found yields an
	// empty sweep.
	Coordinator func() (port string, ok bool)
	// Open overrides the port opener. The default opens the device node
	// directly and assumes the line is already configured.
	Open PortOpener
	// Wait bounds how long one discovery listens for answers.
	Wait time.Duration
	// Every overrides the sweep interval.
	Every    time.Duration
	Baudrate int
}

func (d *XBeeDriver) Name() string { return "xbee" }

func (d *XBeeDriver) Interval() time.Duration {
	if d.Every > 0 {
		return d.Every
	}
	return DefaultXBeeInterval
}

func (d *XBeeDriver) Scan(ctx context.Context) ([]Device, error) {
	if d.Coordinator == nil {
		return nil, nil
	}
	port, ok := d.Coordinator()
	if !ok {
		return nil, nil
	}

	open := d.Open
	if open == nil {
		open = openPortRaw
	}
	baud := d.Baudrate
	if baud <= 0 {
		baud = DefaultXBeeBaudrate
	}
	rw, err := open(port, baud)
	if err != nil {
		return nil, fmt.Errorf("devices: open coordinator %s: %w", port, err)
	}
	defer rw.Close()

	wait := d.Wait
	if wait <= 0 {
		wait = DefaultDiscoveryWait
	}
	nodes, err := DiscoverNodes(ctx, rw, wait)
	if err != nil {
		return nil, err
	}

	out := make([]Device, 0, len(nodes))
	for _, n := range nodes {
		display := n.Identifier
		if display == "" {
			display = "xbee " + n.Addr64
		}
		out = append(out, Device{
			ID:          "xbee:" + n.Addr64,
			DisplayName: display,
			Interface:   InterfaceXBee,
			Port:        port,
			IsWireless:  true,
			Metadata: map[string]string{
				"addr64":      n.Addr64,
				"addr16":      n.Addr16,
				"node_id":     n.Identifier,
				"coordinator": port,
			},
		})
	}
	return out, nil
}

func openPortRaw(port string, _ int) (io.ReadWriteCloser, error) {
	return os.OpenFile(port, os.O_RDWR, 0) // #nosec G304 -- port path comes from discovery
}

// DiscoverNodes issues one ND discovery on an open coordinator line and
// collects answers until the module signals end of discovery or wait
// expires. When rw supports read deadlines one is set so the reader
// never outlives the wait by much.
func DiscoverNodes(ctx context.Context, rw io.ReadWriter, wait time.Duration) ([]Node, error) {
	if _, err := rw.Write(EncodeATCommand(1, "ND", nil)); err != nil {
		return nil, fmt.Errorf("devices: send ND: %w", err)
	}
	if dl, ok := rw.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dl.SetReadDeadline(time.Now().Add(wait))
	}

	type frame struct {
		ftype   byte
		payload []byte
		err     error
	}
	frames := make(chan frame)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		br := bufio.NewReader(rw)
		for {
			ftype, payload, err := DecodeFrame(br)
			if errors.Is(err, ErrBadFrame) {
				continue
			}
			select {
			case frames <- frame{ftype, payload, err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var nodes []Node
	for {
		select {
		case <-ctx.Done():
			return nodes, nil
		case <-timer.C:
			return nodes, nil
		case fr := <-frames:
			if fr.err != nil {
				// Timeouts and closed lines end the sweep with whatever
				// answered so far.
				return nodes, nil
			}
			if fr.ftype != frameATResponse || len(fr.payload) < 4 {
				continue
			}
			cmd := string(fr.payload[1:3])
			status := fr.payload[3]
			if cmd != "ND" || status != 0 {
				continue
			}
			data := fr.payload[4:]
			if len(data) == 0 {
				// Empty ND response marks end of discovery.
				return nodes, nil
			}
			n, err := parseNodeDescriptor(data)
			if err != nil {
				continue
			}
			nodes = append(nodes, n)
		}
	}
}

// EncodeATCommand builds one API frame carrying a two-letter AT command.
func EncodeATCommand(frameID byte, cmd string, param []byte) []byte {
	data := make([]byte, 0, 4+len(param))
	data = append(data, frameATCommand, frameID, cmd[0], cmd[1])
	data = append(data, param...)
	return wrapFrame(data)
}

// EncodeTransmit builds one API frame sending payload to the radio at
// the 16-hex-digit 64-bit address. The 16-bit address is left unknown
// so the coordinator resolves the route itself.
func EncodeTransmit(frameID byte, addr64 string, payload []byte) ([]byte, error) {
	addr, err := hex.DecodeString(addr64)
	if err != nil || len(addr) != 8 {
		return nil, fmt.Errorf("devices: bad 64-bit address %q", addr64)
	}
	data := make([]byte, 0, 14+len(payload))
	data = append(data, frameTransmit, frameID)
	data = append(data, addr...)
	data = append(data, 0xFF, 0xFE, 0x00, 0x00)
	data = append(data, payload...)
	return wrapFrame(data), nil
}

// ParseReceive unpacks a receive packet frame into the sending radio's
// 64-bit address and its RF payload. ok is false for any other frame
// type, so callers can feed every decoded frame through and keep only
// inbound data.
func ParseReceive(ftype byte, payload []byte) (addr64 string, data []byte, ok bool) {
	if ftype != frameReceive || len(payload) < 11 {
		return "", nil, false
	}
	return hex.EncodeToString(payload[:8]), payload[11:], true
}

func wrapFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, frameDelimiter, byte(len(data)>>8), byte(len(data)))
	out = append(out, data...)
	return append(out, checksum(data))
}

// DecodeFrame reads one API frame: delimiter, 2-byte length, frame
// data, checksum. Corrupt frames return ErrBadFrame so callers can
// resync on the next delimiter.
func DecodeFrame(br *bufio.Reader) (ftype byte, payload []byte, err error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b == frameDelimiter {
			break
		}
	}

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return 0, nil, err
	}
	n := int(hdr[0])<<8 | int(hdr[1])
	if n == 0 || n > maxFrameLen {
		return 0, nil, ErrBadFrame
	}

	data := make([]byte, n+1)
	if _, err := io.ReadFull(br, data); err != nil {
		return 0, nil, err
	}
	if checksum(data[:n]) != data[n] {
		return 0, nil, ErrBadFrame
	}
	return data[0], data[1:n], nil
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return 0xFF - sum
}

// parseNodeDescriptor reads one ND answer: MY(2) SH(4) SL(4) RSSI(1)
// then the null-terminated node identifier.
func parseNodeDescriptor(data []byte) (Node, error) {
	if len(data) < 11 {
		return Node{}, fmt.Errorf("devices: short node descriptor (%d bytes)", len(data))
	}
	ni := data[11:]
	if i := bytes.IndexByte(ni, 0); i >= 0 {
		ni = ni[:i]
	}
	return Node{
		Addr16:     hex.EncodeToString(data[0:2]),
		Addr64:     hex.EncodeToString(data[2:10]),
		Identifier: strings.TrimSpace(string(ni)),
	}, nil
}

// CoordinatorFromRegistry binds an XBeeDriver to whatever coordinator
// dongle discovery has found.
func CoordinatorFromRegistry(r *Registry) func() (string, bool) {
	return func() (string, bool) {
		for _, d := range r.DevicesFor(FamilyDRT) {
			if d.DeviceType == "xbee_coordinator" && d.Port != "" {
				return d.Port, true
			}
		}
		return "", false
	}
}
