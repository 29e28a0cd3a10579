// SPDX-License-Identifier: MIT

package devices

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestEncodeATCommand(t *testing.T) {
	frame := EncodeATCommand(1, "ND", nil)
	want := []byte{0x7E, 0x00, 0x04, 0x08, 0x01, 'N', 'D', 0x64}
	assert.Equal(t, want, frame)
}

func TestDecodeFrame_RoundTrip(t *testing.T) {
	frame := EncodeATCommand(7, "NI", []byte("DRT_01"))
	br := bufio.NewReader(bytes.NewReader(frame))

	ftype, payload, err := DecodeFrame(br)
	require.NoError(t, err)
	assert.Equal(t, byte(frameATCommand), ftype)
	assert.Equal(t, append([]byte{7, 'N', 'I'}, []byte("DRT_01")...), payload)
}

func TestDecodeFrame_ResyncsPastGarbage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x42, 0x13})
	buf.Write(EncodeATCommand(1, "ND", nil))

	ftype, _, err := DecodeFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, byte(frameATCommand), ftype)
}

func TestDecodeFrame_BadChecksum(t *testing.T) {
	frame := EncodeATCommand(1, "ND", nil)
	frame[len(frame)-1] ^= 0xFF

	_, _, err := DecodeFrame(bufio.NewReader(bytes.NewReader(frame)))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeFrame_ZeroLength(t *testing.T) {
	_, _, err := DecodeFrame(bufio.NewReader(bytes.NewReader([]byte{0x7E, 0x00, 0x00})))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestEncodeTransmit(t *testing.T) {
	frame, err := EncodeTransmit(3, "0013a20040a1b2c3", []byte("BTY?\r\n"))
	require.NoError(t, err)

	ftype, payload, err := DecodeFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	assert.Equal(t, byte(frameTransmit), ftype)
	require.GreaterOrEqual(t, len(payload), 13)
	assert.Equal(t, byte(3), payload[0])
	assert.Equal(t, []byte{0x00, 0x13, 0xA2, 0x00, 0x40, 0xA1, 0xB2, 0xC3}, payload[1:9])
	assert.Equal(t, []byte{0xFF, 0xFE}, payload[9:11])
	assert.Equal(t, []byte("BTY?\r\n"), payload[13:])
}

func TestEncodeTransmit_BadAddress(t *testing.T) {
	_, err := EncodeTransmit(1, "not-hex", nil)
	assert.Error(t, err)

	_, err = EncodeTransmit(1, "a1b2", nil)
	assert.Error(t, err)
}

func TestParseReceive(t *testing.T) {
	addr := []byte{0x00, 0x13, 0xA2, 0x00, 0x40, 0xA1, 0xB2, 0xC3}
	payload := append(append([]byte{}, addr...), 0x12, 0x34, 0x01)
	payload = append(payload, []byte("STM 1 1500 320 1 97\n")...)

	addr64, data, ok := ParseReceive(frameReceive, payload)
	require.True(t, ok)
	assert.Equal(t, "0013a20040a1b2c3", addr64)
	assert.Equal(t, []byte("STM 1 1500 320 1 97\n"), data)

	_, _, ok = ParseReceive(frameATResponse, payload)
	assert.False(t, ok)
	_, _, ok = ParseReceive(frameReceive, addr)
	assert.False(t, ok)
}

// atResponse builds one AT command response frame.
func atResponse(frameID byte, cmd string, status byte, data []byte) []byte {
	payload := append([]byte{frameATResponse, frameID, cmd[0], cmd[1], status}, data...)
	out := []byte{frameDelimiter, byte(len(payload) >> 8), byte(len(payload))}
	out = append(out, payload...)
	return append(out, checksum(payload))
}

// nodeDescriptor builds one ND answer payload.
func nodeDescriptor(addr16, addr64 []byte, ni string) []byte {
	d := append([]byte{}, addr16...)
	d = append(d, addr64...)
	d = append(d, 0x28) // signal strength
	d = append(d, []byte(ni)...)
	return append(d, 0x00)
}

// serveDiscovery plays the coordinator side of one ND exchange.
func serveDiscovery(t *testing.T, conn net.Conn, answers ...[]byte) {
	t.Helper()
	go func() {
		defer conn.Close()
		br := bufio.NewReader(conn)
		ftype, payload, err := DecodeFrame(br)
		if err != nil || ftype != frameATCommand || len(payload) < 3 || string(payload[1:3]) != "ND" {
			return
		}
		for _, data := range answers {
			if _, err := conn.Write(atResponse(payload[0], "ND", 0, data)); err != nil {
				return
			}
		}
		// Empty response ends the discovery.
		_, _ = conn.Write(atResponse(payload[0], "ND", 0, nil))
	}()
}

func TestDiscoverNodes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, server := net.Pipe()
	defer client.Close()

	serveDiscovery(t, server,
		nodeDescriptor([]byte{0x00, 0x01}, []byte{0x00, 0x13, 0xA2, 0x00, 0x40, 0xA1, 0xB2, 0xC3}, "DRT_01"),
		nodeDescriptor([]byte{0x00, 0x02}, []byte{0x00, 0x13, 0xA2, 0x00, 0x40, 0xA1, 0xB2, 0xC4}, "DRT_02"),
	)

	nodes, err := DiscoverNodes(context.Background(), client, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "0013a20040a1b2c3", nodes[0].Addr64)
	assert.Equal(t, "0001", nodes[0].Addr16)
	assert.Equal(t, "DRT_01", nodes[0].Identifier)
	assert.Equal(t, "DRT_02", nodes[1].Identifier)
}

func TestDiscoverNodes_TimeoutReturnsPartial(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// One answer, then silence: no end marker arrives.
	go func() {
		br := bufio.NewReader(server)
		if _, _, err := DecodeFrame(br); err != nil {
			return
		}
		_, _ = server.Write(atResponse(1, "ND", 0,
			nodeDescriptor([]byte{0x00, 0x01}, []byte{0, 0, 0, 0, 0, 0, 0, 9}, "DRT_09")))
	}()

	start := time.Now()
	nodes, err := DiscoverNodes(context.Background(), client, 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "DRT_09", nodes[0].Identifier)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestXBeeDriver_Scan(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	drv := &XBeeDriver{
		Coordinator: func() (string, bool) { return "/dev/ttyUSB9", true },
		Open: func(port string, baud int) (io.ReadWriteCloser, error) {
			assert.Equal(t, "/dev/ttyUSB9", port)
			assert.Equal(t, DefaultXBeeBaudrate, baud)
			client, server := net.Pipe()
			serveDiscovery(t, server,
				nodeDescriptor([]byte{0x00, 0x01}, []byte{0x00, 0x13, 0xA2, 0x00, 0x40, 0xA1, 0xB2, 0xC3}, "DRT_01"),
			)
			return client, nil
		},
		Wait: time.Second,
	}

	devs, err := drv.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)

	d := devs[0]
	assert.Equal(t, "xbee:0013a20040a1b2c3", d.ID)
	assert.Equal(t, "DRT_01", d.DisplayName)
	assert.Equal(t, InterfaceXBee, d.Interface)
	assert.True(t, d.IsWireless)
	assert.Equal(t, "/dev/ttyUSB9", d.Port)

	// Registry classification lands it in the response device family.
	reg := NewRegistry(Config{})
	reg.ApplySweep(context.Background(), drv.Name(), devs)
	got, ok := reg.Get("xbee:0013a20040a1b2c3")
	require.True(t, ok)
	assert.Equal(t, FamilyDRT, got.ModuleID)
	assert.Equal(t, "wdrt", got.DeviceType)
}

func TestXBeeDriver_NoCoordinator(t *testing.T) {
	drv := &XBeeDriver{Coordinator: func() (string, bool) { return "", false }}
	devs, err := drv.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devs)

	devs, err = (&XBeeDriver{}).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestCoordinatorFromRegistry(t *testing.T) {
	reg := NewRegistry(Config{})
	locate := CoordinatorFromRegistry(reg)

	_, ok := locate()
	assert.False(t, ok)

	reg.ApplySweep(context.Background(), "serial", []Device{{
		ID:          "serial:usb-FTDI_XBIB-U-DEV_A1",
		DisplayName: "FTDI XBIB-U-DEV A1",
		Interface:   InterfaceSerial,
		Port:        "/dev/ttyUSB3",
	}})

	port, ok := locate()
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB3", port)
}
