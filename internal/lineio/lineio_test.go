// SPDX-License-Identifier: MIT

package lineio

import (
	"bufio"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrig/labrig/internal/devices"
)

// rxFrame wraps an RF payload in a receive packet frame from addr64.
func rxFrame(t *testing.T, addr64, data string) []byte {
	t.Helper()
	addr, err := hex.DecodeString(addr64)
	require.NoError(t, err)
	payload := append([]byte{0x90}, addr...)
	payload = append(payload, 0xFF, 0xFE, 0x01)
	payload = append(payload, []byte(data)...)
	out := []byte{0x7E, byte(len(payload) >> 8), byte(len(payload))}
	out = append(out, payload...)
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return append(out, 0xFF-sum)
}

func TestXBee_AssemblesLinesAndSends(t *testing.T) {
	client, server := net.Pipe()
	src := NewXBee("/dev/ttyUSB3", "0013a20040a1b2c3", "drt", "xbee:0013a20040a1b2c3")
	src.Open = func(string, int) (io.ReadWriteCloser, error) {
		return client, nil
	}

	var mu sync.Mutex
	var lines []string
	require.NoError(t, src.Start(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}))

	// Two fragments complete one line; the frame from another radio is
	// ignored.
	_, err := server.Write(rxFrame(t, "0013a20040a1b2c3", "STM 1 35"))
	require.NoError(t, err)
	_, err = server.Write(rxFrame(t, "ffffffffffffffff", "BTY 10\n"))
	require.NoError(t, err)
	_, err = server.Write(rxFrame(t, "0013a20040a1b2c3", "00 412 1 97\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"STM 1 3500 412 1 97"}, lines)
	mu.Unlock()

	// Send wraps the line in a transmit frame addressed to the unit.
	type frame struct {
		ftype   byte
		payload []byte
	}
	frames := make(chan frame, 1)
	go func() {
		br := bufio.NewReader(server)
		ftype, payload, err := devices.DecodeFrame(br)
		if err != nil {
			return
		}
		frames <- frame{ftype, payload}
	}()
	require.NoError(t, src.Send("BTY?"))

	select {
	case fr := <-frames:
		assert.Equal(t, byte(0x10), fr.ftype)
		require.GreaterOrEqual(t, len(fr.payload), 13)
		assert.Equal(t, "0013a20040a1b2c3", hex.EncodeToString(fr.payload[1:9]))
		assert.Equal(t, []byte("BTY?\r\n"), fr.payload[13:])
	case <-time.After(2 * time.Second):
		t.Fatal("no transmit frame arrived")
	}

	require.NoError(t, src.Stop())
}

func TestXBee_SendRequiresStart(t *testing.T) {
	src := NewXBee("/dev/ttyUSB3", "0013a20040a1b2c3", "drt", "xbee:x")
	assert.Error(t, src.Send("BTY?"))
	assert.NoError(t, src.Stop())
}

// TestSerial_ReadsLines runs the serial transport against a FIFO: the
// stty step fails harmlessly and the node behaves like a quiet tty.
func TestSerial_ReadsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tty")
	require.NoError(t, syscall.Mkfifo(path, 0o600))

	src := NewSerial(path, 115200, "test", "serial:test")
	var mu sync.Mutex
	var lines []string
	require.NoError(t, src.Start(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}))

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = w.WriteString("BTY 42\r\nSTM 1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"BTY 42"}, lines)
	mu.Unlock()

	require.NoError(t, w.Close())
	require.NoError(t, src.Stop())
}

func TestSerial_SendRequiresStart(t *testing.T) {
	src := NewSerial("/dev/null", 9600, "test", "serial:test")
	assert.Error(t, src.Send("EXP START"))
	assert.NoError(t, src.Stop())
}
