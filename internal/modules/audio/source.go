// SPDX-License-Identifier: MIT

package audio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/pipeline/encoder"
	"github.com/labrig/labrig/internal/procgroup"
)

// Source delivers 16-bit little-endian mono PCM chunks from one capture
// device. Chunks keep arriving on the callback until Stop returns.
type Source interface {
	Start(onChunk func(p []byte)) error
	Stop() error
}

// Enumerate lists candidate capture devices. The default sweeps the
// ALSA card table; tests substitute fixed lists.
type Enumerate func(ctx context.Context) ([]devices.Device, error)

// OpenSource builds a Source for one device. The default execs a
// capture process on the device's ALSA port.
type OpenSource func(dev devices.Device, sampleRate, chunkBytes int) (Source, error)

func defaultEnumerate(ctx context.Context) ([]devices.Device, error) {
	d := &devices.AlsaDriver{}
	return d.Scan(ctx)
}

func defaultOpenSource(dev devices.Device, sampleRate, chunkBytes int) (Source, error) {
	return newCaptureProc(captureProcConfig{
		Device:     dev,
		SampleRate: sampleRate,
		ChunkBytes: chunkBytes,
	})
}

type captureProcConfig struct {
	Device     devices.Device
	SampleRate int
	ChunkBytes int

	// Binary overrides the capture executable. Empty means arecord.
	Binary string
	// KillGrace bounds the SIGTERM grace on Stop. Zero means 2s.
	KillGrace time.Duration
}

// captureProc streams raw PCM from an arecord child. Stderr is kept in
// a ring for the failure log, the same way the video encoder does it.
type captureProc struct {
	cfg    captureProcConfig
	logger zerolog.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	ring   *encoder.LineRing
	waitCh chan error

	stopOnce sync.Once
	stopErr  error
	readDone chan struct{}
}

func newCaptureProc(cfg captureProcConfig) (*captureProc, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be > 0, got %d", cfg.SampleRate)
	}
	if cfg.ChunkBytes <= 0 || cfg.ChunkBytes%2 != 0 {
		return nil, fmt.Errorf("audio: chunk bytes must be a positive even number, got %d", cfg.ChunkBytes)
	}
	if cfg.Binary == "" {
		cfg.Binary = "arecord"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &captureProc{
		cfg: cfg,
		logger: log.WithComponent("audio").With().
			Str(log.FieldDeviceID, cfg.Device.ID).
			Logger(),
		ring:     encoder.NewLineRing(64),
		waitCh:   make(chan error, 1),
		readDone: make(chan struct{}),
	}, nil
}

// buildCaptureArgs constructs the arecord invocation for raw S16_LE
// mono output on stdout. Exposed for tests; never passes through a
// shell.
func buildCaptureArgs(cfg captureProcConfig) []string {
	return []string{
		"-q",
		"-D", cfg.Device.Port,
		"-f", "S16_LE",
		"-c", "1",
		"-r", fmt.Sprintf("%d", cfg.SampleRate),
		"-t", "raw",
	}
}

func (p *captureProc) Start(onChunk func([]byte)) error {
	cmd := exec.Command(p.cfg.Binary, buildCaptureArgs(p.cfg)...) // #nosec G204 -- args constructed internally from discovery
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audio: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("audio: stderr pipe: %w", err)
	}

	p.cmd = cmd
	p.stdout = stdout

	p.logger.Info().Str("command", cmd.String()).Msg("starting capture process")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audio: capture start: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			_, _ = p.ring.Write(sc.Bytes())
		}
	}()
	go func() { p.waitCh <- cmd.Wait() }()
	go p.read(onChunk)
	return nil
}

// read slices the PCM stream into fixed-size chunks. A short final
// chunk at stream end is still delivered.
func (p *captureProc) read(onChunk func([]byte)) {
	defer close(p.readDone)
	for {
		buf := make([]byte, p.cfg.ChunkBytes)
		n, err := io.ReadFull(p.stdout, buf)
		if n > 0 {
			onChunk(buf[:n-n%2])
		}
		if err != nil {
			return
		}
	}
}

func (p *captureProc) Stop() error {
	p.stopOnce.Do(func() {
		if p.cmd == nil {
			return
		}
		err := procgroup.Terminate(p.cmd, p.waitCh, p.cfg.KillGrace)
		// Exiting on our own stop signal is the normal path.
		if err != nil && !procgroup.TerminatedBySignal(err) {
			if lines := p.ring.LastN(10); len(lines) > 0 {
				p.logger.Warn().Err(err).
					Strs("stderr", lines).
					Msg("capture process exited with error")
			}
			p.stopErr = fmt.Errorf("audio: capture stop: %w", err)
		}
		<-p.readDone
	})
	return p.stopErr
}
