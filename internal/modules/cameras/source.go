// SPDX-License-Identifier: MIT

package cameras

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/devices"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/pipeline/encoder"
	"github.com/labrig/labrig/internal/procgroup"
)

// Source delivers raw bgr24 frames from one camera. Frames keep
// arriving on the callback, with a per-source index, until Stop.
type Source interface {
	Start(onFrame func(frame []byte, index int)) error
	Stop() error
}

// Enumerate lists candidate cameras. The default sweeps video4linux
// capture nodes; tests substitute fixed lists.
type Enumerate func(ctx context.Context) ([]devices.Device, error)

// OpenSource builds a Source for one camera. The default execs a
// rawvideo grab process on the camera's device node.
type OpenSource func(dev devices.Device, width, height int, fps float64) (Source, error)

func defaultEnumerate(context.Context) ([]devices.Device, error) {
	return scanVideoNodes("/dev", "/sys/class/video4linux")
}

// scanVideoNodes walks /dev/video*. UVC cameras expose a metadata node
// next to the capture node; the sysfs index attribute separates them,
// the capture node is index 0.
func scanVideoNodes(devDir, sysDir string) ([]devices.Device, error) {
	matches, err := filepath.Glob(filepath.Join(devDir, "video*"))
	if err != nil {
		return nil, err
	}

	var out []devices.Device
	for _, node := range matches {
		base := filepath.Base(node)
		sys := filepath.Join(sysDir, base)
		if idx, err := os.ReadFile(filepath.Join(sys, "index")); err == nil {
			if strings.TrimSpace(string(idx)) != "0" {
				continue
			}
		}
		name := base
		if b, err := os.ReadFile(filepath.Join(sys, "name")); err == nil {
			name = strings.TrimSpace(string(b))
		}
		out = append(out, devices.Device{
			ID:          "v4l2:" + base,
			DisplayName: name,
			ModuleID:    devices.FamilyCameras,
			Port:        node,
			DeviceType:  "uvc",
		})
	}
	return out, nil
}

func defaultOpenSource(dev devices.Device, width, height int, fps float64) (Source, error) {
	return newGrabProc(grabProcConfig{
		Device: dev,
		Width:  width,
		Height: height,
		FPS:    fps,
	})
}

type grabProcConfig struct {
	Device devices.Device
	Width  int
	Height int
	FPS    float64

	// Binary overrides the grab executable. Empty means ffmpeg.
	Binary string
	// KillGrace bounds the SIGTERM grace on Stop. Zero means 2s.
	KillGrace time.Duration
}

// grabProc streams raw frames from an ffmpeg child reading the v4l2
// device. Stderr is kept in a ring for the failure log, the same way
// the encoder side does it.
type grabProc struct {
	cfg        grabProcConfig
	frameBytes int
	logger     zerolog.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	ring   *encoder.LineRing
	waitCh chan error

	stopOnce sync.Once
	stopErr  error
	readDone chan struct{}
}

func newGrabProc(cfg grabProcConfig) (*grabProc, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("cameras: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("cameras: fps must be > 0, got %v", cfg.FPS)
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &grabProc{
		cfg:        cfg,
		frameBytes: cfg.Width * cfg.Height * 3,
		logger: log.WithComponent("cameras").With().
			Str(log.FieldDeviceID, cfg.Device.ID).
			Logger(),
		ring:     encoder.NewLineRing(64),
		waitCh:   make(chan error, 1),
		readDone: make(chan struct{}),
	}, nil
}

// buildGrabArgs constructs the ffmpeg invocation for rawvideo bgr24
// frames on stdout. Exposed for tests; never passes through a shell.
func buildGrabArgs(cfg grabProcConfig) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-f", "v4l2",
		"-framerate", strconv.FormatFloat(cfg.FPS, 'f', -1, 64),
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-i", cfg.Device.Port,
		"-pix_fmt", "bgr24",
		"-f", "rawvideo",
		"-",
	}
}

func (p *grabProc) Start(onFrame func([]byte, int)) error {
	cmd := exec.Command(p.cfg.Binary, buildGrabArgs(p.cfg)...) // #nosec G204 -- args constructed internally from discovery
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cameras: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("cameras: stderr pipe: %w", err)
	}

	p.cmd = cmd
	p.stdout = stdout

	p.logger.Info().Str("command", cmd.String()).Msg("starting grab process")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cameras: grab start: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			_, _ = p.ring.Write(sc.Bytes())
		}
	}()
	go func() { p.waitCh <- cmd.Wait() }()
	go p.read(onFrame)
	return nil
}

// read slices the stream into whole frames. A truncated frame at stream
// end is discarded; partial video is not worth writing.
func (p *grabProc) read(onFrame func([]byte, int)) {
	defer close(p.readDone)
	for index := 0; ; index++ {
		buf := make([]byte, p.frameBytes)
		if _, err := io.ReadFull(p.stdout, buf); err != nil {
			return
		}
		onFrame(buf, index)
	}
}

func (p *grabProc) Stop() error {
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
					Msg("grab process exited with error")
			}
			p.stopErr = fmt.Errorf("cameras: grab stop: %w", err)
		}
		<-p.readDone
	})
	return p.stopErr
}
