// SPDX-License-Identifier: MIT

// Package encoder provides the pipeline sinks: an ffmpeg-backed MP4
// encoder for raw video, a PCM WAV writer and a row-appending CSV sink.
package encoder

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/pipeline"
	"github.com/labrig/labrig/internal/procgroup"
)

// MP4Config describes one H.264 encoding process.
type MP4Config struct {
	// Path is the output .mp4 file.
	Path string
	// Width and Height fix the output resolution; frames with another
	// shape are resized before writing.
	Width  int
	Height int
	// FPS is the constant output rate.
	FPS float64

	// FFmpegPath overrides the binary. Empty means "ffmpeg" from PATH.
	FFmpegPath string
	// CloseWait bounds the wait for ffmpeg to finish after stdin closes.
	// Zero means 5s.
	CloseWait time.Duration
	// KillGrace bounds the SIGTERM grace when CloseWait expires. Zero
	// means 2s.
	KillGrace time.Duration

	Module string
	Device string
}

// MP4 feeds raw bgr24 frames to an ffmpeg child encoding H.264.
type MP4 struct {
	cfg    MP4Config
	logger zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	bw     *bufio.Writer
	ring   *LineRing
	waitCh chan error

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error

	frameBytes int
	scratch    []byte
}

// BuildMP4Args constructs the ffmpeg invocation for raw-video stdin to
// H.264 output. Exposed for tests; never passes through a shell.
func BuildMP4Args(cfg MP4Config) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-y",
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-pix_fmt", "bgr24",
		"-r", strconv.FormatFloat(cfg.FPS, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", "23",
		cfg.Path,
	}
}

// NewMP4 starts the encoder process.
func NewMP4(cfg MP4Config) (*MP4, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("encoder: mp4 path required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("encoder: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("encoder: fps must be > 0")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.CloseWait <= 0 {
		cfg.CloseWait = 5 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}

	m := &MP4{
		cfg: cfg,
		logger: log.WithComponent("encoder").With().
			Str(log.FieldModule, cfg.Module).
			Str(log.FieldDeviceID, cfg.Device).
			Str(log.FieldEncoder, "mp4").
			Logger(),
		ring:       NewLineRing(256),
		waitCh:     make(chan error, 1),
		frameBytes: cfg.Width * cfg.Height * 3,
	}

	args := BuildMP4Args(cfg)
	cmd := exec.Command(cfg.FFmpegPath, args...) // #nosec G204 -- args constructed internally from validated config
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stderr pipe: %w", err)
	}

	m.cmd = cmd
	m.stdin = stdin
	m.bw = bufio.NewWriterSize(stdin, m.frameBytes)

	m.logger.Info().Str(log.FieldPath, cfg.Path).
		Str("command", cmd.String()).
		Msg("starting ffmpeg encoder")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: ffmpeg start: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			_, _ = m.ring.Write(sc.Bytes())
		}
	}()
	go func() { m.waitCh <- cmd.Wait() }()

	return m, nil
}

// WriteFrame pushes one raw frame into ffmpeg's stdin, resizing to the
// configured shape when the source changed. Frames without shape
// metadata are assumed to match the configured resolution.
func (m *MP4) WriteFrame(f pipeline.Frame) error {
	payload := f.Payload
	sw, sh := f.Meta.Width, f.Meta.Height
	if sw == 0 && sh == 0 {
		sw, sh = m.cfg.Width, m.cfg.Height
	}
	if sw != m.cfg.Width || sh != m.cfg.Height {
		payload = m.resize(payload, sw, sh)
	}
	if len(payload) != m.frameBytes {
		return fmt.Errorf("encoder: frame is %d bytes, want %d", len(payload), m.frameBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.bw.Write(payload); err != nil {
		return fmt.Errorf("encoder: write frame: %w", err)
	}
	return nil
}

// resize maps the source into the configured shape, reusing one scratch
// buffer across frames.
func (m *MP4) resize(src []byte, sw, sh int) []byte {
	dw, dh := m.cfg.Width, m.cfg.Height
	if cap(m.scratch) < dw*dh*3 {
		m.scratch = make([]byte, dw*dh*3)
	}
	return ResizeBGR24(m.scratch[:dw*dh*3], src, sw, sh, dw, dh)
}

// ResizeBGR24 maps a raw bgr24 frame onto dst with nearest neighbour
// sampling. dst must be dw*dh*3 bytes and is returned for chaining.
func ResizeBGR24(dst, src []byte, sw, sh, dw, dh int) []byte {
	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		srow := sy * sw * 3
		drow := y * dw * 3
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			si := srow + sx*3
			di := drow + x*3
			if si+2 < len(src) {
				dst[di] = src[si]
				dst[di+1] = src[si+1]
				dst[di+2] = src[si+2]
			}
		}
	}
	return dst
}

// Close flushes, closes stdin and waits for ffmpeg to exit within the
// configured budget, escalating to termination past it.
func (m *MP4) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		flushErr := m.bw.Flush()
		closeErr := m.stdin.Close()
		m.mu.Unlock()

		var waitErr error
		select {
		case waitErr = <-m.waitCh:
		case <-time.After(m.cfg.CloseWait):
			m.logger.Warn().Msg("ffmpeg did not exit after stdin close, terminating")
			waitErr = procgroup.Terminate(m.cmd, m.waitCh, m.cfg.KillGrace)
		}

		if waitErr != nil {
			if lines := m.ring.LastN(20); len(lines) > 0 {
				m.logger.Error().Err(waitErr).
					Strs("stderr", lines).
					Msg("ffmpeg exited with error")
			}
		}

		switch {
		case flushErr != nil:
			m.closeErr = fmt.Errorf("encoder: flush: %w", flushErr)
		case closeErr != nil:
			m.closeErr = fmt.Errorf("encoder: close stdin: %w", closeErr)
		case waitErr != nil:
			m.closeErr = fmt.Errorf("encoder: ffmpeg exit: %w", waitErr)
		}
	})
	return m.closeErr
}

// LastLogLines returns recent ffmpeg stderr lines.
func (m *MP4) LastLogLines(n int) []string {
	return m.ring.LastN(n)
}
