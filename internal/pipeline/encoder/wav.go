// SPDX-License-Identifier: MIT

package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/labrig/labrig/internal/pipeline"
)

// WAV appends 16-bit PCM mono samples to a RIFF/WAVE file. Frame
// payloads are little-endian int16 chunks.
type WAV struct {
	mu      sync.Mutex
	f       *os.File
	enc     *wav.Encoder
	rate    int
	samples int64
	scratch []int

	closeOnce sync.Once
	closeErr  error
}

// NewWAV creates the output file and writes the WAVE header.
func NewWAV(path string, sampleRate int) (*WAV, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("encoder: sample rate must be > 0, got %d", sampleRate)
	}
	f, err := os.Create(path) // #nosec G304 -- path is built from the session directory
	if err != nil {
		return nil, fmt.Errorf("encoder: create wav: %w", err)
	}
	return &WAV{
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		rate: sampleRate,
	}, nil
}

// WriteFrame decodes the chunk into samples and hands them to the
// encoder.
func (w *WAV) WriteFrame(f pipeline.Frame) error {
	p := f.Payload
	if len(p)%2 != 0 {
		return fmt.Errorf("encoder: odd wav chunk of %d bytes", len(p))
	}
	n := len(p) / 2
	if n == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if cap(w.scratch) < n {
		w.scratch = make([]int, n)
	}
	data := w.scratch[:n]
	for i := 0; i < n; i++ {
		data[i] = int(int16(binary.LittleEndian.Uint16(p[2*i:])))
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: w.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("encoder: wav write: %w", err)
	}
	w.samples += int64(n)
	return nil
}

// Close finalises the RIFF chunk sizes and closes the file.
func (w *WAV) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		encErr := w.enc.Close()
		fileErr := w.f.Close()
		if encErr != nil {
			encErr = fmt.Errorf("encoder: wav finalise: %w", encErr)
		}
		w.closeErr = errors.Join(encErr, fileErr)
	})
	return w.closeErr
}

// Samples reports how many samples were written so far.
func (w *WAV) Samples() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples
}

// Duration reports the recorded audio length in seconds.
func (w *WAV) Duration() float64 {
	return float64(w.Samples()) / float64(w.rate)
}
