// SPDX-License-Identifier: MIT

package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/csvspec"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
)

// Flush cadences for the eye tracker's sidecar streams.
const (
	FlushEveryIMU    = 128
	FlushEveryEvents = 64
	FlushEveryGaze   = 32
)

// SidecarConfig describes one row-stream CSV (gaze, IMU, events).
type SidecarConfig struct {
	Module string
	Name   string
	Path   string
	Schema csvspec.Schema

	// FlushEvery flushes the file after this many rows. Zero means 64.
	FlushEvery int
	// QueueSize bounds pending rows. Zero means 1024.
	QueueSize int
}

// Sidecar appends schema-checked rows from any goroutine through a
// bounded drop-oldest queue into a CSV file.
type Sidecar struct {
	cfg    SidecarConfig
	logger zerolog.Logger

	mu sync.Mutex
	ch chan []string

	f *os.File
	w *csv.Writer

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	appended atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
}

// NewSidecar creates the file, writes the header and starts the drain
// goroutine.
func NewSidecar(cfg SidecarConfig) (*Sidecar, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pipeline: sidecar path required")
	}
	if len(cfg.Schema.Columns) == 0 {
		return nil, fmt.Errorf("pipeline: sidecar schema required")
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 64
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create sidecar %s: %w", cfg.Path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(cfg.Schema.Header()); err != nil {
		f.Close()
		return nil, fmt.Errorf("pipeline: sidecar header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("pipeline: sidecar header flush: %w", err)
	}

	s := &Sidecar{
		cfg: cfg,
		logger: log.WithComponent("sidecar").With().
			Str(log.FieldModule, cfg.Module).
			Str("stream", cfg.Name).
			Logger(),
		ch:   make(chan []string, cfg.QueueSize),
		f:    f,
		w:    w,
		done: make(chan struct{}),
	}
	go s.drain()
	return s, nil
}

// Append queues one row. When the queue is full the oldest pending row
// is evicted. Returns false when the row was rejected for shape.
func (s *Sidecar) Append(row []string) bool {
	if err := s.cfg.Schema.CheckRow(row); err != nil {
		s.logger.Warn().Err(err).Msg("sidecar row rejected")
		return false
	}
	s.appended.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- row:
		return true
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
		metrics.IncFrameDrop(s.cfg.Module, s.cfg.Name, metrics.DropReasonQueueFull)
	default:
	}
	s.ch <- row
	return true
}

func (s *Sidecar) drain() {
	defer close(s.done)
	var sinceFlush int
	for row := range s.ch {
		if row == nil {
			return
		}
		if err := s.w.Write(row); err != nil {
			s.logger.Warn().Err(err).Msg("sidecar row write failed")
			continue
		}
		s.written.Add(1)
		sinceFlush++
		if sinceFlush >= s.cfg.FlushEvery {
			s.w.Flush()
			if err := s.w.Error(); err != nil {
				s.logger.Warn().Err(err).Msg("sidecar flush failed")
			}
			sinceFlush = 0
		}
	}
}

// Close drains pending rows, flushes and closes the file.
func (s *Sidecar) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.ch <- nil // nil row is the drain sentinel; Append never queues nil
		s.mu.Unlock()
		<-s.done

		s.w.Flush()
		flushErr := s.w.Error()
		closeErr := s.f.Close()
		if flushErr != nil {
			s.stopErr = flushErr
		} else {
			s.stopErr = closeErr
		}
	})
	return s.stopErr
}

// Counts reports appended, written and dropped row totals.
func (s *Sidecar) Counts() (appended, written, dropped int64) {
	return s.appended.Load(), s.written.Load(), s.dropped.Load()
}
