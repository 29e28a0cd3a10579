// SPDX-License-Identifier: MIT

package pipeline

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
	"github.com/labrig/labrig/internal/timing"
)

// Defaults for the stop joins. The timer reacts within one period; the
// writer may be mid-write on a slow disk.
const (
	DefaultTimerJoin  = 2 * time.Second
	DefaultWriterJoin = 5 * time.Second
)

// Config describes one recording pipeline.
type Config struct {
	// Module and Device label logs, metrics and timing rows.
	Module string
	Device string

	// FPS is the requested constant output rate.
	FPS float64

	// Sink receives frames in writer order.
	Sink Sink

	// TimingPath is where the per-file diagnostics CSV goes.
	TimingPath string
	// GazeColumns switches the timing CSV to the eye-tracker variant.
	GazeColumns bool

	// QueueSize bounds the writer queue. Zero means max(2*FPS, 30).
	QueueSize int

	// Clock stamps frames. Zero value means the system clock.
	Clock timing.Clock

	// TimerJoin and WriterJoin bound the stop joins. Zero means the
	// package defaults.
	TimerJoin  time.Duration
	WriterJoin time.Duration
}

// Pipeline drives capture -> slot -> timer -> queue -> writer -> sink
// for a single media stream.
type Pipeline struct {
	cfg    Config
	clock  timing.Clock
	period time.Duration
	logger zerolog.Logger

	slot  slot
	queue *frameQueue

	quit       chan struct{}
	timerDone  chan struct{}
	writerDone chan struct{}
	started    atomic.Bool
	startOnce  sync.Once
	stopOnce   sync.Once
	stopErr    error

	captured    atomic.Int64
	written     atomic.Int64
	dropped     atomic.Int64
	duplicated  atomic.Int64
	skipped     atomic.Int64
	writeErrors atomic.Int64

	timingCSV *timingWriter
}

// New validates cfg and prepares the pipeline, creating the timing CSV.
func New(cfg Config) (*Pipeline, error) {
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("pipeline: fps must be > 0, got %v", cfg.FPS)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("pipeline: sink required")
	}
	if cfg.TimingPath == "" {
		return nil, fmt.Errorf("pipeline: timing path required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timing.NewSystemClock()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = int(math.Max(2*cfg.FPS, 30))
	}
	if cfg.TimerJoin <= 0 {
		cfg.TimerJoin = DefaultTimerJoin
	}
	if cfg.WriterJoin <= 0 {
		cfg.WriterJoin = DefaultWriterJoin
	}

	tw, err := newTimingWriter(cfg.TimingPath, cfg.GazeColumns)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:    cfg,
		clock:  cfg.Clock,
		period: time.Duration(float64(time.Second) / cfg.FPS),
		logger: log.WithComponent("pipeline").With().
			Str(log.FieldModule, cfg.Module).
			Str(log.FieldDeviceID, cfg.Device).
			Logger(),
		queue:      newFrameQueue(cfg.QueueSize),
		quit:       make(chan struct{}),
		timerDone:  make(chan struct{}),
		writerDone: make(chan struct{}),
		timingCSV:  tw,
	}, nil
}

// Capture delivers one payload from the device. Safe to call from any
// goroutine; ownership of payload transfers to the pipeline.
func (p *Pipeline) Capture(payload []byte, meta CaptureMeta) {
	stamp := p.clock.Now()
	p.captured.Add(1)
	metrics.FramesCaptured.WithLabelValues(p.cfg.Module, p.cfg.Device).Inc()

	if displaced := p.slot.put(&captured{payload: payload, meta: meta, stamp: stamp}); displaced {
		p.dropped.Add(1)
		metrics.IncFrameDrop(p.cfg.Module, p.cfg.Device, metrics.DropReasonSlotOverwrite)
	}
}

// Start launches the timer and writer. Call at most once.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.runTimer()
		go p.runWriter()
		p.logger.Info().
			Float64(log.FieldFPS, p.cfg.FPS).
			Int("queue_size", p.cfg.QueueSize).
			Msg("pipeline started")
	})
}

// runTimer emits one frame per period from the slot, duplicating the
// previous frame through capture stalls.
func (p *Pipeline) runTimer() {
	defer close(p.timerDone)
	// The sentinel follows every frame this goroutine enqueued.
	defer func() {
		if n := p.queue.putSentinel(); n > 0 {
			p.dropped.Add(int64(n))
			metrics.IncFrameDrop(p.cfg.Module, p.cfg.Device, metrics.DropReasonStopping)
		}
	}()

	start := p.clock.Now()
	next := start.Mono + p.period
	var last *captured
	var displayIndex int64

	for {
		now := p.clock.Now()
		if wait := next - now.Mono; wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-p.quit:
				t.Stop()
				return
			case <-t.C:
			}
			now = p.clock.Now()
		} else {
			select {
			case <-p.quit:
				return
			default:
			}
		}

		metrics.ObserveTickError(p.cfg.Module, p.cfg.Device, now.Mono-next)

		c := p.slot.take()
		isDup := false
		switch {
		case c != nil:
			last = c
		case last != nil:
			c = last
			isDup = true
			p.duplicated.Add(1)
			metrics.FramesDuplicated.WithLabelValues(p.cfg.Module, p.cfg.Device).Inc()
		default:
			// Nothing captured yet; this slot produces no output.
			p.skipped.Add(1)
			next = p.advance(next, now.Mono)
			continue
		}

		displayIndex++
		f := Frame{
			Payload:           c.payload,
			Meta:              c.meta,
			Capture:           c.stamp,
			Enqueued:          now.Mono,
			DisplayFrameIndex: displayIndex,
			RequestedFPS:      p.cfg.FPS,
			DroppedTotal:      p.dropped.Load(),
			DuplicatesTotal:   p.duplicated.Load(),
			IsDuplicate:       isDup,
		}
		if p.queue.put(f) {
			p.dropped.Add(1)
			metrics.IncFrameDrop(p.cfg.Module, p.cfg.Device, metrics.DropReasonQueueFull)
		}
		metrics.SetQueueDepth(p.cfg.Module, p.cfg.Device, p.queue.depth())

		next = p.advance(next, now.Mono)
	}
}

// advance schedules the next tick, skipping past slots lost to an
// overshoot so a slot is never emitted twice.
func (p *Pipeline) advance(next, now time.Duration) time.Duration {
	next += p.period
	for next <= now {
		next += p.period
	}
	return next
}

// runWriter drains the queue into the sink until the sentinel arrives.
func (p *Pipeline) runWriter() {
	defer close(p.writerDone)

	for f := range p.queue.c() {
		if f.sentinel {
			return
		}

		writeStart := p.clock.Now()
		err := p.cfg.Sink.WriteFrame(f)
		writeDur := p.clock.Now().Mono - writeStart.Mono
		backlog := p.queue.depth()
		metrics.SetQueueDepth(p.cfg.Module, p.cfg.Device, backlog)

		if err != nil {
			p.writeErrors.Add(1)
			p.dropped.Add(1)
			metrics.IncFrameDrop(p.cfg.Module, p.cfg.Device, metrics.DropReasonEncoder)
			p.logger.Warn().Err(err).
				Int64("display_frame_index", f.DisplayFrameIndex).
				Msg("sink write failed, frame discarded")
			continue
		}

		p.written.Add(1)
		metrics.FramesWritten.WithLabelValues(p.cfg.Module, p.cfg.Device).Inc()
		metrics.ObserveWrite(p.cfg.Module, p.cfg.Device, writeDur)

		if err := p.timingCSV.row(f, writeStart, writeDur, backlog, p.period); err != nil {
			p.logger.Warn().Err(err).Msg("timing row write failed")
		}
	}
}

// Stop shuts the pipeline down: stop the timer, drain the writer, close
// the sink, close the timing CSV. Every step runs even when an earlier
// one fails; the first error is returned alongside later ones.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		var errs []error

		close(p.quit)

		if p.started.Load() {
			select {
			case <-p.timerDone:
			case <-time.After(p.cfg.TimerJoin):
				errs = append(errs, errors.New("pipeline: timer join timed out"))
				// Unblock the writer regardless.
				if n := p.queue.putSentinel(); n > 0 {
					p.dropped.Add(int64(n))
					metrics.IncFrameDrop(p.cfg.Module, p.cfg.Device, metrics.DropReasonStopping)
				}
			}

			select {
			case <-p.writerDone:
			case <-time.After(p.cfg.WriterJoin):
				errs = append(errs, errors.New("pipeline: writer join timed out"))
			}
		}

		if err := p.cfg.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: sink close: %w", err))
		}
		if err := p.timingCSV.close(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: timing csv close: %w", err))
		}

		p.stopErr = errors.Join(errs...)
		s := p.Stats()
		p.logger.Info().
			Int64("captured", s.Captured).
			Int64("written", s.Written).
			Int64("dropped", s.Dropped).
			Int64("duplicated", s.Duplicated).
			Int64("skipped", s.Skipped).
			Msg("pipeline stopped")
	})
	return p.stopErr
}

// Stats returns the current frame accounting.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured:    p.captured.Load(),
		Written:     p.written.Load(),
		Dropped:     p.dropped.Load(),
		Duplicated:  p.duplicated.Load(),
		Skipped:     p.skipped.Load(),
		WriteErrors: p.writeErrors.Load(),
	}
}

// TimingRows reports how many diagnostics rows have been committed.
func (p *Pipeline) TimingRows() int64 {
	return p.timingCSV.rows.Load()
}
