// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus instruments for the recording
// stack. Instruments are registered at import through promauto and
// exposed by the control plane's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesCaptured counts frames delivered by capture callbacks.
	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_pipeline_frames_captured_total",
		Help: "Total frames delivered by capture sources",
	}, []string{"module", "device"})

	// FramesWritten counts frames the writer committed to the encoder.
	FramesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_pipeline_frames_written_total",
		Help: "Total frames written to encoders",
	}, []string{"module", "device"})

	// FramesDropped counts frames discarded before writing, by reason.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_pipeline_frames_dropped_total",
		Help: "Total frames dropped by the pipeline by reason",
	}, []string{"module", "device", "reason"})

	// FramesDuplicated counts ticks that re-used the previous frame
	// because no fresh capture had arrived.
	FramesDuplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_pipeline_frames_duplicated_total",
		Help: "Total duplicated frames emitted to hold the constant rate",
	}, []string{"module", "device"})

	// QueueDepth tracks the writer queue backlog.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labrig_pipeline_queue_depth",
		Help: "Current frames waiting in the writer queue",
	}, []string{"module", "device"})

	// WriteDuration tracks the time one frame spends in the sink write.
	WriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labrig_pipeline_write_duration_seconds",
		Help:    "Time spent writing one frame to its sink",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"module", "device"})

	// TickDeltaError tracks the absolute deviation of each frame tick
	// from its nominal period.
	TickDeltaError = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labrig_pipeline_tick_delta_error_seconds",
		Help:    "Absolute deviation of frame ticks from the nominal period",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.033},
	}, []string{"module", "device"})
)

// Drop reasons used with FramesDropped.
const (
	DropReasonQueueFull     = "queue_full"
	DropReasonSlotOverwrite = "slot_overwrite"
	DropReasonStopping      = "stopping"
	DropReasonEncoder       = "encoder_error"
)

// IncFrameDrop records one dropped frame.
func IncFrameDrop(module, device, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	FramesDropped.WithLabelValues(module, device, reason).Inc()
}

// ObserveWrite records the sink write duration for one frame.
func ObserveWrite(module, device string, d time.Duration) {
	WriteDuration.WithLabelValues(module, device).Observe(d.Seconds())
}

// ObserveTickError records one tick's deviation from the nominal period.
func ObserveTickError(module, device string, d time.Duration) {
	if d < 0 {
		d = -d
	}
	TickDeltaError.WithLabelValues(module, device).Observe(d.Seconds())
}

// SetQueueDepth updates the backlog gauge after an enqueue or dequeue.
func SetQueueDepth(module, device string, depth int) {
	QueueDepth.WithLabelValues(module, device).Set(float64(depth))
}
