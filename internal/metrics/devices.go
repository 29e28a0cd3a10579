// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DiscoverySweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_discovery_sweeps_total",
		Help: "Discovery sweeps by probe backend",
	}, []string{"backend"})

	DiscoverySweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labrig_discovery_sweep_duration_seconds",
		Help:    "Duration of one discovery sweep",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"backend"})

	DevicesPresent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labrig_devices_present",
		Help: "Devices currently known to the registry by module family",
	}, []string{"family"})

	DeviceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_device_events_total",
		Help: "Device arrivals and removals by module family",
	}, []string{"family", "event"})
)

// Device event kinds.
const (
	DeviceEventAdded   = "added"
	DeviceEventRemoved = "removed"
)

// ObserveSweep records one completed discovery sweep.
func ObserveSweep(backend string, d time.Duration) {
	DiscoverySweeps.WithLabelValues(backend).Inc()
	DiscoverySweepDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// IncDeviceEvent records one arrival or removal.
func IncDeviceEvent(family, event string) {
	DeviceEvents.WithLabelValues(family, event).Inc()
}

// SetDevicesPresent updates the per-family presence gauge.
func SetDevicesPresent(family string, n int) {
	DevicesPresent.WithLabelValues(family).Set(float64(n))
}
