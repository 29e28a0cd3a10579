// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_bus_published_total",
		Help: "Events published on the in-process bus by topic",
	}, []string{"topic"})

	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_bus_dropped_total",
		Help: "Events dropped by slow subscribers by topic and reason",
	}, []string{"topic", "reason"})
)

// IncBusPublish records one published event.
func IncBusPublish(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	BusPublished.WithLabelValues(topic).Inc()
}

// IncBusDrop records one event dropped because a subscriber lagged.
func IncBusDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "full"
	}
	BusDropped.WithLabelValues(topic, reason).Inc()
}
