// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_events_logged_total",
		Help: "Bus events persisted to the event log",
	}, []string{"topic"})

	EventLogErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labrig_event_log_errors_total",
		Help: "Event log write failures",
	})
)

// IncEventLogged records one persisted bus event.
func IncEventLogged(topic string) {
	EventsLogged.WithLabelValues(topic).Inc()
}
