// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labrig_http_request_duration_seconds",
		Help:    "Control plane request latencies",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labrig_http_requests_in_flight",
		Help: "Control plane requests currently being served",
	})

	HTTPResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labrig_http_response_size_bytes",
		Help:    "Control plane response sizes",
		Buckets: prometheus.ExponentialBuckets(100, 10, 6),
	}, []string{"method", "path"})

	HTTPRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labrig_http_rejects_total",
		Help: "Requests refused before reaching a handler",
	}, []string{"reason"})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labrig_ws_clients",
		Help: "Connected websocket event feed clients",
	})

	WSDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labrig_ws_dropped_total",
		Help: "Websocket events dropped on slow clients",
	})
)

// Reject reasons.
const (
	RejectNotLocal    = "not_local"
	RejectRateLimited = "rate_limited"
)

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, path, status string, d time.Duration, respBytes int) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
	if respBytes > 0 {
		HTTPResponseSize.WithLabelValues(method, path).Observe(float64(respBytes))
	}
}

// IncHTTPReject records one refused request.
func IncHTTPReject(reason string) {
	HTTPRejects.WithLabelValues(reason).Inc()
}
