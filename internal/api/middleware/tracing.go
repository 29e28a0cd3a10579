// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Tracing wraps the handler with OpenTelemetry HTTP instrumentation:
// one server span per request, W3C trace context honoured so desktop
// UI calls stitch to their control plane spans.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithFilter(shouldTrace),
			otelhttp.WithSpanNameFormatter(spanNameFormatter),
		)
	}
}

// shouldTrace skips probe endpoints and the websocket stream: probes
// are noise, and a stream span would live as long as the socket.
func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics", "/api/v1/events":
		return false
	}
	return true
}

// spanNameFormatter names spans "{operation} {METHOD} {PATH}", query
// values elided.
func spanNameFormatter(operation string, r *http.Request) string {
	name := operation + " " + r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		name += "?"
	}
	return name
}
