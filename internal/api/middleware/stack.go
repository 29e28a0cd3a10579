// SPDX-License-Identifier: MIT

// Package middleware provides the HTTP ingress stack for the control plane.
package middleware

import (
	"github.com/go-chi/chi/v5"

	"github.com/labrig/labrig/internal/log"
)

// StackConfig configures the canonical ingress middleware stack.
type StackConfig struct {
	// Debug adds panic stacks to 500 bodies and request metadata to logs.
	Debug bool

	// TracingService enables OpenTelemetry spans; empty disables tracing.
	TracingService string

	// RateLimit is the per-client request budget in requests/second.
	// Zero disables rate limiting.
	RateLimit int

	// LocalOnly rejects peers outside the loopback allowlist with 403.
	LocalOnly bool
}

// NewRouter constructs a chi router with the canonical stack applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack applies the canonical middleware stack to r.
// Order matters: the error net is outermost, then correlation and
// observability, then the localhost gate, then the rate limiter.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer(cfg.Debug))
	r.Use(RequestID)
	r.Use(Metrics())
	if cfg.TracingService != "" {
		r.Use(Tracing(cfg.TracingService))
	}
	r.Use(log.Middleware())
	if cfg.LocalOnly {
		r.Use(LocalOnly)
	}
	if cfg.RateLimit > 0 {
		r.Use(RateLimit(cfg.RateLimit))
	}
}
