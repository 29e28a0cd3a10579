// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/metrics"
)

// RateLimit budgets each client to perSecond requests on a sliding
// window. On a loopback-only listener the key is effectively one bucket
// shared by every local tool, which is exactly the protection wanted: a
// runaway script cannot starve the recording fan-out.
func RateLimit(perSecond int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perSecond,
		time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.IncHTTPReject(metrics.RejectRateLimited)
			w.Header().Set("Retry-After", "1")
			problem.Write(w, http.StatusTooManyRequests, problem.CodeRateLimited,
				"request budget exhausted, retry shortly")
		}),
	)
}
