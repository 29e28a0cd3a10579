// SPDX-License-Identifier: MIT

package middleware

import (
	"net"
	"net/http"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
)

// LocalOnly rejects every request whose peer is not a loopback address.
// The control plane is an operator surface for the local machine; it is
// never exposed beyond it, and forwarding headers are ignored because
// only the socket peer can be trusted.
func LocalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackPeer(r.RemoteAddr) {
			logger := log.WithComponent("api")
			logger.Warn().
				Str("remote", r.RemoteAddr).
				Str(log.FieldPath, r.URL.Path).
				Msg("non-local peer rejected")
			metrics.IncHTTPReject(metrics.RejectNotLocal)
			problem.Write(w, http.StatusForbidden, problem.CodeForbidden,
				"control plane is restricted to localhost")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLoopbackPeer reports whether remote names 127.0.0.1, ::1 or the
// IPv4-mapped ::ffff:127.0.0.1.
func isLoopbackPeer(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
