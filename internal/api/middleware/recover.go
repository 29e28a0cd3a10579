// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labrig/labrig/internal/httpx/problem"
	"github.com/labrig/labrig/internal/log"
)

// Recoverer converts handler panics into a 500 error envelope instead of
// tearing down the connection. Debug mode carries the stack in the body;
// production keeps it in the log only.
func Recoverer(debugMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				stack := debug.Stack()
				logger := log.WithComponent("api")
				logger.Error().
					Interface("panic", rec).
					Str(log.FieldPath, r.URL.Path).
					Bytes("stack", stack).
					Msg("handler panicked")
				var details map[string]any
				if debugMode {
					details = map[string]any{
						"panic":  toString(rec),
						"stack":  string(stack),
						"method": r.Method,
						"path":   r.URL.Path,
					}
				}
				problem.WriteDetails(w, http.StatusInternalServerError,
					problem.CodeInternal, "internal error", details)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return "panic"
	}
}
