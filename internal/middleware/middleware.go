// Package middleware provides the HTTP middleware chain wrapped around the
// gateway's request router: request-id propagation, structured access
// logging, panic recovery, and optional inbound rate limiting.
package middleware

import "net/http"

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so the first entry is outermost (runs first
// on the way in, last on the way out).
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
