package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
)

// RecoveryMiddleware converts a panic in any downstream handler into the
// gateway's standard error envelope instead of an abrupt connection close,
// and logs the stack trace for diagnosis.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"error", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
						"request_id", RequestIDFrom(r.Context()),
					)
					apiErr := apierrors.Internal("internal server error")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(apiErr.StatusCode())
					_ = json.NewEncoder(w).Encode(apiErr)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
