package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimitMiddleware. A per-IP token bucket of
// PerIPBurst tokens refills at PerIPPerSecond tokens/sec; requests beyond
// that are rejected with 429 before reaching the dispatch engine.
type RateLimitConfig struct {
	PerIPPerSecond float64
	PerIPBurst     int
}

// perIPLimiters lazily creates and caches one rate.Limiter per client IP.
type perIPLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      RateLimitConfig
}

func (p *perIPLimiters) forIP(ip string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.PerIPPerSecond), p.cfg.PerIPBurst)
		p.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware enforces an inbound per-IP rate limit ahead of the
// dispatch engine, so a noisy caller is throttled locally rather than
// burning downstream resolver/decorator quota. A zero-valued cfg (no
// PerIPPerSecond) disables the check.
func RateLimitMiddleware(cfg RateLimitConfig) Middleware {
	if cfg.PerIPPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiters := &perIPLimiters{limiters: make(map[string]*rate.Limiter), cfg: cfg}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.forIP(clientIP(r)).Allow() {
				apiErr := apierrors.Throttled("rate_limited", "too many requests from this client")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(apiErr.StatusCode())
				_ = json.NewEncoder(w).Encode(apiErr)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
