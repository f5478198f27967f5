package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/agentid-dev/agentid/internal/metrics"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request (e.g. admin).
type KeyFunc func(r *http.Request) string

// RejectFunc writes the 429 response.
type RejectFunc func(w http.ResponseWriter, r *http.Request)

// Middleware enforces rule on every request keyFunc maps to a non-empty key.
// Limiter errors are logged and the request proceeds.
func Middleware(limiter Limiter, rule Rule, keyFunc KeyFunc, reject RejectFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || rule.Disabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter unavailable, allowing request", "rule", rule.Name, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.RateLimited.WithLabelValues(rule.Name).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(max(1, int(rule.Window.Seconds()))))
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys on the connection's remote address. Forwarded headers are
// not trusted because any client can set them.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
