package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/ratelimit"
)

// Limiter is satisfied by the in-process ratelimit.Limiter and the shared
// redis.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimitMiddleware throttles one sensitive action. The keyFunc extracts
// the caller identity from the request; the bucket key
// is "<action>:<identity>". Limiter errors fail open.
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger, action string, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), action+":"+key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err), zap.String("action", action))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(action)
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys on the connection's peer address without its port.
// Forwarding headers are client-controlled and ignored.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	return "ip:" + host
}
