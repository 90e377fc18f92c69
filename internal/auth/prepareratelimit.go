package auth

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/hearthgate/gateway/internal/httpserver"
)

// PrepareRateLimitMiddleware throttles the unauthenticated connect/prepare
// endpoint per client IP, the "rate-limited by admin surface" requirement
// on an endpoint that otherwise accepts no authentication.
func PrepareRateLimitMiddleware(rl *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			result, err := rl.Check(r.Context(), ip)
			if err != nil {
				logger.Error("prepare rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !result.Allowed {
				httpserver.RespondError(w, http.StatusTooManyRequests, "ERR_RATE_LIMIT_EXCEEDED", "too many prepare attempts, try again later")
				return
			}
			if err := rl.Record(r.Context(), ip); err != nil {
				logger.Warn("recording prepare rate limit attempt", "error", err)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
