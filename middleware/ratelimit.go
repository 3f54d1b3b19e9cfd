package middleware

import (
	"net/http"

	"github.com/campusdesk/authcore/internal/httpx"
	"github.com/campusdesk/authcore/internal/rate"
)

// RateLimit sheds requests beyond the per-IP token bucket with 429. A nil
// bucket disables it. onLimited may be nil.
func RateLimit(bucket *rate.IPBurst, trustProxy bool, onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if bucket == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httpx.ClientIP(r, trustProxy)
			if ip == "" {
				ip = "unknown"
			}
			if !bucket.Allow(ip) {
				if onLimited != nil {
					onLimited()
				}
				httpx.WriteDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
