package chi

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware returns a middleware that throttles requests with a
// shared token bucket. A zero or negative rps disables throttling
// (pass-through). Exempt paths are never throttled.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
