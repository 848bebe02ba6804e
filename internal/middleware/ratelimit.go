// Package middleware holds the chi middlewares guarding the connect endpoint.
package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/neboloop/tabsync/internal/httputil"
)

// RateLimit rejects requests with 429 once the token bucket is empty.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				httputil.ErrorWithCode(w, http.StatusTooManyRequests, "too many connection attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
