// Package middleware provides rate limiting for the relay and the call-log API.
package middleware

import (
	"net/http"
	"sync"

	"github.com/NeoRevolt/byoncall-sdk/internal/auth"
	"golang.org/x/time/rate"
)

// RateLimiter provides per-phone rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter with the given requests per minute
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	return NewRateLimiterPerSecond(float64(requestsPerMin)/60.0, max(requestsPerMin/10, 5))
}

// NewRateLimiterPerSecond creates a limiter refilling perSecond tokens up to burst
func NewRateLimiterPerSecond(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// getLimiter returns the rate limiter for a phone, creating one if needed
func (rl *RateLimiter) getLimiter(phone string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[phone]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = rl.limiters[phone]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[phone] = limiter
	return limiter
}

// Allow reports whether phone may send one more message now
func (rl *RateLimiter) Allow(phone string) bool {
	return rl.getLimiter(phone).Allow()
}

// Middleware returns an HTTP middleware that rate limits authenticated requests
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		phone, ok := auth.GetPhone(r.Context())
		if !ok {
			// Not authenticated, skip rate limiting (auth will fail anyway)
			next.ServeHTTP(w, r)
			return
		}

		if !rl.Allow(phone) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded, please try again later"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup removes idle limiters (call periodically)
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// a limiter back at full burst has not been used recently
	for phone, limiter := range rl.limiters {
		if limiter.Tokens() >= float64(rl.burst) {
			delete(rl.limiters, phone)
		}
	}
}

// Len returns the number of tracked phones
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}
