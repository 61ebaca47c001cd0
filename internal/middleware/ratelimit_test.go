package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NeoRevolt/byoncall-sdk/internal/auth"
)

func TestRateLimiter_PerPhone(t *testing.T) {
	rl := NewRateLimiterPerSecond(0.001, 2)

	assert.True(t, rl.Allow("0811"))
	assert.True(t, rl.Allow("0811"))
	assert.False(t, rl.Allow("0811"))

	// another phone has its own bucket
	assert.True(t, rl.Allow("0822"))
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiterPerSecond(0.001, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(phone string) int {
		req := httptest.NewRequest(http.MethodGet, "/calls", nil)
		if phone != "" {
			req = req.WithContext(auth.WithPhone(req.Context(), phone))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("0811"))
	assert.Equal(t, http.StatusTooManyRequests, do("0811"))
	// unauthenticated requests are left to the auth middleware
	assert.Equal(t, http.StatusOK, do(""))
	assert.Equal(t, http.StatusOK, do(""))
}

func TestRateLimiter_CleanupDropsIdle(t *testing.T) {
	rl := NewRateLimiterPerSecond(1000, 1)
	rl.getLimiter("0811")
	rl.Cleanup()
	assert.Zero(t, rl.Len())
}
