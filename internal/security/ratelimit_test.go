package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newLimiter(perMinute, burst int) *RateLimiter {
	return NewRateLimiter(&RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
	}, testLogger())
}

func TestAllowConsumesBurst(t *testing.T) {
	rl := newLimiter(60, 3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		allowed, _ := rl.Allow("client-a")
		assert.True(t, allowed, "request %d should pass", i)
	}

	allowed, remaining := rl.Allow("client-a")
	assert.False(t, allowed)
	assert.Zero(t, remaining)

	// Other clients have their own bucket.
	allowed, _ = rl.Allow("client-b")
	assert.True(t, allowed)
}

func TestTokensRefillOverTime(t *testing.T) {
	rl := newLimiter(6000, 1)
	defer rl.Stop()

	allowed, _ := rl.Allow("client-a")
	assert.True(t, allowed)
	allowed, _ = rl.Allow("client-a")
	assert.False(t, allowed)

	// 6000/min refills one token in 10ms.
	time.Sleep(25 * time.Millisecond)
	allowed, _ = rl.Allow("client-a")
	assert.True(t, allowed)
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: false}, testLogger())
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		allowed, _ := rl.Allow("client-a")
		assert.True(t, allowed)
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	rl := newLimiter(60, 1)
	defer rl.Stop()

	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/route", nil)
	req.Header.Set("X-API-Key", "sk-client")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestStopIsIdempotent(t *testing.T) {
	rl := newLimiter(60, 1)
	rl.Stop()
	rl.Stop()
}
