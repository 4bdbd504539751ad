package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/facts/f1", nil)
	req.RemoteAddr = addr
	return req
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return frozen }
	handler := RateLimitMiddleware(okHandler(), rl)

	codes := func(addr string, n int) []int {
		var out []int
		for range n {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, requestFrom(addr))
			out = append(out, w.Code)
		}
		return out
	}

	assert.Equal(t, []int{200, 200, 429}, codes("10.0.0.1:5000", 3))
	// Another port on the same host shares the bucket.
	assert.Equal(t, []int{429}, codes("10.0.0.1:6000", 1))
	// Other clients are unaffected.
	assert.Equal(t, []int{200, 200}, codes("10.0.0.2:5000", 2))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")

	// Tokens refill with time.
	frozen = frozen.Add(time.Second)
	assert.Equal(t, []int{200}, codes("10.0.0.1:5000", 1))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.Len(t, rl.clients, 1)

	now = now.Add(2 * idleLimiterTTL)
	assert.True(t, rl.Allow("b"))
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "b")
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	handler := RateLimitMiddleware(okHandler(), nil)
	for range 50 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(w, requestFrom("10.0.0.1:5000"))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
}

func TestClientKey(t *testing.T) {
	assert.Equal(t, "10.0.0.1", clientKey(requestFrom("10.0.0.1:5000")))
	assert.Equal(t, "::1", clientKey(requestFrom("[::1]:5000")))
	assert.Equal(t, "pipe", clientKey(requestFrom("pipe")))
}
