package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// windowScripter emulates the fixed window script in memory
type windowScripter struct {
	redis.Scripter
	counts map[string]int64
	err    error
}

func (w *windowScripter) run(keys []string) *redis.Cmd {
	if w.err != nil {
		return redis.NewCmdResult(nil, w.err)
	}
	w.counts[keys[0]]++
	return redis.NewCmdResult([]interface{}{w.counts[keys[0]], int64(30000)}, nil)
}

func (w *windowScripter) EvalSha(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return w.run(keys)
}

func (w *windowScripter) Eval(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return w.run(keys)
}

// =============================================================================
// Local Limiter Tests
// =============================================================================

// TestCheck_LocalBurst verifies the token bucket allows the burst then denies.
func TestCheck_LocalBurst(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{Requests: 60, Window: time.Hour, Burst: 3}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := rl.Check(ctx, "192.0.2.1")
		assert.True(t, res.Allowed, "request %d", i)
		assert.True(t, res.Local)
	}
	res := rl.Check(ctx, "192.0.2.1")
	assert.False(t, res.Allowed)
	assert.Equal(t, "Rate limit exceeded", res.Reason)
	assert.InDelta(t, time.Minute.Seconds(), res.RetryAfter.Seconds(), 0.001)

	assert.True(t, rl.Check(ctx, "192.0.2.2").Allowed, "clients are limited independently")
}

// TestCleanup verifies idle visitors are forgotten.
func TestCleanup(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{}, nil, nil)
	rl.Check(context.Background(), "a")
	rl.Check(context.Background(), "b")

	assert.Equal(t, 0, rl.Cleanup(time.Hour))
	assert.Equal(t, 2, rl.Cleanup(-time.Second))
	assert.Empty(t, rl.visitors)
}

// TestNewRateLimiter_Defaults verifies zero settings are filled in.
func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{}, nil, nil)
	assert.Equal(t, 120, rl.config.Requests)
	assert.Equal(t, time.Minute, rl.config.Window)
	assert.Equal(t, 20, rl.config.Burst)
	assert.Equal(t, "responseforge:ratelimit", rl.config.KeyPrefix)
}

// =============================================================================
// Redis Limiter Tests
// =============================================================================

// TestCheck_RedisWindow verifies the shared window counts per key.
func TestCheck_RedisWindow(t *testing.T) {
	s := &windowScripter{counts: map[string]int64{}}
	rl := NewRateLimiter(s, RateLimitConfig{Requests: 2, Window: time.Minute, KeyPrefix: "rl"}, nil, nil)
	ctx := context.Background()

	first := rl.Check(ctx, "10.0.0.1")
	assert.True(t, first.Allowed)
	assert.False(t, first.Local)
	assert.Equal(t, 1, first.Remaining)

	assert.True(t, rl.Check(ctx, "10.0.0.1").Allowed)
	third := rl.Check(ctx, "10.0.0.1")
	assert.False(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)
	assert.Equal(t, 30*time.Second, third.RetryAfter)

	assert.Equal(t, int64(3), s.counts["rl:10.0.0.1"])
}

// TestVisitor_FiniteRate verifies a window shorter than one nanosecond per
// request still yields a finite local rate.
func TestVisitor_FiniteRate(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{Requests: 1000, Window: 100 * time.Nanosecond, Burst: 1}, nil, nil)
	lim := rl.visitor("192.0.2.1")
	assert.NotEqual(t, rate.Inf, lim.Limit())
	assert.InDelta(t, 1e10, float64(lim.Limit()), 1)

	rl = NewRateLimiter(nil, RateLimitConfig{Requests: 60, Window: time.Minute}, nil, nil)
	assert.InDelta(t, 1.0, float64(rl.visitor("192.0.2.1").Limit()), 1e-9)
}

// TestCheck_RedisFailureFallsBack verifies errors switch to the local bucket.
func TestCheck_RedisFailureFallsBack(t *testing.T) {
	s := &windowScripter{counts: map[string]int64{}, err: errors.New("connection refused")}
	rl := NewRateLimiter(s, RateLimitConfig{}, nil, nil)

	res := rl.Check(context.Background(), "10.0.0.1")
	assert.True(t, res.Allowed)
	assert.True(t, res.Local)
}

// =============================================================================
// Middleware Tests
// =============================================================================

// TestMiddleware_Rejects verifies the 429 response and headers.
func TestMiddleware_Rejects(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{Requests: 1, Window: time.Hour, Burst: 1, IncludeHeaders: true}, nil, nil)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := send()
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"rate_limit_exceeded","message":"Rate limit exceeded","retry_after":`+strconv.Itoa(retry)+`}`, rec.Body.String())
}

// TestClientIP verifies clients are keyed by peer address and forwarding
// headers set by the client are ignored.
func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain ignored", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"}, "10.0.0.2:80", "10.0.0.2"},
		{"real ip ignored", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.2:80", "10.0.0.2"},
		{"peer with port", nil, "192.0.2.4:43210", "192.0.2.4"},
		{"ipv6 peer", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"peer without port", nil, "192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
