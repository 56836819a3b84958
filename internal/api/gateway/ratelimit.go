// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/responseforge/internal/observability"
)

// windowScript counts requests in a fixed window and returns the count and the
// remaining window in milliseconds.
var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// RateLimiter limits requests per client. With Redis the window is shared by
// every replica; without it, or while Redis is failing, each replica applies
// a local token bucket.
type RateLimiter struct {
	redis   redis.Scripter
	logger  *zap.Logger
	metrics *observability.Metrics
	config  RateLimitConfig

	mu       sync.Mutex
	visitors map[string]*visitor
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Requests       int           `yaml:"requests"`
	Window         time.Duration `yaml:"window"`
	Burst          int           `yaml:"burst"`
	KeyPrefix      string        `yaml:"key_prefix"`
	IncludeHeaders bool          `yaml:"include_headers"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
	Local      bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient redis.Scripter, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 120
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "responseforge:ratelimit"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:    redisClient,
		logger:   logger,
		metrics:  metrics,
		config:   cfg,
		visitors: make(map[string]*visitor),
	}
}

// Check performs a rate limit check for one request
func (rl *RateLimiter) Check(ctx context.Context, clientID string) *RateLimitResult {
	if rl.redis == nil {
		return rl.checkLocal(clientID)
	}

	key := fmt.Sprintf("%s:%s", rl.config.KeyPrefix, clientID)
	vals, err := windowScript.Run(ctx, rl.redis, []string{key}, rl.config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, using local limiter", zap.Error(err))
		return rl.checkLocal(clientID)
	}

	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if ttl < 0 {
		ttl = rl.config.Window
	}
	res := &RateLimitResult{
		Allowed:   count <= rl.config.Requests,
		Remaining: max(rl.config.Requests-count, 0),
		Limit:     rl.config.Requests,
		ResetAt:   time.Now().Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res
}

func (rl *RateLimiter) checkLocal(clientID string) *RateLimitResult {
	lim := rl.visitor(clientID)
	res := &RateLimitResult{
		Allowed: lim.Allow(),
		Limit:   rl.config.Requests,
		Local:   true,
	}
	res.Remaining = max(int(lim.Tokens()), 0)
	if !res.Allowed {
		res.RetryAfter = time.Duration(float64(time.Second) / float64(lim.Limit()))
		res.Reason = "Rate limit exceeded"
	}
	res.ResetAt = time.Now().Add(res.RetryAfter)
	return res
}

func (rl *RateLimiter) visitor(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[clientID]
	if !ok {
		// requests per second; never rate.Inf for a positive window
		limit := rate.Limit(float64(rl.config.Requests) / rl.config.Window.Seconds())
		v = &visitor{limiter: rate.NewLimiter(limit, rl.config.Burst)}
		rl.visitors[clientID] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Cleanup forgets local visitors idle for longer than idle
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	removed := 0
	for id, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, id)
			removed++
		}
	}
	return removed
}

// Run prunes idle local visitors until ctx is done
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(rl.config.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rl.Cleanup(3 * rl.config.Window)
		}
	}
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rl.Check(r.Context(), ClientIP(r))

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			rl.metrics.ObserveRateLimited()
			retry := int(result.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":%q,"retry_after":%d}`, result.Reason, retry)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the peer address without its port. Forwarding headers are
// not read here; a server behind a trusted proxy runs chi's RealIP first,
// which rewrites RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
