package mcpgateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/anemos/assistant-fabric/internal/config"
	"github.com/anemos/assistant-fabric/internal/otelx"
)

// TokenBucket is a simple token bucket rate limiter, adapted from
// gateway/ratelimit.go's TokenBucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
	}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// RateLimiter enforces a per-endpoint request rate, keyed by endpoint id
// rather than go-claw's per-API-key/per-IP keying, since every request
// this gateway serves is already scoped to one authenticated endpoint.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	metrics *otelx.Metrics

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewRateLimiter(cfg config.RateLimitConfig, metrics *otelx.Metrics) *RateLimiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 10
	}
	return &RateLimiter{cfg: cfg, metrics: metrics, buckets: make(map[string]*TokenBucket)}
}

// Wrap rejects requests over the endpoint's rate with 429, after
// AuthMiddleware has already populated the endpoint in context.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep := EndpointFromContext(r.Context())
		key := r.RemoteAddr
		if ep != nil {
			key = ep.ID
		}

		if !rl.bucket(key).Allow() {
			if rl.metrics != nil {
				rl.metrics.RateLimitRejects.Add(r.Context(), 1)
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) bucket(key string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = newTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize)
		rl.buckets[key] = b
	}
	return b
}
