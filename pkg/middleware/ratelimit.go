package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/dealerops/pkg/httputil"
	"github.com/platinummonkey/dealerops/pkg/observability"
	"github.com/platinummonkey/dealerops/pkg/rbac"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize is the bucket capacity of the local limiter
	BurstSize int
}

// normalized replaces unusable values with the defaults
func (c RateLimitConfig) normalized() RateLimitConfig {
	def := DefaultRateLimitConfig()
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = def.RequestsPerWindow
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = def.WindowDuration
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 1
	}
	return c
}

// DefaultRateLimitConfig returns the per-subject limit for permission checks
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Limiter decides whether the caller identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
	Limit() int
}

// LocalLimiter keeps a token bucket per key in process memory. Buckets
// refill at RequestsPerWindow per window and hold at most BurstSize tokens.
// Buckets of idle keys are evicted after two windows.
type LocalLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	buckets *lru.LRU[string, *rate.Limiter]
}

// NewLocalLimiter creates an in-memory limiter
func NewLocalLimiter(config RateLimitConfig, maxKeys int) *LocalLimiter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	config = config.normalized()
	return &LocalLimiter{
		config:  config,
		buckets: lru.NewLRU[string, *rate.Limiter](maxKeys, nil, 2*config.WindowDuration),
	}
}

// Allow takes one token from key's bucket
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		every := l.config.WindowDuration / time.Duration(l.config.RequestsPerWindow)
		b = rate.NewLimiter(rate.Every(every), l.config.BurstSize)
	}
	// Re-adding refreshes the idle expiry
	l.buckets.Add(key, b)
	l.mu.Unlock()

	allowed := b.Allow()
	return allowed, max(int(b.Tokens()), 0), nil
}

// Limit returns the requests allowed per window
func (l *LocalLimiter) Limit() int {
	return l.config.RequestsPerWindow
}

// RedisLimiter counts requests per fixed window in redis so the limit is
// shared across instances
type RedisLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a redis-backed limiter
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "dealerops:ratelimit"
	}
	return &RedisLimiter{redis: client, config: config.normalized(), prefix: prefix}
}

// Allow increments key's counter for the current window
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, 0, fmt.Errorf("redis error: %w", err)
	}
	// The first request opens the window
	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, l.config.WindowDuration).Err(); err != nil {
			return true, 0, fmt.Errorf("redis error: %w", err)
		}
	}

	return int(count) <= l.config.RequestsPerWindow, max(l.config.RequestsPerWindow-int(count), 0), nil
}

// Limit returns the requests allowed per window
func (l *RedisLimiter) Limit() int {
	return l.config.RequestsPerWindow
}

// Reset clears the counter for key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, fmt.Sprintf("%s:%s", l.prefix, key)).Err()
}

// RateLimitMiddleware limits requests per user. Ahead of subject loading
// the user is taken from UserIDHeader so rejected requests never reach the
// store; requests without one are keyed by client address. Limiter
// failures let the request through.
func RateLimitMiddleware(limiter Limiter, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := limitKey(r)

			allowed, remaining, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func limitKey(r *http.Request) string {
	if subject, ok := rbac.SubjectFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(subject.ID, 10)
	}
	if userID, ok, err := httputil.ParseHeaderInt64(r, UserIDHeader); err == nil && ok {
		return "user:" + strconv.FormatInt(userID, 10)
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
