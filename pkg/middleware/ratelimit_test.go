package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dealerops/pkg/rbac"
)

func TestLocalLimiter_Allow(t *testing.T) {
	limiter := NewLocalLimiter(RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Hour,
		BurstSize:         2,
	}, 0)

	allowed := 0
	for i := 0; i < 20; i++ {
		ok, _, err := limiter.Allow(context.Background(), "user:7")
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed, "a fresh bucket holds only the burst")

	// Keys are independent
	ok, remaining, err := limiter.Allow(context.Background(), "user:8")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, 10, limiter.Limit())
}

func TestLocalLimiter_ZeroConfig(t *testing.T) {
	limiter := NewLocalLimiter(RateLimitConfig{}, 0)

	ok, _, err := limiter.Allow(context.Background(), "user:7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DefaultRateLimitConfig().RequestsPerWindow, limiter.Limit())
}

func newRedisLimiter(t *testing.T, limit int) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLimiter(client, RateLimitConfig{RequestsPerWindow: limit, WindowDuration: time.Minute}, ""), mr
}

func TestRedisLimiter_Allow(t *testing.T) {
	limiter, mr := newRedisLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, remaining, err := limiter.Allow(ctx, "user:7")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2-i, remaining)
	}

	ok, remaining, err := limiter.Allow(ctx, "user:7")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, remaining)
	assert.Equal(t, time.Minute, mr.TTL("dealerops:ratelimit:user:7"))

	// The window closes
	mr.FastForward(time.Minute + time.Second)
	ok, _, err = limiter.Allow(ctx, "user:7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_Reset(t *testing.T) {
	limiter, _ := newRedisLimiter(t, 1)
	ctx := context.Background()

	_, _, err := limiter.Allow(ctx, "user:7")
	require.NoError(t, err)
	require.NoError(t, limiter.Reset(ctx, "user:7"))

	ok, _, err := limiter.Allow(ctx, "user:7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	limiter, mr := newRedisLimiter(t, 1)
	mr.Close()

	ok, _, err := limiter.Allow(context.Background(), "user:7")
	assert.Error(t, err)
	assert.True(t, ok)
}

type stubLimiter struct {
	keys    []string
	allowed bool
	err     error
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	s.keys = append(s.keys, key)
	return s.allowed, 0, s.err
}

func (s *stubLimiter) Limit() int { return 5 }

type countingDirectory struct {
	calls int
}

func (d *countingDirectory) FetchUser(_ context.Context, userID int64) (rbac.Subject, error) {
	d.calls++
	return rbac.Subject{ID: userID, DealerID: 100, UserType: rbac.UserTypeDealer}, nil
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("keys by subject", func(t *testing.T) {
		limiter := &stubLimiter{allowed: true}
		req := httptest.NewRequest("POST", "/rbac/check", nil)
		req = req.WithContext(rbac.WithSubject(req.Context(), rbac.Subject{ID: 7, DealerID: 100}))
		rr := httptest.NewRecorder()

		RateLimitMiddleware(limiter, nil)(ok).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"user:7"}, limiter.keys)
		assert.Equal(t, "5", rr.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("keys by user header before subject loading", func(t *testing.T) {
		limiter := &stubLimiter{allowed: true}
		req := httptest.NewRequest("POST", "/rbac/check", nil)
		req.Header.Set(UserIDHeader, "7")

		RateLimitMiddleware(limiter, nil)(ok).ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, []string{"user:7"}, limiter.keys)
	})

	t.Run("rejected requests never reach subject loading", func(t *testing.T) {
		directory := &countingDirectory{}
		req := httptest.NewRequest("POST", "/rbac/check", nil)
		req.Header.Set(UserIDHeader, "7")
		rr := httptest.NewRecorder()

		handler := RateLimitMiddleware(&stubLimiter{}, nil)(SubjectMiddleware(directory, nil)(ok))
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Zero(t, directory.calls)
	})

	t.Run("keys by address without subject", func(t *testing.T) {
		limiter := &stubLimiter{allowed: true}
		req := httptest.NewRequest("POST", "/rbac/check", nil)
		req.RemoteAddr = "10.0.0.1:4321"
		rr := httptest.NewRecorder()

		RateLimitMiddleware(limiter, nil)(ok).ServeHTTP(rr, req)

		assert.Equal(t, []string{"ip:10.0.0.1"}, limiter.keys)
	})

	t.Run("rejects over limit", func(t *testing.T) {
		rr := httptest.NewRecorder()
		RateLimitMiddleware(&stubLimiter{}, nil)(ok).ServeHTTP(rr, httptest.NewRequest("POST", "/rbac/check", nil))

		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("limiter failure lets request through", func(t *testing.T) {
		rr := httptest.NewRecorder()
		limiter := &stubLimiter{err: errors.New("redis down")}
		RateLimitMiddleware(limiter, nil)(ok).ServeHTTP(rr, httptest.NewRequest("POST", "/rbac/check", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
