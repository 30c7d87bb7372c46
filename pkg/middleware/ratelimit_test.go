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
)

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(context.Background(), "caller-1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}
	allowed, err := l.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Another caller has its own window.
	allowed, err = l.Allow(context.Background(), "caller-2")
	require.NoError(t, err)
	assert.True(t, allowed)

	// The window resets after a minute.
	now = now.Add(61 * time.Second)
	allowed, err = l.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryLimiterEvictsIdleCallers(t *testing.T) {
	now := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(5)
	l.now = func() time.Time { return now }

	for _, id := range []string{"caller-1", "caller-2", "caller-3"} {
		_, err := l.Allow(context.Background(), id)
		require.NoError(t, err)
	}
	require.Len(t, l.windows, 3)

	// Once their windows lapse, idle callers are swept on the next request.
	now = now.Add(2 * time.Minute)
	_, err := l.Allow(context.Background(), "caller-4")
	require.NoError(t, err)

	assert.Len(t, l.windows, 1)
	_, stale := l.windows["caller-1"]
	assert.False(t, stale)
}

func TestRedisLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	l := NewRedisLimiter(client, 2)

	for i := 0; i < 2; i++ {
		allowed, err := l.Allow(context.Background(), "caller-1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}
	allowed, err := l.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = l.Allow(context.Background(), "caller-2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}

func TestRateLimitHandler(t *testing.T) {
	m := NewRateLimit(NewMemoryLimiter(1), nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil)
	req.RemoteAddr = "203.0.113.9:4410"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitFailsOpen(t *testing.T) {
	m := NewRateLimit(failingLimiter{}, nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
