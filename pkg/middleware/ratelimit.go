package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/delosis/psytools-server/pkg/httputil"
	"github.com/delosis/psytools-server/pkg/observability"
)

// Limiter decides whether one more request from a caller is allowed
type Limiter interface {
	Allow(ctx context.Context, callerID string) (bool, error)
}

// MemoryLimiter is a per-process fixed-window counter, one window per caller
// per minute. Good enough for a single instance; use the Redis limiter when
// running more than one.
type MemoryLimiter struct {
	perMinute int
	now       func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	nextSweep time.Time
}

type window struct {
	count int
	reset time.Time
}

// NewMemoryLimiter creates an in-process limiter allowing perMinute requests
// per caller.
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	return &MemoryLimiter{
		perMinute: perMinute,
		now:       time.Now,
		windows:   make(map[string]*window),
	}
}

// Allow counts one request against the caller's current minute window
func (l *MemoryLimiter) Allow(_ context.Context, callerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Drop windows of callers that went quiet, at most once a minute, so
	// the map stays bounded by the active caller set.
	if now.After(l.nextSweep) {
		for key, w := range l.windows {
			if now.After(w.reset) {
				delete(l.windows, key)
			}
		}
		l.nextSweep = now.Add(time.Minute)
	}

	w, ok := l.windows[callerID]
	if !ok || now.After(w.reset) {
		l.windows[callerID] = &window{count: 1, reset: now.Add(time.Minute)}
		return true, nil
	}
	w.count++
	return w.count <= l.perMinute, nil
}

// RateLimit rejects callers exceeding their per-minute budget with 429
type RateLimit struct {
	limiter Limiter
	log     *observability.Logger
}

// NewRateLimit creates the rate limiting middleware
func NewRateLimit(limiter Limiter, log *observability.Logger) *RateLimit {
	return &RateLimit{limiter: limiter, log: log}
}

// Handler wraps an HTTP handler with rate limiting. It keys on the
// authenticated caller when present and falls back to the client address for
// unauthenticated routes. Limiter errors fail open: a broken limiter backend
// must not take the API down.
func (m *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)

		allowed, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			if m.log != nil {
				m.log.WithError(err).Warn("Rate limiter unavailable, allowing request")
			}
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if caller := CallerFrom(r); caller != nil {
		return caller.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
