// Package ratelimit implements a per-user sliding-window request limiter
// for the MCP endpoint.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
)

const (
	// DefaultLimit allows this many requests per window per user.
	DefaultLimit = 10
	// DefaultWindow is the sliding window span.
	DefaultWindow = time.Second

	// idleTTL is how long an untouched bucket survives before eviction.
	idleTTL = 5 * time.Minute
	// sweepEvery bounds how often eviction scans the bucket map.
	sweepEvery = time.Minute
)

// Limiter tracks request timestamps per key. A request is allowed when
// fewer than limit requests landed within the trailing window.
type Limiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	buckets   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

// NewWithPolicy creates a limiter with an explicit limit and window.
// Non-positive values fall back to the defaults.
func NewWithPolicy(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// WithClock overrides the clock (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow records one request for key and reports whether it is within the
// limit. Denied requests are not recorded, so a saturating caller recovers
// as soon as the window slides past its accepted burst.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeSweep(now)

	cutoff := now.Add(-l.window)
	bucket := l.buckets[key]
	live := bucket[:0]
	for _, t := range bucket {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	if len(live) >= l.limit {
		l.buckets[key] = live
		return false
	}
	l.buckets[key] = append(live, now)
	return true
}

// maybeSweep drops buckets whose newest entry is older than idleTTL.
// Called with the lock held.
func (l *Limiter) maybeSweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepEvery {
		return
	}
	l.lastSweep = now
	for key, bucket := range l.buckets {
		if len(bucket) == 0 || now.Sub(bucket[len(bucket)-1]) > idleTTL {
			delete(l.buckets, key)
		}
	}
}

// Size returns the number of tracked buckets (tests).
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware enforces the limit per authenticated user. It must run after
// the authorization middleware.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc := authz.UserContextFrom(r.Context())
		if uc == nil {
			authz.WriteError(w, authz.ErrInternal())
			return
		}
		if !l.Allow(uc.UserID) {
			w.Header().Set("Retry-After", "1")
			authz.WriteError(w, &authz.Error{
				Code:    authz.CodeRateLimitExceeded,
				Status:  http.StatusTooManyRequests,
				Message: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
