// Package ratelimit provides fixed-window request limiting for the public
// verification endpoints. The Redis limiter shares counts across replicas;
// the in-memory limiter backs single-node deployments and serves as the
// degradation path when Redis is away.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports one Allow call. Count includes the current request, so
// Remaining is what the caller may still spend inside the window.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*bucket
	ops     int
	now     func() time.Time
}

type bucket struct {
	hits   int
	expiry time.Time
}

// sweepEvery bounds how much closed-window garbage a busy limiter carries
// between full sweeps.
const sweepEvery = 512

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ops++; l.ops%sweepEvery == 0 {
		l.sweep(now)
	}

	b := l.buckets[key]
	if b == nil || !now.Before(b.expiry) {
		b = &bucket{expiry: now.Add(l.window)}
		l.buckets[key] = b
	}
	b.hits++
	return decide(b.hits, limit, b.expiry)
}

// sweep drops buckets whose window already closed. Callers hold mu.
func (l *InMemoryLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if !now.Before(b.expiry) {
			delete(l.buckets, key)
		}
	}
}
