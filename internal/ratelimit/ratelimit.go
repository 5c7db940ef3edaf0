// Package ratelimit implements the per-IP / per-account token buckets the
// request handler consults before admitting store/retrieve/subscribe
// calls, per §4.F and §5 of the wire contract.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter holds one token bucket per key (typically a client IP or an
// account pubkey hex string), created lazily on first use, mirroring the
// teacher's per-IP counter map shape but backed by a real refill-rate
// token bucket instead of a hard connection cap.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
}

func New(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(perSecond),
		burst:   burst,
	}
}

// Allow reports whether the caller identified by key may proceed, taking
// one token from its bucket if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastUsed = time.Now()
	lim := b.limiter
	l.mu.Unlock()
	return lim.Allow()
}

// Sweep evicts buckets idle longer than maxIdle, bounding memory growth
// under a churn of distinct callers; called from the expiry scheduler's
// tick alongside store and subscription cleanup.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for k, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, k)
			evicted++
		}
	}
	return evicted
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
