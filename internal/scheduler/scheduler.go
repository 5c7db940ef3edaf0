// Package scheduler drives the single recurring maintenance tick: expire
// sweep, subscription sweep, and swarm map refresh, coalesced so a slow
// tick is skipped rather than queued.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oxen-io/storagesvc/internal/debuglog"
)

const DefaultPeriod = 10 * time.Second

// rateLimiterMaxIdle bounds how long an idle per-IP/per-account token
// bucket is kept before the tick evicts it.
const rateLimiterMaxIdle = 10 * time.Minute

// Store is the subset of the message store the scheduler drives.
type Store interface {
	CleanExpired(now time.Time) (int64, error)
}

// Subscriptions is the subset of the subscription registry the
// scheduler drives.
type Subscriptions interface {
	Sweep() int
}

// SwarmRefresher pulls a newer swarm snapshot if one is available,
// reporting whether it applied an update.
type SwarmRefresher interface {
	Refresh(ctx context.Context) (bool, error)
}

// RateLimiter is the subset of the per-IP/per-account token-bucket
// table the scheduler drives, evicting buckets idle longer than the
// passed duration.
type RateLimiter interface {
	Sweep(maxIdle time.Duration) int
}

// Scheduler runs one ticker that fires Store.CleanExpired, then
// Subscriptions.Sweep, then RateLimiter.Sweep, then SwarmRefresher.Refresh,
// each tick. Ticks never overlap: if a tick is still running when the
// next one is due, the next is skipped rather than queued, mirroring
// the teacher's connman run-loop's try-lock-and-skip discipline.
type Scheduler struct {
	Store         Store
	Subscriptions Subscriptions
	RateLimit     RateLimiter
	Swarm         SwarmRefresher
	Period        time.Duration

	running atomic.Bool
}

func New(store Store, subs Subscriptions, swarm SwarmRefresher) *Scheduler {
	return &Scheduler{Store: store, Subscriptions: subs, Swarm: swarm, Period: DefaultPeriod}
}

// Run blocks until ctx is canceled, firing one tick per Period.
func (s *Scheduler) Run(ctx context.Context) {
	period := s.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		debuglog.Debugf("scheduler: tick skipped, previous tick still running")
		return
	}
	defer s.running.Store(false)

	now := time.Now()
	if s.Store != nil {
		n, err := s.Store.CleanExpired(now)
		if err != nil {
			debuglog.Logf("scheduler: clean_expired: %v", err)
		} else if n > 0 {
			debuglog.Debugf("scheduler: clean_expired removed %d messages", n)
		}
	}
	if s.Subscriptions != nil {
		if n := s.Subscriptions.Sweep(); n > 0 {
			debuglog.Debugf("scheduler: subscription sweep removed %d entries", n)
		}
	}
	if s.RateLimit != nil {
		if n := s.RateLimit.Sweep(rateLimiterMaxIdle); n > 0 {
			debuglog.Debugf("scheduler: rate limiter sweep evicted %d buckets", n)
		}
	}
	if s.Swarm != nil {
		updated, err := s.Swarm.Refresh(ctx)
		if err != nil {
			debuglog.Logf("scheduler: swarm refresh: %v", err)
		} else if updated {
			debuglog.Debugf("scheduler: swarm map refreshed")
		}
	}
}
