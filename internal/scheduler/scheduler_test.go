package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct{ calls atomic.Int32 }

func (f *fakeStore) CleanExpired(time.Time) (int64, error) {
	f.calls.Add(1)
	return 0, nil
}

type fakeSubs struct{ calls atomic.Int32 }

func (f *fakeSubs) Sweep() int {
	f.calls.Add(1)
	return 0
}

type fakeSwarm struct{ calls atomic.Int32 }

func (f *fakeSwarm) Refresh(context.Context) (bool, error) {
	f.calls.Add(1)
	return false, nil
}

type fakeRateLimit struct {
	calls   atomic.Int32
	maxIdle time.Duration
}

func (f *fakeRateLimit) Sweep(maxIdle time.Duration) int {
	f.calls.Add(1)
	f.maxIdle = maxIdle
	return 0
}

func TestTickDrivesAllThreeSubsystems(t *testing.T) {
	store := &fakeStore{}
	subs := &fakeSubs{}
	swarm := &fakeSwarm{}
	s := New(store, subs, swarm)

	s.tick(context.Background())

	if store.calls.Load() != 1 || subs.calls.Load() != 1 || swarm.calls.Load() != 1 {
		t.Fatalf("expected each subsystem driven exactly once per tick")
	}
}

func TestTickDrivesRateLimiterSweep(t *testing.T) {
	store := &fakeStore{}
	subs := &fakeSubs{}
	swarm := &fakeSwarm{}
	rl := &fakeRateLimit{}
	s := New(store, subs, swarm)
	s.RateLimit = rl

	s.tick(context.Background())

	if rl.calls.Load() != 1 {
		t.Fatalf("expected rate limiter swept exactly once per tick")
	}
	if rl.maxIdle <= 0 {
		t.Fatalf("expected a positive maxIdle passed to Sweep")
	}
}

func TestOverlappingTickIsSkippedNotQueued(t *testing.T) {
	store := &fakeStore{}
	subs := &fakeSubs{}
	swarm := &fakeSwarm{}
	s := New(store, subs, swarm)

	s.running.Store(true)
	s.tick(context.Background())

	if store.calls.Load() != 0 {
		t.Fatalf("expected tick to be skipped while a previous tick is marked running")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	subs := &fakeSubs{}
	swarm := &fakeSwarm{}
	s := New(store, subs, swarm)
	s.Period = 2 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
	if store.calls.Load() == 0 {
		t.Fatalf("expected at least one tick to have fired")
	}
}
