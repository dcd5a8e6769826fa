// Package syncutil provides process-local synchronization primitives for the
// settlement pipelines. Cross-process exclusion (wallet locks, sync leases)
// lives in the database; these mutexes only serialize work within one process.
package syncutil

import (
	"context"
	"sync"
)

// SingleFlight serializes runs by key. A pipeline kind maps to one slot: a
// second caller for the same key blocks until the in-flight run finishes
// rather than running concurrently.
type SingleFlight struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch chan struct{}
}

// NewSingleFlight creates an empty SingleFlight.
func NewSingleFlight() *SingleFlight {
	return &SingleFlight{slots: make(map[string]*slot)}
}

func (s *SingleFlight) slotFor(key string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		sl.ch <- struct{}{} // start unlocked
		s.slots[key] = sl
	}
	return sl
}

// Acquire takes the slot for key, respecting context cancellation while
// waiting. On success it returns a release function the caller MUST invoke.
func (s *SingleFlight) Acquire(ctx context.Context, key string) (func(), error) {
	sl := s.slotFor(key)

	select {
	case <-sl.ch:
		return func() { sl.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes fn while holding the slot for key.
func (s *SingleFlight) Run(ctx context.Context, key string, fn func(context.Context) error) error {
	release, err := s.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
