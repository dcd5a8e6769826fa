package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSingleFlight_SerializesSameKey(t *testing.T) {
	sf := NewSingleFlight()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sf.Run(context.Background(), "batch-pay", func(context.Context) error {
				cur := atomic.AddInt32(&inFlight, 1)
				for {
					prev := atomic.LoadInt32(&maxInFlight)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("expected at most 1 run in flight, saw %d", got)
	}
}

func TestSingleFlight_DistinctKeysDoNotBlock(t *testing.T) {
	sf := NewSingleFlight()

	release, err := sf.Acquire(context.Background(), "scanner")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	done := make(chan struct{})
	go func() {
		_ = sf.Run(context.Background(), "collect-funds", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run on a distinct key blocked behind an unrelated slot")
	}
}

func TestSingleFlight_AcquireHonorsContext(t *testing.T) {
	sf := NewSingleFlight()

	release, err := sf.Acquire(context.Background(), "scanner")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := sf.Acquire(ctx, "scanner"); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
