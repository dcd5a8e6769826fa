package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("spoofed datum")
	err := Do(context.Background(), 5, 10*time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := Do(ctx, 5, 50*time.Millisecond, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestPolicy_MaxDelayCapsSleep(t *testing.T) {
	p := Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		Multiplier:  100,
		MaxDelay:    5 * time.Millisecond,
	}

	start := time.Now()
	var calls int
	_ = p.Do(context.Background(), func() error {
		calls++
		return errors.New("transient")
	})
	elapsed := time.Since(start)

	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	// Uncapped, the third sleep alone would be 10s. With the cap plus
	// jitter, three sleeps stay comfortably under a second.
	if elapsed > time.Second {
		t.Fatalf("expected capped backoff, slept %v", elapsed)
	}
}

func TestSettlementPolicy_Shape(t *testing.T) {
	if SettlementPolicy.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", SettlementPolicy.MaxAttempts)
	}
	if SettlementPolicy.Multiplier != 5 {
		t.Fatalf("expected multiplier 5, got %v", SettlementPolicy.Multiplier)
	}
	if SettlementPolicy.MaxDelay != 7500*time.Millisecond {
		t.Fatalf("expected 7.5s cap, got %v", SettlementPolicy.MaxDelay)
	}
}
