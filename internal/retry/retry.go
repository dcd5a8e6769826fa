// Package retry provides a shared retry combinator with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it. Business-invalid
// conditions (spoofed data, insufficient funds) go through here so only
// transient provider failures burn attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes a backoff curve.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64       // delay growth factor between attempts
	MaxDelay    time.Duration // cap on a single sleep; 0 = uncapped
}

// DefaultPolicy doubles the delay each attempt.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	Multiplier:  2,
}

// SettlementPolicy is the backoff used by every transaction build/sign/submit
// step: 5 attempts, delay multiplied by 5, capped at 7.5s.
var SettlementPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   60 * time.Millisecond,
	Multiplier:  5,
	MaxDelay:    7500 * time.Millisecond,
}

// Do calls fn up to p.MaxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// The delay grows by p.Multiplier on each retry with +-25% jitter.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't retry permanent errors.
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		sleep := delay
		if p.MaxDelay > 0 && sleep > p.MaxDelay {
			sleep = p.MaxDelay
		}

		// +-25% jitter.
		jitter := sleep / 4
		sleep = sleep - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * multiplier)
	}

	return err
}

// Do is a convenience wrapper using DefaultPolicy with the given attempt
// count and base delay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := DefaultPolicy
	p.MaxAttempts = maxAttempts
	p.BaseDelay = baseDelay
	return p.Do(ctx, fn)
}
