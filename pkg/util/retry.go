package util

import (
	"context"
	"time"
)

// Backoff bounds a retry loop: Attempts tries in total, sleeping Initial
// after the first failure and doubling up to Max.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff is three attempts, 1s then 2s, capped at 10s.
var DefaultBackoff = Backoff{Attempts: 3, Initial: time.Second, Max: 10 * time.Second}

// Delay returns the sleep before attempt n (n counts from 1 for the first retry).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done. retryable decides which errors are
// worth another attempt; nil means IsTransient. The last error is returned.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func(attempt int) error) error {
	if retryable == nil {
		retryable = IsTransient
	}
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.Delay(attempt)):
		}
	}
	return err
}
