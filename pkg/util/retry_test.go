package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Attempts: 5, Initial: 10 * time.Millisecond, Max: 35 * time.Millisecond}
	want := []time.Duration{10, 20, 35, 35}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestRetry(t *testing.T) {
	fast := Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, nil, func(int) error {
			calls++
			if calls < 3 {
				return NewQueryError("core1", "show", nil)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Retry() = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, nil, func(int) error {
			calls++
			return NewUnreachableError("core1", "open", nil)
		})
		if !errors.Is(err, ErrUnreachable) {
			t.Fatalf("Retry() = %v, want ErrUnreachable", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, nil, func(int) error {
			calls++
			return ErrCommitRejected
		})
		if !errors.Is(err, ErrCommitRejected) || calls != 1 {
			t.Errorf("err = %v calls = %d", err, calls)
		}
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		slow := Backoff{Attempts: 5, Initial: time.Hour}
		err := Retry(ctx, slow, nil, func(int) error {
			calls++
			return NewQueryError("core1", "show", nil)
		})
		if err == nil || calls != 1 {
			t.Errorf("err = %v calls = %d", err, calls)
		}
	})
}
