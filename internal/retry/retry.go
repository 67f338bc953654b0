// Package retry wraps an asynchronous operation with bounded attempts and
// exponential backoff.
package retry

import (
	"context"
	"time"
)

const (
	baseDelay = 1 * time.Second
	maxDelay  = 5 * time.Second
)

type config struct {
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*config)

// WithSleep replaces the delay primitive (tests inject a recorder here).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *config) { c.sleep = fn }
}

// Do runs op up to maxAttempts times, sleeping min(1s·2^(n-1), 5s) between
// attempts; the first attempt has no delay. It returns true on the first
// attempt that reports success, false once attempts are exhausted or the
// context ends. Errors from op count as failed attempts, not aborts.
func Do(ctx context.Context, maxAttempts int, op func(ctx context.Context) (bool, error), opts ...Option) bool {
	cfg := config{sleep: Sleep}
	for _, o := range opts {
		o(&cfg)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if attempt > 1 {
			if err := cfg.sleep(ctx, Backoff(attempt-1)); err != nil {
				return false
			}
		}
		ok, err := op(ctx)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Backoff returns the delay before retry n (n starts at 1).
func Backoff(n int) time.Duration {
	d := baseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Sleep is a context-aware sleep, shared by the engine's fixed waits.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
