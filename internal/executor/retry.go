package executor

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds how often a place-and-verify operation is attempted.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy makes two attempts half a second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 2, Delay: 500 * time.Millisecond}
}

// Do calls fn until it succeeds or the attempts are used up, sleeping Delay
// between attempts. It returns the number of attempts made. Cancelling ctx
// stops the wait between attempts, never an attempt already running.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for i := 1; i <= attempts; i++ {
		if last = fn(ctx, i); last == nil {
			return i, nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return i, fmt.Errorf("failed after %d attempts: %w", i, last)
		case <-time.After(p.Delay):
		}
	}
	return attempts, fmt.Errorf("failed after %d attempts: %w", attempts, last)
}
