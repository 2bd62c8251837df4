package app

import (
	"context"
	"time"

	"github.com/transfa/membership-service/internal/domain"
)

// RetryPolicy retries operations that fail with a transient store error.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy allows three attempts with 50ms, 100ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
}

// Do runs op until it succeeds, fails with a non-transient error, or the attempts
// run out. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil || !domain.IsTransient(err) || attempt == attempts {
			return err
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << minInt(attempt-1, 8)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
