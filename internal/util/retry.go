package util

import (
	"context"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based) under
// exponential backoff: base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Retry calls fn up to maxAttempts times with exponential backoff starting
// at baseDelay. It stops early when fn succeeds, when stop reports the error
// as not worth retrying, or when ctx is cancelled. The last error is
// returned.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, stop func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if stop != nil && stop(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(Backoff(baseDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
