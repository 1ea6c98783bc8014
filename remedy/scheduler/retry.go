package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/RemedyScan/go-core/remedy/fault"
)

// Backoff describes an exponential backoff schedule: base, base*2, base*4,
// capped at Cap. The same 1s -> 30s shape the queue listener uses.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given retry attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Retry runs op up to maxAttempts times, sleeping per the backoff schedule
// between attempts. Only transient failures are retried: validation and
// permanent errors surface immediately, and reaching the bound wraps the
// last error as exhausted. The returned attempt count includes the
// successful or final failing attempt.
func Retry(ctx context.Context, maxAttempts int, b Backoff, op func(ctx context.Context) error) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return attempt, fault.Transient("scheduler.Retry", ctx.Err())
			case <-time.After(b.Delay(attempt - 1)):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !fault.IsTransient(lastErr) {
			return attempt + 1, lastErr
		}
	}
	return maxAttempts, fault.Exhausted("scheduler.Retry",
		fmt.Errorf("%d attempts: %w", maxAttempts, lastErr))
}
