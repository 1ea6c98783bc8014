package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RemedyScan/go-core/remedy/fault"
)

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond}
}

func TestRetryTransientSucceedsOnThirdAttempt(t *testing.T) {
	t.Log("\n🔍 Testing transient failures retried until success...")

	calls := 0
	attempts, err := Retry(context.Background(), 3, fastBackoff(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fault.Transient("apply", errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("❌ expected success, got: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("❌ expected 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
	t.Log("✅ succeeded on attempt 3")
}

func TestRetryPermanentFailsImmediately(t *testing.T) {
	t.Log("\n🔍 Testing permanent failures are not retried...")

	calls := 0
	attempts, err := Retry(context.Background(), 5, fastBackoff(), func(ctx context.Context) error {
		calls++
		return fault.Permanent("apply", errors.New("permission denied"))
	})
	if err == nil {
		t.Fatal("❌ permanent error swallowed")
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("❌ permanent error retried: calls=%d", calls)
	}
	if fault.IsExhausted(err) {
		t.Error("❌ single permanent failure reported as exhaustion")
	}
	t.Log("✅ gave up after one attempt")
}

func TestRetryExhaustion(t *testing.T) {
	t.Log("\n🔍 Testing the attempt bound...")

	calls := 0
	inner := errors.New("still down")
	_, err := Retry(context.Background(), 3, fastBackoff(), func(ctx context.Context) error {
		calls++
		return fault.Transient("apply", inner)
	})
	if calls != 3 {
		t.Errorf("❌ expected exactly 3 attempts, got %d", calls)
	}
	if !fault.IsExhausted(err) {
		t.Errorf("❌ expected exhausted error, got: %v", err)
	}
	if !errors.Is(err, inner) {
		t.Error("❌ exhaustion hides the final cause")
	}
	t.Log("✅ exhausted after bound, cause preserved")
}

func TestRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, 10, Backoff{Base: time.Hour, Cap: time.Hour}, func(ctx context.Context) error {
			calls++
			return fault.Transient("apply", errors.New("down"))
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("❌ cancelled retry returned nil")
		}
		if calls != 1 {
			t.Errorf("❌ expected 1 attempt before cancellation, got %d", calls)
		}
	case <-time.After(time.Second):
		t.Fatal("❌ retry did not stop on cancellation")
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	t.Log("\n🔍 Testing exponential backoff with cap...")

	b := Backoff{Base: time.Second, Cap: 30 * time.Second}

	if d := b.Delay(0); d != time.Second {
		t.Errorf("❌ first delay: expected 1s, got %v", d)
	}
	if d := b.Delay(1); d != 2*time.Second {
		t.Errorf("❌ second delay: expected 2s, got %v", d)
	}
	if d := b.Delay(2); d != 4*time.Second {
		t.Errorf("❌ third delay: expected 4s, got %v", d)
	}
	if d := b.Delay(10); d != 30*time.Second {
		t.Errorf("❌ capped delay: expected 30s, got %v", d)
	}
	t.Log("✅ doubling delays capped at 30s")
}
