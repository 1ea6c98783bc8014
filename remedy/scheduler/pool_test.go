package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	t.Log("\n🔍 Testing worker pool executes tasks...")

	p := NewPool(4, 16)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("❌ start failed: %v", err)
	}

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := p.Submit(Task{Name: "t", Run: func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("❌ submit failed: %v", err)
		}
	}
	wg.Wait()
	p.Stop()

	if ran.Load() != 10 {
		t.Errorf("❌ expected 10 tasks run, got %d", ran.Load())
	}
	if p.Completed() != 10 || p.Failed() != 0 {
		t.Errorf("❌ counters wrong: completed=%d failed=%d", p.Completed(), p.Failed())
	}
	t.Log("✅ all tasks completed")
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool(2, 8)
	p.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(Task{Name: "boom", Run: func(ctx context.Context) error {
		defer wg.Done()
		return errors.New("task error")
	}})
	wg.Wait()
	p.Stop()

	if p.Failed() != 1 {
		t.Errorf("❌ expected 1 failure, got %d", p.Failed())
	}
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	t.Log("\n🔍 Testing submit rejects instead of blocking...")

	p := NewPool(1, 1)
	p.Start(context.Background())
	defer p.Stop()

	block := make(chan struct{})
	p.Submit(Task{Name: "blocker", Run: func(ctx context.Context) error {
		<-block
		return nil
	}})

	// Fill the queue, then one more must be rejected.
	deadline := time.After(time.Second)
	saturated := false
	for !saturated {
		select {
		case <-deadline:
			t.Fatal("❌ queue never saturated")
		default:
		}
		if err := p.Submit(Task{Name: "filler", Run: func(ctx context.Context) error { return nil }}); err != nil {
			saturated = true
		}
	}
	close(block)
	t.Log("✅ saturated pool rejected the overflow task")
}

func TestPoolStopDuringSubmitsDoesNotPanic(t *testing.T) {
	t.Log("\n🔍 Testing Stop racing concurrent Submits...")

	p := NewPool(2, 4)
	p.Start(context.Background())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p.Submit(Task{Name: "churn", Run: func(ctx context.Context) error { return nil }})
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	p.Stop()
	close(stop)
	wg.Wait()

	if err := p.Submit(Task{Name: "late", Run: func(ctx context.Context) error { return nil }}); err == nil {
		t.Error("❌ submit accepted after stop")
	}
	t.Log("✅ shutdown under submit pressure, no send on closed queue")
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := NewPool(1, 1)
	p.Start(context.Background())
	p.Stop()

	if err := p.Submit(Task{Name: "late", Run: func(ctx context.Context) error { return nil }}); err == nil {
		t.Error("❌ submit accepted after stop")
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Log("\n🔍 Testing same-key holders serialize...")

	km := NewKeyedMutex()
	var inCritical atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.WithLock("fp-1", func() {
				n := inCritical.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				inCritical.Add(-1)
			})
		}()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("❌ %d goroutines in the same-key critical section", maxSeen.Load())
	}
	t.Log("✅ mutual exclusion held per key")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("a")

	done := make(chan struct{})
	go func() {
		km.WithLock("b", func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("❌ holder of key a blocked key b")
	}
	km.Unlock("a")
}

func TestKeyedMutexUnlockUnheldPanics(t *testing.T) {
	km := NewKeyedMutex()
	defer func() {
		if recover() == nil {
			t.Error("❌ unlocking an unheld key did not panic")
		}
	}()
	km.Unlock("never-locked")
}
