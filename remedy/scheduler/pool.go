// Package scheduler is the concurrency substrate the pipeline runs on: a
// bounded worker pool, per-key mutual exclusion, and retry with exponential
// backoff. There is no global lock anywhere in the pipeline; exclusion is
// always scoped to a fingerprint or candidate key.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Task is a unit of work executed by the pool.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool is a fixed-size worker pool fed by a bounded queue. Submit rejects
// work when the queue is full rather than blocking the producer.
type Pool struct {
	workers int
	queue   chan Task

	running atomic.Bool
	wg      sync.WaitGroup

	// closeMu orders Submit's send against Stop's close of the queue.
	closeMu sync.RWMutex

	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
	}
}

// Start launches the workers. They exit when ctx is cancelled or the pool is
// stopped.
func (p *Pool) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker pool already running")
	}

	slog.Info("Starting worker pool", "workers", p.workers, "queue", cap(p.queue))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return nil
}

// Stop stops accepting work and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	// The write lock waits out any Submit that passed the running check
	// before the flag flipped; nothing can be mid-send when the queue closes.
	p.closeMu.Lock()
	close(p.queue)
	p.closeMu.Unlock()
	p.wg.Wait()
	slog.Info("Worker pool stopped",
		"completed", p.completed.Load(),
		"failed", p.failed.Load())
}

// Submit enqueues a task. It fails when the pool is stopped or the queue is
// full; the caller decides whether to drop, retry, or backpressure.
func (p *Pool) Submit(t Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if !p.running.Load() {
		return fmt.Errorf("worker pool not running")
	}
	select {
	case p.queue <- t:
		return nil
	default:
		return fmt.Errorf("task queue full, dropping %q", t.Name)
	}
}

// Completed returns the number of tasks that finished without error.
func (p *Pool) Completed() uint64 { return p.completed.Load() }

// Failed returns the number of tasks that returned an error.
func (p *Pool) Failed() uint64 { return p.failed.Load() }

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			if err := task.Run(ctx); err != nil {
				p.failed.Add(1)
				slog.Warn("Task failed", "task", task.Name, "worker", id, "error", err)
			} else {
				p.completed.Add(1)
			}
		}
	}
}
