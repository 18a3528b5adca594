package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrQueueFull   = errors.New("job queue full")
	ErrQueueClosed = errors.New("job queue closed")
)

// Job is one unit of coordinator work. Jobs are independent and unordered
// with respect to each other; a failed job is reported, not retried here.
type Job struct {
	ID   uuid.UUID
	Kind string
	Run  func(ctx context.Context) error
}

// NewJob tags a runnable with a fresh ID.
func NewJob(kind string, run func(ctx context.Context) error) Job {
	return Job{ID: uuid.New(), Kind: kind, Run: run}
}

// Queue is a bounded, non-blocking job queue drained by a worker pool.
// There is no shared mutable state between jobs, so workers need no
// coordination beyond the channel itself.
type Queue struct {
	ch     chan Job
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Job, capacity)}
}

// TryEnqueue adds a job without blocking.
func (q *Queue) TryEnqueue(j Job) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new jobs.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int { return len(q.ch) }

// Run drains jobs with the given number of workers until the context is
// done or the queue is closed and empty. A slow job delays only its own
// worker.
func (q *Queue) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-q.ch:
					if !ok {
						return
					}
					if err := j.Run(ctx); err != nil {
						slog.Warn("Job failed", "id", j.ID, "kind", j.Kind, "error", err)
					}
				}
			}
		}()
	}
	wg.Wait()
}
