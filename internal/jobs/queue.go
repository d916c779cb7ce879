package jobs

import (
	"context"
	"errors"
	"sync"
)

// Enqueuer accepts jobs for deferred execution. Implementations must not
// drop a job silently: a nil return means the job is durably queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// MemoryQueue buffers jobs in process. It backs single-process deployments
// and test doubles; the channel feeds the local worker pool.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   []Job
	ch     chan Job
	closed bool
}

// NewMemoryQueue initialises a queue with the given buffer size.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{ch: make(chan Job, buffer)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("jobs: queue is closed")
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the delivery channel for consumers.
func (q *MemoryQueue) C() <-chan Job {
	return q.ch
}

// Jobs returns a snapshot of everything enqueued so far.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Close stops accepting new jobs.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
