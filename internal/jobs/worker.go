package jobs

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunnerConfig configures the in-process worker pool.
type RunnerConfig struct {
	Queue    *MemoryQueue
	Executor *Executor
	Workers  int
	Logger   *slog.Logger
}

const defaultRunnerWorkers = 2

// Runner drains a memory queue with a fixed pool of goroutines. The API
// server runs one for local-queue jobs so uploads settle without a separate
// worker process.
type Runner struct {
	queue    *MemoryQueue
	executor *Executor
	workers  int
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	started bool
}

func NewRunner(cfg RunnerConfig) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultRunnerWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Runner{
		queue:    cfg.Queue,
		executor: cfg.Executor,
		workers:  workers,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (r *Runner) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.group.Go(r.work)
	}
}

// Shutdown stops the pool and waits for in-flight jobs, bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) work() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case job, ok := <-r.queue.C():
			if !ok {
				return nil
			}
			if err := r.executor.Execute(r.ctx, job); err != nil {
				r.logger.Error("job failed", "job_guid", job.GUID, "kind", job.Kind, "error", err)
			}
		}
	}
}
