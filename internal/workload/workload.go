// Package workload implements a bounded worker pool that runs
// client-supplied transaction closures concurrently against a shared
// transaction engine, backed by ants.Pool. The demo shell's load
// generator drives the engine through it.
package workload

import (
	"context"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/vfsdb/internal/logger"
)

// Task is a unit of concurrent work submitted to a Runner. It receives
// no arguments; callers close over whatever transaction/engine state
// they need.
type Task func() error

// Runner bounds concurrent execution of Tasks behind an ants.Pool.
type Runner struct {
	pool   *ants.Pool
	logger *logger.Logger
}

// New creates a Runner with the given worker capacity. size <= 0 means
// one worker per CPU; queueDepth <= 0 means unbounded submission.
func New(size, queueDepth int, log *logger.Logger) (*Runner, error) {
	if log == nil {
		log = logger.Default()
	}
	named := log.Named("workload")

	if size <= 0 {
		size = runtime.NumCPU()
	}

	opts := []ants.Option{
		ants.WithPanicHandler(func(v any) {
			named.Error("workload task panicked: %v", v)
		}),
	}
	if queueDepth > 0 {
		opts = append(opts, ants.WithMaxBlockingTasks(queueDepth))
	}

	pool, err := ants.NewPool(size, opts...)
	if err != nil {
		return nil, err
	}

	return &Runner{pool: pool, logger: named}, nil
}

// Run submits tasks for concurrent execution, blocking until every
// submitted task has finished, and returns the first non-nil error
// encountered (if any). Every task still runs to completion even after
// an early error is observed; Run does not cancel in-flight tasks. Once
// ctx is canceled, tasks that have not started yet are skipped and
// report ctx.Err().
func (r *Runner) Run(ctx context.Context, tasks []Task) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, task := range tasks {
		wg.Add(1)

		submitErr := r.pool.Submit(func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				mu.Lock()
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				mu.Unlock()
				return
			default:
			}

			if err := task(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = submitErr
			}
			mu.Unlock()
		}
	}

	wg.Wait()
	return firstErr
}

// Running reports the number of workers currently executing a task.
func (r *Runner) Running() int {
	return r.pool.Running()
}

// Release shuts the pool down. It returns without waiting for tasks that
// are still running.
func (r *Runner) Release() {
	r.pool.Release()
}
