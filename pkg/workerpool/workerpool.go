// Package workerpool runs independent tasks with bounded concurrency while
// preserving input order in the results.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTaskTimeout bounds a single task. Stuck provider calls give up
// their slot instead of stalling the whole batch.
const DefaultTaskTimeout = 30 * time.Second

type Options struct {
	// Workers is the maximum number of concurrent tasks. Values below 1
	// are treated as 1.
	Workers int

	// TaskTimeout overrides DefaultTaskTimeout when positive.
	TaskTimeout time.Duration

	// OnProgress, when set, is called after each task settles with the
	// number of settled tasks and the total. Calls may come from any
	// worker goroutine but are serialized.
	OnProgress func(done, total int)
}

// Map applies fn to every item, at most opts.Workers at a time, and returns
// results in input order. A task that returns an error or exceeds the task
// timeout contributes the zero value for its slot; the failure is logged and
// the run continues. Cancelling ctx stops launching new tasks; tasks already
// running finish under their own timeout.
func Map[T, R any](ctx context.Context, items []T, opts Options, fn func(context.Context, T) (R, error)) []R {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}

	results := make([]R, len(items))
	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	var done atomic.Int64
	var progressMu sync.Mutex

	settle := func() {
		n := int(done.Add(1))
		if opts.OnProgress != nil {
			progressMu.Lock()
			opts.OnProgress(n, len(items))
			progressMu.Unlock()
		}
	}

	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; remaining slots keep their zero values.
			break
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer sem.Release(1)

			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result, err := fn(taskCtx, item)
			if err != nil {
				slog.Warn("task failed, keeping empty result", "index", i, "error", err)
			} else {
				results[i] = result
			}
			settle()
		}(i, item)
	}

	wg.Wait()
	return results
}
