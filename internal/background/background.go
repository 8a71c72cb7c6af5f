// Package background runs fire-and-forget side effects.
//
// Callers hand over work that must not block or fail the request that
// spawned it: audit writes, usage accounting, conversation persistence.
// Errors and panics are logged and swallowed; each task is its own failure
// domain.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner spawns detached tasks and can wait for them to drain, which
// shutdown paths and tests rely on.
type Runner struct {
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. timeout bounds each task's context; zero
// means 30 seconds.
func NewRunner(logger *slog.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{logger: logger, timeout: timeout}
}

// Go runs fn in a new goroutine with a fresh context detached from the
// caller's, so a finished request cannot cancel its own side effects. A
// returned error or a panic is logged under name and never propagates.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background: task panicked",
					"task", name, "panic", fmt.Sprint(rec))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			r.logger.Error("background: task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until all spawned tasks have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
