package async

import (
	"context"
	"log/slog"
	"sync"
)

// Runner starts best-effort background tasks. A task failure or panic is
// logged and never reaches the caller that started it.
type Runner struct {
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Go runs fn in its own goroutine. It reports false when the runner is closed.
func (r *Runner) Go(name string, fn func() error) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Background task panicked", slog.String("task", name), slog.Any("panic", rec))
			}
		}()

		if err := fn(); err != nil {
			r.logger.Warn("Background task failed", slog.String("task", name), slog.Any("error", err))
		}
	}()
	return true
}

// Close rejects new tasks and waits for running ones until ctx is done.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
