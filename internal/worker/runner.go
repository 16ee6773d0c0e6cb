package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner manages a set of workers, cancelling all on first error.
type Runner struct {
	workers []Worker
	logger  *slog.Logger
}

// NewRunner creates a Runner with the given workers. logger may be nil.
func NewRunner(logger *slog.Logger, workers ...Worker) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{workers: workers, logger: logger}
}

// Run starts all workers in parallel. It blocks until all workers finish.
// If any worker returns a non-nil error, the context is cancelled and
// the first error is returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		r.logger.Info("worker started", "worker", w.Name())
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
