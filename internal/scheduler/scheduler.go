package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job processes one item on the given worker. Returning an error stops the
// whole pool, so jobs handle their per-item failures themselves and only
// return errors that must abort the run.
type Job[T any] func(ctx context.Context, worker int, item T) error

// Run feeds items to numWorkers workers and waits for them to drain.
func Run[T any](ctx context.Context, numWorkers int, items []T, job Job[T]) error {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	numWorkers = min(numWorkers, max(len(items), 1))

	// Create job channel
	jobCh := make(chan T, len(items))
	for _, item := range items {
		jobCh <- item
	}
	close(jobCh)

	g, ctx := errgroup.WithContext(ctx)
	for i := range numWorkers {
		workerID := i
		g.Go(func() error {
			return processJobs(ctx, workerID, jobCh, job)
		})
	}
	return g.Wait()
}

// processJobs handles job processing for a worker
func processJobs[T any](ctx context.Context, workerID int, jobCh <-chan T, job Job[T]) error {
	for item := range jobCh {
		if err := ctx.Err(); err != nil {
			log.Debug().Str("op", "scheduler").Msgf("worker %d stopping: %v", workerID, err)
			return nil
		}
		if err := job(ctx, workerID, item); err != nil {
			return err
		}
	}
	return nil
}
