package scheduler

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler executes one fired job. A returned Disposition with Skipped set
// records a benign no-op; a returned error triggers the bounded retry
// policy. Handlers must re-validate all preconditions themselves: the
// queue guarantees delivery timing only, never that the world still wants
// the job done.
type Handler interface {
	Handle(ctx context.Context, job Job) (Disposition, error)
}

// Runner drains due jobs with a bounded worker pool. Each job is settled
// individually; one milestone's failure never blocks another's release.
type Runner struct {
	store        *Store
	handler      Handler
	concurrency  int
	pollInterval time.Duration
}

func NewRunner(store *Store, handler Handler, concurrency int, pollInterval time.Duration) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Runner{
		store:        store,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled. The dispatcher claims due jobs and
// feeds the workers; workers execute and settle them.
func (r *Runner) Run(ctx context.Context) error {
	jobs := make(chan Job, r.concurrency)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for {
					job, found, err := r.store.ClaimDue(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						log.Printf("scheduler: claim error: %v", err)
						break
					}
					if !found {
						break
					}
					select {
					case jobs <- job:
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
	})

	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error {
			for job := range jobs {
				r.process(ctx, job)
			}
			return nil
		})
	}

	return g.Wait()
}

func (r *Runner) process(ctx context.Context, job Job) {
	disp, err := r.handler.Handle(ctx, job)
	switch {
	case err != nil:
		log.Printf("scheduler: job %s attempt %d failed: %v", job.Key, job.Attempts, err)
		if err := r.store.MarkFailed(ctx, job, err); err != nil {
			log.Printf("scheduler: settle failure for %s: %v", job.Key, err)
		}
	case disp.Skipped:
		log.Printf("scheduler: job %s skipped: %s", job.Key, disp.Reason)
		if err := r.store.MarkSkipped(ctx, job.ID, disp.Reason); err != nil {
			log.Printf("scheduler: settle skip for %s: %v", job.Key, err)
		}
	default:
		if err := r.store.MarkCompleted(ctx, job.ID); err != nil {
			log.Printf("scheduler: settle completion for %s: %v", job.Key, err)
		}
	}
}
