package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic sweep. Run is never called concurrently with itself.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Runner ticks jobs in-process for deployments without an external cron.
type Runner struct {
	jobs       []Job
	runTimeout time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(logger *slog.Logger, runTimeout time.Duration, jobs ...Job) *Runner {
	return &Runner{
		jobs:       jobs,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// Start launches one loop per job. Jobs with a non-positive interval are skipped.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for _, job := range r.jobs {
		if job.Every <= 0 {
			r.logger.Info("scheduler job disabled", "job", job.Name)
			continue
		}

		r.wg.Add(1)

		go r.loop(ctx, job)
	}

	r.logger.Info("scheduler started", "jobs", len(r.jobs))
}

// loop runs the job synchronously on each tick, so a slow run drops the ticks
// that fire meanwhile instead of overlapping.
func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduler job stopped", "job", job.Name)
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	if r.runTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}

	started := time.Now()

	if err := job.Run(ctx); err != nil {
		r.logger.Error("scheduler job failed", "job", job.Name, "error", err)
		return
	}

	r.logger.Debug("scheduler job finished", "job", job.Name, "took", time.Since(started))
}

// Shutdown stops all loops and waits up to timeout for running jobs to return.
func (r *Runner) Shutdown(timeout time.Duration) {
	if r.cancel == nil {
		return
	}

	r.cancel()

	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("scheduler stopped")
	case <-time.After(timeout):
		r.logger.Warn("timed out waiting for scheduler jobs to stop")
	}
}
