package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/provider"
	"github.com/cuongbtq/restora/internal/reconcile"
)

// errStillRunning marks a poll that found the job not yet terminal
var errStillRunning = errors.New("job still running")

// processJob polls the job once. A nil result means the message is done;
// a RetryableError asks for a requeue after the poll interval.
func (w *Worker) processJob(ctx context.Context, msg *domain.ReconcileMessage) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return domain.NewRetryableError(fmt.Errorf("rate limiter: %w", err))
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	job, err := w.reconciler.Poll(jobCtx, msg.JobID, reconcile.TriggerPoll)
	if errors.Is(err, domain.ErrJobNotFound) {
		return fmt.Errorf("reconcile %s: %w", msg.JobID, err)
	}
	if err != nil {
		// a provider that keeps failing polls must not keep the job alive
		if stale, ok := w.staleJob(ctx, msg.JobID); ok {
			return w.expire(ctx, stale)
		}
		w.logger.Warn("Poll failed, will retry",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.backoff(ctx)
		return domain.NewRetryableError(err)
	}

	if job.Status.Terminal() {
		w.logger.Info("Job reconciled",
			slog.String("job_id", job.JobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	if w.expired(job) {
		return w.expire(ctx, job)
	}

	w.backoff(ctx)
	return domain.NewRetryableError(fmt.Errorf("%w: %s", errStillRunning, job.Status))
}

func (w *Worker) expired(job *domain.Job) bool {
	return w.maxJobAge > 0 && !job.Status.Terminal() && w.now().Sub(job.CreatedAt) > w.maxJobAge
}

// staleJob loads the stored job when its poll failed and reports whether it
// is past the maximum age
func (w *Worker) staleJob(ctx context.Context, jobID string) (*domain.Job, bool) {
	if w.maxJobAge <= 0 || w.jobs == nil {
		return nil, false
	}
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		w.logger.Warn("Failed to load job for age check",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !w.expired(job) {
		return nil, false
	}
	return job, true
}

// expire fails a job the provider never finished
func (w *Worker) expire(ctx context.Context, job *domain.Job) error {
	w.logger.Warn("Job exceeded maximum age, failing it",
		slog.String("job_id", job.JobID),
		slog.Duration("max_job_age", w.maxJobAge),
		slog.Time("created_at", job.CreatedAt),
	)
	updated, err := w.reconciler.Apply(ctx, job, provider.Failed{Reason: "generation timed out"}, reconcile.TriggerPoll)
	if err != nil {
		return domain.NewRetryableError(err)
	}
	if !updated.Status.Terminal() {
		return domain.NewRetryableError(fmt.Errorf("%w: %s", errStillRunning, updated.Status))
	}
	return nil
}

// backoff waits one poll interval before the message is requeued
func (w *Worker) backoff(ctx context.Context) {
	if w.pollInterval <= 0 {
		return
	}
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopChan:
	case <-timer.C:
	}
}
