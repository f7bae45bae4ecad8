package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/restora/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			w.handle(ctx, workerName, msg)
		}
	}
}

// handle processes one delivery and settles it with the broker
func (w *Worker) handle(ctx context.Context, workerName string, msg *domain.ReconcileMessage) {
	log := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.Uint64("delivery_tag", msg.DeliveryTag),
	)

	// another goroutine of this process already tracks the job
	if _, busy := w.inflight.LoadOrStore(msg.JobID, struct{}{}); busy {
		log.Debug("Duplicate reconcile message dropped")
		if err := w.broker.Ack(msg.DeliveryTag); err != nil {
			log.Error("Failed to ACK duplicate message", slog.String("error", err.Error()))
		}
		return
	}

	err := w.processJob(ctx, msg)
	w.inflight.Delete(msg.JobID)

	if err == nil {
		if ackErr := w.broker.Ack(msg.DeliveryTag); ackErr != nil {
			log.Error("Failed to ACK message",
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := w.shouldRequeueJob(err)
	if requeue {
		log.Debug("Job not finished, requeueing",
			slog.String("reason", err.Error()),
		)
	} else {
		log.Error("Job processing failed",
			slog.String("error", err.Error()),
		)
	}

	if nackErr := w.broker.Nack(msg.DeliveryTag, requeue); nackErr != nil {
		log.Error("Failed to NACK message",
			slog.String("error", nackErr.Error()),
			slog.Bool("requeue", requeue),
		)
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func (w *Worker) shouldRequeueJob(err error) bool {
	// Don't requeue messages for jobs that no longer exist
	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	// Don't requeue if invalid payload
	if errors.Is(err, domain.ErrInvalidInput) {
		return false
	}

	// Requeue for transient/retryable errors
	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// Default: don't requeue for unknown errors
	return false
}
