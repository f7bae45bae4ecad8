package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := w.broker.SetPrefetch(w.prefetchCount); err != nil {
		return nil, err
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	// Create unique consumer tag using worker ID
	consumerTag := w.workerID

	deliveries, err := w.broker.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.String("queue", w.rabbitMQQueueName),
	)

	return deliveries, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and dispatches them to
// the worker pool. It reports whether it stopped because the delivery channel
// was closed.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return true
			}

			msg, err := parseMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Dropping malformed reconcile message",
					slog.String("error", err.Error()),
					slog.Int("body_size", len(delivery.Body)),
				)
				// malformed messages are never requeued
				if nackErr := w.broker.Nack(delivery.DeliveryTag, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}
			msg.DeliveryTag = delivery.DeliveryTag

			select {
			case w.jobsChan <- msg:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", msg.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// NACK the message so it can be reprocessed
				if nackErr := w.broker.Nack(delivery.DeliveryTag, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return false
			}
		}
	}
}

// parseMessage decodes a reconcile message and validates its job id
func parseMessage(body []byte) (*domain.ReconcileMessage, error) {
	var msg domain.ReconcileMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidInput, msg.JobID)
	}
	return &msg, nil
}

// sweep re-enqueues jobs left pending by a previous run, for example when a
// reconcile message was lost or publishing failed at submission time.
func (w *Worker) sweep(ctx context.Context) error {
	if w.jobs == nil || w.sweepLimit <= 0 {
		return nil
	}

	jobs, err := w.jobs.ListPending(ctx, w.sweepAge, w.sweepLimit)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, job := range jobs {
		body, err := json.Marshal(domain.ReconcileMessage{JobID: job.JobID})
		if err != nil {
			return fmt.Errorf("failed to marshal reconcile message: %w", err)
		}
		if err := w.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
			return fmt.Errorf("failed to re-enqueue job %s: %w", job.JobID, err)
		}
		enqueued++
	}

	w.logger.Info("Pending job sweep finished",
		slog.Int("enqueued", enqueued),
		slog.Duration("older_than", w.sweepAge),
	)
	return nil
}
