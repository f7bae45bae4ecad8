// Package worker runs the background reconciliation poller. It consumes
// reconcile messages, polls the job's provider through the reconciliation
// engine and requeues the message until the job reaches a terminal state.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/provider"
	"github.com/cuongbtq/restora/internal/reconcile"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

// Broker is the message queue the worker consumes from and publishes to
type Broker interface {
	SetPrefetch(count int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Reconciler drives a job toward a terminal state
type Reconciler interface {
	Poll(ctx context.Context, jobID string, trigger reconcile.Trigger) (*domain.Job, error)
	Apply(ctx context.Context, job *domain.Job, outcome provider.Outcome, trigger reconcile.Trigger) (*domain.Job, error)
}

// JobSource reads stored jobs: single jobs for the age check and the ones
// still waiting for their provider for the startup sweep
type JobSource interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Job, error)
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Broker        Broker
	Reconciler    Reconciler
	Jobs          JobSource
	Concurrency   int
	QueueSize     int
	PrefetchCount int
	JobTimeout    time.Duration
	PollInterval  time.Duration
	PollRate      float64
	PollBurst     int
	MaxJobAge     time.Duration
	SweepAge      time.Duration
	SweepLimit    int
	QueueName     string
}

// Worker represents the background reconciliation worker
type Worker struct {
	logger            *slog.Logger
	broker            Broker
	reconciler        Reconciler
	jobs              JobSource
	limiter           *rate.Limiter
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	pollInterval      time.Duration
	maxJobAge         time.Duration
	sweepAge          time.Duration
	sweepLimit        int
	rabbitMQQueueName string
	jobsChan          chan *domain.ReconcileMessage
	inflight          sync.Map
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
	now               func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = concurrency
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	burst := cfg.PollBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.PollRate > 0 {
		limit = rate.Limit(cfg.PollRate)
	}

	return &Worker{
		logger:            cfg.Logger,
		broker:            cfg.Broker,
		reconciler:        cfg.Reconciler,
		jobs:              cfg.Jobs,
		limiter:           rate.NewLimiter(limit, burst),
		workerID:          "worker-" + uuid.NewString()[:8],
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobTimeout:        cfg.JobTimeout,
		pollInterval:      cfg.PollInterval,
		maxJobAge:         cfg.MaxJobAge,
		sweepAge:          cfg.SweepAge,
		sweepLimit:        cfg.SweepLimit,
		rabbitMQQueueName: cfg.QueueName,
		jobsChan:          make(chan *domain.ReconcileMessage, queueSize),
		stopChan:          make(chan struct{}),
		now:               time.Now,
	}
}

// Start consumes reconcile messages until ctx is canceled or the broker
// closes the delivery channel
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("poll_interval", w.pollInterval),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	if err := w.sweep(ctx); err != nil {
		w.logger.Warn("Pending job sweep failed",
			slog.String("error", err.Error()),
		)
	}

	if closed := w.startMessageDispatcher(ctx, deliveries); closed {
		return fmt.Errorf("rabbitmq delivery channel closed")
	}
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
