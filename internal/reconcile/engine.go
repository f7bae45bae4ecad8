// Package reconcile moves generation jobs from submitted to a terminal state.
//
// Webhook deliveries, the background poller and client status polls all call
// the same transition function. Each transition is a guarded conditional write
// in the job store, so triggers may arrive in any order, concurrently or more
// than once, and still converge on the first terminal outcome written.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/metrics"
	"github.com/cuongbtq/restora/internal/provider"
)

const defaultRelocationLease = 2 * time.Minute

// Trigger names the entry point that observed an outcome
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerPoll    Trigger = "poll"
	TriggerClient  Trigger = "client"
)

// JobStore is the subset of the job store the engine transitions through
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	MarkInProgress(ctx context.Context, jobID string) (*domain.Job, bool, error)
	MarkCompleted(ctx context.Context, jobID, resultRef string) (*domain.Job, bool, error)
	MarkFailed(ctx context.Context, jobID string, kind domain.FailureKind, reason string) (*domain.Job, bool, error)
	ClaimRelocation(ctx context.Context, jobID string, lease time.Duration) (bool, error)
	ReleaseRelocation(ctx context.Context, jobID string) error
}

// Gateway polls vendors and parses their callbacks
type Gateway interface {
	Poll(ctx context.Context, providerName, handle string) (provider.Outcome, error)
	ParseWebhook(providerName string, body []byte) (string, provider.Outcome, error)
}

// Relocator copies a finished result into durable storage
type Relocator interface {
	Relocate(ctx context.Context, ephemeralURL string, dest provider.Destination) (string, error)
}

// Config holds engine dependencies
type Config struct {
	Logger          *slog.Logger
	Store           JobStore
	Gateway         Gateway
	Relocator       Relocator
	RelocationLease time.Duration
}

// Engine applies provider outcomes to jobs
type Engine struct {
	logger    *slog.Logger
	store     JobStore
	gateway   Gateway
	relocator Relocator
	lease     time.Duration
}

// NewEngine creates a new Engine instance
func NewEngine(cfg *Config) *Engine {
	lease := cfg.RelocationLease
	if lease <= 0 {
		lease = defaultRelocationLease
	}
	return &Engine{
		logger:    cfg.Logger,
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		relocator: cfg.Relocator,
		lease:     lease,
	}
}

// Poll asks the job's provider for its state and applies it. Terminal jobs
// and jobs the provider has not accepted yet are returned unchanged.
func (e *Engine) Poll(ctx context.Context, jobID string, trigger Trigger) (*domain.Job, error) {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() || job.Handle() == "" {
		return job, nil
	}

	outcome, err := e.gateway.Poll(ctx, job.Provider, job.Handle())
	if err != nil {
		e.logger.Warn("Provider poll failed",
			slog.String("job_id", job.JobID),
			slog.String("provider", job.Provider),
			slog.String("error", err.Error()),
		)
		return job, fmt.Errorf("failed to poll provider: %w", err)
	}

	return e.Apply(ctx, job, outcome, trigger)
}

// HandleWebhook parses a provider callback for jobID and applies it
func (e *Engine) HandleWebhook(ctx context.Context, jobID, providerName string, body []byte) (*domain.Job, error) {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Provider != providerName {
		return job, fmt.Errorf("%w: webhook from %q for job served by %q", domain.ErrInvalidInput, providerName, job.Provider)
	}

	handle, outcome, err := e.gateway.ParseWebhook(providerName, body)
	if err != nil {
		return job, err
	}
	if job.Handle() != "" && handle != job.Handle() {
		return job, fmt.Errorf("%w: webhook handle %q does not match job", domain.ErrInvalidInput, handle)
	}

	return e.Apply(ctx, job, outcome, TriggerWebhook)
}

// Apply is the single transition function shared by every trigger. It
// returns the job as stored after the transition attempt. Outcomes that lose
// to an already stored terminal state are discarded without error.
func (e *Engine) Apply(ctx context.Context, job *domain.Job, outcome provider.Outcome, trigger Trigger) (*domain.Job, error) {
	log := e.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("trigger", string(trigger)),
		slog.String("outcome", outcome.Name()),
	)

	if job.Status.Terminal() {
		e.record(trigger, job.Status, false)
		log.Debug("Job already terminal, outcome discarded",
			slog.String("status", string(job.Status)),
		)
		return job, nil
	}

	switch o := outcome.(type) {
	case provider.Queued, provider.Running:
		return e.markInProgress(ctx, job, trigger, log)
	case provider.Succeeded:
		return e.complete(ctx, job, o.URL, trigger, log)
	case provider.Failed:
		return e.fail(ctx, job, domain.FailureProvider, o.Reason, trigger, log)
	default:
		return job, fmt.Errorf("unsupported outcome %T", outcome)
	}
}

func (e *Engine) markInProgress(ctx context.Context, job *domain.Job, trigger Trigger, log *slog.Logger) (*domain.Job, error) {
	updated, applied, err := e.store.MarkInProgress(ctx, job.JobID)
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Debug("Progress reported before submission was recorded")
		return updated, nil
	}
	if err != nil {
		return job, err
	}
	e.record(trigger, updated.Status, applied)
	return updated, nil
}

// complete relocates the result and stores its durable key. Only the trigger
// holding the relocation lease downloads anything; the others return the job
// as currently stored.
func (e *Engine) complete(ctx context.Context, job *domain.Job, ephemeralURL string, trigger Trigger, log *slog.Logger) (*domain.Job, error) {
	claimed, err := e.store.ClaimRelocation(ctx, job.JobID, e.lease)
	if err != nil {
		return job, err
	}
	if !claimed {
		log.Info("Relocation held by another trigger or job finished")
		current, err := e.store.Get(ctx, job.JobID)
		if err != nil {
			return job, err
		}
		e.record(trigger, domain.JobStatusCompleted, false)
		return current, nil
	}

	key, err := e.relocator.Relocate(ctx, ephemeralURL, provider.Destination{
		AccountID: job.AccountID,
		Kind:      job.Kind,
	})
	if err != nil {
		return e.fail(ctx, job, domain.FailureRelocation, err.Error(), trigger, log)
	}

	updated, applied, err := e.store.MarkCompleted(ctx, job.JobID, key)
	if errors.Is(err, domain.ErrTerminal) {
		log.Warn("Job reached another terminal state during relocation, result discarded",
			slog.String("status", string(updated.Status)),
			slog.String("orphan_key", key),
		)
		e.record(trigger, domain.JobStatusCompleted, false)
		return updated, nil
	}
	if err != nil {
		if releaseErr := e.store.ReleaseRelocation(ctx, job.JobID); releaseErr != nil {
			log.Error("Failed to release relocation lease",
				slog.String("error", releaseErr.Error()),
			)
		}
		return job, err
	}

	e.record(trigger, updated.Status, applied)
	log.Info("Job completed",
		slog.String("result_ref", key),
	)
	return updated, nil
}

func (e *Engine) fail(ctx context.Context, job *domain.Job, kind domain.FailureKind, reason string, trigger Trigger, log *slog.Logger) (*domain.Job, error) {
	updated, applied, err := e.store.MarkFailed(ctx, job.JobID, kind, reason)
	if errors.Is(err, domain.ErrTerminal) {
		log.Info("Job already completed, failure discarded")
		e.record(trigger, domain.JobStatusFailed, false)
		return updated, nil
	}
	if err != nil {
		return job, err
	}

	e.record(trigger, updated.Status, applied)
	if applied {
		log.Warn("Job failed",
			slog.String("failure_kind", string(kind)),
			slog.String("reason", reason),
		)
	}
	return updated, nil
}

func (e *Engine) record(trigger Trigger, status domain.JobStatus, applied bool) {
	metrics.JobTransitions.WithLabelValues(string(trigger), string(status), strconv.FormatBool(applied)).Inc()
}
