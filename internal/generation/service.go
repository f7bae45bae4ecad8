// Package generation accepts generation requests from users and ties the job
// store, the credit ledger and the provider gateway together.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/jobstore"
	"github.com/cuongbtq/restora/internal/provider"
	"github.com/cuongbtq/restora/internal/reconcile"
	"github.com/google/uuid"
)

// JobStore is the subset of the job store used for submissions and reads
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) (*domain.Job, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	AttachProviderHandle(ctx context.Context, jobID, handle string) (*domain.Job, bool, error)
	MarkFailed(ctx context.Context, jobID string, kind domain.FailureKind, reason string) (*domain.Job, bool, error)
	ListForAccount(ctx context.Context, filter jobstore.JobFilter) ([]domain.Job, error)
}

// Ledger gates submissions on the account balance
type Ledger interface {
	HasAtLeast(ctx context.Context, accountID string, amount int64) (bool, int64, error)
	TryDebit(ctx context.Context, accountID string, amount int64) (int64, error)
}

// Gateway submits work to vendors
type Gateway interface {
	Route(kind domain.JobKind) (provider.Route, error)
	Submit(ctx context.Context, kind domain.JobKind, inputs domain.JobInputs, callbackURL string) (string, error)
}

// Poller drives a job forward on a client status request
type Poller interface {
	Poll(ctx context.Context, jobID string, trigger reconcile.Trigger) (*domain.Job, error)
}

// Publisher enqueues background reconcile requests
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// CallbackBuilder returns the signed webhook URL for a job
type CallbackBuilder interface {
	URL(providerName, jobID string) string
}

// Request is a validated submission
type Request struct {
	AccountID      string
	Kind           domain.JobKind
	Inputs         domain.JobInputs
	IdempotencyKey string
}

// Result describes an accepted submission
type Result struct {
	Job       *domain.Job
	Balance   int64
	Duplicate bool
}

// Config holds service dependencies
type Config struct {
	Logger    *slog.Logger
	Jobs      JobStore
	Ledger    Ledger
	Gateway   Gateway
	Poller    Poller
	Publisher Publisher
	Callbacks CallbackBuilder
	Pricing   map[domain.JobKind]int64
}

// Service orchestrates job submission and status reads
type Service struct {
	logger    *slog.Logger
	jobs      JobStore
	ledger    Ledger
	gateway   Gateway
	poller    Poller
	publisher Publisher
	callbacks CallbackBuilder
	pricing   map[domain.JobKind]int64
}

// NewService creates a new Service instance. Configured prices must lie
// within the accepted debit bound; kinds without a price are not offered.
func NewService(cfg *Config) (*Service, error) {
	for _, kind := range domain.JobKinds {
		cost, ok := cfg.Pricing[kind]
		if !ok {
			continue
		}
		if !domain.ValidDebitAmount(cost) {
			return nil, fmt.Errorf("price for %s must be between %d and %d, got %d", kind, domain.MinDebitAmount, domain.MaxDebitAmount, cost)
		}
	}

	return &Service{
		logger:    cfg.Logger,
		jobs:      cfg.Jobs,
		ledger:    cfg.Ledger,
		gateway:   cfg.Gateway,
		poller:    cfg.Poller,
		publisher: cfg.Publisher,
		callbacks: cfg.Callbacks,
		pricing:   cfg.Pricing,
	}, nil
}

// Cost returns the credits charged for kind
func (s *Service) Cost(kind domain.JobKind) (int64, error) {
	cost, ok := s.pricing[kind]
	if !ok {
		return 0, fmt.Errorf("%w: job kind %q is not available", domain.ErrInvalidInput, kind)
	}
	return cost, nil
}

// Submit creates a job, hands it to the provider and charges for it.
//
// Credits are debited only after the provider accepted the work, so a
// provider failure never costs the user anything. The pre-check keeps
// accounts without enough credits from creating jobs at all. A debit that
// still fails after submission fails the job: as billing when a concurrent
// request spent the balance first, as charge for any other debit error.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	if req.AccountID == "" {
		return nil, domain.ErrUnauthenticated
	}
	if err := req.Inputs.Validate(req.Kind); err != nil {
		return nil, err
	}
	cost, err := s.Cost(req.Kind)
	if err != nil {
		return nil, err
	}
	route, err := s.gateway.Route(req.Kind)
	if err != nil {
		return nil, err
	}

	ok, balance, err := s.ledger.HasAtLeast(ctx, req.AccountID, cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Balance: balance}, domain.ErrInsufficientCredits
	}

	job := &domain.Job{
		JobID:     uuid.NewString(),
		AccountID: req.AccountID,
		Kind:      req.Kind,
		Provider:  route.Provider,
		Inputs:    req.Inputs,
		Cost:      int(cost),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}

	created, err := s.jobs.Create(ctx, job)
	if errors.Is(err, domain.ErrDuplicate) {
		s.logger.Info("Duplicate submission, returning existing job",
			slog.String("job_id", created.JobID),
			slog.String("account_id", req.AccountID),
		)
		return &Result{Job: created, Balance: balance, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	log := s.logger.With(
		slog.String("job_id", created.JobID),
		slog.String("account_id", req.AccountID),
		slog.String("kind", string(req.Kind)),
		slog.String("provider", route.Provider),
	)

	handle, err := s.gateway.Submit(ctx, req.Kind, req.Inputs, s.callbacks.URL(route.Provider, created.JobID))
	if err != nil {
		log.Warn("Provider submission failed",
			slog.String("error", err.Error()),
		)
		if _, _, markErr := s.jobs.MarkFailed(ctx, created.JobID, domain.FailureSubmission, "submission failed"); markErr != nil {
			log.Error("Failed to mark job failed after submission error",
				slog.String("error", markErr.Error()),
			)
		}
		return nil, err
	}

	attached, _, err := s.jobs.AttachProviderHandle(ctx, created.JobID, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to attach provider handle: %w", err)
	}
	newBalance, err := s.ledger.TryDebit(ctx, req.AccountID, cost)
	if err != nil {
		log.Warn("Debit after submission failed",
			slog.String("error", err.Error()),
		)
		kind, reason := domain.FailureCharge, "debit failed"
		if errors.Is(err, domain.ErrInsufficientCredits) {
			kind, reason = domain.FailureBilling, "insufficient credits"
		}
		failed, _, markErr := s.jobs.MarkFailed(ctx, created.JobID, kind, reason)
		if markErr != nil && !errors.Is(markErr, domain.ErrTerminal) {
			log.Error("Failed to mark job failed after debit error",
				slog.String("error", markErr.Error()),
			)
		}
		if errors.Is(err, domain.ErrInsufficientCredits) {
			return &Result{Job: failed, Balance: newBalance}, err
		}
		return nil, err
	}

	log.Info("Job submitted",
		slog.String("provider_handle", handle),
		slog.Int64("cost", cost),
		slog.Int64("balance", newBalance),
	)

	s.enqueue(ctx, attached.JobID, log)

	return &Result{Job: attached, Balance: newBalance}, nil
}

// enqueue asks the background poller to track the job. Webhooks and client
// polls still reconcile the job when publishing fails.
func (s *Service) enqueue(ctx context.Context, jobID string, log *slog.Logger) {
	if s.publisher == nil {
		return
	}
	body, err := json.Marshal(domain.ReconcileMessage{JobID: jobID})
	if err != nil {
		log.Error("Failed to marshal reconcile message", slog.Any("error", err))
		return
	}
	if err := s.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		log.Warn("Failed to enqueue reconcile message",
			slog.Any("error", err),
		)
	}
}

// Status returns the account's job, polling the provider when the job is not
// terminal yet. Jobs of other accounts are reported as not found.
func (s *Service) Status(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, domain.ErrJobNotFound
	}
	if job.Status.Terminal() || job.Handle() == "" {
		return job, nil
	}

	updated, err := s.poller.Poll(ctx, jobID, reconcile.TriggerClient)
	if err != nil {
		s.logger.Warn("Client poll failed, returning stored status",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return job, nil
	}
	return updated, nil
}

// List returns one page of the account's jobs and whether more exist
func (s *Service) List(ctx context.Context, filter jobstore.JobFilter) ([]domain.Job, bool, error) {
	jobs, err := s.jobs.ListForAccount(ctx, filter)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(jobs) > filter.PageSize
	if hasMore {
		jobs = jobs[:filter.PageSize]
	}
	return jobs, hasMore, nil
}
