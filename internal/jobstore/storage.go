// Package jobstore persists generation jobs and performs their guarded status
// transitions. Every transition is a single conditional UPDATE, so concurrent
// webhook and poll deliveries on different hosts are ordered by the database
// alone: the first terminal write lands and later ones observe it.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `job_id, account_id, kind, status, provider, provider_handle, inputs,
			result_ref, failure_kind, failure_reason, cost, idempotency_key,
			created_at, updated_at, completed_at`

// JobFilter narrows ListForAccount
type JobFilter struct {
	AccountID string
	Kind      string
	Status    string
	PageSize  int
	Cursor    *JobCursor
}

// JobCursor is the keyset position of the last job on a page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Storage handles all database operations for generation jobs
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Create inserts a job in the uploading state. When the account already used
// the idempotency key, the existing job is returned together with ErrDuplicate.
func (s *Storage) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	inputs, err := json.Marshal(job.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inputs: %w", err)
	}

	query := `
		INSERT INTO generation_jobs (
			job_id, account_id, kind, status, provider,
			inputs, cost, idempotency_key, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)
		ON CONFLICT (account_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING ` + jobColumns

	var created domain.Job
	err = s.db.GetContext(
		ctx,
		&created,
		query,
		job.JobID,
		job.AccountID,
		job.Kind,
		domain.JobStatusUploading,
		job.Provider,
		string(inputs),
		job.Cost,
		job.IdempotencyKey,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) && job.IdempotencyKey != nil {
		existing, getErr := s.getByIdempotencyKey(ctx, job.AccountID, *job.IdempotencyKey)
		if getErr != nil {
			return nil, getErr
		}
		return existing, domain.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := created.DecodeInputs(); err != nil {
		return nil, fmt.Errorf("failed to decode inputs: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", created.JobID),
		slog.String("account_id", created.AccountID),
		slog.String("kind", string(created.Kind)),
	)

	return &created, nil
}

// Get retrieves a job from the database by its ID
func (s *Storage) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE job_id = $1
	`
	return s.getOne(ctx, query, jobID)
}

func (s *Storage) getByIdempotencyKey(ctx context.Context, accountID, key string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE account_id = $1 AND idempotency_key = $2
	`
	return s.getOne(ctx, query, accountID, key)
}

func (s *Storage) getOne(ctx context.Context, query string, args ...interface{}) (*domain.Job, error) {
	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if err := job.DecodeInputs(); err != nil {
		return nil, fmt.Errorf("failed to decode inputs: %w", err)
	}
	return &job, nil
}

// transition runs a guarded UPDATE … RETURNING. A nil job with no error
// means the guard did not match and nothing was written.
func (s *Storage) transition(ctx context.Context, query string, args ...interface{}) (*domain.Job, error) {
	job, err := s.getOne(ctx, query, args...)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return job, nil
}

// AttachProviderHandle records the provider handle once and moves
// uploading → submitted. A job that already reached a terminal state through
// an early webhook keeps its status but still gets the handle. Re-attaching
// the same handle is a no-op; a different handle is rejected.
func (s *Storage) AttachProviderHandle(ctx context.Context, jobID, handle string) (*domain.Job, bool, error) {
	if handle == "" {
		return nil, false, fmt.Errorf("%w: provider handle is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE generation_jobs
		SET provider_handle = $2,
		    status = CASE WHEN status = $4 THEN $3 ELSE status END,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND provider_handle IS NULL
		RETURNING ` + jobColumns

	job, err := s.transition(ctx, query, jobID, handle, domain.JobStatusSubmitted, domain.JobStatusUploading)
	if err != nil {
		return nil, false, err
	}
	if job != nil {
		s.logStatus(job)
		return job, true, nil
	}

	current, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if current.Handle() == handle {
		return current, false, nil
	}
	return current, false, domain.ErrAlreadyAssigned
}

// MarkInProgress moves submitted → in_progress; already running or finished jobs are left alone.
func (s *Storage) MarkInProgress(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	query := `
		UPDATE generation_jobs
		SET status = $2,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status = $3
		RETURNING ` + jobColumns

	job, err := s.transition(ctx, query, jobID, domain.JobStatusInProgress, domain.JobStatusSubmitted)
	if err != nil {
		return nil, false, err
	}
	if job != nil {
		s.logStatus(job)
		return job, true, nil
	}

	current, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if current.Status == domain.JobStatusUploading {
		return current, false, fmt.Errorf("%w: job has not been submitted", domain.ErrInvalidTransition)
	}
	return current, false, nil
}

// MarkCompleted stores the durable result reference if the job is not yet terminal.
func (s *Storage) MarkCompleted(ctx context.Context, jobID, resultRef string) (*domain.Job, bool, error) {
	if resultRef == "" {
		return nil, false, fmt.Errorf("%w: result reference is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE generation_jobs
		SET status = $2,
		    result_ref = $3,
		    failure_kind = NULL,
		    failure_reason = NULL,
		    relocation_lease_until = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($4, $5, $6)
		RETURNING ` + jobColumns

	job, err := s.transition(ctx, query, jobID, domain.JobStatusCompleted, resultRef,
		domain.JobStatusUploading, domain.JobStatusSubmitted, domain.JobStatusInProgress)
	if err != nil {
		return nil, false, err
	}
	if job != nil {
		s.logStatus(job)
		return job, true, nil
	}

	current, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if current.Status == domain.JobStatusCompleted && current.ResultRef != nil && *current.ResultRef == resultRef {
		return current, false, nil
	}
	return current, false, domain.ErrTerminal
}

// MarkFailed records the failure if the job is not yet terminal. A job that
// already failed is left unchanged; a completed job is never overwritten.
func (s *Storage) MarkFailed(ctx context.Context, jobID string, kind domain.FailureKind, reason string) (*domain.Job, bool, error) {
	if reason == "" {
		reason = "generation failed"
	}

	query := `
		UPDATE generation_jobs
		SET status = $2,
		    failure_kind = $3,
		    failure_reason = $4,
		    relocation_lease_until = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($5, $6, $7)
		RETURNING ` + jobColumns

	job, err := s.transition(ctx, query, jobID, domain.JobStatusFailed, string(kind), reason,
		domain.JobStatusUploading, domain.JobStatusSubmitted, domain.JobStatusInProgress)
	if err != nil {
		return nil, false, err
	}
	if job != nil {
		s.logStatus(job)
		return job, true, nil
	}

	current, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if current.Status == domain.JobStatusFailed {
		return current, false, nil
	}
	return current, false, domain.ErrTerminal
}

// ClaimRelocation takes a short lease on relocating a finished job's media so
// that concurrent triggers do not fetch and upload the same result twice.
func (s *Storage) ClaimRelocation(ctx context.Context, jobID string, lease time.Duration) (bool, error) {
	query := `
		UPDATE generation_jobs
		SET relocation_lease_until = NOW() + ($2 * INTERVAL '1 millisecond'),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($3, $4, $5)
		  AND (relocation_lease_until IS NULL OR relocation_lease_until < NOW())
	`

	result, err := s.db.ExecContext(ctx, query, jobID, lease.Milliseconds(),
		domain.JobStatusUploading, domain.JobStatusSubmitted, domain.JobStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to claim relocation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Debug("Relocation already claimed or job finished",
			slog.String("job_id", jobID),
		)
	}

	return rowsAffected == 1, nil
}

// ReleaseRelocation drops the relocation lease early
func (s *Storage) ReleaseRelocation(ctx context.Context, jobID string) error {
	query := `
		UPDATE generation_jobs
		SET relocation_lease_until = NULL
		WHERE job_id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("failed to release relocation: %w", err)
	}
	return nil
}

// ListForAccount returns an account's jobs newest first. It fetches one extra
// row so callers can tell whether another page exists.
func (s *Storage) ListForAccount(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	if filter.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}

	query := `
        SELECT ` + jobColumns + `
        FROM generation_jobs
        WHERE account_id = $1
    `
	args := []interface{}{filter.AccountID}
	argIdx := 2

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	for i := range jobs {
		if err := jobs[i].DecodeInputs(); err != nil {
			return nil, fmt.Errorf("failed to decode inputs: %w", err)
		}
	}

	return jobs, nil
}

// ListPending returns submitted or running jobs not touched for olderThan,
// oldest first; the worker re-enqueues them after a restart.
func (s *Storage) ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE status IN ($1, $2)
		  AND provider_handle IS NOT NULL
		  AND updated_at < NOW() - ($3 * INTERVAL '1 millisecond')
		ORDER BY updated_at ASC
		LIMIT $4
	`

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		domain.JobStatusSubmitted, domain.JobStatusInProgress, olderThan.Milliseconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return jobs, nil
}

func (s *Storage) logStatus(job *domain.Job) {
	s.logger.Info("Job status updated",
		slog.String("job_id", job.JobID),
		slog.String("status", string(job.Status)),
	)
}
