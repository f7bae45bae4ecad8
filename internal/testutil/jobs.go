package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/jobstore"
	"github.com/google/uuid"
)

// Jobs is an in-memory job store. Each method holds the lock for the whole
// guarded update, matching a single conditional UPDATE in PostgreSQL.
type Jobs struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	leases map[string]time.Time
	now    func() time.Time
}

// NewJobs creates an empty store
func NewJobs() *Jobs {
	return &Jobs{
		jobs:   make(map[string]*domain.Job),
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Put stores a copy of job as is, for seeding tests
func (s *Jobs) Put(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = clone(job)
}

// Len returns the number of stored jobs
func (s *Jobs) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Jobs) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.IdempotencyKey != nil {
		for _, existing := range s.jobs {
			if existing.AccountID == job.AccountID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *job.IdempotencyKey {
				return clone(existing), domain.ErrDuplicate
			}
		}
	}

	created := clone(job)
	if created.JobID == "" {
		created.JobID = uuid.NewString()
	}
	now := s.now()
	created.Status = domain.JobStatusUploading
	created.CreatedAt = now
	created.UpdatedAt = now
	s.jobs[created.JobID] = created
	return clone(created), nil
}

func (s *Jobs) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(job), nil
}

func (s *Jobs) AttachProviderHandle(ctx context.Context, jobID, handle string) (*domain.Job, bool, error) {
	if handle == "" {
		return nil, false, fmt.Errorf("%w: provider handle is required", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, domain.ErrJobNotFound
	}
	if job.ProviderHandle != nil {
		if *job.ProviderHandle == handle {
			return clone(job), false, nil
		}
		return clone(job), false, domain.ErrAlreadyAssigned
	}
	job.ProviderHandle = &handle
	if job.Status == domain.JobStatusUploading {
		job.Status = domain.JobStatusSubmitted
	}
	job.UpdatedAt = s.now()
	return clone(job), true, nil
}

func (s *Jobs) MarkInProgress(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, domain.ErrJobNotFound
	}
	switch job.Status {
	case domain.JobStatusSubmitted:
		job.Status = domain.JobStatusInProgress
		job.UpdatedAt = s.now()
		return clone(job), true, nil
	case domain.JobStatusUploading:
		return clone(job), false, fmt.Errorf("%w: job has not been submitted", domain.ErrInvalidTransition)
	default:
		return clone(job), false, nil
	}
}

func (s *Jobs) MarkCompleted(ctx context.Context, jobID, resultRef string) (*domain.Job, bool, error) {
	if resultRef == "" {
		return nil, false, fmt.Errorf("%w: result reference is required", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		if job.Status == domain.JobStatusCompleted && job.ResultRef != nil && *job.ResultRef == resultRef {
			return clone(job), false, nil
		}
		return clone(job), false, domain.ErrTerminal
	}
	now := s.now()
	job.Status = domain.JobStatusCompleted
	job.ResultRef = &resultRef
	job.FailureKind = nil
	job.FailureReason = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	delete(s.leases, jobID)
	return clone(job), true, nil
}

func (s *Jobs) MarkFailed(ctx context.Context, jobID string, kind domain.FailureKind, reason string) (*domain.Job, bool, error) {
	if reason == "" {
		reason = "generation failed"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, domain.ErrJobNotFound
	}
	switch job.Status {
	case domain.JobStatusFailed:
		return clone(job), false, nil
	case domain.JobStatusCompleted:
		return clone(job), false, domain.ErrTerminal
	}
	now := s.now()
	k := string(kind)
	job.Status = domain.JobStatusFailed
	job.FailureKind = &k
	job.FailureReason = &reason
	job.CompletedAt = &now
	job.UpdatedAt = now
	delete(s.leases, jobID)
	return clone(job), true, nil
}

func (s *Jobs) ClaimRelocation(ctx context.Context, jobID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	now := s.now()
	if until, held := s.leases[jobID]; held && until.After(now) {
		return false, nil
	}
	s.leases[jobID] = now.Add(lease)
	return true, nil
}

func (s *Jobs) ReleaseRelocation(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, jobID)
	return nil
}

func (s *Jobs) ListForAccount(ctx context.Context, filter jobstore.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.AccountID != filter.AccountID {
			continue
		}
		if filter.Kind != "" && string(job.Kind) != filter.Kind {
			continue
		}
		if filter.Status != "" && string(job.Status) != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if job.CreatedAt.After(c.CreatedAt) || (job.CreatedAt.Equal(c.CreatedAt) && job.JobID >= c.JobID) {
				continue
			}
		}
		jobs = append(jobs, *clone(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].JobID > jobs[j].JobID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *Jobs) ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusSubmitted && job.Status != domain.JobStatusInProgress {
			continue
		}
		if job.ProviderHandle == nil || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		jobs = append(jobs, *clone(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func clone(job *domain.Job) *domain.Job {
	c := *job
	c.Inputs.ImageURLs = append([]string(nil), job.Inputs.ImageURLs...)
	return &c
}
