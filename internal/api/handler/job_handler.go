package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/restora/internal/api/dto"
	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/generation"
	"github.com/cuongbtq/restora/internal/jobstore"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// IdempotencyKeyHeader lets clients retry a submission without paying twice
	IdempotencyKeyHeader = "Idempotency-Key"

	maxIdempotencyKeyLength = 255
	defaultPageSize         = 20
	maxPageSize             = 100
)

// failureMessages are the client-facing texts per failure kind
var failureMessages = map[domain.FailureKind]string{
	domain.FailureProvider:   "generation failed, please try again",
	domain.FailureRelocation: "the result could not be saved, please try again",
	domain.FailureSubmission: "the generation service is unavailable, please try again",
	domain.FailureBilling:    "not enough credits",
	domain.FailureCharge:     "the job could not be charged, please try again",
}

// CreateJob handles POST /api/v1/jobs
// Submits a generation job and debits its cost once the provider accepted it
func (h *JobHandler) CreateJob(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		respondError(c, domain.ErrUnauthenticated)
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		respondBadRequest(c, "invalid request body")
		return
	}

	key := c.GetHeader(IdempotencyKeyHeader)
	if len(key) > maxIdempotencyKeyLength {
		respondBadRequest(c, "idempotency key is too long")
		return
	}

	result, err := h.jobs.Submit(c.Request.Context(), generation.Request{
		AccountID: account,
		Kind:      domain.JobKind(req.Kind),
		Inputs: domain.JobInputs{
			ImageURLs: req.Inputs.ImageURLs,
			Prompt:    req.Inputs.Prompt,
		},
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) && result != nil {
			respondInsufficient(c, result.Balance)
			return
		}
		h.logger.Error("Failed to submit job",
			slog.String("account_id", account),
			slog.String("kind", req.Kind),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, dto.CreateJobResponse{
		JobID:   result.Job.JobID,
		Status:  string(result.Job.Status),
		Balance: result.Balance,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job status, polling the provider when the job is still running
func (h *JobHandler) GetJob(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		respondError(c, domain.ErrUnauthenticated)
		return
	}

	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		respondBadRequest(c, "job_id must be a valid UUID")
		return
	}

	job, err := h.jobs.Status(c.Request.Context(), account, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		respondError(c, domain.ErrUnauthenticated)
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		respondBadRequest(c, "invalid query parameters")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		respondBadRequest(c, "invalid cursor")
		return
	}

	jobs, hasMore, err := h.jobs.List(c.Request.Context(), jobstore.JobFilter{
		AccountID: account,
		Kind:      req.Kind,
		Status:    req.Status,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		respondError(c, err)
		return
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore && len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&jobstore.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:     job.JobID,
		Kind:      string(job.Kind),
		Status:    string(job.Status),
		Cost:      job.Cost,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Status == domain.JobStatusCompleted {
		out.ResultRef = job.ResultRef
	}
	if job.Status == domain.JobStatusFailed && job.FailureKind != nil {
		kind := *job.FailureKind
		msg, ok := failureMessages[domain.FailureKind(kind)]
		if !ok {
			msg = failureMessages[domain.FailureProvider]
		}
		out.FailureKind = &kind
		out.Error = &msg
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.Format(time.RFC3339)
		out.CompletedAt = &completed
	}
	return out
}
