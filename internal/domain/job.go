package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

const maxPromptLength = 1000

// JobKind tags the kind of media transformation a job performs
type JobKind string

const (
	JobKindRestore  JobKind = "restore"
	JobKindAnimate  JobKind = "animate"
	JobKindCompose  JobKind = "compose"
	JobKindHugImage JobKind = "hug-image"
	JobKindHugVideo JobKind = "hug-video"
)

// JobKinds lists every supported kind in a stable order
var JobKinds = []JobKind{
	JobKindRestore,
	JobKindAnimate,
	JobKindCompose,
	JobKindHugImage,
	JobKindHugVideo,
}

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	for _, known := range JobKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ProducesVideo reports whether the kind's result is a video
func (k JobKind) ProducesVideo() bool {
	return k == JobKindAnimate || k == JobKindHugVideo
}

// JobStatus is a state of the job lifecycle
type JobStatus string

const (
	JobStatusUploading  JobStatus = "uploading"
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are permitted
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// FailureKind records why a job failed. Billing means the balance was
// insufficient at debit time; charge means the debit itself could not
// complete, for example after exhausted retries or a storage error.
type FailureKind string

const (
	FailureProvider   FailureKind = "provider"
	FailureRelocation FailureKind = "relocation"
	FailureSubmission FailureKind = "submission"
	FailureBilling    FailureKind = "billing"
	FailureCharge     FailureKind = "charge"
)

// JobInputs carries the kind-specific inputs handed to a provider
type JobInputs struct {
	ImageURLs []string `json:"image_urls,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
}

// ImagesRequired returns how many source images the kind consumes
func (k JobKind) ImagesRequired() int {
	switch k {
	case JobKindCompose, JobKindHugImage, JobKindHugVideo:
		return 2
	default:
		return 1
	}
}

// Validate checks the inputs against what kind needs
func (in JobInputs) Validate(kind JobKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidInput, kind)
	}
	if want := kind.ImagesRequired(); len(in.ImageURLs) != want {
		return fmt.Errorf("%w: %s takes %d image(s), got %d", ErrInvalidInput, kind, want, len(in.ImageURLs))
	}
	for _, raw := range in.ImageURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("%w: image url %q is not an absolute http(s) url", ErrInvalidInput, raw)
		}
	}
	if len(in.Prompt) > maxPromptLength {
		return fmt.Errorf("%w: prompt longer than %d characters", ErrInvalidInput, maxPromptLength)
	}
	return nil
}

// Job is one request to an external media-generation provider
type Job struct {
	JobID          string     `db:"job_id"`
	AccountID      string     `db:"account_id"`
	Kind           JobKind    `db:"kind"`
	Status         JobStatus  `db:"status"`
	Provider       string     `db:"provider"`
	ProviderHandle *string    `db:"provider_handle"`
	Inputs         JobInputs  `db:"-"`
	InputsJSON     []byte     `db:"inputs"`
	ResultRef      *string    `db:"result_ref"`
	FailureKind    *string    `db:"failure_kind"`
	FailureReason  *string    `db:"failure_reason"`
	Cost           int        `db:"cost"`
	IdempotencyKey *string    `db:"idempotency_key"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

// Handle returns the provider handle or an empty string
func (j *Job) Handle() string {
	if j.ProviderHandle == nil {
		return ""
	}
	return *j.ProviderHandle
}

// DecodeInputs populates Inputs from the stored JSON column
func (j *Job) DecodeInputs() error {
	if len(j.InputsJSON) == 0 {
		j.Inputs = JobInputs{}
		return nil
	}
	return json.Unmarshal(j.InputsJSON, &j.Inputs)
}

// ReconcileMessage is the queue payload asking the worker to poll a job
type ReconcileMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
