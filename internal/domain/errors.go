package domain

import "errors"

var (
	// ErrUnauthenticated is returned when a request carries no valid session
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidInput is returned for malformed or out-of-range request data
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidAmount is returned when a credit amount is outside the accepted bound
	ErrInvalidAmount = errors.New("invalid credit amount")

	// ErrInsufficientCredits is returned when a debit exceeds the current balance
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrConflict is returned when optimistic retries are exhausted
	ErrConflict = errors.New("concurrent update conflict")

	// ErrProviderUnavailable wraps network and 5xx provider failures; retryable
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderRejected wraps vendor-side validation failures; not retryable
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrRelocationFailed is returned when a finished result cannot be copied to durable storage
	ErrRelocationFailed = errors.New("media relocation failed")

	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyAssigned is returned when a different provider handle is already attached
	ErrAlreadyAssigned = errors.New("provider handle already assigned")

	// ErrTerminal is returned when a job already holds a different terminal outcome
	ErrTerminal = errors.New("job already in a terminal state")

	// ErrInvalidTransition is returned when the current status does not allow the transition
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrDuplicate is returned when an idempotency key was already used by the account
	ErrDuplicate = errors.New("duplicate idempotency key")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
