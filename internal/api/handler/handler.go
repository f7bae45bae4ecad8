package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/generation"
	"github.com/cuongbtq/restora/internal/jobstore"
	"github.com/cuongbtq/restora/shared/blobstore"
	"github.com/gin-gonic/gin"
)

// ContextAccountID is the gin context key holding the authenticated account id
const ContextAccountID = "account_id"

// JobService submits and reads generation jobs
type JobService interface {
	Submit(ctx context.Context, req generation.Request) (*generation.Result, error)
	Status(ctx context.Context, accountID, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter jobstore.JobFilter) ([]domain.Job, bool, error)
}

// CreditLedger reads and debits account balances
type CreditLedger interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	TryDebit(ctx context.Context, accountID string, amount int64) (int64, error)
}

// WebhookReconciler applies provider callbacks to jobs
type WebhookReconciler interface {
	HandleWebhook(ctx context.Context, jobID, providerName string, body []byte) (*domain.Job, error)
}

// CallbackVerifier checks the signature carried by provider callback URLs
type CallbackVerifier interface {
	Verify(jobID, sig string) bool
}

// CheckoutCreator opens hosted checkout sessions
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, accountID, packageID string) (string, error)
}

// PaymentProcessor fulfills signed payment events
type PaymentProcessor interface {
	Process(ctx context.Context, body []byte, signature string) (bool, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Jobs           JobService
	Ledger         CreditLedger
	Reconciler     WebhookReconciler
	Callbacks      CallbackVerifier
	Checkout       CheckoutCreator
	Payments       PaymentProcessor
	Blobs          blobstore.Store
	PublicBaseURL  string
	MaxUploadBytes int64
	MaxWebhookBody int64
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// accountID returns the account placed in the context by the auth middleware
func accountID(c *gin.Context) (string, bool) {
	id := c.GetString(ContextAccountID)
	return id, id != ""
}
