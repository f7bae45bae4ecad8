package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebhookHandler receives provider callbacks
type WebhookHandler struct {
	logger     *slog.Logger
	reconciler WebhookReconciler
	callbacks  CallbackVerifier
	maxBody    int64
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	maxBody := deps.MaxWebhookBody
	if maxBody <= 0 {
		maxBody = defaultMaxWebhookBody
	}
	return &WebhookHandler{
		logger:     deps.Logger,
		reconciler: deps.Reconciler,
		callbacks:  deps.Callbacks,
		maxBody:    maxBody,
	}
}

// ProviderCallback handles POST /api/v1/webhooks/providers/:provider
//
// The response is always 200. Callbacks that fail verification or cannot be
// applied are logged and dropped; polling still converges the job.
func (h *WebhookHandler) ProviderCallback(c *gin.Context) {
	providerName := c.Param("provider")
	jobID := c.Query("job_id")
	log := h.logger.With(slog.String("provider", providerName), slog.String("job_id", jobID))

	if !h.callbacks.Verify(jobID, c.Query("sig")) {
		log.Warn("Dropped provider callback with invalid signature")
		c.JSON(http.StatusOK, gin.H{"received": false})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		log.Warn("Dropped unreadable provider callback", slog.String("error", err.Error()))
		c.JSON(http.StatusOK, gin.H{"received": false})
		return
	}

	job, err := h.reconciler.HandleWebhook(c.Request.Context(), jobID, providerName, body)
	if err != nil {
		log.Warn("Provider callback not applied", slog.String("error", err.Error()))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	log.Info("Provider callback applied", slog.String("status", string(job.Status)))
	c.JSON(http.StatusOK, gin.H{"received": true})
}
