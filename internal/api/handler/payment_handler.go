package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/restora/internal/api/dto"
	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/payments"
	"github.com/gin-gonic/gin"
)

const defaultMaxWebhookBody = 1 << 20

// PaymentHandler handles checkout sessions and payment webhooks
type PaymentHandler struct {
	logger   *slog.Logger
	checkout CheckoutCreator
	payments PaymentProcessor
	maxBody  int64
}

// NewPaymentHandler creates a new PaymentHandler instance
func NewPaymentHandler(deps *Dependencies) *PaymentHandler {
	maxBody := deps.MaxWebhookBody
	if maxBody <= 0 {
		maxBody = defaultMaxWebhookBody
	}
	return &PaymentHandler{
		logger:   deps.Logger,
		checkout: deps.Checkout,
		payments: deps.Payments,
		maxBody:  maxBody,
	}
}

// CreateCheckout handles POST /api/v1/payments/checkout
func (h *PaymentHandler) CreateCheckout(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		respondError(c, domain.ErrUnauthenticated)
		return
	}

	var req dto.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "package_id is required")
		return
	}

	url, err := h.checkout.CreateCheckout(c.Request.Context(), account, req.PackageID)
	if err != nil {
		h.logger.Error("Failed to create checkout",
			slog.String("account_id", account),
			slog.String("package_id", req.PackageID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.CheckoutResponse{CheckoutURL: url})
}

// Webhook handles POST /api/v1/webhooks/payments
// Replayed events are acknowledged without crediting again
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		respondBadRequest(c, "unreadable body")
		return
	}

	credited, err := h.payments.Process(c.Request.Context(), body, c.GetHeader(payments.SignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			h.logger.Warn("Rejected payment webhook", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid_signature", Message: "signature verification failed"})
			return
		}
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, payments.ErrUnknownPackage) {
			h.logger.Warn("Unusable payment event", slog.String("error", err.Error()))
			c.JSON(http.StatusOK, gin.H{"received": true, "credited": false})
			return
		}
		h.logger.Error("Failed to process payment event", slog.String("error", err.Error()))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "credited": credited})
}
