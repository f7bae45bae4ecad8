package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/restora/internal/api/dto"
	"github.com/cuongbtq/restora/internal/domain"
	"github.com/gin-gonic/gin"
)

// CreditHandler handles balance reads and manual deductions
type CreditHandler struct {
	logger *slog.Logger
	ledger CreditLedger
}

// NewCreditHandler creates a new CreditHandler instance
func NewCreditHandler(deps *Dependencies) *CreditHandler {
	return &CreditHandler{
		logger: deps.Logger,
		ledger: deps.Ledger,
	}
}

// GetBalance handles GET /api/v1/credits
func (h *CreditHandler) GetBalance(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		respondError(c, domain.ErrUnauthenticated)
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), account)
	if err != nil {
		h.logger.Error("Failed to read balance", slog.String("account_id", account), slog.String("error", err.Error()))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.BalanceResponse{Balance: balance})
}

// Deduct handles POST /api/v1/credits/deduct
func (h *CreditHandler) Deduct(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		respondError(c, domain.ErrUnauthenticated)
		return
	}

	var req dto.DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.ErrInvalidAmount)
		return
	}

	balance, err := h.ledger.TryDebit(c.Request.Context(), account, req.Amount)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			respondInsufficient(c, balance)
			return
		}
		h.logger.Warn("Deduct failed",
			slog.String("account_id", account),
			slog.Int64("amount", req.Amount),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.DeductResponse{NewBalance: balance})
}
