package handler

import (
	"errors"
	"net/http"

	"github.com/cuongbtq/restora/internal/api/dto"
	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/payments"
	"github.com/gin-gonic/gin"
)

type apiError struct {
	status  int
	code    string
	message string
}

var errorTable = []struct {
	target error
	apiError
}{
	{domain.ErrUnauthenticated, apiError{http.StatusUnauthorized, "unauthenticated", "authentication required"}},
	{domain.ErrInvalidAmount, apiError{http.StatusBadRequest, "invalid_amount", "amount is out of range"}},
	{domain.ErrInvalidInput, apiError{http.StatusBadRequest, "invalid_input", "request is invalid"}},
	{payments.ErrUnknownPackage, apiError{http.StatusBadRequest, "invalid_input", "unknown credit package"}},
	{domain.ErrInsufficientCredits, apiError{http.StatusPaymentRequired, "insufficient_credits", "not enough credits"}},
	{domain.ErrJobNotFound, apiError{http.StatusNotFound, "not_found", "job not found"}},
	{domain.ErrConflict, apiError{http.StatusConflict, "conflict", "please try again"}},
	{domain.ErrProviderUnavailable, apiError{http.StatusServiceUnavailable, "provider_unavailable", "service temporarily unavailable, please try again"}},
	{domain.ErrProviderRejected, apiError{http.StatusUnprocessableEntity, "provider_rejected", "the request could not be processed"}},
}

var errInternal = apiError{http.StatusInternalServerError, "internal", "something went wrong, please try again"}

func classify(err error) apiError {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.apiError
		}
	}
	return errInternal
}

// respondError writes the error body for err. The message is always the
// table text; err itself stays in the logs.
func respondError(c *gin.Context, err error) {
	e := classify(err)
	_ = c.Error(err)
	c.JSON(e.status, dto.ErrorResponse{Error: e.code, Message: e.message})
}

func respondInsufficient(c *gin.Context, balance int64) {
	e := classify(domain.ErrInsufficientCredits)
	c.JSON(e.status, dto.ErrorResponse{Error: e.code, Message: e.message, Balance: &balance})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid_input", Message: message})
}
