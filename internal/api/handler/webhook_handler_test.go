package handler

import (
	"errors"
	"net/http"
	"testing"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/payments"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func setupWebhooks(t *testing.T) (*gin.Engine, *mockReconciler, *mockPayments) {
	rec := &mockReconciler{}
	pay := &mockPayments{}
	deps := &Dependencies{
		Logger:     testLogger(),
		Reconciler: rec,
		Callbacks:  staticVerifier{valid: "good-sig"},
		Payments:   pay,
	}
	wh := NewWebhookHandler(deps)
	ph := NewPaymentHandler(deps)
	r := newEngine(t, func(g gin.IRoutes) {
		g.POST("/webhooks/providers/:provider", wh.ProviderCallback)
		g.POST("/webhooks/payments", ph.Webhook)
	})
	return r, rec, pay
}

func TestProviderCallback(t *testing.T) {
	body := `{"id":"pred-1","status":"succeeded","output":"https://replicate.delivery/x.png"}`

	t.Run("signed callback is applied", func(t *testing.T) {
		r, rec, _ := setupWebhooks(t)
		rec.On("HandleWebhook", mock.Anything, testJobID, "predictions", []byte(body)).
			Return(&domain.Job{JobID: testJobID, Status: domain.JobStatusCompleted}, nil).Once()

		w := doJSON(r, http.MethodPost, "/webhooks/providers/predictions?job_id="+testJobID+"&sig=good-sig", body, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"received":true}`, w.Body.String())
		rec.AssertExpectations(t)
	})

	t.Run("bad signature is acknowledged and dropped", func(t *testing.T) {
		r, rec, _ := setupWebhooks(t)

		w := doJSON(r, http.MethodPost, "/webhooks/providers/predictions?job_id="+testJobID+"&sig=forged", body, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"received":false}`, w.Body.String())
		rec.AssertNotCalled(t, "HandleWebhook", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("apply failure still answers 200", func(t *testing.T) {
		r, rec, _ := setupWebhooks(t)
		rec.On("HandleWebhook", mock.Anything, testJobID, "tasks", mock.Anything).
			Return(nil, domain.ErrInvalidInput).Once()

		w := doJSON(r, http.MethodPost, "/webhooks/providers/tasks?job_id="+testJobID+"&sig=good-sig", body, nil)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestPaymentWebhook(t *testing.T) {
	body := `{"id":"evt_1","type":"checkout.completed"}`

	tests := []struct {
		name     string
		credited bool
		err      error
		status   int
	}{
		{name: "credited", credited: true, status: http.StatusOK},
		{name: "replay", credited: false, status: http.StatusOK},
		{name: "bad signature", err: payments.ErrInvalidSignature, status: http.StatusBadRequest},
		{name: "unusable event", err: domain.ErrInvalidInput, status: http.StatusOK},
		{name: "database down", err: errors.New("connection refused"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, pay := setupWebhooks(t)
			pay.On("Process", mock.Anything, []byte(body), "t=1,v1=abc").Return(tt.credited, tt.err).Once()

			w := doJSON(r, http.MethodPost, "/webhooks/payments", body, map[string]string{payments.SignatureHeader: "t=1,v1=abc"})

			assert.Equal(t, tt.status, w.Code)
			pay.AssertExpectations(t)
		})
	}
}

func TestCreateCheckout(t *testing.T) {
	checkout := &mockCheckout{}
	h := NewPaymentHandler(&Dependencies{Logger: testLogger(), Checkout: checkout})
	r := newEngine(t, func(g gin.IRoutes) { g.POST("/payments/checkout", h.CreateCheckout) })

	checkout.On("CreateCheckout", mock.Anything, testAccount, "pack-20").Return("https://pay.example.com/s/cs_1", nil).Once()
	checkout.On("CreateCheckout", mock.Anything, testAccount, "pack-999").Return("", payments.ErrUnknownPackage).Once()

	w := doJSON(r, http.MethodPost, "/payments/checkout", `{"package_id":"pack-20"}`, authed())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"checkout_url":"https://pay.example.com/s/cs_1"}`, w.Body.String())

	w = doJSON(r, http.MethodPost, "/payments/checkout", `{"package_id":"pack-999"}`, authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/payments/checkout", `{}`, authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/payments/checkout", `{"package_id":"pack-20"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	checkout.AssertExpectations(t)
}
