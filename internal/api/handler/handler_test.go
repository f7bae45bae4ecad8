package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/restora/internal/api/dto"
	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/generation"
	"github.com/cuongbtq/restora/internal/jobstore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testAccount = "acct-1"

type mockJobService struct {
	mock.Mock
}

func (m *mockJobService) Submit(ctx context.Context, req generation.Request) (*generation.Result, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*generation.Result)
	return result, args.Error(1)
}

func (m *mockJobService) Status(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	args := m.Called(ctx, accountID, jobID)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

func (m *mockJobService) List(ctx context.Context, filter jobstore.JobFilter) ([]domain.Job, bool, error) {
	args := m.Called(ctx, filter)
	jobs, _ := args.Get(0).([]domain.Job)
	return jobs, args.Bool(1), args.Error(2)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLedger) TryDebit(ctx context.Context, accountID string, amount int64) (int64, error) {
	args := m.Called(ctx, accountID, amount)
	return args.Get(0).(int64), args.Error(1)
}

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) HandleWebhook(ctx context.Context, jobID, providerName string, body []byte) (*domain.Job, error) {
	args := m.Called(ctx, jobID, providerName, body)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

type staticVerifier struct {
	valid string
}

func (v staticVerifier) Verify(jobID, sig string) bool {
	return sig == v.valid
}

type mockCheckout struct {
	mock.Mock
}

func (m *mockCheckout) CreateCheckout(ctx context.Context, accountID, packageID string) (string, error) {
	args := m.Called(ctx, accountID, packageID)
	return args.String(0), args.Error(1)
}

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Process(ctx context.Context, body []byte, signature string) (bool, error) {
	args := m.Called(ctx, body, signature)
	return args.Bool(0), args.Error(1)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEngine mounts handlers behind a stand-in for the auth middleware that
// trusts the X-Test-Account header.
func newEngine(t *testing.T, register func(r gin.IRoutes)) *gin.Engine {
	t.Helper()
	require.NoError(t, dto.RegisterValidators())

	r := gin.New()
	group := r.Group("", func(c *gin.Context) {
		if account := c.GetHeader("X-Test-Account"); account != "" {
			c.Set(ContextAccountID, account)
		}
		c.Next()
	})
	register(group)
	return r
}

func doJSON(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func authed(extra ...string) map[string]string {
	h := map[string]string{"X-Test-Account": testAccount}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func strPtr(s string) *string { return &s }

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{domain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
		{domain.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
		{domain.ErrJobNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
		{domain.ErrProviderRejected, http.StatusUnprocessableEntity, "provider_rejected"},
		{domain.ErrConflict, http.StatusConflict, "conflict"},
		{assert.AnError, http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.status, got.status)
			assert.Equal(t, tt.code, got.code)
		})
	}
}

func TestRespondError_HidesVendorText(t *testing.T) {
	r := newEngine(t, func(g gin.IRoutes) {
		g.GET("/boom", func(c *gin.Context) {
			respondError(c, &wrapped{msg: "replicate: NSFW filter tripped on prompt", err: domain.ErrProviderRejected})
		})
	})

	w := doJSON(r, http.MethodGet, "/boom", nil, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotContains(t, w.Body.String(), "NSFW")
	assert.Equal(t, "provider_rejected", decodeError(t, w).Error)
}

type wrapped struct {
	msg string
	err error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.err }

func TestToJobDTO(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("completed exposes the durable key", func(t *testing.T) {
		job := &domain.Job{
			JobID:       "job-1",
			Kind:        domain.JobKindRestore,
			Status:      domain.JobStatusCompleted,
			ResultRef:   strPtr("results/acct-1/1-abc-job-1"),
			CreatedAt:   created,
			UpdatedAt:   created,
			CompletedAt: &created,
		}

		out := toJobDTO(job)

		require.NotNil(t, out.ResultRef)
		assert.Equal(t, "results/acct-1/1-abc-job-1", *out.ResultRef)
		assert.Nil(t, out.Error)
		require.NotNil(t, out.CompletedAt)
		assert.Equal(t, "2026-01-02T03:04:05Z", *out.CompletedAt)
	})

	t.Run("failed exposes a safe message only", func(t *testing.T) {
		job := &domain.Job{
			JobID:         "job-2",
			Status:        domain.JobStatusFailed,
			FailureKind:   strPtr(string(domain.FailureProvider)),
			FailureReason: strPtr("upstream CUDA out of memory"),
			CreatedAt:     created,
			UpdatedAt:     created,
		}

		out := toJobDTO(job)

		require.NotNil(t, out.Error)
		assert.Equal(t, failureMessages[domain.FailureProvider], *out.Error)
		assert.Equal(t, "provider", *out.FailureKind)
		assert.Nil(t, out.ResultRef)
	})

	t.Run("charge failure asks to retry", func(t *testing.T) {
		job := &domain.Job{
			JobID:       "job-3",
			Status:      domain.JobStatusFailed,
			FailureKind: strPtr(string(domain.FailureCharge)),
			CreatedAt:   created,
			UpdatedAt:   created,
		}

		out := toJobDTO(job)

		require.NotNil(t, out.Error)
		assert.Contains(t, *out.Error, "try again")
		assert.NotEqual(t, failureMessages[domain.FailureBilling], *out.Error)
	})
}
