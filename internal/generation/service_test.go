package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/jobstore"
	"github.com/cuongbtq/restora/internal/ledger"
	"github.com/cuongbtq/restora/internal/metrics"
	"github.com/cuongbtq/restora/internal/provider"
	"github.com/cuongbtq/restora/internal/reconcile"
	"github.com/cuongbtq/restora/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Route(kind domain.JobKind) (provider.Route, error) {
	return provider.Route{Provider: "tasks", Model: "kling-v1"}, nil
}

func (m *mockGateway) Submit(ctx context.Context, kind domain.JobKind, inputs domain.JobInputs, callbackURL string) (string, error) {
	args := m.Called(ctx, kind, inputs, callbackURL)
	return args.String(0), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	return m.Called(ctx, body, contentType).Error(0)
}

type mockPoller struct {
	mock.Mock
}

func (m *mockPoller) Poll(ctx context.Context, jobID string, trigger reconcile.Trigger) (*domain.Job, error) {
	args := m.Called(ctx, jobID, trigger)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

type fixture struct {
	service   *Service
	jobs      *testutil.Jobs
	balances  *testutil.Balances
	gateway   *mockGateway
	publisher *mockPublisher
	poller    *mockPoller
}

func setup(t *testing.T, seed map[string]int64) *fixture {
	t.Helper()
	balances := testutil.NewBalances(seed)
	return setupWithStore(t, balances, balances)
}

// setupWithStore debits through store while balances stays observable
func setupWithStore(t *testing.T, balances *testutil.Balances, store ledger.BalanceStore) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		jobs:      testutil.NewJobs(),
		balances:  balances,
		gateway:   &mockGateway{},
		publisher: &mockPublisher{},
		poller:    &mockPoller{},
	}
	service, err := NewService(&Config{
		Logger:    logger,
		Jobs:      f.jobs,
		Ledger:    ledger.New(store, logger, ledger.Options{RetryDelay: 0}),
		Gateway:   f.gateway,
		Poller:    f.poller,
		Publisher: f.publisher,
		Callbacks: provider.NewCallbackSigner("https://api.example.com", "secret"),
		Pricing: map[domain.JobKind]int64{
			domain.JobKindRestore: 1,
			domain.JobKindAnimate: 2,
		},
	})
	require.NoError(t, err)
	f.service = service
	return f
}

func animateRequest() Request {
	return Request{
		AccountID: "acct-1",
		Kind:      domain.JobKindAnimate,
		Inputs:    domain.JobInputs{ImageURLs: []string{"https://cdn.example.com/uploads/acct-1/photo.jpg"}},
	}
}

func TestSubmit_DebitsAfterProviderAccepts(t *testing.T) {
	f := setup(t, map[string]int64{"acct-1": 2})
	ctx := context.Background()

	f.gateway.On("Submit", mock.Anything, domain.JobKindAnimate, mock.Anything, mock.MatchedBy(func(url string) bool {
		return len(url) > 0
	})).Return("h1", nil).Once()
	f.publisher.On("PublishWithRetry", mock.Anything, mock.Anything, "application/json").Return(nil).Once()

	result, err := f.service.Submit(ctx, animateRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Balance)
	assert.Equal(t, domain.JobStatusSubmitted, result.Job.Status)
	assert.Equal(t, "h1", result.Job.Handle())
	assert.Equal(t, 2, result.Job.Cost)
	assert.Equal(t, int64(0), f.balances.Balance("acct-1"))

	var msg domain.ReconcileMessage
	body := f.publisher.Calls[0].Arguments.Get(1).([]byte)
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, result.Job.JobID, msg.JobID)

	// balance is now 0: the next submission is refused without a job row
	_, err = f.service.Submit(ctx, animateRequest())
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, 1, f.jobs.Len())
	f.gateway.AssertNumberOfCalls(t, "Submit", 1)
}

func TestSubmit_ProviderFailureCostsNothing(t *testing.T) {
	f := setup(t, map[string]int64{"acct-1": 5})
	ctx := context.Background()

	f.gateway.On("Submit", mock.Anything, domain.JobKindAnimate, mock.Anything, mock.Anything).
		Return("", errors.Join(domain.ErrProviderUnavailable, errors.New("status 503"))).Once()

	_, err := f.service.Submit(ctx, animateRequest())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, int64(5), f.balances.Balance("acct-1"))

	page, err := f.jobs.ListForAccount(ctx, jobstore.JobFilter{AccountID: "acct-1", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.JobStatusFailed, page[0].Status)
	assert.Equal(t, string(domain.FailureSubmission), *page[0].FailureKind)
	f.publisher.AssertNotCalled(t, "PublishWithRetry", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_LostDebitRaceFailsJob(t *testing.T) {
	f := setup(t, map[string]int64{"acct-1": 2})
	ctx := context.Background()

	// a concurrent request spends the balance while the provider call is in flight
	f.gateway.On("Submit", mock.Anything, domain.JobKindAnimate, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			_, err := f.balances.Increment(ctx, "acct-1", -2)
			require.NoError(t, err)
		}).
		Return("h1", nil).Once()

	result, err := f.service.Submit(ctx, animateRequest())
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	require.NotNil(t, result)
	assert.Equal(t, domain.JobStatusFailed, result.Job.Status)
	assert.Equal(t, string(domain.FailureBilling), *result.Job.FailureKind)
	assert.Equal(t, int64(0), f.balances.Balance("acct-1"))
}

func TestSubmit_LeavesSubmissionCountToGateway(t *testing.T) {
	f := setup(t, map[string]int64{"acct-1": 10})
	f.gateway.On("Submit", mock.Anything, domain.JobKindAnimate, mock.Anything, mock.Anything).Return("h1", nil).Once()
	f.publisher.On("PublishWithRetry", mock.Anything, mock.Anything, "application/json").Return(nil).Once()
	submitted := metrics.JobsSubmitted.WithLabelValues(string(domain.JobKindAnimate), "tasks")
	before := promtest.ToFloat64(submitted)

	_, err := f.service.Submit(context.Background(), animateRequest())

	require.NoError(t, err)
	assert.Equal(t, before, promtest.ToFloat64(submitted))
}

// conflictingBalances never wins a compare-and-swap
type conflictingBalances struct {
	*testutil.Balances
}

func (conflictingBalances) CompareAndSwap(ctx context.Context, accountID string, expected, next int64) (bool, error) {
	return false, nil
}

func TestSubmit_DebitConflictIsNotReportedAsInsufficient(t *testing.T) {
	balances := testutil.NewBalances(map[string]int64{"acct-1": 50})
	f := setupWithStore(t, balances, conflictingBalances{Balances: balances})
	ctx := context.Background()
	f.gateway.On("Submit", mock.Anything, domain.JobKindAnimate, mock.Anything, mock.Anything).Return("h1", nil).Once()

	result, err := f.service.Submit(ctx, animateRequest())

	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NotErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Nil(t, result)
	assert.Equal(t, int64(50), balances.Balance("acct-1"))

	page, err := f.jobs.ListForAccount(ctx, jobstore.JobFilter{AccountID: "acct-1", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.JobStatusFailed, page[0].Status)
	require.NotNil(t, page[0].FailureKind)
	assert.Equal(t, string(domain.FailureCharge), *page[0].FailureKind)
	assert.Equal(t, "debit failed", *page[0].FailureReason)
	f.publisher.AssertNotCalled(t, "PublishWithRetry", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_IdempotencyKeyReturnsExistingJob(t *testing.T) {
	f := setup(t, map[string]int64{"acct-1": 10})
	ctx := context.Background()

	f.gateway.On("Submit", mock.Anything, domain.JobKindAnimate, mock.Anything, mock.Anything).Return("h1", nil).Once()
	f.publisher.On("PublishWithRetry", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	req := animateRequest()
	req.IdempotencyKey = "req-42"

	first, err := f.service.Submit(ctx, req)
	require.NoError(t, err)
	second, err := f.service.Submit(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Job.JobID, second.Job.JobID)
	assert.Equal(t, int64(8), f.balances.Balance("acct-1"))
	f.gateway.AssertNumberOfCalls(t, "Submit", 1)
}

func TestSubmit_Validation(t *testing.T) {
	f := setup(t, map[string]int64{"acct-1": 10})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name:    "no account",
			req:     Request{Kind: domain.JobKindRestore},
			wantErr: domain.ErrUnauthenticated,
		},
		{
			name:    "unknown kind",
			req:     Request{AccountID: "acct-1", Kind: "upscale", Inputs: domain.JobInputs{ImageURLs: []string{"https://x/y.jpg"}}},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "missing image",
			req:     Request{AccountID: "acct-1", Kind: domain.JobKindRestore},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "relative image url",
			req:     Request{AccountID: "acct-1", Kind: domain.JobKindRestore, Inputs: domain.JobInputs{ImageURLs: []string{"/tmp/a.jpg"}}},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "kind without price",
			req:     Request{AccountID: "acct-1", Kind: domain.JobKindCompose, Inputs: domain.JobInputs{ImageURLs: []string{"https://x/a.jpg", "https://x/b.jpg"}}},
			wantErr: domain.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, f.jobs.Len())
}

func TestNewService_RejectsPriceOutOfBound(t *testing.T) {
	_, err := NewService(&Config{Pricing: map[domain.JobKind]int64{domain.JobKindAnimate: 150}})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	handle := "h1"
	seedJob := func(f *fixture, status domain.JobStatus) {
		f.jobs.Put(&domain.Job{
			JobID:          "job-1",
			AccountID:      "acct-1",
			Kind:           domain.JobKindAnimate,
			Status:         status,
			Provider:       "tasks",
			ProviderHandle: &handle,
			CreatedAt:      time.Now(),
		})
	}

	t.Run("polls running job", func(t *testing.T) {
		f := setup(t, nil)
		seedJob(f, domain.JobStatusInProgress)
		ref := "videos/acct-1/1-abc-out.mp4"
		f.poller.On("Poll", mock.Anything, "job-1", reconcile.TriggerClient).
			Return(&domain.Job{JobID: "job-1", Status: domain.JobStatusCompleted, ResultRef: &ref}, nil).Once()

		job, err := f.service.Status(context.Background(), "acct-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
	})

	t.Run("terminal job skips provider", func(t *testing.T) {
		f := setup(t, nil)
		seedJob(f, domain.JobStatusFailed)

		job, err := f.service.Status(context.Background(), "acct-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		f.poller.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("poll error returns stored state", func(t *testing.T) {
		f := setup(t, nil)
		seedJob(f, domain.JobStatusSubmitted)
		f.poller.On("Poll", mock.Anything, "job-1", reconcile.TriggerClient).Return(nil, domain.ErrProviderUnavailable).Once()

		job, err := f.service.Status(context.Background(), "acct-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusSubmitted, job.Status)
	})

	t.Run("other account sees not found", func(t *testing.T) {
		f := setup(t, nil)
		seedJob(f, domain.JobStatusSubmitted)

		_, err := f.service.Status(context.Background(), "acct-2", "job-1")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestList_Paginates(t *testing.T) {
	f := setup(t, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		f.jobs.Put(&domain.Job{JobID: id, AccountID: "acct-1", Kind: domain.JobKindRestore, Status: domain.JobStatusSubmitted, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	f.jobs.Put(&domain.Job{JobID: "z", AccountID: "acct-2", Kind: domain.JobKindRestore, Status: domain.JobStatusSubmitted, CreatedAt: base})

	page, hasMore, err := f.service.List(context.Background(), jobstore.JobFilter{AccountID: "acct-1", PageSize: 2})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].JobID)
	assert.Equal(t, "b", page[1].JobID)

	last := page[1]
	rest, hasMore, err := f.service.List(context.Background(), jobstore.JobFilter{
		AccountID: "acct-1",
		PageSize:  2,
		Cursor:    &jobstore.JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID},
	})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].JobID)
}
