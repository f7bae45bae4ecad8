package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/provider"
	"github.com/cuongbtq/restora/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type mockRelocator struct {
	mock.Mock
}

func (m *mockRelocator) Relocate(ctx context.Context, ephemeralURL string, dest provider.Destination) (string, error) {
	args := m.Called(ctx, ephemeralURL, dest)
	return args.String(0), args.Error(1)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Poll(ctx context.Context, providerName, handle string) (provider.Outcome, error) {
	args := m.Called(ctx, providerName, handle)
	outcome, _ := args.Get(0).(provider.Outcome)
	return outcome, args.Error(1)
}

func (m *mockGateway) ParseWebhook(providerName string, body []byte) (string, provider.Outcome, error) {
	args := m.Called(providerName, body)
	outcome, _ := args.Get(1).(provider.Outcome)
	return args.String(0), outcome, args.Error(2)
}

const (
	vendorURL  = "https://vendor.example/tmp/out.mp4"
	durableKey = "videos/acct-1/1700000000000-abc123-out.mp4"
)

func setupEngine(t *testing.T) (*Engine, *testutil.Jobs, *mockRelocator, *mockGateway) {
	t.Helper()
	store := testutil.NewJobs()
	relocator := &mockRelocator{}
	gateway := &mockGateway{}
	engine := NewEngine(&Config{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:           store,
		Gateway:         gateway,
		Relocator:       relocator,
		RelocationLease: time.Minute,
	})
	return engine, store, relocator, gateway
}

func submittedJob(store *testutil.Jobs, status domain.JobStatus) *domain.Job {
	handle := "pred-1"
	job := &domain.Job{
		JobID:          "job-1",
		AccountID:      "acct-1",
		Kind:           domain.JobKindAnimate,
		Status:         status,
		Provider:       "predictions",
		ProviderHandle: &handle,
		Cost:           2,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	store.Put(job)
	return job
}

func TestApply_SucceededRelocatesOnce(t *testing.T) {
	engine, store, relocator, _ := setupEngine(t)
	ctx := context.Background()
	job := submittedJob(store, domain.JobStatusInProgress)

	relocator.On("Relocate", mock.Anything, vendorURL, provider.Destination{AccountID: "acct-1", Kind: domain.JobKindAnimate}).
		Return(durableKey, nil).Once()

	first, err := engine.Apply(ctx, job, provider.Succeeded{URL: vendorURL}, TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, first.Status)
	require.NotNil(t, first.ResultRef)
	assert.Equal(t, durableKey, *first.ResultRef)

	// a second delivery with the stale snapshot is discarded
	second, err := engine.Apply(ctx, job, provider.Succeeded{URL: vendorURL}, TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, second.Status)
	assert.Equal(t, durableKey, *second.ResultRef)

	relocator.AssertNumberOfCalls(t, "Relocate", 1)
}

func TestApply_ConcurrentSucceededRelocatesOnce(t *testing.T) {
	engine, store, relocator, _ := setupEngine(t)
	ctx := context.Background()
	job := submittedJob(store, domain.JobStatusSubmitted)

	relocator.On("Relocate", mock.Anything, vendorURL, mock.Anything).
		WaitUntil(time.After(50*time.Millisecond)).
		Return(durableKey, nil).Once()

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, err := engine.Apply(ctx, job, provider.Succeeded{URL: vendorURL}, TriggerWebhook)
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored, err := store.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, durableKey, *stored.ResultRef)
	relocator.AssertNumberOfCalls(t, "Relocate", 1)
}

func TestApply_RaceConvergesOnFirstTerminalWrite(t *testing.T) {
	t.Run("success then failure", func(t *testing.T) {
		engine, store, relocator, _ := setupEngine(t)
		ctx := context.Background()
		job := submittedJob(store, domain.JobStatusInProgress)
		relocator.On("Relocate", mock.Anything, vendorURL, mock.Anything).Return(durableKey, nil).Once()

		_, err := engine.Apply(ctx, job, provider.Succeeded{URL: vendorURL}, TriggerWebhook)
		require.NoError(t, err)
		final, err := engine.Apply(ctx, job, provider.Failed{Reason: "late failure"}, TriggerPoll)
		require.NoError(t, err)

		assert.Equal(t, domain.JobStatusCompleted, final.Status)
		assert.Equal(t, durableKey, *final.ResultRef)
		assert.Nil(t, final.FailureReason)
	})

	t.Run("failure then success", func(t *testing.T) {
		engine, store, relocator, _ := setupEngine(t)
		ctx := context.Background()
		job := submittedJob(store, domain.JobStatusInProgress)

		_, err := engine.Apply(ctx, job, provider.Failed{Reason: "nsfw filter"}, TriggerPoll)
		require.NoError(t, err)
		final, err := engine.Apply(ctx, job, provider.Succeeded{URL: vendorURL}, TriggerWebhook)
		require.NoError(t, err)

		assert.Equal(t, domain.JobStatusFailed, final.Status)
		require.NotNil(t, final.FailureReason)
		assert.Equal(t, "nsfw filter", *final.FailureReason)
		assert.Nil(t, final.ResultRef)
		relocator.AssertNotCalled(t, "Relocate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failure lands during relocation", func(t *testing.T) {
		engine, store, relocator, _ := setupEngine(t)
		ctx := context.Background()
		job := submittedJob(store, domain.JobStatusInProgress)

		relocator.On("Relocate", mock.Anything, vendorURL, mock.Anything).
			Run(func(mock.Arguments) {
				_, _, err := store.MarkFailed(ctx, job.JobID, domain.FailureProvider, "canceled")
				require.NoError(t, err)
			}).
			Return(durableKey, nil).Once()

		final, err := engine.Apply(ctx, job, provider.Succeeded{URL: vendorURL}, TriggerWebhook)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, final.Status)
		assert.Nil(t, final.ResultRef)
	})
}

func TestApply_RelocationFailureMarksJobFailed(t *testing.T) {
	engine, store, relocator, _ := setupEngine(t)
	ctx := context.Background()
	job := submittedJob(store, domain.JobStatusInProgress)

	relocator.On("Relocate", mock.Anything, vendorURL, mock.Anything).
		Return("", errors.Join(domain.ErrRelocationFailed, errors.New("status 404"))).Once()

	final, err := engine.Apply(ctx, job, provider.Succeeded{URL: vendorURL}, TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	require.NotNil(t, final.FailureKind)
	assert.Equal(t, string(domain.FailureRelocation), *final.FailureKind)
	assert.Nil(t, final.ResultRef)
}

func TestApply_ResultIsDurableKey(t *testing.T) {
	engine, store, relocator, _ := setupEngine(t)
	ctx := context.Background()
	job := submittedJob(store, domain.JobStatusSubmitted)
	relocator.On("Relocate", mock.Anything, vendorURL, mock.Anything).Return(durableKey, nil).Once()

	final, err := engine.Apply(ctx, job, provider.Succeeded{URL: vendorURL}, TriggerClient)
	require.NoError(t, err)
	require.NotNil(t, final.ResultRef)
	assert.NotEqual(t, vendorURL, *final.ResultRef)
	assert.NotContains(t, *final.ResultRef, "vendor.example")
}

func TestApply_RunningMovesToInProgress(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	ctx := context.Background()
	job := submittedJob(store, domain.JobStatusSubmitted)

	updated, err := engine.Apply(ctx, job, provider.Running{}, TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, updated.Status)

	again, err := engine.Apply(ctx, updated, provider.Queued{}, TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, again.Status)
}

func TestApply_ProgressBeforeSubmissionIsIgnored(t *testing.T) {
	engine, store, _, _ := setupEngine(t)
	ctx := context.Background()
	job, err := store.Create(ctx, &domain.Job{AccountID: "acct-1", Kind: domain.JobKindRestore, Provider: "predictions"})
	require.NoError(t, err)

	updated, err := engine.Apply(ctx, job, provider.Running{}, TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusUploading, updated.Status)
}

func TestPoll(t *testing.T) {
	t.Run("applies provider outcome", func(t *testing.T) {
		engine, store, _, gateway := setupEngine(t)
		ctx := context.Background()
		job := submittedJob(store, domain.JobStatusSubmitted)
		gateway.On("Poll", mock.Anything, "predictions", "pred-1").Return(provider.Failed{Reason: "bad input"}, nil).Once()

		updated, err := engine.Poll(ctx, job.JobID, TriggerClient)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, updated.Status)
	})

	t.Run("terminal job is not polled", func(t *testing.T) {
		engine, store, _, gateway := setupEngine(t)
		ctx := context.Background()
		job := submittedJob(store, domain.JobStatusCompleted)

		updated, err := engine.Poll(ctx, job.JobID, TriggerPoll)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, updated.Status)
		gateway.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("provider error leaves job unchanged", func(t *testing.T) {
		engine, store, _, gateway := setupEngine(t)
		ctx := context.Background()
		job := submittedJob(store, domain.JobStatusInProgress)
		gateway.On("Poll", mock.Anything, "predictions", "pred-1").Return(nil, domain.ErrProviderUnavailable).Once()

		updated, err := engine.Poll(ctx, job.JobID, TriggerPoll)
		assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
		assert.Equal(t, domain.JobStatusInProgress, updated.Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		engine, _, _, _ := setupEngine(t)
		_, err := engine.Poll(context.Background(), "missing", TriggerPoll)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestHandleWebhook(t *testing.T) {
	body := []byte(`{"id":"pred-1","status":"failed","error":"oom"}`)

	t.Run("applies parsed outcome", func(t *testing.T) {
		engine, store, _, gateway := setupEngine(t)
		job := submittedJob(store, domain.JobStatusInProgress)
		gateway.On("ParseWebhook", "predictions", body).Return("pred-1", provider.Failed{Reason: "oom"}, nil).Once()

		updated, err := engine.HandleWebhook(context.Background(), job.JobID, "predictions", body)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, updated.Status)
	})

	t.Run("rejects foreign handle", func(t *testing.T) {
		engine, store, _, gateway := setupEngine(t)
		job := submittedJob(store, domain.JobStatusInProgress)
		gateway.On("ParseWebhook", "predictions", body).Return("pred-2", provider.Failed{Reason: "oom"}, nil).Once()

		updated, err := engine.HandleWebhook(context.Background(), job.JobID, "predictions", body)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Equal(t, domain.JobStatusInProgress, updated.Status)
	})

	t.Run("rejects other provider", func(t *testing.T) {
		engine, store, _, gateway := setupEngine(t)
		job := submittedJob(store, domain.JobStatusInProgress)

		_, err := engine.HandleWebhook(context.Background(), job.JobID, "tasks", body)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		gateway.AssertNotCalled(t, "ParseWebhook", mock.Anything, mock.Anything)
	})

	t.Run("early webhook before handle is attached", func(t *testing.T) {
		engine, store, _, gateway := setupEngine(t)
		ctx := context.Background()
		job, err := store.Create(ctx, &domain.Job{AccountID: "acct-1", Kind: domain.JobKindRestore, Provider: "predictions"})
		require.NoError(t, err)
		gateway.On("ParseWebhook", "predictions", body).Return("pred-1", provider.Failed{Reason: "oom"}, nil).Once()

		updated, err := engine.HandleWebhook(ctx, job.JobID, "predictions", body)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, updated.Status)

		attached, applied, err := store.AttachProviderHandle(ctx, job.JobID, "pred-1")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, domain.JobStatusFailed, attached.Status)
	})
}
