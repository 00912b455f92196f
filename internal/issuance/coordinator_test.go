package issuance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/ledger"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/keylock"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

func seedProject(t *testing.T, store registry.Store, status registry.ProjectStatus, reduction int64) *registry.Project {
	t.Helper()
	p := &registry.Project{
		ID:                       uuid.New(),
		OwnerID:                  "alice",
		Name:                     "Cookstoves",
		EstimatedAnnualReduction: reduction,
		MethodologyTag:           "GS-TPDDTEC",
		DocumentAddress:          "bafkreidoc",
		Status:                   status,
	}
	require.NoError(t, store.RunInTx(context.Background(), func(tx registry.Tx) error {
		return tx.CreateProject(context.Background(), p)
	}))
	return p
}

func TestIssueCreatesPendingBatchAndSubmitsMint(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 1000)

	res, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, registry.StatusPending, res.Batch.Status)
	assert.Equal(t, int64(1000), res.Batch.Quantity)
	assert.Equal(t, "alice", res.Batch.BeneficiaryID)

	op, ok := sim.Operation(res.Batch.SubmissionID)
	require.True(t, ok)
	assert.Equal(t, ledger.OperationMint, op.Operation.Kind)
	assert.Equal(t, "bafkreidoc", op.Operation.CertificateURI)
	assert.Equal(t, "alice", op.Operation.To)

	// Nothing circulates before confirmation.
	supply, err := store.SupplyOf(ctx, res.Batch.ID)
	require.NoError(t, err)
	assert.Zero(t, supply.Minted)
	assert.Zero(t, supply.Circulating)
}

func TestIssueRequiresApprovedProject(t *testing.T) {
	store := registry.NewMemoryStore()
	c := NewCoordinator(store, ledger.NewSimulator(), nil, nil, zap.NewNop())
	ctx := context.Background()

	submitted := seedProject(t, store, registry.ProjectStatusSubmitted, 10)
	_, err := c.Issue(ctx, submitted.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = c.Issue(ctx, uuid.New())
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestIssueTwiceReturnsExistingBatch(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 1000)

	first, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)
	second, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.ErrorIs(t, second.Err(), lifecycle.ErrDuplicateIssuance)
	assert.NoError(t, first.Err())
	assert.Equal(t, first.Batch.ID, second.Batch.ID)
	assert.Len(t, sim.Operations(), 1)
}

func TestConcurrentIssueYieldsOneBatch(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 500)

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Issue(ctx, project.ID)
			if assert.NoError(t, err) {
				ids <- res.Batch.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uuid.UUID]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	batches, err := store.ListBatches(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
	assert.Len(t, sim.Operations(), 1)
}

func TestIssueSynchronousRejectionFailsBatch(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 1000)

	sim.RejectNext(1)
	res, err := c.Issue(ctx, project.ID)
	assert.ErrorIs(t, err, lifecycle.ErrSynchronousRejection)
	require.NotNil(t, res)
	assert.Equal(t, registry.StatusFailed, res.Batch.Status)
	assert.NotEmpty(t, res.Batch.LastError)

}

func TestIssueAfterRejectionReturnsFailedBatch(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 1000)

	sim.RejectNext(1)
	first, err := c.Issue(ctx, project.ID)
	require.ErrorIs(t, err, lifecycle.ErrSynchronousRejection)

	again, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Batch.ID, again.Batch.ID)
	assert.Equal(t, registry.StatusFailed, again.Batch.Status)
	assert.Equal(t, first.Batch.SubmissionID, again.Batch.SubmissionID)
	assert.Len(t, sim.Operations(), 1, "a rejected mint is never resubmitted")
}

func TestIssueTransientErrorLeavesBatchPending(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 1000)

	sim.DropNext(1)
	res, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, res.Batch.Status)

	stored, err := store.GetBatch(ctx, res.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SubmitAttempts)
	assert.NotEmpty(t, stored.LastError)
	_, known := sim.Operation(res.Batch.SubmissionID)
	assert.False(t, known)
}

func TestApplyMintIsIdempotent(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 1000)

	res, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)

	applied, err := c.ApplyMint(ctx, res.Batch.SubmissionID, ledger.StatusConfirmed)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = c.ApplyMint(ctx, res.Batch.SubmissionID, ledger.StatusConfirmed)
	require.NoError(t, err)
	assert.False(t, applied)

	holding, err := store.GetHolding(ctx, res.Batch.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), holding.Quantity)

	supply, err := store.SupplyOf(ctx, res.Batch.ID)
	require.NoError(t, err)
	assert.True(t, supply.Balanced())
	assert.Equal(t, int64(1000), supply.Minted)
}

func TestApplyMintFailureCreditsNothing(t *testing.T) {
	store := registry.NewMemoryStore()
	c := NewCoordinator(store, ledger.NewSimulator(), nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 1000)

	res, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)
	applied, err := c.ApplyMint(ctx, res.Batch.SubmissionID, ledger.StatusFailed)
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = store.GetHolding(ctx, res.Batch.ID, "alice")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	stored, err := store.GetBatch(ctx, res.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, string(lifecycle.KindAsyncFailure))

	_, err = c.ApplyMint(ctx, res.Batch.SubmissionID, ledger.StatusPending)
	assert.Error(t, err)
}

func TestApplyMintIgnoresOutcomeForOtherSubmission(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()
	project := seedProject(t, store, registry.ProjectStatusApproved, 1000)

	res, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)

	// An outcome for a submission the batch does not carry is stale.
	applied, err := c.ApplyMint(ctx, newSubmissionID(), ledger.StatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := store.GetBatch(ctx, res.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, stored.Status)
	assert.Equal(t, res.Batch.SubmissionID, stored.SubmissionID)

	// The live submission still settles normally, exactly once.
	applied, err = c.ApplyMint(ctx, res.Batch.SubmissionID, ledger.StatusConfirmed)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = c.ApplyMint(ctx, res.Batch.SubmissionID, ledger.StatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	again, err := c.Issue(ctx, project.ID)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, registry.StatusConfirmed, again.Batch.Status)
	assert.Len(t, sim.Operations(), 1)
}

func TestIssueSurvivesCancelledConcurrentCaller(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	locks := keylock.New()
	c := NewCoordinator(store, sim, locks, nil, zap.NewNop())
	project := seedProject(t, store, registry.ProjectStatusApproved, 700)

	// Hold the project lock so the shared execution parks inside prepare.
	unlock, err := locks.Lock(context.Background(), "project:"+project.ID.String())
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Issue(ctxA, project.ID)
		errA <- err
	}()

	type outcome struct {
		res *Result
		err error
	}
	resB := make(chan outcome, 1)
	go func() {
		res, err := c.Issue(context.Background(), project.ID)
		resB <- outcome{res, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}
	unlock()

	select {
	case got := <-resB:
		require.NoError(t, got.err)
		require.NotNil(t, got.res)
		assert.Equal(t, int64(700), got.res.Batch.Quantity)
	case <-time.After(2 * time.Second):
		t.Fatal("live caller did not return")
	}

	batches, err := store.ListBatches(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
	assert.Len(t, sim.Operations(), 1)
}

type MockIssuer struct {
	mock.Mock
}

func (m *MockIssuer) Issue(ctx context.Context, projectID uuid.UUID) (*Result, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Result), args.Error(1)
}

func TestWorkerIssuesQueuedProjects(t *testing.T) {
	store := registry.NewMemoryStore()
	issuer := new(MockIssuer)
	projectID := uuid.New()
	done := make(chan struct{})
	issuer.On("Issue", mock.Anything, projectID).
		Return(&Result{Batch: &registry.CreditBatch{ID: uuid.New()}}, nil).
		Run(func(mock.Arguments) { close(done) }).
		Once()

	w := NewWorker(issuer, store, zap.NewNop(), WorkerConfig{QueueSize: 1, MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	w.Enqueue(ctx, projectID)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not issue the queued project")
	}
	w.Stop()
	issuer.AssertExpectations(t)
}

func TestWorkerSweepIssuesApprovedProjectsWithoutBatch(t *testing.T) {
	store := registry.NewMemoryStore()
	sim := ledger.NewSimulator()
	c := NewCoordinator(store, sim, nil, nil, zap.NewNop())
	ctx := context.Background()

	pending := seedProject(t, store, registry.ProjectStatusApproved, 100)
	issued := seedProject(t, store, registry.ProjectStatusApproved, 200)
	seedProject(t, store, registry.ProjectStatusSubmitted, 300)
	_, err := c.Issue(ctx, issued.ID)
	require.NoError(t, err)

	w := NewWorker(c, store, zap.NewNop(), DefaultWorkerConfig())
	w.Sweep(ctx)

	batch, err := store.GetBatchByProject(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), batch.Quantity)
	assert.Len(t, sim.Operations(), 2)
}

func TestEnqueueDoesNotBlockWhenFull(t *testing.T) {
	w := NewWorker(new(MockIssuer), registry.NewMemoryStore(), zap.NewNop(), WorkerConfig{QueueSize: 1})
	ctx := context.Background()

	finished := make(chan struct{})
	go func() {
		w.Enqueue(ctx, uuid.New())
		w.Enqueue(ctx, uuid.New())
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}
