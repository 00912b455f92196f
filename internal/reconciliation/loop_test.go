package reconciliation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/alerts"
	"carbon-scribe/credit-lifecycle/internal/documents"
	"carbon-scribe/credit-lifecycle/internal/issuance"
	"carbon-scribe/credit-lifecycle/internal/ledger"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/internal/retirement"
	"carbon-scribe/credit-lifecycle/internal/trading"
	"carbon-scribe/credit-lifecycle/internal/verification"
	"carbon-scribe/credit-lifecycle/pkg/keylock"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
	"carbon-scribe/credit-lifecycle/pkg/pdf"
	"carbon-scribe/credit-lifecycle/pkg/storage"
)

var (
	alice = lifecycle.Caller{ID: "alice", Role: lifecycle.RoleOwner}
	bob   = lifecycle.Caller{ID: "bob", Role: lifecycle.RoleOwner}
	vera  = lifecycle.Caller{ID: "vera", Role: lifecycle.RoleVerifier}
)

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) Warn(ctx context.Context, alert alerts.Alert) {
	m.Called(ctx, alert)
}

func (m *MockAlerter) Critical(ctx context.Context, alert alerts.Alert) {
	m.Called(ctx, alert)
}

// flakyStore fails every CreditHolding while failCredits is set
type flakyStore struct {
	*registry.MemoryStore
	failCredits atomic.Bool
}

type flakyTx struct {
	registry.Tx
	store *flakyStore
}

func (s *flakyStore) RunInTx(ctx context.Context, fn func(tx registry.Tx) error) error {
	return s.MemoryStore.RunInTx(ctx, func(tx registry.Tx) error {
		return fn(flakyTx{Tx: tx, store: s})
	})
}

func (tx flakyTx) CreditHolding(ctx context.Context, batchID uuid.UUID, ownerID string, qty int64) (*registry.Holding, error) {
	if tx.store.failCredits.Load() {
		return nil, errors.New("registry unavailable")
	}
	return tx.Tx.CreditHolding(ctx, batchID, ownerID, qty)
}

type harness struct {
	store        registry.Store
	sim          *ledger.Simulator
	verification *verification.Service
	issuance     *issuance.Coordinator
	trading      *trading.Coordinator
	retirement   *retirement.Coordinator
	metrics      *Metrics
	loop         *Loop
}

func newHarness(t *testing.T, store registry.Store, alerter alerts.Alerter) *harness {
	t.Helper()
	logger := zap.NewNop()
	sim := ledger.NewSimulator()
	locks := keylock.New()
	docs := documents.NewContentStore(storage.NewMemoryClient(), "certificates", 0, logger)

	h := &harness{
		store:        store,
		sim:          sim,
		verification: verification.NewService(store, docs, nil, nil, logger),
		issuance:     issuance.NewCoordinator(store, sim, locks, nil, logger),
		trading:      trading.NewCoordinator(store, sim, locks, nil, logger),
		retirement:   retirement.NewCoordinator(store, sim, locks, docs, pdf.NewGenerator("Test Registry"), nil, logger),
		metrics:      NewMetrics(prometheus.NewRegistry()),
	}
	h.loop = NewLoop(store, sim, Appliers{
		Mint:        h.issuance,
		Transfers:   h.trading,
		Retirements: h.retirement,
	}, alerter, nil, h.metrics, logger, DefaultConfig())
	return h
}

// issueConfirmed walks a project from submission to a confirmed batch
func (h *harness) issueConfirmed(t *testing.T, reduction int64) *registry.CreditBatch {
	t.Helper()
	ctx := context.Background()

	project, err := h.verification.SubmitProject(ctx, alice, verification.SubmitRequest{
		Name:                     "Mangrove restoration",
		EstimatedAnnualReduction: reduction,
		MethodologyTag:           "VM0033",
		DocumentAddress:          "bafkreiproject",
	})
	require.NoError(t, err)
	_, err = h.verification.Approve(ctx, vera, project.ID)
	require.NoError(t, err)

	result, err := h.issuance.Issue(ctx, project.ID)
	require.NoError(t, err)
	require.True(t, h.sim.Confirm(result.Batch.SubmissionID))

	summary, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Confirmed)

	batch, err := h.store.GetBatch(ctx, result.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusConfirmed, batch.Status)
	return batch
}

func holdingOf(t *testing.T, store registry.Reader, batchID uuid.UUID, owner string) int64 {
	t.Helper()
	holding, err := store.GetHolding(context.Background(), batchID, owner)
	if errors.Is(err, registry.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return holding.Quantity
}

func TestLifecycleEndToEnd(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 1000)
	assert.Equal(t, int64(1000), holdingOf(t, h.store, batch.ID, "alice"))

	transfer, err := h.trading.Transfer(ctx, alice, trading.TransferRequest{BatchID: batch.ID, To: "bob", Quantity: 400})
	require.NoError(t, err)
	require.True(t, h.sim.Confirm(transfer.SubmissionID))

	summary, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Confirmed)
	assert.Equal(t, int64(600), holdingOf(t, h.store, batch.ID, "alice"))
	assert.Equal(t, int64(400), holdingOf(t, h.store, batch.ID, "bob"))

	cert, err := h.retirement.Retire(ctx, bob, retirement.RetireRequest{BatchID: batch.ID, Quantity: 400, Reason: "offset 2025 flights"})
	require.NoError(t, err)
	assert.Zero(t, holdingOf(t, h.store, batch.ID, "bob"))
	require.True(t, h.sim.Fail(cert.SubmissionID))

	summary, err = h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, int64(400), holdingOf(t, h.store, batch.ID, "bob"))
	_, err = h.retirement.GetCertificate(ctx, cert.ID)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)

	supply, err := h.store.SupplyOf(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), supply.Minted)
	assert.Zero(t, supply.Retired)
	assert.True(t, supply.Balanced())

	summary, err = h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Checked)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues("transfer", OutcomeConfirmed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues("retire", OutcomeFailed)))
}

func TestRetirementConfirmedThroughLoop(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 500)

	cert, err := h.retirement.Retire(ctx, alice, retirement.RetireRequest{BatchID: batch.ID, Quantity: 200, Reason: "scope 1 offset"})
	require.NoError(t, err)
	require.True(t, h.sim.Confirm(cert.SubmissionID))

	summary, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Confirmed)

	final, err := h.retirement.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusConfirmed, final.Status)
	require.NotNil(t, final.CertificateNumber)
	assert.NotEmpty(t, final.DocumentAddress)

	supply, err := h.store.SupplyOf(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), supply.Retired)
	assert.True(t, supply.Balanced())
}

func TestObservedOutcomeAppliedOnce(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 100)

	// A second apply of the same confirmation is a no-op.
	applied, err := h.issuance.ApplyMint(ctx, batch.SubmissionID, ledger.StatusConfirmed)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(100), holdingOf(t, h.store, batch.ID, "alice"))
}

func TestPendingOperationsStayPending(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 100)

	_, err := h.trading.Transfer(ctx, alice, trading.TransferRequest{BatchID: batch.ID, To: "bob", Quantity: 10})
	require.NoError(t, err)

	summary, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Pending.WithLabelValues("transfer")))

	// A failed status query is retried on the next pass.
	h.sim.FailQueries(1)
	summary, err = h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, int64(90), holdingOf(t, h.store, batch.ID, "alice"))
}

func TestUnknownSubmissionIsResubmitted(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 100)

	h.sim.DropNext(1)
	transfer, err := h.trading.Transfer(ctx, alice, trading.TransferRequest{BatchID: batch.ID, To: "bob", Quantity: 25})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, transfer.Status)
	_, known := h.sim.Operation(transfer.SubmissionID)
	require.False(t, known)

	summary, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resubmitted)

	op, known := h.sim.Operation(transfer.SubmissionID)
	require.True(t, known)
	assert.Equal(t, ledger.OperationTransfer, op.Operation.Kind)
	assert.Equal(t, int64(25), op.Operation.Quantity)

	require.True(t, h.sim.Confirm(transfer.SubmissionID))
	summary, err = h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Confirmed)
	assert.Equal(t, int64(25), holdingOf(t, h.store, batch.ID, "bob"))
}

func TestRejectedResubmissionIsCompensated(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 100)

	h.sim.DropNext(1)
	cert, err := h.retirement.Retire(ctx, alice, retirement.RetireRequest{BatchID: batch.ID, Quantity: 60, Reason: "offset"})
	require.NoError(t, err)
	assert.Equal(t, int64(40), holdingOf(t, h.store, batch.ID, "alice"))

	h.sim.RejectNext(1)
	summary, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, int64(100), holdingOf(t, h.store, batch.ID, "alice"))
	_, err = h.store.GetCertificate(ctx, cert.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCompensationFailureRaisesCriticalAlert(t *testing.T) {
	store := &flakyStore{MemoryStore: registry.NewMemoryStore()}
	alerter := new(MockAlerter)
	h := newHarness(t, store, alerter)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 100)

	transfer, err := h.trading.Transfer(ctx, alice, trading.TransferRequest{BatchID: batch.ID, To: "bob", Quantity: 70})
	require.NoError(t, err)
	require.True(t, h.sim.Fail(transfer.SubmissionID))

	alerter.On("Critical", mock.Anything, mock.MatchedBy(func(a alerts.Alert) bool {
		return a.Details["submission_id"] == transfer.SubmissionID && a.Details["kind"] == "transfer"
	})).Once()

	store.failCredits.Store(true)
	summary, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CompensationFailures.WithLabelValues("transfer")))

	// The transfer stays pending so the next pass retries the compensation.
	stored, err := store.GetTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, stored.Status)
	assert.Equal(t, int64(30), holdingOf(t, store, batch.ID, "alice"))

	store.failCredits.Store(false)
	summary, err = h.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, int64(100), holdingOf(t, store, batch.ID, "alice"))
	alerter.AssertExpectations(t)
}

func TestStaleOperationAlertsOnce(t *testing.T) {
	alerter := new(MockAlerter)
	h := newHarness(t, registry.NewMemoryStore(), alerter)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 100)

	transfer, err := h.trading.Transfer(ctx, alice, trading.TransferRequest{BatchID: batch.ID, To: "bob", Quantity: 5})
	require.NoError(t, err)

	alerter.On("Warn", mock.Anything, mock.MatchedBy(func(a alerts.Alert) bool {
		return a.Key == "stale:"+transfer.SubmissionID
	})).Once()

	h.loop.clock = func() time.Time { return time.Now().Add(time.Hour) }
	for i := 0; i < 3; i++ {
		summary, err := h.loop.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Pending)
	}

	alerter.AssertExpectations(t)
	alerter.AssertNumberOfCalls(t, "Warn", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.StaleOperations.WithLabelValues("transfer")))
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.loop.Start(ctx))
	assert.Error(t, h.loop.Start(ctx))
	h.loop.Stop()
	h.loop.Stop()
}

func TestRestartKeepsOneSchedule(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.loop.Start(ctx))
		assert.Len(t, h.loop.cron.Entries(), 1)
		h.loop.Stop()
	}
	assert.Empty(t, h.loop.cron.Entries())

	// Cancelling the context after a manual Stop is harmless.
	cancel()
	require.NoError(t, h.loop.Start(context.Background()))
	h.loop.Stop()
}

// slowLedger records how many status queries overlap
type slowLedger struct {
	ledger.Client
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *slowLedger) QueryStatus(ctx context.Context, submissionID string) (ledger.Status, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return s.Client.QueryStatus(ctx, submissionID)
}

func TestConcurrentPassesAreSerialized(t *testing.T) {
	h := newHarness(t, registry.NewMemoryStore(), nil)
	ctx := context.Background()
	batch := h.issueConfirmed(t, 100)

	_, err := h.trading.Transfer(ctx, alice, trading.TransferRequest{BatchID: batch.ID, To: "bob", Quantity: 10})
	require.NoError(t, err)

	slow := &slowLedger{Client: h.sim}
	loop := NewLoop(h.store, slow, Appliers{
		Mint:        h.issuance,
		Transfers:   h.trading,
		Retirements: h.retirement,
	}, nil, nil, nil, zap.NewNop(), DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := loop.RunOnce(ctx)
			if assert.NoError(t, err) {
				assert.Equal(t, 1, summary.Pending)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), slow.maxInFlight.Load())
}
