// Package reconciliation drives every pending ledger operation to a final
// registry state. It is the only path by which asynchronous ledger outcomes
// reach the registry.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carbon-scribe/credit-lifecycle/internal/alerts"
	"carbon-scribe/credit-lifecycle/internal/issuance"
	"carbon-scribe/credit-lifecycle/internal/ledger"
	"carbon-scribe/credit-lifecycle/internal/notifications"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/internal/retirement"
	"carbon-scribe/credit-lifecycle/internal/trading"
)

// Outcome labels used in logs and metrics
const (
	OutcomeConfirmed   = "confirmed"
	OutcomeFailed      = "failed"
	OutcomePending     = "pending"
	OutcomeResubmitted = "resubmitted"
	OutcomeNoop        = "noop"
	OutcomeError       = "error"
)

// MintApplier applies a final mint outcome to the registry. Outcomes are
// keyed by submission id so one observed for a submission the batch no
// longer carries changes nothing.
type MintApplier interface {
	ApplyMint(ctx context.Context, submissionID string, status ledger.Status) (bool, error)
}

// TransferApplier applies a final transfer outcome to the registry
type TransferApplier interface {
	ApplyTransfer(ctx context.Context, transferID uuid.UUID, status ledger.Status) (bool, error)
}

// RetirementApplier applies a final retire outcome and backfills certificate
// documents that could not be rendered at confirmation time.
type RetirementApplier interface {
	ApplyRetirement(ctx context.Context, certID uuid.UUID, status ledger.Status) (bool, error)
	RenderMissingDocuments(ctx context.Context) (int, error)
}

// Appliers groups the coordinators the loop settles operations through
type Appliers struct {
	Mint        MintApplier
	Transfers   TransferApplier
	Retirements RetirementApplier
}

// Config controls the loop cadence
type Config struct {
	Interval    time.Duration `json:"interval"`
	StaleAfter  time.Duration `json:"stale_after"`
	Concurrency int           `json:"concurrency"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Second,
		StaleAfter:  10 * time.Minute,
		Concurrency: 8,
	}
}

// Summary counts what one pass did
type Summary struct {
	Checked           int `json:"checked"`
	Confirmed         int `json:"confirmed"`
	Failed            int `json:"failed"`
	Resubmitted       int `json:"resubmitted"`
	Pending           int `json:"pending"`
	Errors            int `json:"errors"`
	Stale             int `json:"stale"`
	DocumentsRendered int `json:"documents_rendered"`
}

// pendingOp is one registry row awaiting ledger finality
type pendingOp struct {
	kind         ledger.OperationKind
	entityID     uuid.UUID
	submissionID string
	since        time.Time
	owners       []string

	operation func(ctx context.Context) (ledger.Operation, error)
	apply     func(ctx context.Context, status ledger.Status) (bool, error)
}

// compensates reports whether a failed outcome restores debited credits
func (p pendingOp) compensates() bool {
	return p.kind == ledger.OperationTransfer || p.kind == ledger.OperationRetire
}

// Loop polls the ledger for every pending operation
type Loop struct {
	store     registry.Reader
	ledger    ledger.Client
	appliers  Appliers
	alerts    alerts.Alerter
	publisher notifications.Publisher
	metrics   *Metrics
	logger    *zap.Logger
	config    Config
	clock     func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	entry   cron.EntryID
	stop    chan struct{}

	// runMu serializes scheduled and manually triggered passes
	runMu sync.Mutex

	staleMu   sync.Mutex
	staleSeen map[string]struct{}
}

// NewLoop creates a reconciliation loop. alerter, publisher and metrics may be nil.
func NewLoop(
	store registry.Reader,
	client ledger.Client,
	appliers Appliers,
	alerter alerts.Alerter,
	publisher notifications.Publisher,
	metrics *Metrics,
	logger *zap.Logger,
	config Config,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alerter == nil {
		alerter = alerts.NewEngine(time.Hour, logger, alerts.NewLogSink(logger))
	}
	if publisher == nil {
		publisher = notifications.NopPublisher{}
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	return &Loop{
		store:     store,
		ledger:    client,
		appliers:  appliers,
		alerts:    alerter,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		config:    config,
		clock:     time.Now,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		staleSeen: make(map[string]struct{}),
	}
}

// Start schedules a pass every Interval until ctx is cancelled or Stop is called
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("reconciliation loop already running")
	}

	spec := fmt.Sprintf("@every %s", l.config.Interval)
	entry, err := l.cron.AddFunc(spec, func() { l.tick(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	l.entry = entry
	l.stop = make(chan struct{})
	l.running = true
	l.cron.Start()

	l.logger.Info("Reconciliation loop started",
		zap.Duration("interval", l.config.Interval),
		zap.Duration("stale_after", l.config.StaleAfter))

	stop := l.stop
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-stop:
		}
	}()
	return nil
}

// Stop stops scheduling and waits for a running pass to finish
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cron.Remove(l.entry)
	close(l.stop)
	l.mu.Unlock()

	<-l.cron.Stop().Done()
	l.logger.Info("Reconciliation loop stopped")
}

func (l *Loop) tick(ctx context.Context) {
	start := l.clock()
	summary, err := l.RunOnce(ctx)
	l.metrics.observeTick(l.clock().Sub(start))
	if err != nil {
		l.metrics.incTick("error")
		l.logger.Error("Reconciliation pass failed", zap.Error(err))
		return
	}
	l.metrics.incTick("ok")
	if summary.Checked > 0 || summary.DocumentsRendered > 0 {
		l.logger.Info("Reconciliation pass complete",
			zap.Int("checked", summary.Checked),
			zap.Int("confirmed", summary.Confirmed),
			zap.Int("failed", summary.Failed),
			zap.Int("resubmitted", summary.Resubmitted),
			zap.Int("pending", summary.Pending),
			zap.Int("errors", summary.Errors),
			zap.Int("documents_rendered", summary.DocumentsRendered))
	}
}

// RunOnce queries the ledger for every pending operation and applies the
// final ones. Per-operation failures are logged and left for the next pass.
// Concurrent calls run one after another.
func (l *Loop) RunOnce(ctx context.Context) (*Summary, error) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	ops, err := l.pending(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		summary   = &Summary{Checked: len(ops)}
		remaining = make(map[ledger.OperationKind]int)
	)

	g := new(errgroup.Group)
	g.SetLimit(l.config.Concurrency)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			outcome, stale := l.reconcile(ctx, op)
			l.metrics.incOutcome(string(op.kind), outcome)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeConfirmed:
				summary.Confirmed++
			case OutcomeFailed:
				summary.Failed++
			case OutcomeResubmitted:
				summary.Resubmitted++
			case OutcomePending:
				summary.Pending++
			case OutcomeError:
				summary.Errors++
			}
			if stale {
				summary.Stale++
			}
			if outcome != OutcomeConfirmed && outcome != OutcomeFailed && outcome != OutcomeNoop {
				remaining[op.kind]++
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, kind := range []ledger.OperationKind{ledger.OperationMint, ledger.OperationTransfer, ledger.OperationRetire} {
		l.metrics.setPending(string(kind), remaining[kind])
	}

	if l.appliers.Retirements != nil {
		rendered, err := l.appliers.Retirements.RenderMissingDocuments(ctx)
		if err != nil {
			l.logger.Warn("Certificate document backfill failed", zap.Error(err))
		}
		summary.DocumentsRendered = rendered
	}
	return summary, nil
}

// reconcile settles one operation and reports its outcome and whether it
// was reported stale during this pass.
func (l *Loop) reconcile(ctx context.Context, op pendingOp) (string, bool) {
	log := l.logger.With(
		zap.String("kind", string(op.kind)),
		zap.String("entity_id", op.entityID.String()),
		zap.String("submission_id", op.submissionID))

	status, err := l.ledger.QueryStatus(ctx, op.submissionID)
	switch {
	case errors.Is(err, ledger.ErrUnknownSubmission):
		outcome, resolved := l.resubmit(ctx, op, log)
		if !resolved {
			return outcome, l.checkStale(ctx, op)
		}
		status = ledger.StatusFailed
	case err != nil:
		log.Warn("Ledger status query failed", zap.Error(err))
		return OutcomeError, l.checkStale(ctx, op)
	}

	if status != ledger.StatusConfirmed && status != ledger.StatusFailed {
		return OutcomePending, l.checkStale(ctx, op)
	}

	applied, err := op.apply(ctx, status)
	if err != nil {
		if status == ledger.StatusFailed && op.compensates() {
			l.compensationFailed(ctx, op, err)
		} else {
			log.Error("Failed to apply ledger outcome", zap.String("status", string(status)), zap.Error(err))
		}
		return OutcomeError, false
	}
	l.forgetStale(op.submissionID)
	if !applied {
		return OutcomeNoop, false
	}
	if status == ledger.StatusConfirmed {
		return OutcomeConfirmed, false
	}
	return OutcomeFailed, false
}

// resubmit re-sends an operation the ledger has never seen under its
// original submission id. resolved is true when the ledger refused it,
// which the caller settles as a failure.
func (l *Loop) resubmit(ctx context.Context, op pendingOp, log *zap.Logger) (outcome string, resolved bool) {
	request, err := op.operation(ctx)
	if err != nil {
		log.Error("Failed to rebuild ledger operation", zap.Error(err))
		return OutcomeError, false
	}
	err = l.ledger.Submit(ctx, request)
	switch {
	case err == nil:
		log.Info("Resubmitted operation unknown to the ledger")
		return OutcomeResubmitted, false
	case ledger.IsRejection(err):
		log.Warn("Ledger rejected resubmitted operation", zap.Error(err))
		return "", true
	default:
		log.Warn("Resubmission outcome unknown", zap.Error(err))
		return OutcomeError, false
	}
}

func (l *Loop) compensationFailed(ctx context.Context, op pendingOp, cause error) {
	l.metrics.incCompensationFailure(string(op.kind))
	l.logger.Error("Compensation failed",
		zap.String("kind", string(op.kind)),
		zap.String("entity_id", op.entityID.String()),
		zap.String("submission_id", op.submissionID),
		zap.Error(cause))
	l.alerts.Critical(ctx, alerts.Alert{
		Key:      "compensation:" + op.submissionID,
		Severity: alerts.SeverityCritical,
		Title:    fmt.Sprintf("Failed %s could not be compensated", op.kind),
		Message:  fmt.Sprintf("The ledger reported %s as failed but restoring the debited credits failed: %v", op.submissionID, cause),
		Details: map[string]string{
			"kind":          string(op.kind),
			"entity_id":     op.entityID.String(),
			"submission_id": op.submissionID,
		},
		TriggerTime: l.clock().UTC(),
	})
}

// checkStale raises a warning the first time an operation is seen pending
// past StaleAfter. It reports whether it did so.
func (l *Loop) checkStale(ctx context.Context, op pendingOp) bool {
	age := l.clock().Sub(op.since)
	if age < l.config.StaleAfter {
		return false
	}

	l.staleMu.Lock()
	if _, seen := l.staleSeen[op.submissionID]; seen {
		l.staleMu.Unlock()
		return false
	}
	l.staleSeen[op.submissionID] = struct{}{}
	l.staleMu.Unlock()

	l.metrics.incStale(string(op.kind))
	l.alerts.Warn(ctx, alerts.Alert{
		Key:      "stale:" + op.submissionID,
		Severity: alerts.SeverityWarning,
		Title:    fmt.Sprintf("Pending %s is stale", op.kind),
		Message:  fmt.Sprintf("%s has been pending on the ledger for %s", op.submissionID, age.Round(time.Second)),
		Details: map[string]string{
			"kind":          string(op.kind),
			"entity_id":     op.entityID.String(),
			"submission_id": op.submissionID,
			"pending_since": op.since.UTC().Format(time.RFC3339),
		},
		TriggerTime: l.clock().UTC(),
	})
	l.publisher.Publish(ctx, notifications.Event{
		Type:         notifications.EventOperationStale,
		EntityID:     op.entityID.String(),
		SubmissionID: op.submissionID,
		Status:       string(ledger.StatusPending),
		OwnerIDs:     op.owners,
		Detail:       string(op.kind),
		At:           l.clock().UTC(),
	})
	return true
}

func (l *Loop) forgetStale(submissionID string) {
	l.staleMu.Lock()
	delete(l.staleSeen, submissionID)
	l.staleMu.Unlock()
}

// pending collects every pending batch, transfer and certificate
func (l *Loop) pending(ctx context.Context) ([]pendingOp, error) {
	status := registry.StatusPending
	var ops []pendingOp

	if l.appliers.Mint != nil {
		batches, err := l.store.ListBatches(ctx, &status)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending batches: %w", err)
		}
		for i := range batches {
			b := batches[i]
			ops = append(ops, pendingOp{
				kind:         ledger.OperationMint,
				entityID:     b.ID,
				submissionID: b.SubmissionID,
				since:        b.CreatedAt,
				owners:       []string{b.BeneficiaryID},
				operation: func(ctx context.Context) (ledger.Operation, error) {
					project, err := l.store.GetProject(ctx, b.ProjectID)
					if err != nil && !errors.Is(err, registry.ErrNotFound) {
						return ledger.Operation{}, err
					}
					return issuance.MintOperation(&b, project), nil
				},
				apply: func(ctx context.Context, s ledger.Status) (bool, error) {
					return l.appliers.Mint.ApplyMint(ctx, b.SubmissionID, s)
				},
			})
		}
	}

	if l.appliers.Transfers != nil {
		transfers, err := l.store.ListTransfers(ctx, &status)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending transfers: %w", err)
		}
		for i := range transfers {
			t := transfers[i]
			ops = append(ops, pendingOp{
				kind:         ledger.OperationTransfer,
				entityID:     t.ID,
				submissionID: t.SubmissionID,
				since:        t.CreatedAt,
				owners:       []string{t.FromID, t.ToID},
				operation: func(context.Context) (ledger.Operation, error) {
					return trading.TransferOperation(&t), nil
				},
				apply: func(ctx context.Context, s ledger.Status) (bool, error) {
					return l.appliers.Transfers.ApplyTransfer(ctx, t.ID, s)
				},
			})
		}
	}

	if l.appliers.Retirements != nil {
		certs, err := l.store.ListCertificates(ctx, registry.CertificateFilter{Status: &status})
		if err != nil {
			return nil, fmt.Errorf("failed to list pending certificates: %w", err)
		}
		for i := range certs {
			c := certs[i]
			ops = append(ops, pendingOp{
				kind:         ledger.OperationRetire,
				entityID:     c.ID,
				submissionID: c.SubmissionID,
				since:        c.CreatedAt,
				owners:       []string{c.HolderID},
				operation: func(context.Context) (ledger.Operation, error) {
					return retirement.RetireOperation(&c), nil
				},
				apply: func(ctx context.Context, s ledger.Status) (bool, error) {
					return l.appliers.Retirements.ApplyRetirement(ctx, c.ID, s)
				},
			})
		}
	}
	return ops, nil
}
