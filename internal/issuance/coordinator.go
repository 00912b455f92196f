// Package issuance turns approved projects into credit batches and mints them
// on the token ledger.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"carbon-scribe/credit-lifecycle/internal/ledger"
	"carbon-scribe/credit-lifecycle/internal/notifications"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/keylock"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

// Result is the outcome of Issue. Duplicate is set when the project already
// had a batch and nothing new was submitted.
type Result struct {
	Batch     *registry.CreditBatch `json:"batch"`
	Duplicate bool                  `json:"duplicate"`
}

// Err returns the DuplicateIssuance no-op for a duplicate result and nil
// otherwise. Callers treat it as information, not failure.
func (r *Result) Err() error {
	if r == nil || !r.Duplicate || r.Batch == nil {
		return nil
	}
	return lifecycle.DuplicateIssuance("project %s already has batch %s (%s)", r.Batch.ProjectID, r.Batch.ID, r.Batch.Status)
}

// Coordinator implements the issuance operation and applies mint outcomes
type Coordinator struct {
	store     registry.Store
	ledger    ledger.Client
	publisher notifications.Publisher
	logger    *zap.Logger

	locks  *keylock.Locker
	flight singleflight.Group
	clock  func() time.Time
}

// NewCoordinator creates the issuance coordinator. locks is shared with the
// other coordinators that mutate holdings; nil creates a private one.
func NewCoordinator(store registry.Store, client ledger.Client, locks *keylock.Locker, publisher notifications.Publisher, logger *zap.Logger) *Coordinator {
	if locks == nil {
		locks = keylock.New()
	}
	if publisher == nil {
		publisher = notifications.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		ledger:    client,
		publisher: publisher,
		logger:    logger,
		locks:     locks,
		clock:     time.Now,
	}
}

func newSubmissionID() string {
	return "mint-" + uuid.NewString()
}

// Issue creates (or returns) the single batch for an approved project and
// submits its mint. The batch row is durable before the ledger is contacted.
//
// Concurrent calls for the same project inside this process share one
// execution; across processes the unique project index on batches decides.
// The shared execution does not inherit cancellation from whichever caller
// started it. Each caller stops waiting when its own ctx is done.
func (c *Coordinator) Issue(ctx context.Context, projectID uuid.UUID) (*Result, error) {
	ch := c.flight.DoChan(projectID.String(), func() (interface{}, error) {
		return c.issue(context.WithoutCancel(ctx), projectID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(*Result)
		return res, r.Err
	}
}

func (c *Coordinator) issue(ctx context.Context, projectID uuid.UUID) (*Result, error) {
	batch, project, duplicate, err := c.prepare(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if duplicate {
		c.logger.Debug("Project already has a batch",
			zap.String("project_id", projectID.String()),
			zap.String("batch_id", batch.ID.String()),
			zap.String("status", string(batch.Status)))
		return &Result{Batch: batch, Duplicate: true}, nil
	}

	// No registry lock is held past this point.
	err = c.ledger.Submit(ctx, MintOperation(batch, project))
	switch {
	case err == nil:
		c.logger.Info("Mint submitted",
			zap.String("batch_id", batch.ID.String()),
			zap.String("submission_id", batch.SubmissionID),
			zap.Int64("quantity", batch.Quantity))
	case ledger.IsRejection(err):
		failed, ferr := c.markRejected(ctx, batch, err)
		if ferr != nil {
			return nil, fmt.Errorf("failed to record mint rejection: %w", ferr)
		}
		return &Result{Batch: failed}, lifecycle.SynchronousRejection(err, "mint for project %s was rejected", projectID)
	default:
		// Outcome unknown. The batch stays pending and reconciliation resubmits
		// under the same submission id if the ledger never saw it.
		c.logger.Warn("Mint submission outcome unknown",
			zap.String("batch_id", batch.ID.String()),
			zap.String("submission_id", batch.SubmissionID),
			zap.Error(err))
		if aerr := c.recordAttempt(ctx, batch.ID, err.Error()); aerr != nil {
			c.logger.Error("Failed to record mint attempt", zap.String("batch_id", batch.ID.String()), zap.Error(aerr))
		}
	}

	c.publish(ctx, notifications.EventBatchSubmitted, batch)
	return &Result{Batch: batch}, nil
}

// prepare writes the pending batch under the per-project lock and returns it.
// An existing batch, failed ones included, is returned as a duplicate: a
// rejected mint is terminal for its project.
func (c *Coordinator) prepare(ctx context.Context, projectID uuid.UUID) (*registry.CreditBatch, *registry.Project, bool, error) {
	unlock, err := c.locks.Lock(ctx, "project:"+projectID.String())
	if err != nil {
		return nil, nil, false, err
	}
	defer unlock()

	var (
		batch     *registry.CreditBatch
		project   *registry.Project
		duplicate bool
	)
	err = c.store.RunInTx(ctx, func(tx registry.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if errors.Is(err, registry.ErrNotFound) {
			return lifecycle.NotFound("project %s not found", projectID)
		}
		if err != nil {
			return err
		}
		if p.Status != registry.ProjectStatusApproved {
			return lifecycle.InvalidTransition("project %s is %s, only approved projects are issued", projectID, p.Status)
		}
		project = p

		existing, err := tx.GetBatchByProject(ctx, projectID)
		switch {
		case err == nil:
			batch, duplicate = existing, true
			return nil
		case !errors.Is(err, registry.ErrNotFound):
			return err
		}

		b := &registry.CreditBatch{
			ID:            uuid.New(),
			ProjectID:     projectID,
			BeneficiaryID: p.OwnerID,
			Quantity:      p.EstimatedAnnualReduction,
			SubmissionID:  newSubmissionID(),
			Status:        registry.StatusPending,
		}
		if err := tx.CreateBatch(ctx, b); err != nil {
			return err
		}
		batch = b
		return nil
	})
	if errors.Is(err, registry.ErrConflict) {
		// Another instance created the batch first.
		existing, gerr := c.store.GetBatchByProject(ctx, projectID)
		if gerr != nil {
			return nil, nil, false, gerr
		}
		return existing, project, true, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return batch, project, duplicate, nil
}

func (c *Coordinator) markRejected(ctx context.Context, batch *registry.CreditBatch, cause error) (*registry.CreditBatch, error) {
	var failed *registry.CreditBatch
	err := c.store.RunInTx(ctx, func(tx registry.Tx) error {
		if _, err := tx.SetBatchStatus(ctx, batch.ID, registry.StatusPending, registry.StatusFailed); err != nil {
			return err
		}
		if err := tx.RecordBatchAttempt(ctx, batch.ID, cause.Error()); err != nil {
			return err
		}
		var err error
		failed, err = tx.GetBatch(ctx, batch.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Warn("Mint rejected by ledger",
		zap.String("batch_id", batch.ID.String()),
		zap.String("submission_id", batch.SubmissionID),
		zap.Error(cause))
	c.publish(ctx, notifications.EventBatchSettled, failed)
	return failed, nil
}

func (c *Coordinator) recordAttempt(ctx context.Context, batchID uuid.UUID, lastError string) error {
	return c.store.RunInTx(ctx, func(tx registry.Tx) error {
		return tx.RecordBatchAttempt(ctx, batchID, lastError)
	})
}

// ApplyMint applies the final ledger outcome of one mint submission. It
// reports whether anything changed. Re-applying an outcome, or applying one
// for a submission no pending batch carries, is a no-op.
func (c *Coordinator) ApplyMint(ctx context.Context, submissionID string, status ledger.Status) (bool, error) {
	if status != ledger.StatusConfirmed && status != ledger.StatusFailed {
		return false, fmt.Errorf("cannot apply non-final status %q", status)
	}
	current, err := c.store.GetBatchBySubmission(ctx, submissionID)
	if errors.Is(err, registry.ErrNotFound) {
		c.logger.Warn("Ignoring mint outcome for unknown submission",
			zap.String("submission_id", submissionID),
			zap.String("status", string(status)))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	unlock, err := c.locks.Lock(ctx, registry.HoldingLockKey(current.ID, current.BeneficiaryID))
	if err != nil {
		return false, err
	}
	defer unlock()

	var (
		applied bool
		batch   *registry.CreditBatch
	)
	err = c.store.RunInTx(ctx, func(tx registry.Tx) error {
		b, err := tx.GetBatch(ctx, current.ID)
		if err != nil {
			return err
		}
		if status == ledger.StatusConfirmed {
			ok, err := tx.SettleBatch(ctx, b.ID, submissionID, registry.StatusConfirmed, "")
			if err != nil || !ok {
				return err
			}
			if _, err := tx.CreditHolding(ctx, b.ID, b.BeneficiaryID, b.Quantity); err != nil {
				return err
			}
		} else {
			// Nothing was credited, so there is nothing to compensate.
			cause := lifecycle.AsyncFailure(nil, "ledger reported mint %s failed", submissionID)
			ok, err := tx.SettleBatch(ctx, b.ID, submissionID, registry.StatusFailed, cause.Error())
			if err != nil || !ok {
				return err
			}
		}
		applied = true
		batch, err = tx.GetBatch(ctx, b.ID)
		return err
	})
	if err != nil || !applied {
		return false, err
	}

	c.logger.Info("Mint settled",
		zap.String("batch_id", batch.ID.String()),
		zap.String("submission_id", submissionID),
		zap.String("status", string(batch.Status)))
	c.publish(ctx, notifications.EventBatchSettled, batch)
	return true, nil
}

// GetBatch returns a batch by id
func (c *Coordinator) GetBatch(ctx context.Context, id uuid.UUID) (*registry.CreditBatch, error) {
	b, err := c.store.GetBatch(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, lifecycle.NotFound("batch %s not found", id)
	}
	return b, err
}

// ListBatches lists batches, optionally by status
func (c *Coordinator) ListBatches(ctx context.Context, status *registry.Status) ([]registry.CreditBatch, error) {
	return c.store.ListBatches(ctx, status)
}

// Supply returns the accounting view of a batch
func (c *Coordinator) Supply(ctx context.Context, id uuid.UUID) (*registry.Supply, error) {
	s, err := c.store.SupplyOf(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, lifecycle.NotFound("batch %s not found", id)
	}
	return s, err
}

// MintOperation builds the ledger request for a batch
func MintOperation(batch *registry.CreditBatch, project *registry.Project) ledger.Operation {
	op := ledger.Operation{
		Kind:         ledger.OperationMint,
		SubmissionID: batch.SubmissionID,
		BatchID:      batch.ID,
		ProjectID:    batch.ProjectID,
		To:           batch.BeneficiaryID,
		Quantity:     batch.Quantity,
	}
	if project != nil {
		op.CertificateURI = project.DocumentAddress
	}
	return op
}

func (c *Coordinator) publish(ctx context.Context, typ notifications.EventType, batch *registry.CreditBatch) {
	c.publisher.Publish(ctx, notifications.Event{
		Type:         typ,
		EntityID:     batch.ID.String(),
		SubmissionID: batch.SubmissionID,
		Status:       string(batch.Status),
		OwnerIDs:     []string{batch.BeneficiaryID},
		At:           c.clock().UTC(),
	})
}
