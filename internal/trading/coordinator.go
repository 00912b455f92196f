// Package trading moves credits between identities. The sender's holding is
// debited when the transfer is accepted and credited back if the ledger
// fails it.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/ledger"
	"carbon-scribe/credit-lifecycle/internal/notifications"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/keylock"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

// TransferRequest moves Quantity credits of BatchID from the caller to To
type TransferRequest struct {
	BatchID  uuid.UUID `json:"batch_id" binding:"required"`
	To       string    `json:"to" binding:"required"`
	Quantity int64     `json:"quantity" binding:"required"`
}

// Coordinator implements transfers and applies their ledger outcomes
type Coordinator struct {
	store     registry.Store
	ledger    ledger.Client
	locks     *keylock.Locker
	publisher notifications.Publisher
	logger    *zap.Logger
	clock     func() time.Time
}

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
		locks:     locks,
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
}

// Transfer debits the caller's holding, records a pending transfer and
// submits it. The returned record is pending unless the ledger rejected it
// outright.
func (c *Coordinator) Transfer(ctx context.Context, from lifecycle.Caller, req TransferRequest) (*registry.TransferRecord, error) {
	to := strings.TrimSpace(req.To)
	switch {
	case from.ID == "":
		return nil, lifecycle.InvalidArgument("sender identity is required")
	case to == "":
		return nil, lifecycle.InvalidArgument("recipient identity is required")
	case to == from.ID:
		return nil, lifecycle.InvalidArgument("sender and recipient must differ")
	case req.Quantity <= 0:
		return nil, lifecycle.InvalidArgument("quantity must be positive")
	}

	record := &registry.TransferRecord{
		ID:           uuid.New(),
		BatchID:      req.BatchID,
		FromID:       from.ID,
		ToID:         to,
		Quantity:     req.Quantity,
		SubmissionID: "transfer-" + uuid.NewString(),
		Status:       registry.StatusPending,
	}
	if err := c.reserve(ctx, record, nil); err != nil {
		return nil, err
	}
	return c.submit(ctx, record)
}

// submit sends a reserved transfer to the ledger
func (c *Coordinator) submit(ctx context.Context, record *registry.TransferRecord) (*registry.TransferRecord, error) {
	err := c.ledger.Submit(ctx, TransferOperation(record))
	switch {
	case err == nil:
		c.logger.Info("Transfer submitted",
			zap.String("transfer_id", record.ID.String()),
			zap.String("submission_id", record.SubmissionID),
			zap.String("from", record.FromID),
			zap.String("to", record.ToID),
			zap.Int64("quantity", record.Quantity))
	case ledger.IsRejection(err):
		if _, cerr := c.ApplyTransfer(ctx, record.ID, ledger.StatusFailed); cerr != nil {
			// The record stays pending; reconciliation resubmits, sees the
			// rejection again and retries the compensation.
			c.logger.Error("Failed to compensate rejected transfer",
				zap.String("transfer_id", record.ID.String()), zap.Error(cerr))
			return record, lifecycle.SynchronousRejection(err, "transfer %s was rejected", record.ID)
		}
		failed, gerr := c.store.GetTransfer(ctx, record.ID)
		if gerr != nil {
			failed = record
		}
		return failed, lifecycle.SynchronousRejection(err, "transfer %s was rejected", record.ID)
	default:
		c.logger.Warn("Transfer submission outcome unknown",
			zap.String("transfer_id", record.ID.String()),
			zap.String("submission_id", record.SubmissionID),
			zap.Error(err))
	}

	c.publish(ctx, notifications.EventTransferSubmitted, record)
	return record, nil
}

// reserve is the check-and-debit. The per-holding lock is held for the
// registry transaction only. take, when set, runs first in the same
// transaction.
func (c *Coordinator) reserve(ctx context.Context, record *registry.TransferRecord, take func(tx registry.Tx) error) error {
	unlock, err := c.locks.Lock(ctx, registry.HoldingLockKey(record.BatchID, record.FromID))
	if err != nil {
		return err
	}
	defer unlock()

	return c.store.RunInTx(ctx, func(tx registry.Tx) error {
		batch, err := tx.GetBatch(ctx, record.BatchID)
		if errors.Is(err, registry.ErrNotFound) {
			return lifecycle.NotFound("batch %s not found", record.BatchID)
		}
		if err != nil {
			return err
		}
		if batch.Status != registry.StatusConfirmed {
			return lifecycle.InvalidTransition("batch %s is %s, only confirmed credits can move", batch.ID, batch.Status)
		}
		if take != nil {
			if err := take(tx); err != nil {
				return err
			}
		}
		if _, err := tx.DebitHolding(ctx, record.BatchID, record.FromID, record.Quantity); err != nil {
			if errors.Is(err, registry.ErrInsufficientBalance) {
				return lifecycle.InsufficientBalance("%s cannot transfer %d from batch %s", record.FromID, record.Quantity, record.BatchID)
			}
			return err
		}
		return tx.CreateTransfer(ctx, record)
	})
}

// ApplyTransfer applies a final ledger outcome. Confirmation credits the
// recipient; failure credits the sender back and, for a purchase, returns
// the quantity to the listing. Re-applying is a no-op.
func (c *Coordinator) ApplyTransfer(ctx context.Context, transferID uuid.UUID, status ledger.Status) (bool, error) {
	current, err := c.store.GetTransfer(ctx, transferID)
	if err != nil {
		return false, err
	}

	var (
		target registry.Status
		holder string
	)
	switch status {
	case ledger.StatusConfirmed:
		target, holder = registry.StatusConfirmed, current.ToID
	case ledger.StatusFailed:
		target, holder = registry.StatusFailed, current.FromID
	default:
		return false, fmt.Errorf("cannot apply non-final status %q", status)
	}

	unlock, err := c.locks.Lock(ctx, registry.HoldingLockKey(current.BatchID, holder))
	if err != nil {
		return false, err
	}
	defer unlock()

	var (
		applied bool
		record  *registry.TransferRecord
	)
	err = c.store.RunInTx(ctx, func(tx registry.Tx) error {
		ok, err := tx.SetTransferStatus(ctx, transferID, registry.StatusPending, target)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.CreditHolding(ctx, current.BatchID, holder, current.Quantity); err != nil {
			return err
		}
		if target == registry.StatusFailed && current.ListingID != nil {
			if err := tx.ReleaseListing(ctx, *current.ListingID, current.Quantity); err != nil {
				return err
			}
		}
		applied = true
		record, err = tx.GetTransfer(ctx, transferID)
		return err
	})
	if err != nil || !applied {
		return false, err
	}

	c.logger.Info("Transfer settled",
		zap.String("transfer_id", transferID.String()),
		zap.String("submission_id", record.SubmissionID),
		zap.String("status", string(record.Status)))
	c.publish(ctx, notifications.EventTransferSettled, record)
	return true, nil
}

// GetTransfer returns a transfer by id
func (c *Coordinator) GetTransfer(ctx context.Context, id uuid.UUID) (*registry.TransferRecord, error) {
	t, err := c.store.GetTransfer(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, lifecycle.NotFound("transfer %s not found", id)
	}
	return t, err
}

// TransferOperation builds the ledger request for a transfer
func TransferOperation(record *registry.TransferRecord) ledger.Operation {
	return ledger.Operation{
		Kind:         ledger.OperationTransfer,
		SubmissionID: record.SubmissionID,
		BatchID:      record.BatchID,
		From:         record.FromID,
		To:           record.ToID,
		Quantity:     record.Quantity,
	}
}

func (c *Coordinator) publish(ctx context.Context, typ notifications.EventType, record *registry.TransferRecord) {
	c.publisher.Publish(ctx, notifications.Event{
		Type:         typ,
		EntityID:     record.ID.String(),
		SubmissionID: record.SubmissionID,
		Status:       string(record.Status),
		OwnerIDs:     []string{record.FromID, record.ToID},
		At:           c.clock().UTC(),
	})
}
