// Package retirement permanently removes credits from circulation and issues
// a certificate once the retire operation is final on the ledger.
package retirement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/documents"
	"carbon-scribe/credit-lifecycle/internal/ledger"
	"carbon-scribe/credit-lifecycle/internal/notifications"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/keylock"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
	"carbon-scribe/credit-lifecycle/pkg/pdf"
)

const numberAttempts = 3

// RetireRequest retires Quantity credits of BatchID held by the caller
type RetireRequest struct {
	BatchID  uuid.UUID `json:"batch_id" binding:"required"`
	Quantity int64     `json:"quantity" binding:"required"`
	Reason   string    `json:"reason" binding:"required"`
}

// Coordinator implements retirement and applies its ledger outcomes
type Coordinator struct {
	store     registry.Store
	ledger    ledger.Client
	locks     *keylock.Locker
	docs      documents.Store
	renderer  pdf.Generator
	publisher notifications.Publisher
	logger    *zap.Logger
	clock     func() time.Time
}

// NewCoordinator creates the retirement coordinator. docs and renderer may
// be nil, in which case confirmed certificates carry no document.
func NewCoordinator(store registry.Store, client ledger.Client, locks *keylock.Locker, docs documents.Store, renderer pdf.Generator, publisher notifications.Publisher, logger *zap.Logger) *Coordinator {
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
		docs:      docs,
		renderer:  renderer,
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
}

// Retire debits the holder, writes a pending certificate placeholder and
// submits the retire operation.
func (c *Coordinator) Retire(ctx context.Context, holder lifecycle.Caller, req RetireRequest) (*registry.RetirementCertificate, error) {
	reason := strings.TrimSpace(req.Reason)
	switch {
	case holder.ID == "":
		return nil, lifecycle.InvalidArgument("holder identity is required")
	case reason == "":
		return nil, lifecycle.InvalidArgument("a retirement reason is required")
	case req.Quantity <= 0:
		return nil, lifecycle.InvalidArgument("quantity must be positive")
	}

	cert := &registry.RetirementCertificate{
		ID:           uuid.New(),
		BatchID:      req.BatchID,
		HolderID:     holder.ID,
		Quantity:     req.Quantity,
		Reason:       reason,
		SubmissionID: "retire-" + uuid.NewString(),
		Status:       registry.StatusPending,
	}
	if err := c.reserve(ctx, cert); err != nil {
		return nil, err
	}

	err := c.ledger.Submit(ctx, RetireOperation(cert))
	switch {
	case err == nil:
		c.logger.Info("Retirement submitted",
			zap.String("certificate_id", cert.ID.String()),
			zap.String("submission_id", cert.SubmissionID),
			zap.String("holder", cert.HolderID),
			zap.Int64("quantity", cert.Quantity))
	case ledger.IsRejection(err):
		if _, cerr := c.ApplyRetirement(ctx, cert.ID, ledger.StatusFailed); cerr != nil {
			c.logger.Error("Failed to compensate rejected retirement",
				zap.String("certificate_id", cert.ID.String()), zap.Error(cerr))
			return cert, lifecycle.SynchronousRejection(err, "retirement %s was rejected", cert.ID)
		}
		return nil, lifecycle.SynchronousRejection(err, "retirement of %d from batch %s was rejected", cert.Quantity, cert.BatchID)
	default:
		c.logger.Warn("Retirement submission outcome unknown",
			zap.String("certificate_id", cert.ID.String()),
			zap.String("submission_id", cert.SubmissionID),
			zap.Error(err))
	}

	c.publish(ctx, notifications.EventRetireSubmitted, cert)
	return cert, nil
}

func (c *Coordinator) reserve(ctx context.Context, cert *registry.RetirementCertificate) error {
	unlock, err := c.locks.Lock(ctx, registry.HoldingLockKey(cert.BatchID, cert.HolderID))
	if err != nil {
		return err
	}
	defer unlock()

	return c.store.RunInTx(ctx, func(tx registry.Tx) error {
		batch, err := tx.GetBatch(ctx, cert.BatchID)
		if errors.Is(err, registry.ErrNotFound) {
			return lifecycle.NotFound("batch %s not found", cert.BatchID)
		}
		if err != nil {
			return err
		}
		if batch.Status != registry.StatusConfirmed {
			return lifecycle.InvalidTransition("batch %s is %s, only confirmed credits can be retired", batch.ID, batch.Status)
		}
		if _, err := tx.DebitHolding(ctx, cert.BatchID, cert.HolderID, cert.Quantity); err != nil {
			if errors.Is(err, registry.ErrInsufficientBalance) {
				return lifecycle.InsufficientBalance("%s cannot retire %d from batch %s", cert.HolderID, cert.Quantity, cert.BatchID)
			}
			return err
		}
		return tx.CreateCertificate(ctx, cert)
	})
}

// ApplyRetirement applies a final ledger outcome. Confirmation is terminal
// and assigns the certificate number; failure deletes the placeholder and
// credits the holder back. Re-applying is a no-op.
func (c *Coordinator) ApplyRetirement(ctx context.Context, certID uuid.UUID, status ledger.Status) (bool, error) {
	current, err := c.store.GetCertificate(ctx, certID)
	if errors.Is(err, registry.ErrNotFound) {
		// A failed retirement leaves no placeholder behind.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch status {
	case ledger.StatusConfirmed:
		return c.confirm(ctx, current)
	case ledger.StatusFailed:
		return c.compensate(ctx, current)
	default:
		return false, fmt.Errorf("cannot apply non-final status %q", status)
	}
}

func (c *Coordinator) confirm(ctx context.Context, current *registry.RetirementCertificate) (bool, error) {
	var (
		applied bool
		err     error
	)
	for attempt := 0; attempt < numberAttempts; attempt++ {
		number := c.certificateNumber()
		err = c.store.RunInTx(ctx, func(tx registry.Tx) error {
			ok, err := tx.ConfirmCertificate(ctx, current.ID, number)
			applied = ok
			return err
		})
		if !errors.Is(err, registry.ErrConflict) {
			break
		}
	}
	if err != nil || !applied {
		return false, err
	}

	cert, err := c.store.GetCertificate(ctx, current.ID)
	if err != nil {
		return true, err
	}
	c.logger.Info("Retirement confirmed",
		zap.String("certificate_id", cert.ID.String()),
		zap.String("certificate_number", *cert.CertificateNumber),
		zap.String("submission_id", cert.SubmissionID))

	if err := c.RenderDocument(ctx, cert); err != nil {
		// Reconciliation picks up confirmed certificates without a document.
		c.logger.Warn("Failed to render certificate document",
			zap.String("certificate_id", cert.ID.String()), zap.Error(err))
	}
	c.publish(ctx, notifications.EventRetireSettled, cert)
	return true, nil
}

func (c *Coordinator) compensate(ctx context.Context, current *registry.RetirementCertificate) (bool, error) {
	unlock, err := c.locks.Lock(ctx, registry.HoldingLockKey(current.BatchID, current.HolderID))
	if err != nil {
		return false, err
	}
	defer unlock()

	var applied bool
	err = c.store.RunInTx(ctx, func(tx registry.Tx) error {
		ok, err := tx.DeletePendingCertificate(ctx, current.ID)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.CreditHolding(ctx, current.BatchID, current.HolderID, current.Quantity); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false, err
	}

	failed := *current
	failed.Status = registry.StatusFailed
	c.logger.Info("Retirement failed, holding restored",
		zap.String("certificate_id", current.ID.String()),
		zap.String("submission_id", current.SubmissionID),
		zap.Int64("quantity", current.Quantity))
	c.publish(ctx, notifications.EventRetireSettled, &failed)
	return true, nil
}

// RenderDocument renders and stores the PDF for a confirmed certificate and
// attaches its address
func (c *Coordinator) RenderDocument(ctx context.Context, cert *registry.RetirementCertificate) error {
	if c.docs == nil || c.renderer == nil {
		return nil
	}
	if cert.Status != registry.StatusConfirmed || cert.CertificateNumber == nil {
		return fmt.Errorf("certificate %s is not confirmed", cert.ID)
	}

	data := pdf.CertificateData{
		CertificateNumber: *cert.CertificateNumber,
		HolderID:          cert.HolderID,
		BatchID:           cert.BatchID.String(),
		Quantity:          cert.Quantity,
		Reason:            cert.Reason,
		SubmissionID:      cert.SubmissionID,
		RetiredAt:         c.clock().UTC(),
	}
	if cert.ConfirmedAt != nil {
		data.RetiredAt = cert.ConfirmedAt.UTC()
	}
	if batch, err := c.store.GetBatch(ctx, cert.BatchID); err == nil {
		if project, err := c.store.GetProject(ctx, batch.ProjectID); err == nil {
			data.ProjectName = project.Name
			data.MethodologyTag = project.MethodologyTag
		}
	}

	body, err := c.renderer.Certificate(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to render certificate: %w", err)
	}
	address, err := c.docs.Put(ctx, body, "application/pdf")
	if err != nil {
		return fmt.Errorf("failed to store certificate: %w", err)
	}
	if err := c.store.RunInTx(ctx, func(tx registry.Tx) error {
		return tx.SetCertificateDocument(ctx, cert.ID, address)
	}); err != nil {
		return err
	}
	cert.DocumentAddress = address
	return nil
}

// RenderMissingDocuments retries documents for confirmed certificates that
// have none. It returns how many were rendered.
func (c *Coordinator) RenderMissingDocuments(ctx context.Context) (int, error) {
	if c.docs == nil || c.renderer == nil {
		return 0, nil
	}
	confirmed := registry.StatusConfirmed
	certs, err := c.store.ListCertificates(ctx, registry.CertificateFilter{Status: &confirmed})
	if err != nil {
		return 0, err
	}
	rendered := 0
	for i := range certs {
		if certs[i].DocumentAddress != "" {
			continue
		}
		if err := c.RenderDocument(ctx, &certs[i]); err != nil {
			c.logger.Warn("Certificate document still missing",
				zap.String("certificate_id", certs[i].ID.String()), zap.Error(err))
			continue
		}
		rendered++
	}
	return rendered, nil
}

// GetCertificate returns a certificate by id
func (c *Coordinator) GetCertificate(ctx context.Context, id uuid.UUID) (*registry.RetirementCertificate, error) {
	cert, err := c.store.GetCertificate(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, lifecycle.NotFound("certificate %s not found", id)
	}
	return cert, err
}

// ListCertificates lists certificates, optionally narrowed by holder and status
func (c *Coordinator) ListCertificates(ctx context.Context, filter registry.CertificateFilter) ([]registry.RetirementCertificate, error) {
	return c.store.ListCertificates(ctx, filter)
}

// CertificateDocument returns the stored PDF of a confirmed certificate
func (c *Coordinator) CertificateDocument(ctx context.Context, id uuid.UUID) ([]byte, error) {
	cert, err := c.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if cert.DocumentAddress == "" || c.docs == nil {
		return nil, lifecycle.NotFound("certificate %s has no document yet", id)
	}
	body, err := c.docs.Get(ctx, cert.DocumentAddress)
	if errors.Is(err, documents.ErrNotFound) {
		return nil, lifecycle.NotFound("certificate document %s not found", cert.DocumentAddress)
	}
	return body, err
}

// certificateNumber returns CERT-<year>-<8 hex>
func (c *Coordinator) certificateNumber() string {
	id := uuid.New()
	return fmt.Sprintf("CERT-%d-%s", c.clock().UTC().Year(), strings.ToUpper(hex.EncodeToString(id[:4])))
}

// RetireOperation builds the ledger request for a retirement
func RetireOperation(cert *registry.RetirementCertificate) ledger.Operation {
	return ledger.Operation{
		Kind:         ledger.OperationRetire,
		SubmissionID: cert.SubmissionID,
		BatchID:      cert.BatchID,
		From:         cert.HolderID,
		Quantity:     cert.Quantity,
		Reason:       cert.Reason,
	}
}

func (c *Coordinator) publish(ctx context.Context, typ notifications.EventType, cert *registry.RetirementCertificate) {
	c.publisher.Publish(ctx, notifications.Event{
		Type:         typ,
		EntityID:     cert.ID.String(),
		SubmissionID: cert.SubmissionID,
		Status:       string(cert.Status),
		OwnerIDs:     []string{cert.HolderID},
		At:           c.clock().UTC(),
	})
}
