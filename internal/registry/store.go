// Package registry is the off-chain system of record for projects,
// verification decisions, credit batches, holdings, transfers and retirement
// certificates. It knows nothing about the token ledger.
package registry

import (
	"context"

	"github.com/google/uuid"
)

// Reader holds the side-effect free queries. Every read is safe to poll.
type Reader interface {
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]Project, error)
	CountProjects(ctx context.Context) (map[ProjectStatus]int64, error)
	GetVerification(ctx context.Context, projectID uuid.UUID) (*VerificationRecord, error)

	GetBatch(ctx context.Context, id uuid.UUID) (*CreditBatch, error)
	GetBatchByProject(ctx context.Context, projectID uuid.UUID) (*CreditBatch, error)
	GetBatchBySubmission(ctx context.Context, submissionID string) (*CreditBatch, error)
	ListBatches(ctx context.Context, status *Status) ([]CreditBatch, error)

	GetHolding(ctx context.Context, batchID uuid.UUID, ownerID string) (*Holding, error)
	ListHoldings(ctx context.Context, filter HoldingFilter) ([]Holding, error)

	GetTransfer(ctx context.Context, id uuid.UUID) (*TransferRecord, error)
	GetTransferBySubmission(ctx context.Context, submissionID string) (*TransferRecord, error)
	ListTransfers(ctx context.Context, status *Status) ([]TransferRecord, error)

	GetCertificate(ctx context.Context, id uuid.UUID) (*RetirementCertificate, error)
	GetCertificateBySubmission(ctx context.Context, submissionID string) (*RetirementCertificate, error)
	ListCertificates(ctx context.Context, filter CertificateFilter) ([]RetirementCertificate, error)

	SupplyOf(ctx context.Context, batchID uuid.UUID) (*Supply, error)

	GetListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	SearchListings(ctx context.Context, filter ListingFilter) ([]MarketListing, error)
}

// Tx is a unit of work. Writes are only reachable through RunInTx, and a
// function that returns an error leaves the store untouched.
//
// Set*Status methods are compare-and-set: they report false, without error,
// when the row is not in the expected state. That is how re-applying an
// already-applied ledger outcome becomes a no-op.
type Tx interface {
	Reader

	CreateProject(ctx context.Context, p *Project) error
	SetProjectStatus(ctx context.Context, id uuid.UUID, from, to ProjectStatus) (bool, error)
	CreateVerification(ctx context.Context, v *VerificationRecord) error

	CreateBatch(ctx context.Context, b *CreditBatch) error
	SetBatchStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)
	// SettleBatch moves a pending batch to a final status, but only while the
	// batch still carries submissionID. A non-empty lastError is recorded.
	SettleBatch(ctx context.Context, id uuid.UUID, submissionID string, to Status, lastError string) (bool, error)
	RecordBatchAttempt(ctx context.Context, id uuid.UUID, lastError string) error

	// CreditHolding adds qty to the holding, creating it when absent.
	CreditHolding(ctx context.Context, batchID uuid.UUID, ownerID string, qty int64) (*Holding, error)
	// DebitHolding removes qty only if the holding has at least qty; otherwise
	// it returns ErrInsufficientBalance and mutates nothing.
	DebitHolding(ctx context.Context, batchID uuid.UUID, ownerID string, qty int64) (*Holding, error)

	CreateTransfer(ctx context.Context, t *TransferRecord) error
	SetTransferStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)

	CreateCertificate(ctx context.Context, c *RetirementCertificate) error
	ConfirmCertificate(ctx context.Context, id uuid.UUID, number string) (bool, error)
	DeletePendingCertificate(ctx context.Context, id uuid.UUID) (bool, error)
	SetCertificateDocument(ctx context.Context, id uuid.UUID, address string) error

	CreateListing(ctx context.Context, l *Listing) error
	// ReserveListing takes qty from an open listing with at least qty
	// remaining and closes it when nothing is left. It reports false otherwise.
	ReserveListing(ctx context.Context, id uuid.UUID, qty int64) (bool, error)
	// ReleaseListing hands qty back and reopens a listing closed by sales.
	ReleaseListing(ctx context.Context, id uuid.UUID, qty int64) error
	SetListingStatus(ctx context.Context, id uuid.UUID, from, to ListingStatus) (bool, error)
}

// Store is the registry handle shared by every coordinator.
type Store interface {
	Reader
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}
