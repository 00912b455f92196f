package registry

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ProjectStatus represents the verification lifecycle of a project
type ProjectStatus string

const (
	ProjectStatusSubmitted ProjectStatus = "submitted"
	ProjectStatusApproved  ProjectStatus = "approved"
	ProjectStatusRejected  ProjectStatus = "rejected"
)

// Status is the confirmation status of anything mirrored on the token ledger
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Project represents a carbon-reduction project submitted for verification
type Project struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID     string         `json:"owner_id" gorm:"not null;index"`
	Name        string         `json:"name" gorm:"not null"`
	Description string         `json:"description"`
	Metadata    datatypes.JSON `json:"metadata" gorm:"default:'{}'"`

	// Estimated annual reduction in whole tonnes of CO2e
	EstimatedAnnualReduction int64  `json:"estimated_annual_reduction" gorm:"not null"`
	MethodologyTag           string `json:"methodology_tag" gorm:"not null;index"`
	DocumentAddress          string `json:"document_address,omitempty"`

	// Optional GeoJSON boundary and its area
	Boundary     datatypes.JSON `json:"boundary,omitempty"`
	AreaHectares float64        `json:"area_hectares,omitempty"`

	// Marketplace facets
	Location    string `json:"location,omitempty" gorm:"index"`
	ProjectType string `json:"project_type,omitempty" gorm:"index"`

	Status       ProjectStatus `json:"status" gorm:"not null;default:'submitted';index"`
	SupersedesID *uuid.UUID    `json:"supersedes_id,omitempty" gorm:"type:uuid;index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VerificationRecord is the single, immutable decision rendered on a project
type VerificationRecord struct {
	ID         uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	ProjectID  uuid.UUID     `json:"project_id" gorm:"type:uuid;not null;uniqueIndex"`
	VerifierID string        `json:"verifier_id" gorm:"not null"`
	Decision   ProjectStatus `json:"decision" gorm:"not null"`
	Reason     string        `json:"reason,omitempty"`
	DecidedAt  time.Time     `json:"decided_at" gorm:"not null"`
}

// CreditBatch is the mint intent (and, once confirmed, the minted supply) for one project
type CreditBatch struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	ProjectID      uuid.UUID  `json:"project_id" gorm:"type:uuid;not null;uniqueIndex"`
	BeneficiaryID  string     `json:"beneficiary_id" gorm:"not null"`
	Quantity       int64      `json:"quantity" gorm:"not null"`
	SubmissionID   string     `json:"submission_id" gorm:"not null;uniqueIndex"`
	Status         Status     `json:"status" gorm:"not null;default:'pending';index"`
	SubmitAttempts int        `json:"submit_attempts" gorm:"not null;default:0"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
}

// Holding is the quantity of one batch owned by one identity
type Holding struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	BatchID   uuid.UUID `json:"batch_id" gorm:"type:uuid;not null;uniqueIndex:idx_holding_batch_owner"`
	OwnerID   string    `json:"owner_id" gorm:"not null;uniqueIndex:idx_holding_batch_owner;index"`
	Quantity  int64     `json:"quantity" gorm:"not null;default:0;check:quantity >= 0"`
	Version   int64     `json:"version" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransferRecord tracks an ownership change from request to ledger finality
type TransferRecord struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	BatchID      uuid.UUID  `json:"batch_id" gorm:"type:uuid;not null;index"`
	FromID       string     `json:"from_id" gorm:"not null;index"`
	ToID         string     `json:"to_id" gorm:"not null;index"`
	Quantity     int64      `json:"quantity" gorm:"not null"`
	SubmissionID string     `json:"submission_id" gorm:"not null;uniqueIndex"`
	Status       Status     `json:"status" gorm:"not null;default:'pending';index"`
	// Set when the transfer is a marketplace purchase
	ListingID   *uuid.UUID `json:"listing_id,omitempty" gorm:"type:uuid;index"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// RetirementCertificate is a pending placeholder until the retire operation is final,
// then the permanent record of the retired quantity
type RetirementCertificate struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	CertificateNumber *string    `json:"certificate_number,omitempty" gorm:"uniqueIndex"`
	BatchID           uuid.UUID  `json:"batch_id" gorm:"type:uuid;not null;index"`
	HolderID          string     `json:"holder_id" gorm:"not null;index"`
	Quantity          int64      `json:"quantity" gorm:"not null"`
	Reason            string     `json:"reason" gorm:"not null"`
	SubmissionID      string     `json:"submission_id" gorm:"not null;uniqueIndex"`
	Status            Status     `json:"status" gorm:"not null;default:'pending';index"`
	DocumentAddress   string     `json:"document_address,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
}

// ListingStatus is the state of a marketplace offer
type ListingStatus string

const (
	ListingOpen      ListingStatus = "open"
	ListingClosed    ListingStatus = "closed"
	ListingCancelled ListingStatus = "cancelled"
)

// Listing offers part of a seller's holding at a fixed price. Purchases take
// from Remaining when accepted; a purchase the ledger fails gives it back.
// The credits themselves stay in the seller's holding until bought.
type Listing struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	SellerID  string    `json:"seller_id" gorm:"not null;index"`
	BatchID   uuid.UUID `json:"batch_id" gorm:"type:uuid;not null;index"`
	ProjectID uuid.UUID `json:"project_id" gorm:"type:uuid;not null;index"`
	Quantity  int64     `json:"quantity" gorm:"not null"`
	Remaining int64     `json:"remaining" gorm:"not null;check:remaining >= 0"`
	// Minor currency units per credit
	PricePerCredit int64         `json:"price_per_credit" gorm:"not null"`
	Currency       string        `json:"currency" gorm:"not null;default:'USD'"`
	Status         ListingStatus `json:"status" gorm:"not null;default:'open';index"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// MarketListing is a listing with the facets of the project behind it
type MarketListing struct {
	Listing
	ProjectName string `json:"project_name"`
	Location    string `json:"location,omitempty"`
	ProjectType string `json:"project_type,omitempty"`
}

// ListingFilter narrows SearchListings. Query matches the project name or
// description and Location matches by substring, both ignoring case.
// ProjectType matches exactly, ignoring case.
type ListingFilter struct {
	Query       string
	Location    string
	ProjectType string
	SellerID    string
	BatchID     *uuid.UUID
	Status      *ListingStatus
	Limit       int
}

// Supply is the accounting view of one batch
type Supply struct {
	BatchID     uuid.UUID `json:"batch_id"`
	Minted      int64     `json:"minted"`
	Circulating int64     `json:"circulating"`
	PendingOut  int64     `json:"pending_out"`
	Retired     int64     `json:"retired"`
}

// Balanced reports whether every minted credit is accounted for.
// In-flight debits are counted because they were removed from holdings optimistically.
func (s Supply) Balanced() bool {
	return s.Circulating+s.PendingOut+s.Retired == s.Minted
}

// ProjectFilter narrows ListProjects
type ProjectFilter struct {
	Status  *ProjectStatus
	OwnerID string
	Limit   int
}

// HoldingFilter narrows ListHoldings
type HoldingFilter struct {
	BatchID *uuid.UUID
	OwnerID string
}

// CertificateFilter narrows ListCertificates
type CertificateFilter struct {
	Status   *Status
	HolderID string
	BatchID  *uuid.UUID
}

// HoldingLockKey names the (batch, owner) holding for per-holding serialization
func HoldingLockKey(batchID uuid.UUID, ownerID string) string {
	return "holding:" + batchID.String() + ":" + ownerID
}
