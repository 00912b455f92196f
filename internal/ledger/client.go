// Package ledger is the adapter to the external token ledger. It is stateless:
// every operation is addressed by the submission id chosen by the caller, and
// the only durable state is the ledger itself.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// OperationKind identifies the on-chain operation
type OperationKind string

const (
	OperationMint     OperationKind = "mint"
	OperationTransfer OperationKind = "transfer"
	OperationRetire   OperationKind = "retire"
)

// Status is the finality of a submitted operation as reported by the ledger
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Operation is a mint, transfer or retire request addressed by SubmissionID
type Operation struct {
	Kind         OperationKind `json:"kind"`
	SubmissionID string        `json:"submission_id"`
	BatchID      uuid.UUID     `json:"batch_id"`
	ProjectID    uuid.UUID     `json:"project_id"`
	From         string        `json:"from,omitempty"`
	To           string        `json:"to,omitempty"`
	Quantity     int64         `json:"quantity"`

	// CertificateURI points at the project's supporting document on mint
	CertificateURI string `json:"certificate_uri,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Validate rejects operations the ledger would refuse outright.
func (op Operation) Validate() error {
	if op.SubmissionID == "" {
		return &RejectionError{SubmissionID: op.SubmissionID, Reason: "submission id is required"}
	}
	if op.Quantity <= 0 {
		return &RejectionError{SubmissionID: op.SubmissionID, Reason: "quantity must be positive"}
	}
	switch op.Kind {
	case OperationMint:
		if op.To == "" {
			return &RejectionError{SubmissionID: op.SubmissionID, Reason: "mint requires a beneficiary"}
		}
	case OperationTransfer:
		if op.From == "" || op.To == "" {
			return &RejectionError{SubmissionID: op.SubmissionID, Reason: "transfer requires sender and recipient"}
		}
	case OperationRetire:
		if op.From == "" {
			return &RejectionError{SubmissionID: op.SubmissionID, Reason: "retire requires a holder"}
		}
	default:
		return &RejectionError{SubmissionID: op.SubmissionID, Reason: fmt.Sprintf("unknown operation kind %q", op.Kind)}
	}
	return nil
}

// Client submits operations and queries their finality.
//
// Submit returns nil when the ledger accepted the operation (outcome unknown),
// a *RejectionError when it refused it outright, and any other error when the
// outcome of the submission itself is unknown. Submitting the same
// SubmissionID twice is safe.
type Client interface {
	Submit(ctx context.Context, op Operation) error
	QueryStatus(ctx context.Context, submissionID string) (Status, error)
}

// ErrUnknownSubmission is returned by QueryStatus when the ledger has never
// seen the submission id.
var ErrUnknownSubmission = errors.New("ledger: unknown submission")

// RejectionError is a synchronous, terminal refusal of a submission
type RejectionError struct {
	SubmissionID string
	Reason       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected submission %s: %s", e.SubmissionID, e.Reason)
}

// IsRejection reports whether err is a synchronous rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
