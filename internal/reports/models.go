// Package reports produces the supply audit: for every batch, where each
// minted credit currently sits.
package reports

import (
	"time"

	"github.com/google/uuid"

	"carbon-scribe/credit-lifecycle/internal/registry"
)

// ExportFormat is the output format of a report download
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
)

// SupplyRow is the accounting view of one batch
type SupplyRow struct {
	BatchID       uuid.UUID       `json:"batch_id" db:"batch_id"`
	ProjectID     uuid.UUID       `json:"project_id" db:"project_id"`
	ProjectName   string          `json:"project_name" db:"project_name"`
	BeneficiaryID string          `json:"beneficiary_id" db:"beneficiary_id"`
	Status        registry.Status `json:"status" db:"status"`
	Minted        int64           `json:"minted" db:"minted"`
	Circulating   int64           `json:"circulating" db:"circulating"`
	PendingOut    int64           `json:"pending_out" db:"pending_out"`
	Retired       int64           `json:"retired" db:"retired"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	Balanced      bool            `json:"balanced" db:"-"`
}

// supply converts a row to the registry's accounting type
func (r SupplyRow) supply() registry.Supply {
	return registry.Supply{
		BatchID:     r.BatchID,
		Minted:      r.Minted,
		Circulating: r.Circulating,
		PendingOut:  r.PendingOut,
		Retired:     r.Retired,
	}
}

// SupplyTotals sums every row of a report
type SupplyTotals struct {
	Batches     int   `json:"batches"`
	Minted      int64 `json:"minted"`
	Circulating int64 `json:"circulating"`
	PendingOut  int64 `json:"pending_out"`
	Retired     int64 `json:"retired"`
	Unbalanced  int   `json:"unbalanced"`
}

// SupplyReport is the full audit
type SupplyReport struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Rows        []SupplyRow  `json:"rows"`
	Totals      SupplyTotals `json:"totals"`
}

// Unbalanced returns the rows whose credits are not all accounted for
func (r *SupplyReport) Unbalanced() []SupplyRow {
	var out []SupplyRow
	for _, row := range r.Rows {
		if !row.Balanced {
			out = append(out, row)
		}
	}
	return out
}

// SupplyFilter narrows a supply report. An empty Statuses means every batch.
type SupplyFilter struct {
	Statuses  []registry.Status
	ProjectID *uuid.UUID
}
