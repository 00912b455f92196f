package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Repository defines the interface for supply data access
type Repository interface {
	BatchSupply(ctx context.Context, filter SupplyFilter) ([]SupplyRow, error)
}

// PostgresRepository reads the registry tables directly with sqlx
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres opens a sqlx handle on the registry database
func OpenPostgres(dsn string, maxOpen int, maxLifetime time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open reports database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	return db, nil
}

const batchSupplyQuery = `
	SELECT
		b.id AS batch_id,
		b.project_id,
		COALESCE(p.name, '') AS project_name,
		b.beneficiary_id,
		b.status,
		CASE WHEN b.status = 'confirmed' THEN b.quantity ELSE 0 END AS minted,
		COALESCE(h.total, 0) AS circulating,
		COALESCE(t.total, 0) + COALESCE(rp.total, 0) AS pending_out,
		COALESCE(rc.total, 0) AS retired,
		b.created_at
	FROM credit_batches b
	LEFT JOIN projects p ON p.id = b.project_id
	LEFT JOIN (
		SELECT batch_id, SUM(quantity) AS total FROM holdings GROUP BY batch_id
	) h ON h.batch_id = b.id
	LEFT JOIN (
		SELECT batch_id, SUM(quantity) AS total FROM transfer_records
		WHERE status = 'pending' GROUP BY batch_id
	) t ON t.batch_id = b.id
	LEFT JOIN (
		SELECT batch_id, SUM(quantity) AS total FROM retirement_certificates
		WHERE status = 'pending' GROUP BY batch_id
	) rp ON rp.batch_id = b.id
	LEFT JOIN (
		SELECT batch_id, SUM(quantity) AS total FROM retirement_certificates
		WHERE status = 'confirmed' GROUP BY batch_id
	) rc ON rc.batch_id = b.id
	WHERE (cardinality($1::text[]) = 0 OR b.status = ANY($1::text[]))
	  AND ($2::uuid IS NULL OR b.project_id = $2::uuid)
	ORDER BY b.created_at, b.id
`

// BatchSupply computes supply per batch in one statement, so the figures
// come from a single snapshot.
func (r *PostgresRepository) BatchSupply(ctx context.Context, filter SupplyFilter) ([]SupplyRow, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	var projectID interface{}
	if filter.ProjectID != nil {
		projectID = *filter.ProjectID
	}

	var rows []SupplyRow
	if err := r.db.SelectContext(ctx, &rows, batchSupplyQuery, pq.Array(statuses), projectID); err != nil {
		return nil, fmt.Errorf("failed to query batch supply: %w", err)
	}
	for i := range rows {
		rows[i].Balanced = rows[i].supply().Balanced()
	}
	return rows, nil
}
