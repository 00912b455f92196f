package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgresStore is the durable registry. Balance checks are single conditional
// UPDATE statements, so concurrent debits on one holding serialize on its row
// lock and never pass a check against a stale read.
type PostgresStore struct {
	pgReader
	db *gorm.DB
}

// OpenPostgres connects with duplicate-key translation enabled, which the
// store relies on to report ErrConflict.
func OpenPostgres(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access registry connection pool: %w", err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(maxLifetime)
	}
	return db, nil
}

// NewPostgresStore wraps an open gorm handle.
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{db: db}, db: db}
}

// Migrate creates or updates the registry tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&Project{},
		&VerificationRecord{},
		&CreditBatch{},
		&Holding{},
		&TransferRecord{},
		&RetirementCertificate{},
		&Listing{},
	); err != nil {
		return fmt.Errorf("failed to migrate registry: %w", err)
	}
	return nil
}

// RunInTx wraps fn in a database transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgTx{pgReader: pgReader{db: tx}})
	})
}

type pgReader struct {
	db *gorm.DB
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

func (r pgReader) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	var p Project
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r pgReader) ListProjects(ctx context.Context, filter ProjectFilter) ([]Project, error) {
	query := r.db.WithContext(ctx).Model(&Project{}).Order("created_at ASC")
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var projects []Project
	if err := query.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

func (r pgReader) CountProjects(ctx context.Context) (map[ProjectStatus]int64, error) {
	var rows []struct {
		Status ProjectStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&Project{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	counts := map[ProjectStatus]int64{
		ProjectStatusSubmitted: 0,
		ProjectStatusApproved:  0,
		ProjectStatusRejected:  0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r pgReader) GetVerification(ctx context.Context, projectID uuid.UUID) (*VerificationRecord, error) {
	var v VerificationRecord
	if err := r.db.WithContext(ctx).First(&v, "project_id = ?", projectID).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func (r pgReader) GetBatch(ctx context.Context, id uuid.UUID) (*CreditBatch, error) {
	var b CreditBatch
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (r pgReader) GetBatchByProject(ctx context.Context, projectID uuid.UUID) (*CreditBatch, error) {
	var b CreditBatch
	if err := r.db.WithContext(ctx).First(&b, "project_id = ?", projectID).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (r pgReader) GetBatchBySubmission(ctx context.Context, submissionID string) (*CreditBatch, error) {
	var b CreditBatch
	if err := r.db.WithContext(ctx).First(&b, "submission_id = ?", submissionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (r pgReader) ListBatches(ctx context.Context, status *Status) ([]CreditBatch, error) {
	query := r.db.WithContext(ctx).Model(&CreditBatch{}).Order("created_at ASC")
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	var batches []CreditBatch
	if err := query.Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

func (r pgReader) GetHolding(ctx context.Context, batchID uuid.UUID, ownerID string) (*Holding, error) {
	var h Holding
	if err := r.db.WithContext(ctx).
		First(&h, "batch_id = ? AND owner_id = ? AND quantity > 0", batchID, ownerID).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (r pgReader) ListHoldings(ctx context.Context, filter HoldingFilter) ([]Holding, error) {
	query := r.db.WithContext(ctx).Model(&Holding{}).
		Where("quantity > 0").
		Order("batch_id ASC, owner_id ASC")
	if filter.BatchID != nil {
		query = query.Where("batch_id = ?", *filter.BatchID)
	}
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	var holdings []Holding
	if err := query.Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	return holdings, nil
}

func (r pgReader) GetTransfer(ctx context.Context, id uuid.UUID) (*TransferRecord, error) {
	var t TransferRecord
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r pgReader) GetTransferBySubmission(ctx context.Context, submissionID string) (*TransferRecord, error) {
	var t TransferRecord
	if err := r.db.WithContext(ctx).First(&t, "submission_id = ?", submissionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r pgReader) ListTransfers(ctx context.Context, status *Status) ([]TransferRecord, error) {
	query := r.db.WithContext(ctx).Model(&TransferRecord{}).Order("created_at ASC")
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	var transfers []TransferRecord
	if err := query.Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

func (r pgReader) GetCertificate(ctx context.Context, id uuid.UUID) (*RetirementCertificate, error) {
	var c RetirementCertificate
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r pgReader) GetCertificateBySubmission(ctx context.Context, submissionID string) (*RetirementCertificate, error) {
	var c RetirementCertificate
	if err := r.db.WithContext(ctx).First(&c, "submission_id = ?", submissionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r pgReader) ListCertificates(ctx context.Context, filter CertificateFilter) ([]RetirementCertificate, error) {
	query := r.db.WithContext(ctx).Model(&RetirementCertificate{}).Order("created_at ASC")
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.HolderID != "" {
		query = query.Where("holder_id = ?", filter.HolderID)
	}
	if filter.BatchID != nil {
		query = query.Where("batch_id = ?", *filter.BatchID)
	}
	var certs []RetirementCertificate
	if err := query.Find(&certs).Error; err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	return certs, nil
}

func (r pgReader) SupplyOf(ctx context.Context, batchID uuid.UUID) (*Supply, error) {
	batch, err := r.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s := &Supply{BatchID: batchID}
	if batch.Status == StatusConfirmed {
		s.Minted = batch.Quantity
	}
	db := r.db.WithContext(ctx)
	if err := db.Model(&Holding{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("batch_id = ?", batchID).
		Scan(&s.Circulating).Error; err != nil {
		return nil, fmt.Errorf("failed to sum holdings: %w", err)
	}
	var pendingTransfers, pendingRetirements int64
	if err := db.Model(&TransferRecord{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("batch_id = ? AND status = ?", batchID, StatusPending).
		Scan(&pendingTransfers).Error; err != nil {
		return nil, fmt.Errorf("failed to sum pending transfers: %w", err)
	}
	if err := db.Model(&RetirementCertificate{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("batch_id = ? AND status = ?", batchID, StatusPending).
		Scan(&pendingRetirements).Error; err != nil {
		return nil, fmt.Errorf("failed to sum pending retirements: %w", err)
	}
	if err := db.Model(&RetirementCertificate{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("batch_id = ? AND status = ?", batchID, StatusConfirmed).
		Scan(&s.Retired).Error; err != nil {
		return nil, fmt.Errorf("failed to sum retirements: %w", err)
	}
	s.PendingOut = pendingTransfers + pendingRetirements
	return s, nil
}

func (r pgReader) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	var l Listing
	if err := r.db.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// containsPattern builds an ILIKE pattern matching s anywhere
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func (r pgReader) SearchListings(ctx context.Context, filter ListingFilter) ([]MarketListing, error) {
	query := r.db.WithContext(ctx).Model(&Listing{}).
		Select("listings.*, COALESCE(projects.name, '') AS project_name, COALESCE(projects.location, '') AS location, COALESCE(projects.project_type, '') AS project_type").
		Joins("LEFT JOIN projects ON projects.id = listings.project_id").
		Order("listings.price_per_credit ASC, listings.created_at ASC")
	if q := strings.TrimSpace(filter.Query); q != "" {
		pattern := containsPattern(q)
		query = query.Where("projects.name ILIKE ? OR projects.description ILIKE ?", pattern, pattern)
	}
	if loc := strings.TrimSpace(filter.Location); loc != "" {
		query = query.Where("projects.location ILIKE ?", containsPattern(loc))
	}
	if filter.ProjectType != "" {
		query = query.Where("LOWER(projects.project_type) = LOWER(?)", filter.ProjectType)
	}
	if filter.SellerID != "" {
		query = query.Where("listings.seller_id = ?", filter.SellerID)
	}
	if filter.BatchID != nil {
		query = query.Where("listings.batch_id = ?", *filter.BatchID)
	}
	if filter.Status != nil {
		query = query.Where("listings.status = ?", *filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var listings []MarketListing
	if err := query.Scan(&listings).Error; err != nil {
		return nil, fmt.Errorf("failed to search listings: %w", err)
	}
	return listings, nil
}

type pgTx struct {
	pgReader
}

func (t *pgTx) CreateProject(ctx context.Context, p *Project) error {
	if err := t.db.WithContext(ctx).Create(p).Error; err != nil {
		return conflict(err)
	}
	return nil
}

func (t *pgTx) SetProjectStatus(ctx context.Context, id uuid.UUID, from, to ProjectStatus) (bool, error) {
	res := t.db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update project status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := t.GetProject(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (t *pgTx) CreateVerification(ctx context.Context, v *VerificationRecord) error {
	if err := t.db.WithContext(ctx).Create(v).Error; err != nil {
		return conflict(err)
	}
	return nil
}

func (t *pgTx) CreateBatch(ctx context.Context, b *CreditBatch) error {
	if err := t.db.WithContext(ctx).Create(b).Error; err != nil {
		return conflict(err)
	}
	return nil
}

func (t *pgTx) SetBatchStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	if err := checkSettlement(from, to); err != nil {
		return false, err
	}
	now := time.Now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	if to == StatusConfirmed {
		updates["confirmed_at"] = now
	}
	res := t.db.WithContext(ctx).Model(&CreditBatch{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update batch status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *pgTx) SettleBatch(ctx context.Context, id uuid.UUID, submissionID string, to Status, lastError string) (bool, error) {
	if err := checkSettlement(StatusPending, to); err != nil {
		return false, err
	}
	now := time.Now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	if to == StatusConfirmed {
		updates["confirmed_at"] = now
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	res := t.db.WithContext(ctx).Model(&CreditBatch{}).
		Where("id = ? AND submission_id = ? AND status = ?", id, submissionID, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to settle batch: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *pgTx) RecordBatchAttempt(ctx context.Context, id uuid.UUID, lastError string) error {
	res := t.db.WithContext(ctx).Model(&CreditBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"submit_attempts": gorm.Expr("submit_attempts + 1"),
			"last_error":      lastError,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record mint attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CreditHolding(ctx context.Context, batchID uuid.UUID, ownerID string, qty int64) (*Holding, error) {
	now := time.Now()
	h := Holding{
		ID:        uuid.New(),
		BatchID:   batchID,
		OwnerID:   ownerID,
		Quantity:  qty,
		Version:   1,
		UpdatedAt: now,
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "batch_id"}, {Name: "owner_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quantity":   gorm.Expr("holdings.quantity + EXCLUDED.quantity"),
			"version":    gorm.Expr("holdings.version + 1"),
			"updated_at": now,
		}),
	}).Create(&h).Error
	if err != nil {
		return nil, fmt.Errorf("failed to credit holding: %w", err)
	}
	return t.loadHolding(ctx, batchID, ownerID)
}

func (t *pgTx) DebitHolding(ctx context.Context, batchID uuid.UUID, ownerID string, qty int64) (*Holding, error) {
	res := t.db.WithContext(ctx).Model(&Holding{}).
		Where("batch_id = ? AND owner_id = ? AND quantity >= ?", batchID, ownerID, qty).
		Updates(map[string]interface{}{
			"quantity":   gorm.Expr("quantity - ?", qty),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to debit holding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrInsufficientBalance
	}
	return t.loadHolding(ctx, batchID, ownerID)
}

// loadHolding reads a holding including zero-quantity rows.
func (t *pgTx) loadHolding(ctx context.Context, batchID uuid.UUID, ownerID string) (*Holding, error) {
	var h Holding
	if err := t.db.WithContext(ctx).
		First(&h, "batch_id = ? AND owner_id = ?", batchID, ownerID).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (t *pgTx) CreateTransfer(ctx context.Context, tr *TransferRecord) error {
	if err := t.db.WithContext(ctx).Create(tr).Error; err != nil {
		return conflict(err)
	}
	return nil
}

func (t *pgTx) SetTransferStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	if err := checkSettlement(from, to); err != nil {
		return false, err
	}
	now := time.Now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	if to == StatusConfirmed {
		updates["confirmed_at"] = now
	}
	res := t.db.WithContext(ctx).Model(&TransferRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update transfer status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *pgTx) CreateCertificate(ctx context.Context, c *RetirementCertificate) error {
	if err := t.db.WithContext(ctx).Create(c).Error; err != nil {
		return conflict(err)
	}
	return nil
}

func (t *pgTx) ConfirmCertificate(ctx context.Context, id uuid.UUID, number string) (bool, error) {
	res := t.db.WithContext(ctx).Model(&RetirementCertificate{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":             StatusConfirmed,
			"certificate_number": number,
			"confirmed_at":       time.Now(),
		})
	if res.Error != nil {
		return false, conflict(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *pgTx) DeletePendingCertificate(ctx context.Context, id uuid.UUID) (bool, error) {
	res := t.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, StatusPending).
		Delete(&RetirementCertificate{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete certificate placeholder: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *pgTx) SetCertificateDocument(ctx context.Context, id uuid.UUID, address string) error {
	res := t.db.WithContext(ctx).Model(&RetirementCertificate{}).
		Where("id = ?", id).
		Update("document_address", address)
	if res.Error != nil {
		return fmt.Errorf("failed to attach certificate document: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CreateListing(ctx context.Context, l *Listing) error {
	if err := t.db.WithContext(ctx).Create(l).Error; err != nil {
		return conflict(err)
	}
	return nil
}

func (t *pgTx) ReserveListing(ctx context.Context, id uuid.UUID, qty int64) (bool, error) {
	res := t.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ? AND status = ? AND remaining >= ?", id, ListingOpen, qty).
		Updates(map[string]interface{}{
			"remaining":  gorm.Expr("remaining - ?", qty),
			"status":     gorm.Expr("CASE WHEN remaining - ? = 0 THEN ? ELSE status END", qty, ListingClosed),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve listing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := t.GetListing(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (t *pgTx) ReleaseListing(ctx context.Context, id uuid.UUID, qty int64) error {
	res := t.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"remaining":  gorm.Expr("remaining + ?", qty),
			"status":     gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", ListingClosed, ListingOpen),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to release listing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetListingStatus(ctx context.Context, id uuid.UUID, from, to ListingStatus) (bool, error) {
	res := t.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update listing status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := t.GetListing(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
