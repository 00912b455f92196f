package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-node development.
// RunInTx holds the store mutex for the duration of fn; callers never keep a
// transaction open across a ledger round trip, so the critical sections stay
// in-memory only.
type MemoryStore struct {
	mu    sync.Mutex
	data  *memData
	clock func() time.Time
}

type memData struct {
	projects      map[uuid.UUID]Project
	verifications map[uuid.UUID]VerificationRecord // by project id
	batches       map[uuid.UUID]CreditBatch
	holdings      map[holdingKey]Holding
	transfers     map[uuid.UUID]TransferRecord
	certificates  map[uuid.UUID]RetirementCertificate
	listings      map[uuid.UUID]Listing
	clock         func() time.Time
}

type holdingKey struct {
	batchID uuid.UUID
	ownerID string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects the clock used for timestamps.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.data = &memData{
		projects:      make(map[uuid.UUID]Project),
		verifications: make(map[uuid.UUID]VerificationRecord),
		batches:       make(map[uuid.UUID]CreditBatch),
		holdings:      make(map[holdingKey]Holding),
		transfers:     make(map[uuid.UUID]TransferRecord),
		certificates:  make(map[uuid.UUID]RetirementCertificate),
		listings:      make(map[uuid.UUID]Listing),
		clock:         s.clock,
	}
	return s
}

// RunInTx runs fn with exclusive access and rolls every write back if fn fails.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{memData: s.data}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetProject(ctx, id)
}

func (s *MemoryStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListProjects(ctx, filter)
}

func (s *MemoryStore) CountProjects(ctx context.Context) (map[ProjectStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CountProjects(ctx)
}

func (s *MemoryStore) GetVerification(ctx context.Context, projectID uuid.UUID) (*VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetVerification(ctx, projectID)
}

func (s *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (*CreditBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetBatch(ctx, id)
}

func (s *MemoryStore) GetBatchByProject(ctx context.Context, projectID uuid.UUID) (*CreditBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetBatchByProject(ctx, projectID)
}

func (s *MemoryStore) GetBatchBySubmission(ctx context.Context, submissionID string) (*CreditBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetBatchBySubmission(ctx, submissionID)
}

func (s *MemoryStore) ListBatches(ctx context.Context, status *Status) ([]CreditBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListBatches(ctx, status)
}

func (s *MemoryStore) GetHolding(ctx context.Context, batchID uuid.UUID, ownerID string) (*Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetHolding(ctx, batchID, ownerID)
}

func (s *MemoryStore) ListHoldings(ctx context.Context, filter HoldingFilter) ([]Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListHoldings(ctx, filter)
}

func (s *MemoryStore) GetTransfer(ctx context.Context, id uuid.UUID) (*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetTransfer(ctx, id)
}

func (s *MemoryStore) GetTransferBySubmission(ctx context.Context, submissionID string) (*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetTransferBySubmission(ctx, submissionID)
}

func (s *MemoryStore) ListTransfers(ctx context.Context, status *Status) ([]TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListTransfers(ctx, status)
}

func (s *MemoryStore) GetCertificate(ctx context.Context, id uuid.UUID) (*RetirementCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetCertificate(ctx, id)
}

func (s *MemoryStore) GetCertificateBySubmission(ctx context.Context, submissionID string) (*RetirementCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetCertificateBySubmission(ctx, submissionID)
}

func (s *MemoryStore) ListCertificates(ctx context.Context, filter CertificateFilter) ([]RetirementCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListCertificates(ctx, filter)
}

func (s *MemoryStore) SupplyOf(ctx context.Context, batchID uuid.UUID) (*Supply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SupplyOf(ctx, batchID)
}

func (s *MemoryStore) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetListing(ctx, id)
}

func (s *MemoryStore) SearchListings(ctx context.Context, filter ListingFilter) ([]MarketListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SearchListings(ctx, filter)
}

// Reads on memData assume the caller holds the store mutex.

func (d *memData) GetProject(_ context.Context, id uuid.UUID) (*Project, error) {
	p, ok := d.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (d *memData) ListProjects(_ context.Context, filter ProjectFilter) ([]Project, error) {
	out := make([]Project, 0)
	for _, p := range d.projects {
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if filter.OwnerID != "" && p.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (d *memData) CountProjects(_ context.Context) (map[ProjectStatus]int64, error) {
	counts := map[ProjectStatus]int64{
		ProjectStatusSubmitted: 0,
		ProjectStatusApproved:  0,
		ProjectStatusRejected:  0,
	}
	for _, p := range d.projects {
		counts[p.Status]++
	}
	return counts, nil
}

func (d *memData) GetVerification(_ context.Context, projectID uuid.UUID) (*VerificationRecord, error) {
	v, ok := d.verifications[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (d *memData) GetBatch(_ context.Context, id uuid.UUID) (*CreditBatch, error) {
	b, ok := d.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (d *memData) GetBatchByProject(_ context.Context, projectID uuid.UUID) (*CreditBatch, error) {
	for _, b := range d.batches {
		if b.ProjectID == projectID {
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) GetBatchBySubmission(_ context.Context, submissionID string) (*CreditBatch, error) {
	for _, b := range d.batches {
		if b.SubmissionID == submissionID {
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) ListBatches(_ context.Context, status *Status) ([]CreditBatch, error) {
	out := make([]CreditBatch, 0)
	for _, b := range d.batches {
		if status != nil && b.Status != *status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *memData) GetHolding(_ context.Context, batchID uuid.UUID, ownerID string) (*Holding, error) {
	h, ok := d.holdings[holdingKey{batchID, ownerID}]
	if !ok || h.Quantity == 0 {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (d *memData) ListHoldings(_ context.Context, filter HoldingFilter) ([]Holding, error) {
	out := make([]Holding, 0)
	for _, h := range d.holdings {
		if h.Quantity == 0 {
			continue
		}
		if filter.BatchID != nil && h.BatchID != *filter.BatchID {
			continue
		}
		if filter.OwnerID != "" && h.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID.String() < out[j].BatchID.String()
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out, nil
}

func (d *memData) GetTransfer(_ context.Context, id uuid.UUID) (*TransferRecord, error) {
	t, ok := d.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (d *memData) GetTransferBySubmission(_ context.Context, submissionID string) (*TransferRecord, error) {
	for _, t := range d.transfers {
		if t.SubmissionID == submissionID {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) ListTransfers(_ context.Context, status *Status) ([]TransferRecord, error) {
	out := make([]TransferRecord, 0)
	for _, t := range d.transfers {
		if status != nil && t.Status != *status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *memData) GetCertificate(_ context.Context, id uuid.UUID) (*RetirementCertificate, error) {
	c, ok := d.certificates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (d *memData) GetCertificateBySubmission(_ context.Context, submissionID string) (*RetirementCertificate, error) {
	for _, c := range d.certificates {
		if c.SubmissionID == submissionID {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) ListCertificates(_ context.Context, filter CertificateFilter) ([]RetirementCertificate, error) {
	out := make([]RetirementCertificate, 0)
	for _, c := range d.certificates {
		if filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		if filter.HolderID != "" && c.HolderID != filter.HolderID {
			continue
		}
		if filter.BatchID != nil && c.BatchID != *filter.BatchID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *memData) GetListing(_ context.Context, id uuid.UUID) (*Listing, error) {
	l, ok := d.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func (d *memData) SearchListings(_ context.Context, filter ListingFilter) ([]MarketListing, error) {
	query := strings.TrimSpace(filter.Query)
	location := strings.TrimSpace(filter.Location)
	out := make([]MarketListing, 0)
	for _, l := range d.listings {
		if filter.Status != nil && l.Status != *filter.Status {
			continue
		}
		if filter.SellerID != "" && l.SellerID != filter.SellerID {
			continue
		}
		if filter.BatchID != nil && l.BatchID != *filter.BatchID {
			continue
		}
		p := d.projects[l.ProjectID]
		if query != "" && !containsFold(p.Name, query) && !containsFold(p.Description, query) {
			continue
		}
		if location != "" && !containsFold(p.Location, location) {
			continue
		}
		if filter.ProjectType != "" && !strings.EqualFold(p.ProjectType, filter.ProjectType) {
			continue
		}
		out = append(out, MarketListing{Listing: l, ProjectName: p.Name, Location: p.Location, ProjectType: p.ProjectType})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PricePerCredit != out[j].PricePerCredit {
			return out[i].PricePerCredit < out[j].PricePerCredit
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (d *memData) SupplyOf(_ context.Context, batchID uuid.UUID) (*Supply, error) {
	b, ok := d.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	s := &Supply{BatchID: batchID}
	if b.Status == StatusConfirmed {
		s.Minted = b.Quantity
	}
	for _, h := range d.holdings {
		if h.BatchID == batchID {
			s.Circulating += h.Quantity
		}
	}
	for _, t := range d.transfers {
		if t.BatchID == batchID && t.Status == StatusPending {
			s.PendingOut += t.Quantity
		}
	}
	for _, c := range d.certificates {
		if c.BatchID != batchID {
			continue
		}
		switch c.Status {
		case StatusPending:
			s.PendingOut += c.Quantity
		case StatusConfirmed:
			s.Retired += c.Quantity
		}
	}
	return s, nil
}

// memTx records an undo entry for every write so RunInTx can roll back.
type memTx struct {
	*memData
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) CreateProject(_ context.Context, p *Project) error {
	if _, ok := t.projects[p.ID]; ok {
		return ErrConflict
	}
	now := t.clock()
	p.CreatedAt, p.UpdatedAt = now, now
	t.projects[p.ID] = *p
	id := p.ID
	t.undo = append(t.undo, func() { delete(t.projects, id) })
	return nil
}

func (t *memTx) SetProjectStatus(_ context.Context, id uuid.UUID, from, to ProjectStatus) (bool, error) {
	p, ok := t.projects[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	prev := p
	p.Status = to
	p.UpdatedAt = t.clock()
	t.projects[id] = p
	t.undo = append(t.undo, func() { t.projects[id] = prev })
	return true, nil
}

func (t *memTx) CreateVerification(_ context.Context, v *VerificationRecord) error {
	if _, ok := t.verifications[v.ProjectID]; ok {
		return ErrConflict
	}
	t.verifications[v.ProjectID] = *v
	pid := v.ProjectID
	t.undo = append(t.undo, func() { delete(t.verifications, pid) })
	return nil
}

func (t *memTx) CreateBatch(_ context.Context, b *CreditBatch) error {
	for _, existing := range t.batches {
		if existing.ProjectID == b.ProjectID || existing.SubmissionID == b.SubmissionID {
			return ErrConflict
		}
	}
	now := t.clock()
	b.CreatedAt, b.UpdatedAt = now, now
	t.batches[b.ID] = *b
	id := b.ID
	t.undo = append(t.undo, func() { delete(t.batches, id) })
	return nil
}

func (t *memTx) SetBatchStatus(_ context.Context, id uuid.UUID, from, to Status) (bool, error) {
	if err := checkSettlement(from, to); err != nil {
		return false, err
	}
	b, ok := t.batches[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != from {
		return false, nil
	}
	prev := b
	now := t.clock()
	b.Status = to
	b.UpdatedAt = now
	if to == StatusConfirmed {
		b.ConfirmedAt = &now
	}
	t.batches[id] = b
	t.undo = append(t.undo, func() { t.batches[id] = prev })
	return true, nil
}

func (t *memTx) SettleBatch(_ context.Context, id uuid.UUID, submissionID string, to Status, lastError string) (bool, error) {
	if err := checkSettlement(StatusPending, to); err != nil {
		return false, err
	}
	b, ok := t.batches[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != StatusPending || b.SubmissionID != submissionID {
		return false, nil
	}
	prev := b
	now := t.clock()
	b.Status = to
	b.UpdatedAt = now
	if to == StatusConfirmed {
		b.ConfirmedAt = &now
	}
	if lastError != "" {
		b.LastError = lastError
	}
	t.batches[id] = b
	t.undo = append(t.undo, func() { t.batches[id] = prev })
	return true, nil
}

func (t *memTx) RecordBatchAttempt(_ context.Context, id uuid.UUID, lastError string) error {
	b, ok := t.batches[id]
	if !ok {
		return ErrNotFound
	}
	prev := b
	b.SubmitAttempts++
	b.LastError = lastError
	b.UpdatedAt = t.clock()
	t.batches[id] = b
	t.undo = append(t.undo, func() { t.batches[id] = prev })
	return nil
}

func (t *memTx) CreditHolding(_ context.Context, batchID uuid.UUID, ownerID string, qty int64) (*Holding, error) {
	key := holdingKey{batchID, ownerID}
	prev, existed := t.holdings[key]
	h := prev
	if !existed {
		h = Holding{ID: uuid.New(), BatchID: batchID, OwnerID: ownerID}
	}
	h.Quantity += qty
	h.Version++
	h.UpdatedAt = t.clock()
	t.holdings[key] = h
	t.undo = append(t.undo, func() {
		if existed {
			t.holdings[key] = prev
		} else {
			delete(t.holdings, key)
		}
	})
	return &h, nil
}

func (t *memTx) DebitHolding(_ context.Context, batchID uuid.UUID, ownerID string, qty int64) (*Holding, error) {
	key := holdingKey{batchID, ownerID}
	h, ok := t.holdings[key]
	if !ok || h.Quantity < qty {
		return nil, ErrInsufficientBalance
	}
	prev := h
	h.Quantity -= qty
	h.Version++
	h.UpdatedAt = t.clock()
	t.holdings[key] = h
	t.undo = append(t.undo, func() { t.holdings[key] = prev })
	return &h, nil
}

func (t *memTx) CreateTransfer(_ context.Context, tr *TransferRecord) error {
	if _, ok := t.transfers[tr.ID]; ok {
		return ErrConflict
	}
	now := t.clock()
	tr.CreatedAt, tr.UpdatedAt = now, now
	t.transfers[tr.ID] = *tr
	id := tr.ID
	t.undo = append(t.undo, func() { delete(t.transfers, id) })
	return nil
}

func (t *memTx) SetTransferStatus(_ context.Context, id uuid.UUID, from, to Status) (bool, error) {
	if err := checkSettlement(from, to); err != nil {
		return false, err
	}
	tr, ok := t.transfers[id]
	if !ok {
		return false, ErrNotFound
	}
	if tr.Status != from {
		return false, nil
	}
	prev := tr
	now := t.clock()
	tr.Status = to
	tr.UpdatedAt = now
	if to == StatusConfirmed {
		tr.ConfirmedAt = &now
	}
	t.transfers[id] = tr
	t.undo = append(t.undo, func() { t.transfers[id] = prev })
	return true, nil
}

func (t *memTx) CreateCertificate(_ context.Context, c *RetirementCertificate) error {
	if _, ok := t.certificates[c.ID]; ok {
		return ErrConflict
	}
	c.CreatedAt = t.clock()
	t.certificates[c.ID] = *c
	id := c.ID
	t.undo = append(t.undo, func() { delete(t.certificates, id) })
	return nil
}

func (t *memTx) ConfirmCertificate(_ context.Context, id uuid.UUID, number string) (bool, error) {
	c, ok := t.certificates[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != StatusPending {
		return false, nil
	}
	for _, other := range t.certificates {
		if other.CertificateNumber != nil && *other.CertificateNumber == number {
			return false, ErrConflict
		}
	}
	prev := c
	now := t.clock()
	c.Status = StatusConfirmed
	c.CertificateNumber = &number
	c.ConfirmedAt = &now
	t.certificates[id] = c
	t.undo = append(t.undo, func() { t.certificates[id] = prev })
	return true, nil
}

func (t *memTx) DeletePendingCertificate(_ context.Context, id uuid.UUID) (bool, error) {
	c, ok := t.certificates[id]
	if !ok || c.Status != StatusPending {
		return false, nil
	}
	delete(t.certificates, id)
	t.undo = append(t.undo, func() { t.certificates[id] = c })
	return true, nil
}

func (t *memTx) SetCertificateDocument(_ context.Context, id uuid.UUID, address string) error {
	c, ok := t.certificates[id]
	if !ok {
		return ErrNotFound
	}
	prev := c
	c.DocumentAddress = address
	t.certificates[id] = c
	t.undo = append(t.undo, func() { t.certificates[id] = prev })
	return nil
}

func (t *memTx) CreateListing(_ context.Context, l *Listing) error {
	if _, ok := t.listings[l.ID]; ok {
		return ErrConflict
	}
	now := t.clock()
	l.CreatedAt, l.UpdatedAt = now, now
	t.listings[l.ID] = *l
	id := l.ID
	t.undo = append(t.undo, func() { delete(t.listings, id) })
	return nil
}

func (t *memTx) ReserveListing(_ context.Context, id uuid.UUID, qty int64) (bool, error) {
	l, ok := t.listings[id]
	if !ok {
		return false, ErrNotFound
	}
	if l.Status != ListingOpen || l.Remaining < qty {
		return false, nil
	}
	prev := l
	l.Remaining -= qty
	if l.Remaining == 0 {
		l.Status = ListingClosed
	}
	l.UpdatedAt = t.clock()
	t.listings[id] = l
	t.undo = append(t.undo, func() { t.listings[id] = prev })
	return true, nil
}

func (t *memTx) ReleaseListing(_ context.Context, id uuid.UUID, qty int64) error {
	l, ok := t.listings[id]
	if !ok {
		return ErrNotFound
	}
	prev := l
	l.Remaining += qty
	if l.Status == ListingClosed {
		l.Status = ListingOpen
	}
	l.UpdatedAt = t.clock()
	t.listings[id] = l
	t.undo = append(t.undo, func() { t.listings[id] = prev })
	return nil
}

func (t *memTx) SetListingStatus(_ context.Context, id uuid.UUID, from, to ListingStatus) (bool, error) {
	l, ok := t.listings[id]
	if !ok {
		return false, ErrNotFound
	}
	if l.Status != from {
		return false, nil
	}
	prev := l
	l.Status = to
	l.UpdatedAt = t.clock()
	t.listings[id] = l
	t.undo = append(t.undo, func() { t.listings[id] = prev })
	return true, nil
}
