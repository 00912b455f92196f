package trading

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"carbon-scribe/credit-lifecycle/internal/registry"
)

// Balance is one identity's position in one batch. Available already
// excludes PendingOut, which was debited when the operations were accepted.
type Balance struct {
	BatchID    uuid.UUID `json:"batch_id"`
	OwnerID    string    `json:"owner_id"`
	Available  int64     `json:"available"`
	PendingOut int64     `json:"pending_out"`
}

// Portfolio is the wallet view of one identity across batches
type Portfolio struct {
	OwnerID          string    `json:"owner_id"`
	Holdings         []Balance `json:"holdings"`
	TotalAvailable   int64     `json:"total_available"`
	TotalPendingOut  int64     `json:"total_pending_out"`
	TotalRetired     int64     `json:"total_retired"`
	PendingTransfers int       `json:"pending_transfers"`
	Certificates     int       `json:"certificates"`
}

// Balance returns the available balance of owner in batch. A missing
// holding reads as zero.
func (c *Coordinator) Balance(ctx context.Context, batchID uuid.UUID, ownerID string) (*Balance, error) {
	b := &Balance{BatchID: batchID, OwnerID: ownerID}
	h, err := c.store.GetHolding(ctx, batchID, ownerID)
	switch {
	case err == nil:
		b.Available = h.Quantity
	case !errors.Is(err, registry.ErrNotFound):
		return nil, err
	}

	pending, err := c.pendingOut(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	b.PendingOut = pending[batchID]
	return b, nil
}

// Portfolio aggregates every holding, pending debit and retirement of owner
func (c *Coordinator) Portfolio(ctx context.Context, ownerID string) (*Portfolio, error) {
	holdings, err := c.store.ListHoldings(ctx, registry.HoldingFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	pending, err := c.pendingOut(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{OwnerID: ownerID, Holdings: make([]Balance, 0, len(holdings))}
	seen := make(map[uuid.UUID]bool, len(holdings))
	for _, h := range holdings {
		seen[h.BatchID] = true
		p.Holdings = append(p.Holdings, Balance{
			BatchID:    h.BatchID,
			OwnerID:    ownerID,
			Available:  h.Quantity,
			PendingOut: pending[h.BatchID],
		})
	}
	// A holding fully committed to pending operations is still a position.
	for batchID, qty := range pending {
		if !seen[batchID] {
			p.Holdings = append(p.Holdings, Balance{BatchID: batchID, OwnerID: ownerID, PendingOut: qty})
		}
	}
	for _, b := range p.Holdings {
		p.TotalAvailable += b.Available
		p.TotalPendingOut += b.PendingOut
	}

	status := registry.StatusPending
	transfers, err := c.store.ListTransfers(ctx, &status)
	if err != nil {
		return nil, err
	}
	for _, t := range transfers {
		if t.FromID == ownerID || t.ToID == ownerID {
			p.PendingTransfers++
		}
	}

	confirmed := registry.StatusConfirmed
	certs, err := c.store.ListCertificates(ctx, registry.CertificateFilter{Status: &confirmed, HolderID: ownerID})
	if err != nil {
		return nil, err
	}
	for _, cert := range certs {
		p.TotalRetired += cert.Quantity
	}
	p.Certificates = len(certs)
	return p, nil
}

// pendingOut sums, per batch, what owner has committed to pending transfers
// and retirements
func (c *Coordinator) pendingOut(ctx context.Context, ownerID string) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64)
	status := registry.StatusPending

	transfers, err := c.store.ListTransfers(ctx, &status)
	if err != nil {
		return nil, err
	}
	for _, t := range transfers {
		if t.FromID == ownerID {
			out[t.BatchID] += t.Quantity
		}
	}

	certs, err := c.store.ListCertificates(ctx, registry.CertificateFilter{Status: &status, HolderID: ownerID})
	if err != nil {
		return nil, err
	}
	for _, cert := range certs {
		out[cert.BatchID] += cert.Quantity
	}
	return out, nil
}
