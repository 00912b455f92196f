package trading

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// ListingRequest offers Quantity credits of BatchID at PricePerCredit minor
// currency units each
type ListingRequest struct {
	BatchID        uuid.UUID `json:"batch_id" binding:"required"`
	Quantity       int64     `json:"quantity" binding:"required"`
	PricePerCredit int64     `json:"price_per_credit" binding:"required"`
	Currency       string    `json:"currency"`
}

// BuyRequest takes Quantity credits from a listing
type BuyRequest struct {
	Quantity int64 `json:"quantity" binding:"required"`
}

// CreateListing offers part of the seller's holding. Open listings of one
// seller on one batch never add up to more than the seller holds.
func (c *Coordinator) CreateListing(ctx context.Context, seller lifecycle.Caller, req ListingRequest) (*registry.Listing, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}
	switch {
	case seller.ID == "":
		return nil, lifecycle.InvalidArgument("seller identity is required")
	case req.Quantity <= 0:
		return nil, lifecycle.InvalidArgument("quantity must be positive")
	case req.PricePerCredit <= 0:
		return nil, lifecycle.InvalidArgument("price per credit must be positive")
	case !currencyCode.MatchString(currency):
		return nil, lifecycle.InvalidArgument("currency %q is not an ISO 4217 code", req.Currency)
	}

	unlock, err := c.locks.Lock(ctx, registry.HoldingLockKey(req.BatchID, seller.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	listing := &registry.Listing{
		ID:             uuid.New(),
		SellerID:       seller.ID,
		BatchID:        req.BatchID,
		Quantity:       req.Quantity,
		Remaining:      req.Quantity,
		PricePerCredit: req.PricePerCredit,
		Currency:       currency,
		Status:         registry.ListingOpen,
	}
	err = c.store.RunInTx(ctx, func(tx registry.Tx) error {
		batch, err := tx.GetBatch(ctx, req.BatchID)
		if errors.Is(err, registry.ErrNotFound) {
			return lifecycle.NotFound("batch %s not found", req.BatchID)
		}
		if err != nil {
			return err
		}
		if batch.Status != registry.StatusConfirmed {
			return lifecycle.InvalidTransition("batch %s is %s, only confirmed credits can be listed", batch.ID, batch.Status)
		}
		listing.ProjectID = batch.ProjectID

		var held int64
		h, err := tx.GetHolding(ctx, req.BatchID, seller.ID)
		switch {
		case err == nil:
			held = h.Quantity
		case !errors.Is(err, registry.ErrNotFound):
			return err
		}
		open := registry.ListingOpen
		listed, err := tx.SearchListings(ctx, registry.ListingFilter{SellerID: seller.ID, BatchID: &req.BatchID, Status: &open})
		if err != nil {
			return err
		}
		for _, l := range listed {
			held -= l.Remaining
		}
		if held < req.Quantity {
			return lifecycle.InsufficientBalance("%s has %d unlisted credits in batch %s, cannot list %d", seller.ID, max(held, 0), req.BatchID, req.Quantity)
		}
		return tx.CreateListing(ctx, listing)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Listing created",
		zap.String("listing_id", listing.ID.String()),
		zap.String("seller", seller.ID),
		zap.String("batch_id", listing.BatchID.String()),
		zap.Int64("quantity", listing.Quantity),
		zap.Int64("price_per_credit", listing.PricePerCredit))
	return listing, nil
}

// CancelListing withdraws an open listing. Purchases already accepted are
// unaffected.
func (c *Coordinator) CancelListing(ctx context.Context, caller lifecycle.Caller, id uuid.UUID) (*registry.Listing, error) {
	var listing *registry.Listing
	err := c.store.RunInTx(ctx, func(tx registry.Tx) error {
		l, err := tx.GetListing(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			return lifecycle.NotFound("listing %s not found", id)
		}
		if err != nil {
			return err
		}
		if l.SellerID != caller.ID && !caller.Is(lifecycle.RoleOperator) {
			return lifecycle.Forbidden("only the seller can cancel listing %s", id)
		}
		ok, err := tx.SetListingStatus(ctx, id, registry.ListingOpen, registry.ListingCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return lifecycle.InvalidTransition("listing %s is %s", id, l.Status)
		}
		listing, err = tx.GetListing(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("Listing cancelled", zap.String("listing_id", id.String()), zap.String("by", caller.ID))
	return listing, nil
}

// Buy takes credits from a listing and moves them from the seller to the
// buyer. The listing quantity and the seller's holding are reserved in one
// registry transaction under the seller's holding lock, then the transfer
// goes through the same submit and reconciliation path as Transfer.
func (c *Coordinator) Buy(ctx context.Context, buyer lifecycle.Caller, listingID uuid.UUID, req BuyRequest) (*registry.TransferRecord, error) {
	switch {
	case buyer.ID == "":
		return nil, lifecycle.InvalidArgument("buyer identity is required")
	case req.Quantity <= 0:
		return nil, lifecycle.InvalidArgument("quantity must be positive")
	}

	listing, err := c.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == buyer.ID {
		return nil, lifecycle.InvalidArgument("cannot buy from your own listing")
	}

	record := &registry.TransferRecord{
		ID:           uuid.New(),
		BatchID:      listing.BatchID,
		FromID:       listing.SellerID,
		ToID:         buyer.ID,
		Quantity:     req.Quantity,
		SubmissionID: "transfer-" + uuid.NewString(),
		Status:       registry.StatusPending,
		ListingID:    &listing.ID,
	}
	err = c.reserve(ctx, record, func(tx registry.Tx) error {
		ok, err := tx.ReserveListing(ctx, listingID, req.Quantity)
		if err != nil || ok {
			return err
		}
		current, err := tx.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if current.Status != registry.ListingOpen {
			return lifecycle.InvalidTransition("listing %s is %s", listingID, current.Status)
		}
		return lifecycle.InsufficientBalance("listing %s has %d remaining, requested %d", listingID, current.Remaining, req.Quantity)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Listing purchase accepted",
		zap.String("listing_id", listingID.String()),
		zap.String("transfer_id", record.ID.String()),
		zap.String("buyer", buyer.ID),
		zap.Int64("quantity", req.Quantity))
	return c.submit(ctx, record)
}

// GetListing returns a listing by id
func (c *Coordinator) GetListing(ctx context.Context, id uuid.UUID) (*registry.Listing, error) {
	l, err := c.store.GetListing(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, lifecycle.NotFound("listing %s not found", id)
	}
	return l, err
}

// SearchListings returns listings with their project facets, cheapest first
func (c *Coordinator) SearchListings(ctx context.Context, filter registry.ListingFilter) ([]registry.MarketListing, error) {
	return c.store.SearchListings(ctx, filter)
}
