package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"carbon-scribe/credit-lifecycle/internal/registry"
)

// RegistryRepository computes supply through the registry read API. It backs
// reports when the registry runs in memory.
type RegistryRepository struct {
	store registry.Reader
}

func NewRegistryRepository(store registry.Reader) *RegistryRepository {
	return &RegistryRepository{store: store}
}

func (r *RegistryRepository) BatchSupply(ctx context.Context, filter SupplyFilter) ([]SupplyRow, error) {
	batches, err := r.store.ListBatches(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	wanted := make(map[registry.Status]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		wanted[s] = true
	}

	names := make(map[string]string)
	rows := make([]SupplyRow, 0, len(batches))
	for _, b := range batches {
		if len(wanted) > 0 && !wanted[b.Status] {
			continue
		}
		if filter.ProjectID != nil && b.ProjectID != *filter.ProjectID {
			continue
		}

		supply, err := r.store.SupplyOf(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to compute supply of batch %s: %w", b.ID, err)
		}

		name, ok := names[b.ProjectID.String()]
		if !ok {
			project, err := r.store.GetProject(ctx, b.ProjectID)
			switch {
			case err == nil:
				name = project.Name
			case !errors.Is(err, registry.ErrNotFound):
				return nil, fmt.Errorf("failed to load project %s: %w", b.ProjectID, err)
			}
			names[b.ProjectID.String()] = name
		}

		rows = append(rows, SupplyRow{
			BatchID:       b.ID,
			ProjectID:     b.ProjectID,
			ProjectName:   name,
			BeneficiaryID: b.BeneficiaryID,
			Status:        b.Status,
			Minted:        supply.Minted,
			Circulating:   supply.Circulating,
			PendingOut:    supply.PendingOut,
			Retired:       supply.Retired,
			CreatedAt:     b.CreatedAt,
			Balanced:      supply.Balanced(),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].BatchID.String() < rows[j].BatchID.String()
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}
