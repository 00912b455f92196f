//go:build integration

package reports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"carbon-scribe/credit-lifecycle/internal/registry"
)

func TestPostgresRepositoryMatchesRegistry(t *testing.T) {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("registry"),
		tcpostgres.WithUsername("registry"),
		tcpostgres.WithPassword("registry"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	gormDB, err := registry.OpenPostgres(dsn, 5, 2, time.Minute)
	require.NoError(t, err)
	store := registry.NewPostgresStore(gormDB)
	require.NoError(t, store.Migrate(ctx))
	confirmed, pending := seedSupply(t, store)

	db, err := OpenPostgres(dsn, 5, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := NewPostgresRepository(db)

	rows, err := repo.BatchSupply(ctx, SupplyFilter{})
	require.NoError(t, err)
	expected, err := NewRegistryRepository(store).BatchSupply(ctx, SupplyFilter{})
	require.NoError(t, err)
	require.Len(t, rows, len(expected))
	for i := range rows {
		assert.Equal(t, expected[i].BatchID, rows[i].BatchID)
		assert.Equal(t, expected[i].ProjectName, rows[i].ProjectName)
		assert.Equal(t, expected[i].Minted, rows[i].Minted)
		assert.Equal(t, expected[i].Circulating, rows[i].Circulating)
		assert.Equal(t, expected[i].PendingOut, rows[i].PendingOut)
		assert.Equal(t, expected[i].Retired, rows[i].Retired)
		assert.True(t, rows[i].Balanced)
	}

	rows, err = repo.BatchSupply(ctx, SupplyFilter{Statuses: []registry.Status{registry.StatusPending}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, pending.ID, rows[0].BatchID)

	rows, err = repo.BatchSupply(ctx, SupplyFilter{ProjectID: &confirmed.ProjectID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1000), rows[0].Minted)
}
