//go:build integration

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("registry"),
		tcpostgres.WithUsername("registry"),
		tcpostgres.WithPassword("registry"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := OpenPostgres(dsn, 10, 5, time.Minute)
	require.NoError(t, err)

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgresStoreConditionalDebit(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	batch := seedConfirmedBatch(t, s, "alice", 100)

	// Ten concurrent debits of 20 against a balance of 100: exactly five win.
	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.RunInTx(ctx, func(tx Tx) error {
				_, err := tx.DebitHolding(ctx, batch.ID, "alice", 20)
				return err
			})
		}()
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrInsufficientBalance):
			insufficient++
		}
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, 5, insufficient)

	_, err := s.GetHolding(ctx, batch.ID, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreUniqueBatchPerProject(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	projectID := uuid.New()

	create := func() error {
		return s.RunInTx(ctx, func(tx Tx) error {
			return tx.CreateBatch(ctx, &CreditBatch{
				ID: uuid.New(), ProjectID: projectID, BeneficiaryID: "owner",
				Quantity: 10, SubmissionID: uuid.NewString(), Status: StatusPending,
			})
		})
	}
	require.NoError(t, create())
	assert.ErrorIs(t, create(), ErrConflict)
}

func TestPostgresStoreRollbackAndSupply(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	batch := seedConfirmedBatch(t, s, "alice", 1000)

	err := s.RunInTx(ctx, func(tx Tx) error {
		if _, err := tx.DebitHolding(ctx, batch.ID, "alice", 1000); err != nil {
			return err
		}
		_, err := tx.DebitHolding(ctx, batch.ID, "alice", 1)
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	h, err := s.GetHolding(ctx, batch.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), h.Quantity)

	require.NoError(t, s.RunInTx(ctx, func(tx Tx) error {
		if _, err := tx.DebitHolding(ctx, batch.ID, "alice", 300); err != nil {
			return err
		}
		cert := &RetirementCertificate{
			ID: uuid.New(), BatchID: batch.ID, HolderID: "alice", Quantity: 300,
			Reason: "scope 1", SubmissionID: uuid.NewString(), Status: StatusPending,
		}
		if err := tx.CreateCertificate(ctx, cert); err != nil {
			return err
		}
		_, err := tx.ConfirmCertificate(ctx, cert.ID, "CERT-2026-0000abcd")
		return err
	}))

	supply, err := s.SupplyOf(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), supply.Retired)
	assert.Equal(t, int64(700), supply.Circulating)
	assert.True(t, supply.Balanced())
}
