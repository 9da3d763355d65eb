package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresStore starts a PostgreSQL container and opens a migrated store on it.
func setupPostgresStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("fxsettle"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	db, err := Open(DriverPostgres, dsn)
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	order := sampleOrder("pi_pg")
	require.NoError(t, store.Create(ctx, order))
	require.ErrorIs(t, store.Create(ctx, sampleOrder("pi_pg")), ErrDuplicatePayment)

	machine, err := NewMachine(store, WithMachineMetrics(nil))
	require.NoError(t, err)
	payout := decimal.RequireFromString("12.446000000000000001")
	updated, err := machine.Transition(ctx, order.ID, StatusRateLocked, Fields{TargetTokenAmount: &payout})
	require.NoError(t, err)
	require.True(t, updated.TargetTokenAmount.Equal(payout), "decimal survives postgres round trip exactly")

	_, err = machine.Transition(ctx, order.ID, StatusPending, Fields{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	volume, err := store.SumUserVolume(ctx, "user-1", "GBP", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, volume.Equal(decimal.NewFromInt(10)))
}
