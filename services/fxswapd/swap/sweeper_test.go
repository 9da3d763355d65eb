package swap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fxsettle/services/fxswapd/orders"
)

type settlerFunc func(ctx context.Context, id uuid.UUID) error

func (f settlerFunc) Execute(ctx context.Context, id uuid.UUID) error { return f(ctx, id) }

func seedOrder(t *testing.T, store *orders.Store, status orders.Status, code string) *orders.SwapOrder {
	t.Helper()
	order := &orders.SwapOrder{
		PaymentProvider:  "stripe",
		PaymentReference: "pi_" + uuid.NewString(),
		FiatCurrency:     "GBP",
		FiatAmount:       dec("10"),
		TargetToken:      "USDT",
		Status:           status,
		ErrorCode:        code,
	}
	require.NoError(t, store.Create(context.Background(), order))
	return order
}

func TestDispatcherClosesOutboxForTerminalOrders(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := seedOrder(t, store, orders.StatusPaymentConfirmed, "")
	retry := seedOrder(t, store, orders.StatusPaymentConfirmed, "")
	for _, id := range []uuid.UUID{done.ID, retry.ID} {
		require.NoError(t, store.EnqueueSettlement(ctx, id))
	}

	var mu sync.Mutex
	calls := map[uuid.UUID]int{}
	settler := settlerFunc(func(ctx context.Context, id uuid.UUID) error {
		mu.Lock()
		calls[id]++
		mu.Unlock()
		if id == retry.ID {
			return errors.New("treasury short")
		}
		_, err := store.UpdateStatus(ctx, id, orders.StatusPaymentConfirmed, orders.StatusCompleted,
			map[string]any{"status": string(orders.StatusCompleted)},
			orders.OrderTransition{OrderID: id, From: orders.StatusPaymentConfirmed, To: orders.StatusCompleted, At: time.Now()})
		return err
	})
	d := NewDispatcher(settler, store, 2, 8, quietLogger())
	d.Start(ctx)

	require.True(t, d.Dispatch(done.ID))
	require.True(t, d.Dispatch(retry.ID))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)

	open, err := store.PendingSettlements(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, retry.ID, open[0].OrderID)
	require.Equal(t, 1, open[0].Attempts)
	require.Equal(t, "treasury short", open[0].LastError)

	cancel()
	d.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls[done.ID])
	require.Equal(t, 1, calls[retry.ID])
}

func TestDispatcherDeduplicatesQueuedOrders(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(settlerFunc(func(context.Context, uuid.UUID) error { return nil }), store, 1, 1, quietLogger())
	first, second := uuid.New(), uuid.New()

	require.True(t, d.Dispatch(first))
	require.False(t, d.Dispatch(first))
	// Queue of one is full; the second order waits for the sweeper.
	require.False(t, d.Dispatch(second))
	require.Equal(t, 1, d.Pending())
}

func TestSweeperRedrivesStuckOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	locked := seedOrder(t, store, orders.StatusRateLocked, "")
	starved := seedOrder(t, store, orders.StatusRateLocked, orders.CodeInsufficientTreasury)
	finished := seedOrder(t, store, orders.StatusCompleted, "")
	stale := seedOrder(t, store, orders.StatusTransferExecuting, "")
	awaiting := seedOrder(t, store, orders.StatusPending, "")
	for _, id := range []uuid.UUID{locked.ID, starved.ID, finished.ID} {
		require.NoError(t, store.EnqueueSettlement(ctx, id))
	}

	d := NewDispatcher(nil, store, 1, 16, quietLogger())
	later := time.Now().Add(time.Hour)
	sweeper := NewSweeper(store, d, WithSweepClock(func() time.Time { return later }), WithSweepLogger(quietLogger()))

	queued, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, queued)
	require.Equal(t, 2, d.Pending())
	require.False(t, d.Dispatch(locked.ID))
	require.False(t, d.Dispatch(stale.ID))
	require.True(t, d.Dispatch(starved.ID), "treasury-flagged orders are left for an operator")
	require.True(t, d.Dispatch(awaiting.ID))

	open, err := store.PendingSettlements(ctx, later, 10)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(open))
	for _, req := range open {
		ids = append(ids, req.OrderID)
	}
	require.ElementsMatch(t, []uuid.UUID{locked.ID, starved.ID}, ids)

	// Nothing is due yet right after a sweep at the real clock.
	fresh := NewSweeper(store, NewDispatcher(nil, store, 1, 16, quietLogger()), WithSweepLogger(quietLogger()))
	queued, err = fresh.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, queued)
}

func TestConfigHolder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	holder, err := NewConfigHolder(store, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, holder.Reload(ctx))

	active, err := store.ActiveConfig(ctx)
	require.NoError(t, err)
	require.True(t, active.PlatformFeePercent.Equal(dec("0.5")))
	require.True(t, holder.Current().MaxPlatformFee.Equal(dec("50")))

	next := DefaultConfig()
	next.MaintenanceMode = true
	next.MaintenanceMessage = "chain upgrade"
	require.NoError(t, holder.Activate(ctx, next))
	require.True(t, holder.Current().MaintenanceMode)

	other, err := NewConfigHolder(store, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, other.Reload(ctx))
	require.Equal(t, "chain upgrade", other.Current().MaintenanceMessage)

	bad := DefaultConfig()
	bad.MinAmount = dec("20000")
	err = holder.Activate(ctx, bad)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "min_amount", ve.Field)
	require.True(t, holder.Current().MaintenanceMode)

	bad = DefaultConfig()
	bad.PlatformFeePercent = dec("100")
	require.ErrorIs(t, ValidateConfig(bad), ErrValidation)
}
