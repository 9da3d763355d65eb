package swap

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"fxsettle/observability"
	"fxsettle/services/fxswapd/orders"
)

// SweepStore is the persistence the recovery sweeper reads.
type SweepStore interface {
	OutboxStore
	PendingSettlements(ctx context.Context, before time.Time, limit int) ([]orders.SettlementRequest, error)
	CountPendingSettlements(ctx context.Context) (int64, error)
	ListStale(ctx context.Context, statuses []orders.Status, before time.Time, limit int) ([]orders.SwapOrder, error)
}

// Sweeper re-drives settlement requests and orders that stopped advancing.
type Sweeper struct {
	store      SweepStore
	dispatcher *Dispatcher
	interval   time.Duration
	retryAfter time.Duration
	stuckAfter time.Duration
	batch      int
	metrics    *observability.SettlementMetrics
	logger     *log.Logger
	now        func() time.Time
}

// SweeperOption customises the sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweep runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetryAfter sets how long an outbox row rests between attempts.
func WithRetryAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.retryAfter = d
		}
	}
}

// WithStuckAfter sets the age at which a non-terminal order counts as stuck.
func WithStuckAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.stuckAfter = d
		}
	}
}

// WithSweepClock overrides the sweeper clock.
func WithSweepClock(clock func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = clock }
}

// WithSweepLogger overrides the sweeper logger.
func WithSweepLogger(l *log.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper constructs a recovery sweeper feeding the dispatcher.
func NewSweeper(store SweepStore, dispatcher *Dispatcher, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		interval:   time.Minute,
		retryAfter: 2 * time.Minute,
		stuckAfter: 15 * time.Minute,
		batch:      100,
		metrics:    observability.Settlement(),
		logger:     log.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("fxswapd: recovery sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep dispatches due outbox rows and stuck orders once and returns how many
// orders were queued. Orders flagged for insufficient treasury wait for an
// operator.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	seen := make(map[uuid.UUID]struct{})
	queued := 0

	requests, err := s.store.PendingSettlements(ctx, now.Add(-s.retryAfter), s.batch)
	if err != nil {
		return 0, err
	}
	for _, req := range requests {
		order, err := s.store.Get(ctx, req.OrderID)
		if err != nil {
			s.logger.Printf("fxswapd: sweep: load order %s: %v", req.OrderID, err)
			continue
		}
		if order.Terminal() {
			if err := s.store.CompleteSettlement(ctx, order.ID); err != nil {
				return queued, err
			}
			continue
		}
		seen[order.ID] = struct{}{}
		if s.redrive(order) {
			queued++
		}
	}

	stuckStatuses := []orders.Status{
		orders.StatusPaymentConfirmed,
		orders.StatusRateLocked,
		orders.StatusSettlementExecuting,
		orders.StatusSettlementCompleted,
		orders.StatusTransferExecuting,
	}
	stuck, err := s.store.ListStale(ctx, stuckStatuses, now.Add(-s.stuckAfter), s.batch)
	if err != nil {
		return queued, err
	}
	s.metrics.SetStuckOrders(len(stuck))
	for i := range stuck {
		order := &stuck[i]
		if _, ok := seen[order.ID]; ok {
			continue
		}
		if s.redrive(order) {
			queued++
		}
	}

	if pending, err := s.store.CountPendingSettlements(ctx); err == nil {
		s.metrics.SetOutboxPending(int(pending))
	}
	return queued, nil
}

func (s *Sweeper) redrive(order *orders.SwapOrder) bool {
	if order.ErrorCode == orders.CodeInsufficientTreasury {
		return false
	}
	return s.dispatcher.Dispatch(order.ID)
}
