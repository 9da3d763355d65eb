package swap

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"fxsettle/services/fxswapd/orders"
	"fxsettle/services/fxswapd/settlement"
)

// OutboxStore tracks durable settlement requests.
type OutboxStore interface {
	Get(ctx context.Context, id uuid.UUID) (*orders.SwapOrder, error)
	MarkSettlementAttempt(ctx context.Context, orderID uuid.UUID, attemptErr error) error
	CompleteSettlement(ctx context.Context, orderID uuid.UUID) error
}

// Settler executes a settlement for one order.
type Settler interface {
	Execute(ctx context.Context, id uuid.UUID) error
}

// Dispatcher runs settlements on a bounded worker pool. An order is queued at
// most once at a time; anything dropped stays in the outbox for the sweeper.
type Dispatcher struct {
	settler Settler
	store   OutboxStore
	logger  *log.Logger
	workers int
	queue   chan uuid.UUID

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	started  bool
	wg       sync.WaitGroup
}

// NewDispatcher constructs a dispatcher with the given pool and queue sizes.
func NewDispatcher(settler Settler, store OutboxStore, workers, queueSize int, logger *log.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		settler:  settler,
		store:    store,
		logger:   logger,
		workers:  workers,
		queue:    make(chan uuid.UUID, queueSize),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch queues the order unless it is already queued or running. It never
// blocks and reports whether the order was queued.
func (d *Dispatcher) Dispatch(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[id]; busy {
		return false
	}
	select {
	case d.queue <- id:
		d.inFlight[id] = struct{}{}
		return true
	default:
		d.logger.Printf("fxswapd: settlement queue full, order %s left for the sweeper", id)
		return false
	}
}

// Pending returns the number of queued or running settlements.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.run(ctx, id)
			d.mu.Lock()
			delete(d.inFlight, id)
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, id uuid.UUID) {
	err := d.settler.Execute(ctx, id)
	if ctx.Err() != nil {
		return
	}
	if err != nil && !errors.Is(err, settlement.ErrPaused) {
		d.logger.Printf("fxswapd: settlement of order %s: %v", id, err)
	}
	if markErr := d.store.MarkSettlementAttempt(ctx, id, err); markErr != nil {
		d.logger.Printf("fxswapd: record settlement attempt for %s: %v", id, markErr)
	}
	order, getErr := d.store.Get(ctx, id)
	if getErr != nil {
		d.logger.Printf("fxswapd: reload order %s: %v", id, getErr)
		return
	}
	if order.Terminal() {
		if err := d.store.CompleteSettlement(ctx, id); err != nil {
			d.logger.Printf("fxswapd: close settlement request for %s: %v", id, err)
		}
	}
}
