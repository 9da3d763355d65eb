package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("orders: not found")
	// ErrDuplicatePayment is returned when an order already exists for the payment reference.
	ErrDuplicatePayment = errors.New("orders: duplicate payment reference")
)

// Store persists swap orders and their audit trail through gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// StoreOption customises the store.
type StoreOption func(*Store)

// WithStoreClock overrides the clock used for outbox bookkeeping.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.now = clock }
}

// NewStore wraps an opened gorm handle.
func NewStore(db *gorm.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("orders: database required")
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the underlying handle for migrations and health checks.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Ping verifies the database connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a new order. A second order for the same provider payment
// reference is rejected with ErrDuplicatePayment.
func (s *Store) Create(ctx context.Context, order *SwapOrder) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	if order == nil {
		return fmt.Errorf("orders: order required")
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.PaymentProvider = normalizeProvider(order.PaymentProvider)
	order.FiatCurrency = strings.ToUpper(strings.TrimSpace(order.FiatCurrency))
	if order.PaymentReference = strings.TrimSpace(order.PaymentReference); order.PaymentReference == "" {
		return fmt.Errorf("orders: payment reference required")
	}
	if !order.FiatAmount.IsPositive() {
		return fmt.Errorf("orders: fiat amount must be positive")
	}
	if !order.Status.Valid() {
		return fmt.Errorf("orders: invalid status %q", order.Status)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&SwapOrder{}).
			Where("payment_provider = ? AND payment_reference = ?", order.PaymentProvider, order.PaymentReference).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicatePayment
		}
		if err := tx.Create(order).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicatePayment
			}
			return err
		}
		return tx.Create(&OrderTransition{OrderID: order.ID, To: order.Status, At: order.CreatedAt.UTC()}).Error
	})
}

// Get loads an order by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*SwapOrder, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var order SwapOrder
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &order, nil
}

// GetByPaymentReference loads the order created for a provider payment.
func (s *Store) GetByPaymentReference(ctx context.Context, provider, ref string) (*SwapOrder, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var order SwapOrder
	err := s.db.WithContext(ctx).
		Where("payment_provider = ? AND payment_reference = ?", normalizeProvider(provider), strings.TrimSpace(ref)).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, ref)
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus applies updates only when the order is still in the expected
// status. The audit row is written in the same transaction.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next Status, updates map[string]any, audit OrderTransition) (*SwapOrder, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	if expected == next && len(updates) == 0 {
		return s.Get(ctx, id)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SwapOrder{}).
			Where("id = ? AND status = ?", id, string(expected)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&SwapOrder{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: order %s", ErrNotFound, id)
			}
			return fmt.Errorf("%w: order %s left %s", ErrConcurrentUpdate, id, expected)
		}
		if audit.At.IsZero() {
			audit.At = s.now().UTC()
		}
		return tx.Create(&audit).Error
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ListByUser returns the most recent orders for a user.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]SwapOrder, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []SwapOrder
	err := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&out).Error
	return out, err
}

// ListByStatus returns orders in any of the supplied statuses, newest first.
func (s *Store) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]SwapOrder, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []SwapOrder
	err := s.db.WithContext(ctx).
		Where("status IN ?", statusStrings(statuses)).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&out).Error
	return out, err
}

// ListStale returns orders in the supplied statuses that have not changed since before.
func (s *Store) ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]SwapOrder, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []SwapOrder
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statusStrings(statuses), before.UTC()).
		Order("updated_at ASC").
		Limit(clampLimit(limit)).
		Find(&out).Error
	return out, err
}

// ListBetween returns orders created in [start, end).
func (s *Store) ListBetween(ctx context.Context, start, end time.Time) ([]SwapOrder, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []SwapOrder
	err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", start.UTC(), end.UTC()).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// SumUserVolume totals fiat amounts of the user's non-failed orders in one
// currency created since the supplied time.
func (s *Store) SumUserVolume(ctx context.Context, userID, currency string, since time.Time) (decimal.Decimal, error) {
	if s == nil {
		return decimal.Zero, fmt.Errorf("orders: storage not configured")
	}
	var amounts []decimal.Decimal
	err := s.db.WithContext(ctx).Model(&SwapOrder{}).
		Where("user_id = ? AND fiat_currency = ? AND created_at >= ? AND status NOT IN ?",
			strings.TrimSpace(userID), strings.ToUpper(strings.TrimSpace(currency)), since.UTC(),
			statusStrings([]Status{StatusPaymentFailed, StatusSettlementFailed, StatusTransferFailed})).
		Pluck("fiat_amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total, nil
}

// Transitions returns the audit trail for an order in insertion order.
func (s *Store) Transitions(ctx context.Context, id uuid.UUID) ([]OrderTransition, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []OrderTransition
	err := s.db.WithContext(ctx).Where("order_id = ?", id).Order("id ASC").Find(&out).Error
	return out, err
}

// StatusCounts returns the number of orders per status.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var rows []struct {
		Status Status
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&SwapOrder{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[Status]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// RecordSnapshot appends a rate snapshot.
func (s *Store) RecordSnapshot(ctx context.Context, snapshot RateSnapshot) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	snapshot.ID = 0
	snapshot.FromCurrency = strings.ToUpper(strings.TrimSpace(snapshot.FromCurrency))
	snapshot.ToCurrency = strings.ToUpper(strings.TrimSpace(snapshot.ToCurrency))
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = s.now()
	}
	snapshot.Timestamp = snapshot.Timestamp.UTC()
	return s.db.WithContext(ctx).Create(&snapshot).Error
}

// RateHistory returns the latest snapshots for a pair, newest first.
func (s *Store) RateHistory(ctx context.Context, from, to string, limit int) ([]RateSnapshot, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []RateSnapshot
	err := s.db.WithContext(ctx).
		Where("from_currency = ? AND to_currency = ?", strings.ToUpper(strings.TrimSpace(from)), strings.ToUpper(strings.TrimSpace(to))).
		Order("timestamp DESC").
		Limit(clampLimit(limit)).
		Find(&out).Error
	return out, err
}

// RecordWalletOperation inserts a wallet operation. Recording the same tx hash
// twice is a no-op.
func (s *Store) RecordWalletOperation(ctx context.Context, op *WalletOperation) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	if op == nil || strings.TrimSpace(op.TxHash) == "" {
		return fmt.Errorf("orders: wallet operation tx hash required")
	}
	if op.Status == "" {
		op.Status = WalletOpSubmitted
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoNothing: true,
	}).Create(op).Error
}

// UpdateWalletOperation applies updates to the operation identified by tx hash.
func (s *Store) UpdateWalletOperation(ctx context.Context, txHash string, updates map[string]any) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	res := s.db.WithContext(ctx).Model(&WalletOperation{}).
		Where("tx_hash = ?", strings.TrimSpace(txHash)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: wallet operation %s", ErrNotFound, txHash)
	}
	return nil
}

// GetWalletOperation loads a wallet operation by tx hash.
func (s *Store) GetWalletOperation(ctx context.Context, txHash string) (*WalletOperation, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var op WalletOperation
	if err := s.db.WithContext(ctx).First(&op, "tx_hash = ?", strings.TrimSpace(txHash)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: wallet operation %s", ErrNotFound, txHash)
		}
		return nil, err
	}
	return &op, nil
}

// WalletOperations lists the operations for an order.
func (s *Store) WalletOperations(ctx context.Context, orderID uuid.UUID) ([]WalletOperation, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []WalletOperation
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&out).Error
	return out, err
}

// ConfirmedOperationsBetween returns confirmed operations with confirmation time in [start, end).
func (s *Store) ConfirmedOperationsBetween(ctx context.Context, start, end time.Time) ([]WalletOperation, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []WalletOperation
	err := s.db.WithContext(ctx).
		Where("status = ? AND confirmed_at >= ? AND confirmed_at < ?", WalletOpConfirmed, start.UTC(), end.UTC()).
		Find(&out).Error
	return out, err
}

// EnqueueSettlement persists a settlement request for the order. An existing
// pending request is kept; a completed one is reopened.
func (s *Store) EnqueueSettlement(ctx context.Context, orderID uuid.UUID) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	now := s.now().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"completed_at": nil,
		}),
	}).Create(&SettlementRequest{OrderID: orderID, RequestedAt: now}).Error
}

// MarkSettlementAttempt records a dispatch attempt and its error, if any.
func (s *Store) MarkSettlementAttempt(ctx context.Context, orderID uuid.UUID, attemptErr error) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	now := s.now().UTC()
	lastError := ""
	if attemptErr != nil {
		lastError = truncate(attemptErr.Error(), 1024)
	}
	return s.db.WithContext(ctx).Model(&SettlementRequest{}).
		Where("order_id = ?", orderID).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
			"last_error":      lastError,
		}).Error
}

// CompleteSettlement closes the settlement request for the order.
func (s *Store) CompleteSettlement(ctx context.Context, orderID uuid.UUID) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	return s.db.WithContext(ctx).Model(&SettlementRequest{}).
		Where("order_id = ? AND completed_at IS NULL", orderID).
		Update("completed_at", s.now().UTC()).Error
}

// PendingSettlements returns open requests last touched before the cutoff.
func (s *Store) PendingSettlements(ctx context.Context, before time.Time, limit int) ([]SettlementRequest, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var out []SettlementRequest
	err := s.db.WithContext(ctx).
		Where("completed_at IS NULL AND ((last_attempt_at IS NULL AND requested_at < ?) OR last_attempt_at < ?)", before.UTC(), before.UTC()).
		Order("requested_at ASC").
		Limit(clampLimit(limit)).
		Find(&out).Error
	return out, err
}

// CountPendingSettlements returns the number of open settlement requests.
func (s *Store) CountPendingSettlements(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("orders: storage not configured")
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&SettlementRequest{}).Where("completed_at IS NULL").Count(&count).Error
	return count, err
}

// ActiveConfig loads the active swap configuration.
func (s *Store) ActiveConfig(ctx context.Context) (*SwapConfig, error) {
	if s == nil {
		return nil, fmt.Errorf("orders: storage not configured")
	}
	var cfg SwapConfig
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id DESC").First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: active swap config", ErrNotFound)
		}
		return nil, err
	}
	return &cfg, nil
}

// ActivateConfig stores cfg as the only active configuration.
func (s *Store) ActivateConfig(ctx context.Context, cfg *SwapConfig) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	if cfg == nil {
		return fmt.Errorf("orders: config required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&SwapConfig{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return err
		}
		cfg.ID = 0
		cfg.Active = true
		if cfg.CreatedAt.IsZero() {
			cfg.CreatedAt = s.now().UTC()
		}
		return tx.Create(cfg).Error
	})
}

// RecordReconciliation persists a reconciliation result.
func (s *Store) RecordReconciliation(ctx context.Context, rec *BalanceReconciliation) error {
	if s == nil {
		return fmt.Errorf("orders: storage not configured")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// NormalizeProvider is the canonical provider key used for payment references.
func NormalizeProvider(provider string) string {
	return normalizeProvider(provider)
}

func statusStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
