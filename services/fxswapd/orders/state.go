package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fxsettle/observability"
)

var (
	// ErrInvalidTransition is returned when the order cannot enter the requested state
	// from its current state.
	ErrInvalidTransition = errors.New("orders: invalid transition")
	// ErrEvidenceConflict indicates a re-entrant transition carried evidence that
	// contradicts what is already recorded (for example a different tx hash).
	ErrEvidenceConflict = errors.New("orders: conflicting evidence")
	// ErrConcurrentUpdate is returned when the order changed between read and write
	// and the re-evaluated transition is still not applicable.
	ErrConcurrentUpdate = errors.New("orders: concurrent update")
)

var transitions = map[Status][]Status{
	StatusPending:             {StatusPaymentConfirmed, StatusPaymentFailed},
	StatusPaymentConfirmed:    {StatusRateLocked, StatusSettlementFailed},
	StatusRateLocked:          {StatusSettlementExecuting, StatusSettlementFailed},
	StatusSettlementExecuting: {StatusSettlementCompleted, StatusSettlementFailed},
	StatusSettlementCompleted: {StatusTransferExecuting, StatusTransferFailed},
	StatusTransferExecuting:   {StatusCompleted, StatusTransferFailed},
}

// Terminal reports whether no transition leaves the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPaymentFailed, StatusSettlementFailed, StatusTransferFailed:
		return true
	}
	return false
}

// Failed reports whether the status is one of the failure branches.
func (s Status) Failed() bool {
	switch s {
	case StatusPaymentFailed, StatusSettlementFailed, StatusTransferFailed:
		return true
	}
	return false
}

// Valid reports whether the status is part of the workflow.
func (s Status) Valid() bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s.Terminal()
}

// ParseStatus normalises a textual status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("orders: unknown status %q", raw)
	}
	return status, nil
}

// CanTransition reports whether an order in from may move to to. Re-entering the
// same non-terminal state is allowed so retries stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists every status a stuck order may be parked in.
func NonTerminalStatuses() []Status {
	return []Status{
		StatusPending,
		StatusPaymentConfirmed,
		StatusRateLocked,
		StatusSettlementExecuting,
		StatusSettlementCompleted,
		StatusTransferExecuting,
	}
}

// Fields carries the optional values written together with a transition.
// Nil pointers leave the stored value untouched.
type Fields struct {
	TargetTokenAmount *decimal.Decimal
	FxRate            *decimal.Decimal
	FxRateSource      *string
	FxRateTimestamp   *time.Time
	PlatformFeeAmount *decimal.Decimal
	NetworkFeeAmount  *decimal.Decimal
	SettlementTxHash  *string
	TransferTxHash    *string
	ErrorMessage      *string
	ErrorCode         *string
}

// Failure builds Fields carrying an error code and message.
func Failure(code string, err error) Fields {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Fields{ErrorCode: &code, ErrorMessage: &msg}
}

// Transitioner is the store capability the state machine needs.
type Transitioner interface {
	Get(ctx context.Context, id uuid.UUID) (*SwapOrder, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next Status, updates map[string]any, audit OrderTransition) (*SwapOrder, error)
}

// Machine applies legal transitions atomically through a Transitioner.
type Machine struct {
	store   Transitioner
	now     func() time.Time
	metrics *observability.SettlementMetrics
}

// MachineOption customises the state machine.
type MachineOption func(*Machine)

// WithMachineClock overrides the clock used for transition timestamps.
func WithMachineClock(clock func() time.Time) MachineOption {
	return func(m *Machine) { m.now = clock }
}

// WithMachineMetrics overrides the metrics registry.
func WithMachineMetrics(metrics *observability.SettlementMetrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

// NewMachine constructs a state machine over the provided store.
func NewMachine(store Transitioner, opts ...MachineOption) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("orders: store required")
	}
	m := &Machine{store: store, now: time.Now, metrics: observability.Settlement()}
	for _, opt := range opts {
		opt(m)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Transition moves the order to the requested status writing fields and the
// transition timestamp in a single conditional update.
func (m *Machine) Transition(ctx context.Context, id uuid.UUID, to Status, fields Fields) (*SwapOrder, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		order, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		updates, err := m.plan(order, to, fields)
		if err != nil {
			return nil, err
		}
		audit := OrderTransition{OrderID: id, From: order.Status, To: to, At: m.now().UTC()}
		if fields.ErrorCode != nil {
			audit.ErrorCode = *fields.ErrorCode
		}
		updated, err := m.store.UpdateStatus(ctx, id, order.Status, to, updates, audit)
		if err == nil {
			if order.Status != to {
				m.metrics.RecordTransition(string(to))
			}
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (m *Machine) plan(order *SwapOrder, to Status, fields Fields) (map[string]any, error) {
	from := order.Status
	if from == to && to.Terminal() {
		if err := checkEvidence(order, fields); err != nil {
			return nil, err
		}
		// Terminal re-entry is a no-op; nothing is rewritten.
		return map[string]any{}, nil
	}
	if from.Terminal() || !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if err := checkEvidence(order, fields); err != nil {
		return nil, err
	}

	updates := map[string]any{"status": string(to)}
	now := m.now().UTC()
	if from != to {
		if column := timestampColumn(to); column != "" {
			updates[column] = now
		}
		if !to.Failed() && fields.ErrorCode == nil {
			updates["error_code"] = ""
			updates["error_message"] = ""
		}
	}
	if fields.TargetTokenAmount != nil {
		updates["target_token_amount"] = *fields.TargetTokenAmount
	}
	if fields.FxRate != nil {
		updates["fx_rate"] = *fields.FxRate
	}
	if fields.FxRateSource != nil {
		updates["fx_rate_source"] = *fields.FxRateSource
	}
	if fields.FxRateTimestamp != nil {
		updates["fx_rate_timestamp"] = fields.FxRateTimestamp.UTC()
	}
	if fields.PlatformFeeAmount != nil {
		updates["platform_fee_amount"] = *fields.PlatformFeeAmount
	}
	if fields.NetworkFeeAmount != nil {
		updates["network_fee_amount"] = *fields.NetworkFeeAmount
	}
	if fields.SettlementTxHash != nil {
		updates["settlement_tx_hash"] = strings.TrimSpace(*fields.SettlementTxHash)
	}
	if fields.TransferTxHash != nil {
		updates["transfer_tx_hash"] = strings.TrimSpace(*fields.TransferTxHash)
	}
	if fields.ErrorCode != nil {
		updates["error_code"] = *fields.ErrorCode
	}
	if fields.ErrorMessage != nil {
		updates["error_message"] = truncate(*fields.ErrorMessage, 1024)
	}
	return updates, nil
}

func checkEvidence(order *SwapOrder, fields Fields) error {
	if fields.SettlementTxHash != nil {
		existing := strings.TrimSpace(order.SettlementTxHash)
		incoming := strings.TrimSpace(*fields.SettlementTxHash)
		if existing != "" && !strings.EqualFold(existing, incoming) {
			return fmt.Errorf("%w: settlement tx %s already recorded", ErrEvidenceConflict, existing)
		}
	}
	if fields.TransferTxHash != nil {
		existing := strings.TrimSpace(order.TransferTxHash)
		incoming := strings.TrimSpace(*fields.TransferTxHash)
		if existing != "" && !strings.EqualFold(existing, incoming) {
			return fmt.Errorf("%w: transfer tx %s already recorded", ErrEvidenceConflict, existing)
		}
	}
	return nil
}

func timestampColumn(status Status) string {
	switch status {
	case StatusPaymentConfirmed:
		return "confirmed_at"
	case StatusRateLocked:
		return "rate_locked_at"
	case StatusSettlementExecuting:
		return "settlement_started_at"
	case StatusSettlementCompleted:
		return "settlement_completed_at"
	case StatusTransferExecuting:
		return "transfer_started_at"
	case StatusCompleted:
		return "completed_at"
	case StatusPaymentFailed, StatusSettlementFailed, StatusTransferFailed:
		return "failed_at"
	}
	return ""
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
