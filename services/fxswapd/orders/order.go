package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Status represents a state in the swap order workflow.
type Status string

// All workflow states.
const (
	StatusPending             Status = "PENDING"
	StatusPaymentConfirmed    Status = "PAYMENT_CONFIRMED"
	StatusRateLocked          Status = "RATE_LOCKED"
	StatusSettlementExecuting Status = "SETTLEMENT_EXECUTING"
	StatusSettlementCompleted Status = "SETTLEMENT_COMPLETED"
	StatusTransferExecuting   Status = "TRANSFER_EXECUTING"
	StatusCompleted           Status = "COMPLETED"
	StatusPaymentFailed       Status = "PAYMENT_FAILED"
	StatusSettlementFailed    Status = "SETTLEMENT_FAILED"
	StatusTransferFailed      Status = "TRANSFER_FAILED"
)

// Error codes persisted on orders alongside a human readable message.
const (
	CodeRateDrift            = "RATE_DRIFT"
	CodeRateUnavailable      = "RATE_UNAVAILABLE"
	CodeInsufficientTreasury = "INSUFFICIENT_TREASURY"
	CodeInvalidPayout        = "INVALID_PAYOUT"
	CodeGasEstimation        = "GAS_ESTIMATION"
	CodeSubmission           = "SUBMISSION"
	CodeOnChainRevert        = "ON_CHAIN_REVERT"
	CodeConfirmationTimeout  = "CONFIRMATION_TIMEOUT"
	CodePaymentFailed        = "PAYMENT_FAILED"
	CodeInternal             = "INTERNAL"
)

// Wallet operation states.
const (
	WalletOpSubmitted = "submitted"
	WalletOpConfirmed = "confirmed"
	WalletOpFailed    = "failed"
)

// SwapOrder is one fiat-to-crypto conversion request.
type SwapOrder struct {
	ID                    uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ClientOrderID         string          `gorm:"size:128;index" json:"client_order_id"`
	PaymentProvider       string          `gorm:"size:32;uniqueIndex:idx_payment_ref" json:"payment_provider"`
	PaymentReference      string          `gorm:"size:128;uniqueIndex:idx_payment_ref" json:"payment_reference"`
	PaymentHandle         string          `gorm:"size:512" json:"payment_handle,omitempty"`
	UserID                string          `gorm:"size:128;index" json:"user_id"`
	FiatCurrency          string          `gorm:"size:8" json:"fiat_currency"`
	FiatAmount            decimal.Decimal `gorm:"type:varchar(78);not null" json:"fiat_amount"`
	TargetToken           string          `gorm:"size:16" json:"target_token"`
	TargetTokenAmount     decimal.Decimal `gorm:"type:varchar(78)" json:"target_token_amount"`
	DestinationWallet     string          `gorm:"size:128" json:"destination_wallet"`
	FxRate                decimal.Decimal `gorm:"type:varchar(78)" json:"fx_rate"`
	FxRateSource          string          `gorm:"size:32" json:"fx_rate_source"`
	FxRateTimestamp       time.Time       `json:"fx_rate_timestamp"`
	PlatformFeePercent    decimal.Decimal `gorm:"type:varchar(78)" json:"platform_fee_percent"`
	PlatformFeeAmount     decimal.Decimal `gorm:"type:varchar(78)" json:"platform_fee_amount"`
	NetworkFeeAmount      decimal.Decimal `gorm:"type:varchar(78)" json:"network_fee_amount"`
	Status                Status          `gorm:"size:32;index" json:"status"`
	ConfirmedAt           *time.Time      `json:"confirmed_at,omitempty"`
	RateLockedAt          *time.Time      `json:"rate_locked_at,omitempty"`
	SettlementStartedAt   *time.Time      `json:"settlement_started_at,omitempty"`
	SettlementCompletedAt *time.Time      `json:"settlement_completed_at,omitempty"`
	TransferStartedAt     *time.Time      `json:"transfer_started_at,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	FailedAt              *time.Time      `json:"failed_at,omitempty"`
	ErrorMessage          string          `gorm:"size:1024" json:"error_message,omitempty"`
	ErrorCode             string          `gorm:"size:64;index" json:"error_code,omitempty"`
	SettlementTxHash      string          `gorm:"size:80" json:"settlement_tx_hash,omitempty"`
	TransferTxHash        string          `gorm:"size:80" json:"transfer_tx_hash,omitempty"`
	CreatedAt             time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Terminal reports whether the order can no longer change state.
func (o *SwapOrder) Terminal() bool {
	return o != nil && o.Status.Terminal()
}

// OrderTransition is the append-only audit record of one accepted transition.
type OrderTransition struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	OrderID   uuid.UUID `gorm:"type:uuid;index" json:"order_id"`
	From      Status    `gorm:"size:32" json:"from"`
	To        Status    `gorm:"size:32" json:"to"`
	ErrorCode string    `gorm:"size:64" json:"error_code,omitempty"`
	At        time.Time `json:"at"`
}

// RateSnapshot is an immutable audit record of one successful rate fetch.
type RateSnapshot struct {
	ID              uint            `gorm:"primaryKey" json:"-"`
	FromCurrency    string          `gorm:"size:16;index:idx_snapshot_pair" json:"from_currency"`
	ToCurrency      string          `gorm:"size:16;index:idx_snapshot_pair" json:"to_currency"`
	Rate            decimal.Decimal `gorm:"type:varchar(78)" json:"rate"`
	Source          string          `gorm:"size:32" json:"source"`
	ConfidenceScore decimal.Decimal `gorm:"type:varchar(16)" json:"confidence_score"`
	Timestamp       time.Time       `gorm:"index" json:"timestamp"`
}

// WalletOperation is one outbound on-chain transaction tied to a SwapOrder.
type WalletOperation struct {
	ID                    uint            `gorm:"primaryKey" json:"-"`
	OrderID               uuid.UUID       `gorm:"type:uuid;index" json:"order_id"`
	TxHash                string          `gorm:"size:80;uniqueIndex" json:"tx_hash"`
	Status                string          `gorm:"size:16;index" json:"status"`
	Asset                 string          `gorm:"size:16" json:"asset"`
	Amount                decimal.Decimal `gorm:"type:varchar(78)" json:"amount"`
	FromAddress           string          `gorm:"size:128" json:"from_address"`
	ToAddress             string          `gorm:"size:128" json:"to_address"`
	ChainID               string          `gorm:"size:32" json:"chain_id"`
	Nonce                 uint64          `json:"nonce"`
	GasLimit              uint64          `json:"gas_limit"`
	RequiredConfirmations uint64          `json:"required_confirmations"`
	BlockNumber           uint64          `json:"block_number"`
	Confirmations         uint64          `json:"confirmations"`
	GasUsed               uint64          `json:"gas_used"`
	GasFeePaid            decimal.Decimal `gorm:"type:varchar(78)" json:"gas_fee_paid"`
	FailureReason         string          `gorm:"size:1024" json:"failure_reason,omitempty"`
	SubmittedAt           time.Time       `json:"submitted_at"`
	ConfirmedAt           *time.Time      `json:"confirmed_at,omitempty"`
	FailedAt              *time.Time      `json:"failed_at,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// SwapConfig is the process-wide order policy. Exactly one row is active.
type SwapConfig struct {
	ID                 uint            `gorm:"primaryKey" json:"id"`
	MinAmount          decimal.Decimal `gorm:"type:varchar(78)" json:"min_amount"`
	MaxAmount          decimal.Decimal `gorm:"type:varchar(78)" json:"max_amount"`
	DailyUserLimit     decimal.Decimal `gorm:"type:varchar(78)" json:"daily_user_limit"`
	PlatformFeePercent decimal.Decimal `gorm:"type:varchar(78)" json:"platform_fee_percent"`
	MinPlatformFee     decimal.Decimal `gorm:"type:varchar(78)" json:"min_platform_fee"`
	MaxPlatformFee     decimal.Decimal `gorm:"type:varchar(78)" json:"max_platform_fee"`
	MaintenanceMode    bool            `json:"maintenance_mode"`
	MaintenanceMessage string          `gorm:"size:512" json:"maintenance_message,omitempty"`
	Active             bool            `gorm:"index" json:"active"`
	CreatedAt          time.Time       `json:"created_at"`
}

// SettlementRequest is the outbox row persisted before a settlement is dispatched.
type SettlementRequest struct {
	OrderID       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"order_id"`
	RequestedAt   time.Time  `gorm:"index" json:"requested_at"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `gorm:"size:1024" json:"last_error,omitempty"`
	CompletedAt   *time.Time `gorm:"index" json:"completed_at,omitempty"`
}

// BalanceReconciliation stores one reconciliation result per asset and window.
type BalanceReconciliation struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	Asset            string          `gorm:"size:16;index" json:"asset"`
	WindowStart      time.Time       `json:"window_start"`
	WindowEnd        time.Time       `json:"window_end"`
	ExpectedOutflow  decimal.Decimal `gorm:"type:varchar(78)" json:"expected_outflow"`
	ConfirmedOutflow decimal.Decimal `gorm:"type:varchar(78)" json:"confirmed_outflow"`
	OnChainBalance   decimal.Decimal `gorm:"type:varchar(78)" json:"on_chain_balance"`
	Discrepancy      decimal.Decimal `gorm:"type:varchar(78)" json:"discrepancy"`
	Anomalies        int             `json:"anomalies"`
	ReportPath       string          `gorm:"size:512" json:"report_path,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// AutoMigrate runs schema migrations for all order models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SwapOrder{},
		&OrderTransition{},
		&RateSnapshot{},
		&WalletOperation{},
		&SwapConfig{},
		&SettlementRequest{},
		&BalanceReconciliation{},
	)
}
