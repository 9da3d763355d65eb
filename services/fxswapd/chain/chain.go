// Package chain moves treasury funds on-chain and tracks their confirmation.
package chain

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrReverted is returned when a mined transaction failed on-chain.
	ErrReverted = errors.New("chain: transaction reverted")
	// ErrUnknownAsset is returned for assets the client has no contract for.
	ErrUnknownAsset = errors.New("chain: unknown asset")
	// ErrTransferMismatch is returned when a mined transaction does not carry the expected transfer.
	ErrTransferMismatch = errors.New("chain: transfer mismatch")
	// ErrBroadcastRejected is returned when the node refused a signed transaction.
	// Any other broadcast error leaves the transaction's fate unknown.
	ErrBroadcastRejected = errors.New("chain: broadcast rejected")
)

// TransferRequest describes a treasury payout.
type TransferRequest struct {
	OrderID string
	Asset   string
	To      string
	// Amount is in the asset's base units.
	Amount *big.Int
	// GasLimit overrides estimation when non-zero.
	GasLimit uint64
}

// Transfer is a signed treasury transaction.
type Transfer struct {
	TxHash   string
	Asset    string
	From     string
	To       string
	Amount   *big.Int
	Nonce    uint64
	GasLimit uint64
	ChainID  int64
}

// Receipt summarises the on-chain outcome of a transfer.
type Receipt struct {
	TxHash        string
	Success       bool
	Pending       bool
	BlockNumber   uint64
	Confirmations uint64
	GasUsed       uint64
	// GasFeePaid is in wei.
	GasFeePaid   *big.Int
	RevertReason string
}

// SignedFunc is invoked with the signed transaction before it is broadcast. A
// non-nil error aborts the broadcast.
type SignedFunc func(ctx context.Context, t Transfer) error

// Client captures the chain operations the settlement executor requires.
type Client interface {
	Address() string
	NativeAsset() string
	Decimals(ctx context.Context, asset string) (uint8, error)
	GetBalance(ctx context.Context, asset string) (*big.Int, error)
	EstimateGas(ctx context.Context, req TransferRequest) (uint64, error)
	SubmitTransfer(ctx context.Context, req TransferRequest, onSigned SignedFunc) (Transfer, error)
	WaitForConfirmations(ctx context.Context, t Transfer, confirmations uint64) (Receipt, error)
}

// StatusReader reports the current on-chain state of a transaction without waiting.
type StatusReader interface {
	TransferStatus(ctx context.Context, txHash string) (Receipt, error)
}

// FuncClient adapts callback functions to the Client interface.
type FuncClient struct {
	AddressValue string
	NativeSymbol string
	DecimalsFunc func(ctx context.Context, asset string) (uint8, error)
	BalanceFunc  func(ctx context.Context, asset string) (*big.Int, error)
	EstimateFunc func(ctx context.Context, req TransferRequest) (uint64, error)
	SubmitFunc   func(ctx context.Context, req TransferRequest, onSigned SignedFunc) (Transfer, error)
	ConfirmFunc  func(ctx context.Context, t Transfer, confirmations uint64) (Receipt, error)
	StatusFunc   func(ctx context.Context, txHash string) (Receipt, error)
	// DefaultDecimals is returned when DecimalsFunc is nil. Zero means 18.
	DefaultDecimals uint8
}

// Address returns the configured treasury address.
func (c FuncClient) Address() string { return c.AddressValue }

// NativeAsset returns the configured native asset symbol.
func (c FuncClient) NativeAsset() string {
	if c.NativeSymbol == "" {
		return "ETH"
	}
	return c.NativeSymbol
}

// Decimals delegates to the configured callback.
func (c FuncClient) Decimals(ctx context.Context, asset string) (uint8, error) {
	if c.DecimalsFunc == nil {
		if c.DefaultDecimals == 0 {
			return 18, nil
		}
		return c.DefaultDecimals, nil
	}
	return c.DecimalsFunc(ctx, asset)
}

// GetBalance delegates to the configured callback.
func (c FuncClient) GetBalance(ctx context.Context, asset string) (*big.Int, error) {
	if c.BalanceFunc == nil {
		return new(big.Int), nil
	}
	return c.BalanceFunc(ctx, asset)
}

// EstimateGas delegates to the configured callback.
func (c FuncClient) EstimateGas(ctx context.Context, req TransferRequest) (uint64, error) {
	if c.EstimateFunc == nil {
		return 21000, nil
	}
	return c.EstimateFunc(ctx, req)
}

// SubmitTransfer delegates to the configured callback.
func (c FuncClient) SubmitTransfer(ctx context.Context, req TransferRequest, onSigned SignedFunc) (Transfer, error) {
	if c.SubmitFunc == nil {
		return Transfer{}, errors.New("chain: submit not configured")
	}
	return c.SubmitFunc(ctx, req, onSigned)
}

// WaitForConfirmations delegates to the configured callback.
func (c FuncClient) WaitForConfirmations(ctx context.Context, t Transfer, confirmations uint64) (Receipt, error) {
	if c.ConfirmFunc == nil {
		return Receipt{TxHash: t.TxHash, Success: true, Confirmations: confirmations}, nil
	}
	return c.ConfirmFunc(ctx, t, confirmations)
}

// TransferStatus delegates to the configured callback.
func (c FuncClient) TransferStatus(ctx context.Context, txHash string) (Receipt, error) {
	if c.StatusFunc == nil {
		return Receipt{TxHash: txHash, Pending: true}, nil
	}
	return c.StatusFunc(ctx, txHash)
}
