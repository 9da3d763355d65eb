package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const erc20ABIJSON = `[
 {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
 {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
 {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	erc20ABI               = mustParseABI(erc20ABIJSON)
	transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend defines the subset of the Ethereum RPC used by the EVM client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVM initialises an EVM RPC client for the provided endpoint.
func DialEVM(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Token is an ERC-20 contract the treasury pays out.
type Token struct {
	Symbol  string
	Address common.Address
	// Decimals is queried from the contract when zero.
	Decimals uint8
}

// EVMClient signs and broadcasts treasury transfers with a single hot key.
type EVMClient struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	from         common.Address
	native       string
	tokens       map[string]Token
	pollInterval time.Duration

	// mu serialises nonce allocation and broadcast.
	mu         sync.Mutex
	chainID    *big.Int
	nextNonce  uint64
	nonceKnown bool

	decMu    sync.Mutex
	decimals map[string]uint8
}

// EVMOption customises the EVM client.
type EVMOption func(*EVMClient)

// WithPollInterval configures the confirmation polling cadence.
func WithPollInterval(interval time.Duration) EVMOption {
	return func(c *EVMClient) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithNativeAsset sets the symbol of the chain's gas asset.
func WithNativeAsset(symbol string) EVMOption {
	return func(c *EVMClient) {
		if s := strings.ToUpper(strings.TrimSpace(symbol)); s != "" {
			c.native = s
		}
	}
}

// WithToken registers an ERC-20 payout asset.
func WithToken(token Token) EVMOption {
	return func(c *EVMClient) {
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if symbol == "" {
			return
		}
		token.Symbol = symbol
		c.tokens[symbol] = token
	}
}

// NewEVMClient constructs an EVM client signing with key.
func NewEVMClient(backend Backend, key *ecdsa.PrivateKey, opts ...EVMOption) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("chain: signing key required")
	}
	c := &EVMClient{
		backend:      backend,
		key:          key,
		from:         gethcrypto.PubkeyToAddress(key.PublicKey),
		native:       "ETH",
		tokens:       make(map[string]Token),
		pollInterval: 4 * time.Second,
		decimals:     make(map[string]uint8),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Address returns the treasury hot wallet address.
func (c *EVMClient) Address() string { return c.from.Hex() }

// NativeAsset returns the gas asset symbol.
func (c *EVMClient) NativeAsset() string { return c.native }

func (c *EVMClient) resolve(asset string) (Token, bool, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if symbol == c.native {
		return Token{Symbol: symbol, Decimals: 18}, true, nil
	}
	token, ok := c.tokens[symbol]
	if !ok {
		return Token{}, false, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return token, false, nil
}

// Decimals returns the asset's decimals, querying and caching the contract value.
func (c *EVMClient) Decimals(ctx context.Context, asset string) (uint8, error) {
	token, native, err := c.resolve(asset)
	if err != nil {
		return 0, err
	}
	if native || token.Decimals > 0 {
		return token.Decimals, nil
	}
	c.decMu.Lock()
	cached, ok := c.decimals[token.Symbol]
	c.decMu.Unlock()
	if ok {
		return cached, nil
	}
	out, err := c.call(ctx, token.Address, "decimals")
	if err != nil {
		return 0, err
	}
	value, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: unexpected decimals type %T", out[0])
	}
	c.decMu.Lock()
	c.decimals[token.Symbol] = value
	c.decMu.Unlock()
	return value, nil
}

// GetBalance returns the treasury balance of asset in base units.
func (c *EVMClient) GetBalance(ctx context.Context, asset string) (*big.Int, error) {
	token, native, err := c.resolve(asset)
	if err != nil {
		return nil, err
	}
	if native {
		return c.backend.BalanceAt(ctx, c.from, nil)
	}
	out, err := c.call(ctx, token.Address, "balanceOf", c.from)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected balance type %T", out[0])
	}
	return value, nil
}

func (c *EVMClient) call(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := erc20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: decode %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: empty %s result", method)
	}
	return out, nil
}

func (c *EVMClient) callMsg(asset, to string, amount *big.Int) (ethereum.CallMsg, error) {
	if !common.IsHexAddress(to) {
		return ethereum.CallMsg{}, fmt.Errorf("chain: invalid destination %q", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ethereum.CallMsg{}, fmt.Errorf("chain: amount must be positive")
	}
	token, native, err := c.resolve(asset)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	dest := common.HexToAddress(to)
	if native {
		return ethereum.CallMsg{From: c.from, To: &dest, Value: new(big.Int).Set(amount)}, nil
	}
	data, err := erc20ABI.Pack("transfer", dest, amount)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	contract := token.Address
	return ethereum.CallMsg{From: c.from, To: &contract, Value: new(big.Int), Data: data}, nil
}

// EstimateGas returns the node's gas estimate for the transfer.
func (c *EVMClient) EstimateGas(ctx context.Context, req TransferRequest) (uint64, error) {
	msg, err := c.callMsg(req.Asset, req.To, req.Amount)
	if err != nil {
		return 0, err
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("chain: estimate gas: %w", err)
	}
	return gas, nil
}

// SubmitTransfer signs the transfer, hands it to onSigned and broadcasts it.
// On a broadcast failure the signed Transfer is still returned with the error.
func (c *EVMClient) SubmitTransfer(ctx context.Context, req TransferRequest, onSigned SignedFunc) (Transfer, error) {
	msg, err := c.callMsg(req.Asset, req.To, req.Amount)
	if err != nil {
		return Transfer{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.chainIDLocked(ctx)
	if err != nil {
		return Transfer{}, err
	}
	nonce, err := c.nonceLocked(ctx)
	if err != nil {
		return Transfer{}, err
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		estimate, err := c.backend.EstimateGas(ctx, msg)
		if err != nil {
			return Transfer{}, fmt.Errorf("chain: estimate gas: %w", err)
		}
		gasLimit = estimate + estimate/5
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Transfer{}, fmt.Errorf("chain: suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Transfer{}, fmt.Errorf("chain: fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        msg.To,
		Value:     msg.Value,
		Data:      msg.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return Transfer{}, fmt.Errorf("chain: sign: %w", err)
	}
	transfer := Transfer{
		TxHash:   signed.Hash().Hex(),
		Asset:    strings.ToUpper(strings.TrimSpace(req.Asset)),
		From:     c.from.Hex(),
		To:       common.HexToAddress(req.To).Hex(),
		Amount:   new(big.Int).Set(req.Amount),
		Nonce:    nonce,
		GasLimit: gasLimit,
		ChainID:  chainID.Int64(),
	}
	if onSigned != nil {
		if err := onSigned(ctx, transfer); err != nil {
			return Transfer{}, fmt.Errorf("chain: record signed transfer: %w", err)
		}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		switch {
		case isAlreadyKnown(err):
		case isNonceTooLow(err) && c.mined(ctx, signed.Hash()):
		case isRejection(err):
			c.nonceKnown = false
			return transfer, fmt.Errorf("chain: broadcast: %w: %v", ErrBroadcastRejected, err)
		default:
			c.nonceKnown = false
			return transfer, fmt.Errorf("chain: broadcast: %w", err)
		}
	}
	c.nextNonce = nonce + 1
	return transfer, nil
}

// Node-side txpool rejections. These arrive as JSON-RPC error strings, so they
// are matched on the message rather than the core error values.
var rejectionMessages = []string{
	"nonce too low",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
	"transaction underpriced",
	"replacement transaction underpriced",
	"max fee per gas less than block base fee",
	"max priority fee per gas higher than max fee per gas",
	"transaction type not supported",
	"oversized data",
	"negative value",
	"tx fee",
}

func isRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range rejectionMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// mined reports whether the transaction is already included, which makes a
// nonce-too-low rejection a duplicate broadcast of our own payout.
func (c *EVMClient) mined(ctx context.Context, hash common.Hash) bool {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	return err == nil && receipt != nil && receipt.BlockNumber != nil
}

func (c *EVMClient) chainIDLocked(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

func (c *EVMClient) nonceLocked(ctx context.Context) (uint64, error) {
	pending, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce: %w", err)
	}
	if c.nonceKnown && c.nextNonce > pending {
		return c.nextNonce, nil
	}
	c.nonceKnown = true
	return pending, nil
}

// TransferStatus reports the current state of a transaction without waiting.
func (c *EVMClient) TransferStatus(ctx context.Context, txHash string) (Receipt, error) {
	receipt, _, err := c.receipt(ctx, txHash)
	return receipt, err
}

func (c *EVMClient) receipt(ctx context.Context, txHash string) (Receipt, *gethtypes.Receipt, error) {
	out := Receipt{TxHash: txHash}
	raw, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			out.Pending = true
			return out, nil, nil
		}
		return out, nil, fmt.Errorf("chain: fetch receipt: %w", err)
	}
	if raw == nil || raw.BlockNumber == nil {
		out.Pending = true
		return out, nil, nil
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return out, nil, fmt.Errorf("chain: fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return out, nil, fmt.Errorf("chain: block metadata unavailable")
	}
	out.Success = raw.Status == gethtypes.ReceiptStatusSuccessful
	out.BlockNumber = raw.BlockNumber.Uint64()
	if header.Number.Cmp(raw.BlockNumber) >= 0 {
		confirmed := new(big.Int).Sub(header.Number, raw.BlockNumber)
		out.Confirmations = confirmed.Uint64() + 1
	}
	out.GasUsed = raw.GasUsed
	if raw.EffectiveGasPrice != nil {
		out.GasFeePaid = new(big.Int).Mul(new(big.Int).SetUint64(raw.GasUsed), raw.EffectiveGasPrice)
	}
	return out, raw, nil
}

// WaitForConfirmations polls until the transfer has the requested number of
// confirmations, reverts, or ctx ends. A context error leaves the receipt
// marked Pending.
func (c *EVMClient) WaitForConfirmations(ctx context.Context, t Transfer, confirmations uint64) (Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		receipt, raw, err := c.receipt(ctx, t.TxHash)
		switch {
		case err != nil:
			lastErr = err
		case raw == nil:
		case !receipt.Success:
			receipt.RevertReason = c.revertReason(ctx, t, raw)
			return receipt, fmt.Errorf("%w: %s", ErrReverted, receipt.RevertReason)
		case receipt.Confirmations >= confirmations:
			if err := c.verifyTransfer(t, raw); err != nil {
				return receipt, err
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			pending := Receipt{TxHash: t.TxHash, Pending: true}
			if raw != nil {
				pending = receipt
				pending.Pending = true
			}
			if lastErr != nil {
				return pending, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return pending, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) verifyTransfer(t Transfer, raw *gethtypes.Receipt) error {
	if t.Amount == nil {
		return nil
	}
	token, native, err := c.resolve(t.Asset)
	if err != nil || native {
		return err
	}
	to := common.HexToAddress(t.To)
	for _, log := range raw.Logs {
		if log == nil || log.Address != token.Address || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != c.from || common.BytesToAddress(log.Topics[2].Bytes()) != to {
			continue
		}
		if new(big.Int).SetBytes(log.Data).Cmp(t.Amount) == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching transfer in %s", ErrTransferMismatch, t.TxHash)
}

// revertReason replays the transfer against the parent block to recover the
// revert message.
func (c *EVMClient) revertReason(ctx context.Context, t Transfer, raw *gethtypes.Receipt) string {
	if t.GasLimit > 0 && raw.GasUsed >= t.GasLimit {
		return "out of gas"
	}
	msg, err := c.callMsg(t.Asset, t.To, t.Amount)
	if err != nil {
		return "execution reverted"
	}
	msg.Gas = t.GasLimit
	block := new(big.Int).Set(raw.BlockNumber)
	if block.Sign() > 0 {
		block.Sub(block, big.NewInt(1))
	}
	_, callErr := c.backend.CallContract(ctx, msg, block)
	if callErr == nil {
		return "execution reverted"
	}
	var dataErr rpc.DataError
	if errors.As(callErr, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if payload, err := hexutil.Decode(encoded); err == nil {
				if reason, err := abi.UnpackRevert(payload); err == nil {
					return reason
				}
			}
		}
	}
	return callErr.Error()
}
