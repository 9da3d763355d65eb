// Package settlement converts confirmed fiat payments into on-chain treasury
// payouts and drives each order to a terminal state.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fxsettle/observability"
	"fxsettle/observability/logging"
	fxotel "fxsettle/observability/otel"
	"fxsettle/services/fxswapd/chain"
	"fxsettle/services/fxswapd/orders"
	"fxsettle/services/fxswapd/rates"
)

var (
	// ErrRateDrift is returned when the refreshed rate moved beyond tolerance.
	ErrRateDrift = errors.New("settlement: rate drift")
	// ErrOnChainFailure is returned when the payout reverted or never confirmed.
	ErrOnChainFailure = errors.New("settlement: on-chain failure")
	// ErrPaused is returned while the executor refuses new submissions.
	ErrPaused = errors.New("settlement: executor paused")
	// ErrNotSettleable is returned for orders that are not ready for settlement.
	ErrNotSettleable = errors.New("settlement: order not settleable")
	// ErrPayoutMismatch is returned when the computed payout strays from the quoted amount.
	ErrPayoutMismatch = errors.New("settlement: payout mismatch")
	// ErrBroadcastUnknown is returned when a signed payout may or may not have
	// reached the network. The order resumes from its receipt.
	ErrBroadcastUnknown = errors.New("settlement: broadcast outcome unknown")
)

const (
	defaultStaleAfter     = 30 * time.Second
	defaultConfirmTimeout = 10 * time.Minute
	defaultGasBufferPct   = 20
)

var defaultTolerance = decimal.RequireFromString("0.005")

// Store is the persistence the executor needs beyond the state machine.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*orders.SwapOrder, error)
	RecordWalletOperation(ctx context.Context, op *orders.WalletOperation) error
	UpdateWalletOperation(ctx context.Context, txHash string, updates map[string]any) error
	GetWalletOperation(ctx context.Context, txHash string) (*orders.WalletOperation, error)
}

// StateMachine applies order transitions.
type StateMachine interface {
	Transition(ctx context.Context, id uuid.UUID, to orders.Status, fields orders.Fields) (*orders.SwapOrder, error)
}

// RateRefresher resolves exchange rates, bypassing the cache on Refresh.
type RateRefresher interface {
	GetRate(ctx context.Context, from, to string) (rates.Quote, error)
	Refresh(ctx context.Context, from, to string) (rates.Quote, error)
}

// ConfigSource exposes the active swap configuration.
type ConfigSource interface {
	Current() orders.SwapConfig
}

// StaticConfig is a ConfigSource returning a fixed configuration.
type StaticConfig orders.SwapConfig

// Current returns the wrapped configuration.
func (s StaticConfig) Current() orders.SwapConfig { return orders.SwapConfig(s) }

// Executor settles orders against the treasury hot wallet.
type Executor struct {
	store          Store
	machine        StateMachine
	rates          RateRefresher
	config         ConfigSource
	client         chain.Client
	treasury       *Treasury
	logger         *log.Logger
	metrics        *observability.SettlementMetrics
	tracer         trace.Tracer
	now            func() time.Time
	staleAfter     time.Duration
	tolerance      decimal.Decimal
	gasBufferPct   uint64
	confirmTimeout time.Duration
	deductions     map[string]decimal.Decimal

	orderLocks *keyedMutex
	walletMu   sync.Mutex

	mu        sync.Mutex
	paused    bool
	inFlight  map[uuid.UUID]time.Time
	completed int
	failed    int
	lastError string
}

// Option customises the executor.
type Option func(*Executor)

// WithClock overrides the executor clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.now = clock }
}

// WithLogger overrides the executor logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithStaleAfter sets the age after which a locked rate is refreshed.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.staleAfter = d
		}
	}
}

// WithDriftTolerance sets the maximum relative rate movement accepted at settlement.
func WithDriftTolerance(tolerance decimal.Decimal) Option {
	return func(e *Executor) {
		if tolerance.IsPositive() {
			e.tolerance = tolerance
		}
	}
}

// WithGasBuffer sets the percentage added on top of the gas estimate.
func WithGasBuffer(pct uint64) Option {
	return func(e *Executor) { e.gasBufferPct = pct }
}

// WithConfirmTimeout bounds how long a payout may wait for confirmations.
func WithConfirmTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.confirmTimeout = d
		}
	}
}

// WithNetworkFeeDeduction deducts a flat amount of asset from every payout.
func WithNetworkFeeDeduction(asset string, amount decimal.Decimal) Option {
	return func(e *Executor) {
		if amount.IsNegative() {
			return
		}
		e.deductions[strings.ToUpper(strings.TrimSpace(asset))] = amount
	}
}

// NewExecutor wires the settlement executor.
func NewExecutor(store Store, machine StateMachine, rateSource RateRefresher, config ConfigSource, treasury *Treasury, client chain.Client, opts ...Option) (*Executor, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("settlement: store required")
	case machine == nil:
		return nil, fmt.Errorf("settlement: state machine required")
	case rateSource == nil:
		return nil, fmt.Errorf("settlement: rate source required")
	case config == nil:
		return nil, fmt.Errorf("settlement: config source required")
	case treasury == nil:
		return nil, fmt.Errorf("settlement: treasury required")
	case client == nil:
		return nil, fmt.Errorf("settlement: chain client required")
	}
	e := &Executor{
		store:          store,
		machine:        machine,
		rates:          rateSource,
		config:         config,
		client:         client,
		treasury:       treasury,
		logger:         log.Default(),
		metrics:        observability.Settlement(),
		tracer:         fxotel.Tracer("fxsettle/settlement"),
		now:            time.Now,
		staleAfter:     defaultStaleAfter,
		tolerance:      defaultTolerance,
		gasBufferPct:   defaultGasBufferPct,
		confirmTimeout: defaultConfirmTimeout,
		deductions:     make(map[string]decimal.Decimal),
		orderLocks:     newKeyedMutex(),
		inFlight:       make(map[uuid.UUID]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	return e, nil
}

// Execute drives the order from a confirmed payment to a terminal state. It is
// safe to call repeatedly: terminal orders are a no-op and partially settled
// orders resume from their persisted evidence.
func (e *Executor) Execute(ctx context.Context, id uuid.UUID) (err error) {
	unlock := e.orderLocks.Lock(id.String())
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "settlement.execute", trace.WithAttributes(attribute.String("order.id", id.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	order, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if order.Terminal() {
		return nil
	}

	e.track(id, true)
	defer e.track(id, false)

	switch order.Status {
	case orders.StatusPaymentConfirmed, orders.StatusRateLocked:
		err = e.settle(ctx, order)
	case orders.StatusSettlementExecuting:
		if strings.TrimSpace(order.SettlementTxHash) == "" {
			err = e.settle(ctx, order)
			break
		}
		err = e.resumeSubmitted(ctx, order)
	case orders.StatusSettlementCompleted, orders.StatusTransferExecuting:
		err = e.resumeConfirmation(ctx, order)
	default:
		err = fmt.Errorf("%w: order %s is %s", ErrNotSettleable, id, order.Status)
	}
	e.finish(err)
	return err
}

func (e *Executor) settle(ctx context.Context, order *orders.SwapOrder) error {
	if e.Paused() {
		return ErrPaused
	}
	asset := strings.ToUpper(order.TargetToken)

	quote, err := e.revalidateRate(ctx, order)
	if err != nil {
		return err
	}

	decimals, err := e.client.Decimals(ctx, asset)
	if err != nil {
		return e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeInvalidPayout, fmt.Errorf("settlement: %s decimals: %w", asset, err))
	}
	schedule := ScheduleFor(order, e.config.Current())
	payout, err := CalculatePayout(order.FiatAmount, quote.Rate, schedule, e.deductions[asset], decimals)
	if err != nil {
		return e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeInvalidPayout, err)
	}
	if !payout.Net.IsPositive() {
		return e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeInvalidPayout,
			fmt.Errorf("%w: payout %s %s is not positive", ErrPayoutMismatch, payout.Net.String(), asset))
	}
	// The quote is checked at its own rate; movement since then is bounded by revalidateRate.
	if quoted := order.TargetTokenAmount; quoted.IsPositive() && order.FxRate.IsPositive() {
		expected, err := CalculatePayout(order.FiatAmount, order.FxRate, schedule, e.deductions[asset], decimals)
		if err != nil {
			return e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeInvalidPayout, err)
		}
		if RelativeDiff(expected.Net, quoted).GreaterThan(e.tolerance) {
			return e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeInvalidPayout,
				fmt.Errorf("%w: quoted %s does not match %s at rate %s", ErrPayoutMismatch, quoted.String(), expected.Net.String(), order.FxRate.String()))
		}
	}

	if order.Status != orders.StatusSettlementExecuting {
		order, err = e.lockRate(ctx, order, quote, payout)
		if err != nil {
			return err
		}
	}

	transfer, err := e.submit(ctx, order, payout.Net, decimals)
	if err != nil {
		return err
	}

	hash := transfer.TxHash
	if _, err := e.machine.Transition(ctx, order.ID, orders.StatusSettlementCompleted, orders.Fields{SettlementTxHash: &hash}); err != nil {
		return err
	}
	return e.confirm(ctx, order.ID, transfer)
}

// revalidateRate returns the rate the payout will use, refreshing it when the
// locked rate is stale and failing the order when it drifted.
func (e *Executor) revalidateRate(ctx context.Context, order *orders.SwapOrder) (rates.Quote, error) {
	locked := rates.Quote{
		From:      order.FiatCurrency,
		To:        order.TargetToken,
		Rate:      order.FxRate,
		Source:    order.FxRateSource,
		Timestamp: order.FxRateTimestamp,
	}
	if order.FxRate.IsPositive() && e.now().Sub(order.FxRateTimestamp) <= e.staleAfter {
		return locked, nil
	}
	var (
		quote rates.Quote
		err   error
	)
	if order.FxRate.IsPositive() {
		quote, err = e.rates.Refresh(ctx, order.FiatCurrency, order.TargetToken)
	} else {
		quote, err = e.rates.GetRate(ctx, order.FiatCurrency, order.TargetToken)
	}
	if err != nil {
		if errors.Is(err, rates.ErrRateUnavailable) {
			e.flag(ctx, order, orders.CodeRateUnavailable, err)
		}
		return rates.Quote{}, err
	}
	if order.FxRate.IsPositive() {
		drift := RelativeDiff(quote.Rate, order.FxRate)
		if drift.GreaterThan(e.tolerance) {
			return rates.Quote{}, e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeRateDrift,
				fmt.Errorf("%w: %s/%s moved from %s to %s (%s%%)", ErrRateDrift, order.FiatCurrency, order.TargetToken,
					order.FxRate.String(), quote.Rate.String(), drift.Mul(hundred).StringFixed(3)))
		}
	}
	return quote, nil
}

func (e *Executor) lockRate(ctx context.Context, order *orders.SwapOrder, quote rates.Quote, payout Payout) (*orders.SwapOrder, error) {
	empty := ""
	ts := quote.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	return e.machine.Transition(ctx, order.ID, orders.StatusRateLocked, orders.Fields{
		TargetTokenAmount: &payout.Net,
		FxRate:            &quote.Rate,
		FxRateSource:      &quote.Source,
		FxRateTimestamp:   &ts,
		PlatformFeeAmount: &payout.PlatformFee,
		ErrorCode:         &empty,
		ErrorMessage:      &empty,
	})
}

// submit checks the treasury and broadcasts the payout. The wallet mutex
// covers the balance check, nonce assignment and broadcast.
func (e *Executor) submit(ctx context.Context, order *orders.SwapOrder, amount decimal.Decimal, decimals uint8) (chain.Transfer, error) {
	asset := strings.ToUpper(order.TargetToken)
	e.walletMu.Lock()
	defer e.walletMu.Unlock()

	if err := e.treasury.Check(ctx, asset, amount); err != nil {
		if errors.Is(err, ErrInsufficientTreasury) {
			e.flag(ctx, order, orders.CodeInsufficientTreasury, err)
			e.logger.Printf("fxswapd: treasury cannot fund order %s: %v", order.ID, err)
		}
		return chain.Transfer{}, err
	}

	if order.Status != orders.StatusSettlementExecuting {
		next, err := e.machine.Transition(ctx, order.ID, orders.StatusSettlementExecuting, orders.Fields{})
		if err != nil {
			return chain.Transfer{}, err
		}
		*order = *next
	}

	baseUnits, err := chain.ToBaseUnits(amount, decimals)
	if err != nil {
		return chain.Transfer{}, e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeInvalidPayout, err)
	}
	req := chain.TransferRequest{
		OrderID: order.ID.String(),
		Asset:   asset,
		To:      order.DestinationWallet,
		Amount:  baseUnits,
	}
	estimate, err := e.client.EstimateGas(ctx, req)
	if err != nil {
		return chain.Transfer{}, e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeGasEstimation, fmt.Errorf("settlement: estimate gas: %w", err))
	}
	req.GasLimit = estimate + estimate*e.gasBufferPct/100

	required := e.treasury.Confirmations(asset)
	var signed chain.Transfer
	onSigned := func(ctx context.Context, t chain.Transfer) error {
		signed = t
		op := &orders.WalletOperation{
			OrderID:               order.ID,
			TxHash:                t.TxHash,
			Status:                orders.WalletOpSubmitted,
			Asset:                 asset,
			Amount:                amount,
			FromAddress:           t.From,
			ToAddress:             t.To,
			ChainID:               strconv.FormatInt(t.ChainID, 10),
			Nonce:                 t.Nonce,
			GasLimit:              t.GasLimit,
			RequiredConfirmations: required,
			SubmittedAt:           e.now().UTC(),
		}
		if err := e.store.RecordWalletOperation(ctx, op); err != nil {
			return fmt.Errorf("record wallet operation: %w", err)
		}
		hash := t.TxHash
		_, err := e.machine.Transition(ctx, order.ID, orders.StatusSettlementExecuting, orders.Fields{SettlementTxHash: &hash})
		return err
	}

	transfer, err := e.client.SubmitTransfer(ctx, req, onSigned)
	if transfer.TxHash == "" {
		transfer = signed
	}
	if err != nil {
		if transfer.TxHash == "" || errors.Is(err, chain.ErrBroadcastRejected) {
			if transfer.TxHash != "" {
				e.markOperationFailed(ctx, transfer.TxHash, err.Error(), nil)
			}
			return chain.Transfer{}, e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeSubmission, fmt.Errorf("settlement: submit transfer: %w", err))
		}
		// The node may hold the transaction. The order keeps its hash in
		// SETTLEMENT_EXECUTING and the next attempt waits for the receipt.
		e.treasury.Record(asset, amount, e.now())
		e.metrics.RecordError(order.TargetToken, orders.CodeSubmission)
		e.logger.Printf("fxswapd: order %s broadcast of %s unconfirmed: %v", order.ID, transfer.TxHash, err)
		return chain.Transfer{}, fmt.Errorf("%w: %s: %v", ErrBroadcastUnknown, transfer.TxHash, err)
	}
	e.treasury.Record(asset, amount, e.now())
	e.logger.Printf("fxswapd: order %s payout %s %s to %s broadcast as %s", order.ID, amount.String(), asset,
		logging.MaskAddress("to", order.DestinationWallet).Value.String(), transfer.TxHash)
	return transfer, nil
}

// resumeSubmitted continues an order whose payout was signed before a restart.
func (e *Executor) resumeSubmitted(ctx context.Context, order *orders.SwapOrder) error {
	transfer, op, err := e.transferFor(ctx, order, order.SettlementTxHash)
	if err != nil {
		return err
	}
	if op != nil && op.Status == orders.WalletOpFailed {
		return e.fail(ctx, order, orders.StatusSettlementFailed, orders.CodeSubmission,
			fmt.Errorf("settlement: broadcast of %s failed: %s", op.TxHash, op.FailureReason))
	}
	hash := transfer.TxHash
	if _, err := e.machine.Transition(ctx, order.ID, orders.StatusSettlementCompleted, orders.Fields{SettlementTxHash: &hash}); err != nil {
		return err
	}
	return e.confirm(ctx, order.ID, transfer)
}

func (e *Executor) resumeConfirmation(ctx context.Context, order *orders.SwapOrder) error {
	hash := order.TransferTxHash
	if hash == "" {
		hash = order.SettlementTxHash
	}
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("%w: order %s is %s without a transaction", ErrNotSettleable, order.ID, order.Status)
	}
	transfer, _, err := e.transferFor(ctx, order, hash)
	if err != nil {
		return err
	}
	return e.confirm(ctx, order.ID, transfer)
}

// transferFor rebuilds the signed transfer from its wallet operation, falling
// back to the order when the operation row is missing.
func (e *Executor) transferFor(ctx context.Context, order *orders.SwapOrder, hash string) (chain.Transfer, *orders.WalletOperation, error) {
	asset := strings.ToUpper(order.TargetToken)
	decimals, err := e.client.Decimals(ctx, asset)
	if err != nil {
		return chain.Transfer{}, nil, fmt.Errorf("settlement: %s decimals: %w", asset, err)
	}
	op, err := e.store.GetWalletOperation(ctx, hash)
	if err != nil && !errors.Is(err, orders.ErrNotFound) {
		return chain.Transfer{}, nil, err
	}
	if op == nil {
		amount, err := chain.ToBaseUnits(order.TargetTokenAmount, decimals)
		if err != nil {
			return chain.Transfer{}, nil, err
		}
		return chain.Transfer{TxHash: hash, Asset: asset, To: order.DestinationWallet, From: e.client.Address(), Amount: amount}, nil, nil
	}
	amount, err := chain.ToBaseUnits(op.Amount, decimals)
	if err != nil {
		return chain.Transfer{}, nil, err
	}
	chainID, _ := strconv.ParseInt(op.ChainID, 10, 64)
	return chain.Transfer{
		TxHash:   op.TxHash,
		Asset:    op.Asset,
		From:     op.FromAddress,
		To:       op.ToAddress,
		Amount:   amount,
		Nonce:    op.Nonce,
		GasLimit: op.GasLimit,
		ChainID:  chainID,
	}, op, nil
}

func (e *Executor) confirm(ctx context.Context, id uuid.UUID, transfer chain.Transfer) error {
	hash := transfer.TxHash
	order, err := e.machine.Transition(ctx, id, orders.StatusTransferExecuting, orders.Fields{TransferTxHash: &hash})
	if err != nil {
		return err
	}
	asset := strings.ToUpper(order.TargetToken)
	required := e.treasury.Confirmations(asset)

	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()
	receipt, err := e.client.WaitForConfirmations(waitCtx, transfer, required)
	if err == nil && !receipt.Success && !receipt.Pending {
		err = fmt.Errorf("%w: %s", chain.ErrReverted, receipt.RevertReason)
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// Shutdown: the sweep resumes the wait.
			return ctx.Err()
		case errors.Is(err, chain.ErrReverted), errors.Is(err, chain.ErrTransferMismatch):
			reason := receipt.RevertReason
			if reason == "" {
				reason = err.Error()
			}
			e.markOperationFailed(ctx, hash, reason, &receipt)
			return e.fail(ctx, order, orders.StatusTransferFailed, orders.CodeOnChainRevert, fmt.Errorf("%w: %s reverted: %s", ErrOnChainFailure, hash, reason))
		case waitCtx.Err() != nil:
			reason := fmt.Sprintf("not confirmed within %s", e.confirmTimeout)
			e.markOperationFailed(ctx, hash, reason, nil)
			return e.fail(ctx, order, orders.StatusTransferFailed, orders.CodeConfirmationTimeout, fmt.Errorf("%w: %s %s", ErrOnChainFailure, hash, reason))
		default:
			return err
		}
	}
	if receipt.Pending {
		reason := fmt.Sprintf("not confirmed within %s", e.confirmTimeout)
		e.markOperationFailed(ctx, hash, reason, nil)
		return e.fail(ctx, order, orders.StatusTransferFailed, orders.CodeConfirmationTimeout, fmt.Errorf("%w: %s %s", ErrOnChainFailure, hash, reason))
	}

	nativeDecimals, err := e.client.Decimals(ctx, e.client.NativeAsset())
	if err != nil {
		nativeDecimals = 18
	}
	gasFee := chain.FromBaseUnits(receipt.GasFeePaid, nativeDecimals)
	confirmedAt := e.now().UTC()
	if err := e.store.UpdateWalletOperation(ctx, hash, map[string]any{
		"status":        orders.WalletOpConfirmed,
		"block_number":  receipt.BlockNumber,
		"confirmations": receipt.Confirmations,
		"gas_used":      receipt.GasUsed,
		"gas_fee_paid":  gasFee,
		"confirmed_at":  confirmedAt,
	}); err != nil && !errors.Is(err, orders.ErrNotFound) {
		return err
	}

	decimals, err := e.client.Decimals(ctx, asset)
	if err != nil {
		return err
	}
	finalAmount := order.TargetTokenAmount
	if transfer.Amount != nil {
		finalAmount = chain.FromBaseUnits(transfer.Amount, decimals)
	}
	completed, err := e.machine.Transition(ctx, id, orders.StatusCompleted, orders.Fields{
		TargetTokenAmount: &finalAmount,
		NetworkFeeAmount:  &gasFee,
	})
	if err != nil {
		return err
	}
	if completed.SettlementStartedAt != nil {
		e.metrics.ObserveLatency(asset, confirmedAt.Sub(*completed.SettlementStartedAt))
	}
	e.logger.Printf("fxswapd: order %s completed in block %d (%d confirmations)", id, receipt.BlockNumber, receipt.Confirmations)
	return nil
}

// EstimatePayout prices a payout the way settlement will, including the
// configured network fee deduction for the asset.
func (e *Executor) EstimatePayout(ctx context.Context, fiatAmount, rate decimal.Decimal, asset string, schedule FeeSchedule) (Payout, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	decimals, err := e.client.Decimals(ctx, asset)
	if err != nil {
		return Payout{}, fmt.Errorf("settlement: %s decimals: %w", asset, err)
	}
	return CalculatePayout(fiatAmount, rate, schedule, e.deductions[asset], decimals)
}

// fail moves the order to a failure state and returns cause.
func (e *Executor) fail(ctx context.Context, order *orders.SwapOrder, status orders.Status, code string, cause error) error {
	e.metrics.RecordError(order.TargetToken, code)
	if _, err := e.machine.Transition(ctx, order.ID, status, orders.Failure(code, cause)); err != nil {
		e.logger.Printf("fxswapd: order %s: record %s failed: %v", order.ID, code, err)
		return errors.Join(cause, err)
	}
	e.logger.Printf("fxswapd: order %s %s (%s): %v", order.ID, status, code, cause)
	return cause
}

// flag records an error code on the order without leaving its current state.
func (e *Executor) flag(ctx context.Context, order *orders.SwapOrder, code string, cause error) {
	e.metrics.RecordError(order.TargetToken, code)
	if _, err := e.machine.Transition(ctx, order.ID, order.Status, orders.Failure(code, cause)); err != nil {
		e.logger.Printf("fxswapd: order %s: flag %s failed: %v", order.ID, code, err)
	}
}

func (e *Executor) markOperationFailed(ctx context.Context, hash, reason string, receipt *chain.Receipt) {
	updates := map[string]any{
		"status":         orders.WalletOpFailed,
		"failure_reason": reason,
		"failed_at":      e.now().UTC(),
	}
	if receipt != nil && receipt.BlockNumber > 0 {
		updates["block_number"] = receipt.BlockNumber
		updates["gas_used"] = receipt.GasUsed
		updates["gas_fee_paid"] = chain.FromBaseUnits(receipt.GasFeePaid, 18)
	}
	if err := e.store.UpdateWalletOperation(ctx, hash, updates); err != nil && !errors.Is(err, orders.ErrNotFound) {
		e.logger.Printf("fxswapd: wallet operation %s: mark failed: %v", hash, err)
	}
}

func (e *Executor) track(id uuid.UUID, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if active {
		e.inFlight[id] = e.now()
		return
	}
	delete(e.inFlight, id)
}

func (e *Executor) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.completed++
		return
	}
	if errors.Is(err, ErrPaused) || errors.Is(err, context.Canceled) {
		return
	}
	e.failed++
	e.lastError = err.Error()
}

// Pause halts new payout submissions. Confirmation waits already underway continue.
func (e *Executor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.metrics.SetPause(true)
}

// Resume re-enables payout submissions.
func (e *Executor) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.metrics.SetPause(false)
}

// Paused reports whether submissions are halted.
func (e *Executor) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Status summarises executor state for administrative endpoints.
type Status struct {
	Paused    bool      `json:"paused"`
	InFlight  int       `json:"in_flight"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	Oldest    time.Time `json:"oldest_in_flight,omitempty"`
}

// Status reports the current executor snapshot.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := Status{
		Paused:    e.paused,
		InFlight:  len(e.inFlight),
		Completed: e.completed,
		Failed:    e.failed,
		LastError: e.lastError,
	}
	for _, started := range e.inFlight {
		if status.Oldest.IsZero() || started.Before(status.Oldest) {
			status.Oldest = started
		}
	}
	return status
}
