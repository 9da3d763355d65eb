// Package swap is the entry point for payment providers: it creates orders,
// validates them against the active configuration and hands confirmed
// payments to settlement.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fxsettle/services/fxswapd/orders"
	"fxsettle/services/fxswapd/providers"
	"fxsettle/services/fxswapd/rates"
	"fxsettle/services/fxswapd/settlement"
)

// ErrUnknownPayment is returned for a failed payment that never had an order.
var ErrUnknownPayment = errors.New("swap: unknown payment reference")

// PaymentStatus is the provider's verdict on a fiat payment.
type PaymentStatus string

// Payment statuses.
const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentMetadata carries the swap parameters attached to the provider payment.
type PaymentMetadata struct {
	TargetToken       string `json:"target_token" validate:"required,alphanum,max=16"`
	DestinationWallet string `json:"destination_wallet" validate:"required,max=128"`
	ClientOrderID     string `json:"client_order_id" validate:"max=128"`
	UserID            string `json:"user_id,omitempty" validate:"max=128"`
}

// PaymentConfirmation is a provider's notice that a fiat payment settled (or failed).
type PaymentConfirmation struct {
	Provider             string          `json:"provider" validate:"required,max=32"`
	PaymentReference     string          `json:"payment_reference" validate:"required,max=128"`
	FiatAmountMinorUnits int64           `json:"fiat_amount_minor_units" validate:"gt=0"`
	Currency             string          `json:"currency" validate:"required,len=3,alpha"`
	Status               PaymentStatus   `json:"status" validate:"omitempty,oneof=succeeded failed"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	Metadata             PaymentMetadata `json:"metadata"`
}

// CheckoutRequest asks for a new order and a provider payment to fund it.
type CheckoutRequest struct {
	UserID            string          `json:"user_id" validate:"required,max=128"`
	ClientOrderID     string          `json:"client_order_id" validate:"required,max=128"`
	FiatAmount        decimal.Decimal `json:"fiat_amount"`
	Currency          string          `json:"currency" validate:"required,len=3,alpha"`
	TargetToken       string          `json:"target_token" validate:"required,alphanum,max=16"`
	DestinationWallet string          `json:"destination_wallet" validate:"required,max=128"`
	PreferredProvider string          `json:"preferred_provider,omitempty" validate:"max=32"`
	SuccessURL        string          `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL         string          `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

// SwapQuote is the priced outcome of converting a fiat amount.
type SwapQuote struct {
	FiatAmount      decimal.Decimal `json:"fiat_amount"`
	Currency        string          `json:"currency"`
	TargetToken     string          `json:"target_token"`
	FxRate          decimal.Decimal `json:"fx_rate"`
	FxRateSource    string          `json:"fx_rate_source"`
	GrossAmount     decimal.Decimal `json:"gross_amount"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	NetworkFee      decimal.Decimal `json:"network_fee"`
	EstimatedOutput decimal.Decimal `json:"estimated_output"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Store is the order persistence the orchestrator uses.
type Store interface {
	Create(ctx context.Context, order *orders.SwapOrder) error
	Get(ctx context.Context, id uuid.UUID) (*orders.SwapOrder, error)
	GetByPaymentReference(ctx context.Context, provider, ref string) (*orders.SwapOrder, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]orders.SwapOrder, error)
	SumUserVolume(ctx context.Context, userID, currency string, since time.Time) (decimal.Decimal, error)
	EnqueueSettlement(ctx context.Context, orderID uuid.UUID) error
}

// RateSource prices a currency pair.
type RateSource interface {
	GetRate(ctx context.Context, from, to string) (rates.Quote, error)
}

// PayoutEstimator prices a payout exactly as settlement will.
type PayoutEstimator interface {
	EstimatePayout(ctx context.Context, fiatAmount, rate decimal.Decimal, asset string, schedule settlement.FeeSchedule) (settlement.Payout, error)
}

// PaymentSelector chooses a fiat provider and creates the payment.
type PaymentSelector interface {
	SelectAndPay(ctx context.Context, req providers.PaymentRequest) (providers.Selection, error)
}

// Orchestrator turns checkout requests and payment confirmations into orders.
type Orchestrator struct {
	store      Store
	machine    settlement.StateMachine
	rates      RateSource
	estimator  PayoutEstimator
	selector   PaymentSelector
	config     settlement.ConfigSource
	dispatcher *Dispatcher
	addresses  AddressValidator
	validate   *validator.Validate
	logger     *log.Logger
	now        func() time.Time
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithAddressValidator replaces the EVM destination check.
func WithAddressValidator(v AddressValidator) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.addresses = v
		}
	}
}

// WithPaymentSelector enables CreateOrder.
func WithPaymentSelector(s PaymentSelector) Option {
	return func(o *Orchestrator) { o.selector = s }
}

// WithLogger overrides the orchestrator logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the orchestrator clock.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(store Store, machine settlement.StateMachine, rateSource RateSource, estimator PayoutEstimator, config settlement.ConfigSource, dispatcher *Dispatcher, opts ...Option) (*Orchestrator, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("swap: store required")
	case machine == nil:
		return nil, fmt.Errorf("swap: state machine required")
	case rateSource == nil:
		return nil, fmt.Errorf("swap: rate source required")
	case estimator == nil:
		return nil, fmt.Errorf("swap: payout estimator required")
	case config == nil:
		return nil, fmt.Errorf("swap: config source required")
	case dispatcher == nil:
		return nil, fmt.Errorf("swap: dispatcher required")
	}
	o := &Orchestrator{
		store:      store,
		machine:    machine,
		rates:      rateSource,
		estimator:  estimator,
		config:     config,
		dispatcher: dispatcher,
		addresses:  EVMAddresses,
		validate:   newStructValidator(),
		logger:     log.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// CreateOrUpdateFromPaymentConfirmation records a provider's payment verdict.
// Redelivery of the same payment reference returns the existing order and
// never creates a second one.
func (o *Orchestrator) CreateOrUpdateFromPaymentConfirmation(ctx context.Context, pc PaymentConfirmation) (uuid.UUID, error) {
	provider := orders.NormalizeProvider(pc.Provider)
	ref := strings.TrimSpace(pc.PaymentReference)
	if provider == "" || ref == "" {
		return uuid.Nil, invalid("payment_reference", "provider and payment reference are required")
	}
	if pc.Status != "" && pc.Status != PaymentSucceeded && pc.Status != PaymentFailed {
		return uuid.Nil, invalid("status", "must be one of succeeded failed")
	}
	currency := strings.ToUpper(strings.TrimSpace(pc.Currency))
	amount := providers.FromMinorUnits(pc.FiatAmountMinorUnits, currency)

	existing, err := o.store.GetByPaymentReference(ctx, provider, ref)
	switch {
	case err == nil:
		return existing.ID, o.applyConfirmation(ctx, existing, pc, amount)
	case !errors.Is(err, orders.ErrNotFound):
		return uuid.Nil, err
	}

	if pc.Status == PaymentFailed {
		return uuid.Nil, fmt.Errorf("%w: %s/%s", ErrUnknownPayment, provider, ref)
	}
	// Only a payment without a checkout order has to carry the swap metadata.
	if err := checkStruct(o.validate, pc); err != nil {
		return uuid.Nil, err
	}
	token := strings.ToUpper(strings.TrimSpace(pc.Metadata.TargetToken))
	destination := strings.TrimSpace(pc.Metadata.DestinationWallet)
	userID := strings.TrimSpace(pc.Metadata.UserID)
	if userID == "" {
		// Payments without an account are attributed to the receiving wallet.
		userID = destination
	}
	cfg := o.config.Current()
	if err := o.checkOrder(ctx, cfg, userID, amount, currency, token, destination); err != nil {
		return uuid.Nil, err
	}
	quote, err := o.price(ctx, cfg, amount, currency, token)
	if err != nil {
		return uuid.Nil, err
	}
	now := o.now().UTC()
	order := newOrder(cfg, quote, amount, currency, token)
	order.PaymentProvider = provider
	order.PaymentReference = ref
	order.UserID = userID
	order.ClientOrderID = strings.TrimSpace(pc.Metadata.ClientOrderID)
	order.DestinationWallet = destination
	order.Status = orders.StatusPaymentConfirmed
	order.ConfirmedAt = &now

	if err := o.store.Create(ctx, order); err != nil {
		if errors.Is(err, orders.ErrDuplicatePayment) {
			// Lost a race with a concurrent delivery of the same payment.
			existing, getErr := o.store.GetByPaymentReference(ctx, provider, ref)
			if getErr != nil {
				return uuid.Nil, getErr
			}
			return existing.ID, nil
		}
		return uuid.Nil, err
	}
	o.logger.Printf("fxswapd: order %s created from %s payment %s: %s %s -> %s %s",
		order.ID, provider, ref, amount.String(), currency, order.TargetTokenAmount.String(), token)
	return order.ID, o.requestSettlement(ctx, order.ID)
}

func (o *Orchestrator) applyConfirmation(ctx context.Context, order *orders.SwapOrder, pc PaymentConfirmation, amount decimal.Decimal) error {
	if order.Terminal() {
		return nil
	}
	if order.Status != orders.StatusPending {
		// Duplicate delivery for an order already past payment: make sure it is moving.
		return o.requestSettlement(ctx, order.ID)
	}
	if pc.Status == PaymentFailed {
		reason := strings.TrimSpace(pc.FailureReason)
		if reason == "" {
			reason = "payment failed at provider"
		}
		_, err := o.machine.Transition(ctx, order.ID, orders.StatusPaymentFailed, orders.Failure(orders.CodePaymentFailed, errors.New(reason)))
		return err
	}
	if !amount.Equal(order.FiatAmount) || !strings.EqualFold(pc.Currency, order.FiatCurrency) {
		return invalid("fiat_amount_minor_units", "paid %s %s does not match order %s %s",
			amount.String(), strings.ToUpper(pc.Currency), order.FiatAmount.String(), order.FiatCurrency)
	}
	if _, err := o.machine.Transition(ctx, order.ID, orders.StatusPaymentConfirmed, orders.Fields{}); err != nil {
		return err
	}
	return o.requestSettlement(ctx, order.ID)
}

// TriggerSettlement queues settlement for the order. Terminal orders are a no-op.
func (o *Orchestrator) TriggerSettlement(ctx context.Context, id uuid.UUID) error {
	order, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if order.Terminal() {
		return nil
	}
	if order.Status == orders.StatusPending {
		return fmt.Errorf("%w: order %s awaits payment", settlement.ErrNotSettleable, id)
	}
	return o.requestSettlement(ctx, id)
}

// requestSettlement persists the outbox row before dispatching.
func (o *Orchestrator) requestSettlement(ctx context.Context, id uuid.UUID) error {
	if err := o.store.EnqueueSettlement(ctx, id); err != nil {
		return fmt.Errorf("swap: enqueue settlement: %w", err)
	}
	o.dispatcher.Dispatch(id)
	return nil
}

// CreateOrder validates a checkout, selects a provider, creates the payment and
// records a PENDING order keyed by the provider's payment reference.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CheckoutRequest) (*orders.SwapOrder, providers.Selection, error) {
	if o.selector == nil {
		return nil, providers.Selection{}, fmt.Errorf("swap: payment providers not configured")
	}
	if err := checkStruct(o.validate, req); err != nil {
		return nil, providers.Selection{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	token := strings.ToUpper(strings.TrimSpace(req.TargetToken))
	cfg := o.config.Current()
	if err := o.checkOrder(ctx, cfg, req.UserID, req.FiatAmount, currency, token, req.DestinationWallet); err != nil {
		return nil, providers.Selection{}, err
	}
	quote, err := o.price(ctx, cfg, req.FiatAmount, currency, token)
	if err != nil {
		return nil, providers.Selection{}, err
	}
	selection, err := o.selector.SelectAndPay(ctx, providers.PaymentRequest{
		Amount:            req.FiatAmount,
		Currency:          currency,
		Token:             token,
		DestinationWallet: strings.TrimSpace(req.DestinationWallet),
		UserID:            strings.TrimSpace(req.UserID),
		ClientOrderID:     strings.TrimSpace(req.ClientOrderID),
		PreferredProvider: req.PreferredProvider,
		SuccessURL:        req.SuccessURL,
		CancelURL:         req.CancelURL,
	})
	if err != nil {
		return nil, providers.Selection{}, err
	}

	order := newOrder(cfg, quote, req.FiatAmount, currency, token)
	order.PaymentProvider = selection.Provider
	order.PaymentReference = selection.Handle.Reference
	order.PaymentHandle = paymentHandle(selection.Handle)
	order.UserID = strings.TrimSpace(req.UserID)
	order.ClientOrderID = strings.TrimSpace(req.ClientOrderID)
	order.DestinationWallet = strings.TrimSpace(req.DestinationWallet)
	order.Status = orders.StatusPending
	if err := o.store.Create(ctx, order); err != nil {
		return nil, providers.Selection{}, err
	}
	return order, selection, nil
}

// Quote prices a conversion without creating an order.
func (o *Orchestrator) Quote(ctx context.Context, amount decimal.Decimal, currency, token string) (SwapQuote, error) {
	if !amount.IsPositive() {
		return SwapQuote{}, invalid("fiat_amount", "must be positive")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	token = strings.ToUpper(strings.TrimSpace(token))
	if currency == "" || token == "" {
		return SwapQuote{}, invalid("currency", "currency and target token are required")
	}
	return o.price(ctx, o.config.Current(), amount, currency, token)
}

// GetOrder loads an order by id.
func (o *Orchestrator) GetOrder(ctx context.Context, id uuid.UUID) (*orders.SwapOrder, error) {
	return o.store.Get(ctx, id)
}

// GetOrderByPaymentReference loads the order created for a provider payment.
func (o *Orchestrator) GetOrderByPaymentReference(ctx context.Context, provider, ref string) (*orders.SwapOrder, error) {
	return o.store.GetByPaymentReference(ctx, orders.NormalizeProvider(provider), strings.TrimSpace(ref))
}

// ListUserOrders returns the user's most recent orders.
func (o *Orchestrator) ListUserOrders(ctx context.Context, userID string, limit int) ([]orders.SwapOrder, error) {
	return o.store.ListByUser(ctx, userID, limit)
}

// checkOrder applies the active configuration to a new order.
func (o *Orchestrator) checkOrder(ctx context.Context, cfg orders.SwapConfig, userID string, amount decimal.Decimal, currency, token, wallet string) error {
	if cfg.MaintenanceMode {
		msg := strings.TrimSpace(cfg.MaintenanceMessage)
		if msg == "" {
			msg = "service temporarily unavailable"
		}
		return invalid("service", "%s", msg)
	}
	if !amount.IsPositive() {
		return invalid("fiat_amount", "must be positive")
	}
	if cfg.MinAmount.IsPositive() && amount.LessThan(cfg.MinAmount) {
		return invalid("fiat_amount", "minimum swap amount is %s", cfg.MinAmount.String())
	}
	if cfg.MaxAmount.IsPositive() && amount.GreaterThan(cfg.MaxAmount) {
		return invalid("fiat_amount", "maximum swap amount is %s", cfg.MaxAmount.String())
	}
	if err := o.addresses.ValidateAddress(token, strings.TrimSpace(wallet)); err != nil {
		return invalid("destination_wallet", "%v", err)
	}
	if cfg.DailyUserLimit.IsPositive() {
		now := o.now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		used, err := o.store.SumUserVolume(ctx, userID, currency, dayStart)
		if err != nil {
			return fmt.Errorf("swap: daily volume: %w", err)
		}
		if used.Add(amount).GreaterThan(cfg.DailyUserLimit) {
			return invalid("fiat_amount", "daily limit of %s %s exceeded (%s already used today)", cfg.DailyUserLimit.String(), currency, used.String())
		}
	}
	return nil
}

func (o *Orchestrator) price(ctx context.Context, cfg orders.SwapConfig, amount decimal.Decimal, currency, token string) (SwapQuote, error) {
	quote, err := o.rates.GetRate(ctx, currency, token)
	if err != nil {
		return SwapQuote{}, err
	}
	payout, err := o.estimator.EstimatePayout(ctx, amount, quote.Rate, token, settlement.ScheduleFor(nil, cfg))
	if err != nil {
		return SwapQuote{}, err
	}
	if !payout.Net.IsPositive() {
		return SwapQuote{}, invalid("fiat_amount", "too small to cover fees")
	}
	ts := quote.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}
	return SwapQuote{
		FiatAmount:      amount,
		Currency:        currency,
		TargetToken:     token,
		FxRate:          quote.Rate,
		FxRateSource:    quote.Source,
		GrossAmount:     payout.Gross,
		PlatformFee:     payout.PlatformFee,
		NetworkFee:      payout.NetworkFee,
		EstimatedOutput: payout.Net,
		Timestamp:       ts.UTC(),
	}, nil
}

func newOrder(cfg orders.SwapConfig, quote SwapQuote, amount decimal.Decimal, currency, token string) *orders.SwapOrder {
	return &orders.SwapOrder{
		FiatCurrency:       currency,
		FiatAmount:         amount,
		TargetToken:        token,
		TargetTokenAmount:  quote.EstimatedOutput,
		FxRate:             quote.FxRate,
		FxRateSource:       quote.FxRateSource,
		FxRateTimestamp:    quote.Timestamp,
		PlatformFeePercent: cfg.PlatformFeePercent,
		PlatformFeeAmount:  quote.PlatformFee,
	}
}

func paymentHandle(h providers.PaymentHandle) string {
	switch {
	case h.URL != "":
		return h.URL
	case h.PaymentAddress != "":
		return h.PaymentAddress
	default:
		return h.Reference
	}
}
