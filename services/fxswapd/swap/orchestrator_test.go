package swap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fxsettle/services/fxswapd/orders"
	"fxsettle/services/fxswapd/providers"
	"fxsettle/services/fxswapd/rates"
	"fxsettle/services/fxswapd/settlement"
)

const wallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixedRate struct {
	quote rates.Quote
	err   error
}

func (f *fixedRate) GetRate(ctx context.Context, from, to string) (rates.Quote, error) {
	return f.quote, f.err
}

type payoutEstimator struct{}

func (payoutEstimator) EstimatePayout(_ context.Context, fiat, rate decimal.Decimal, _ string, schedule settlement.FeeSchedule) (settlement.Payout, error) {
	return settlement.CalculatePayout(fiat, rate, schedule, decimal.Zero, 6)
}

type fakeSelector struct {
	last providers.PaymentRequest
	err  error
}

func (f *fakeSelector) SelectAndPay(_ context.Context, req providers.PaymentRequest) (providers.Selection, error) {
	f.last = req
	if f.err != nil {
		return providers.Selection{}, f.err
	}
	return providers.Selection{
		Provider: providers.NameStripe,
		Handle: providers.PaymentHandle{
			Provider:     providers.NameStripe,
			Reference:    "pi_" + req.ClientOrderID,
			ClientSecret: "secret",
			URL:          "https://checkout.example/pi_" + req.ClientOrderID,
		},
	}, nil
}

type fixture struct {
	store      *orders.Store
	machine    *orders.Machine
	rates      *fixedRate
	selector   *fakeSelector
	dispatcher *Dispatcher
	orch       *Orchestrator
	config     *settlement.StaticConfig
}

func testConfig() settlement.StaticConfig {
	return settlement.StaticConfig{
		MinAmount:          dec("5"),
		MaxAmount:          dec("10000"),
		DailyUserLimit:     dec("5000"),
		PlatformFeePercent: dec("2"),
	}
}

func newTestStore(t *testing.T) *orders.Store {
	t.Helper()
	db, err := orders.Open(orders.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := orders.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newTestStore(t)
	machine, err := orders.NewMachine(store)
	require.NoError(t, err)
	cfg := testConfig()
	f := &fixture{
		store:    store,
		machine:  machine,
		rates:    &fixedRate{quote: rates.Quote{From: "GBP", To: "USDT", Rate: dec("1.27"), Source: "chainlink", Timestamp: time.Now()}},
		selector: &fakeSelector{},
		config:   &cfg,
	}
	// Workers are not started so queued ids stay observable.
	f.dispatcher = NewDispatcher(nil, store, 1, 16, quietLogger())
	f.orch, err = NewOrchestrator(store, machine, f.rates, payoutEstimator{}, f.config, f.dispatcher,
		WithPaymentSelector(f.selector), WithLogger(quietLogger()))
	require.NoError(t, err)
	return f
}

func confirmation(ref string) PaymentConfirmation {
	return PaymentConfirmation{
		Provider:             "Stripe",
		PaymentReference:     ref,
		FiatAmountMinorUnits: 1000,
		Currency:             "gbp",
		Status:               PaymentSucceeded,
		Metadata: PaymentMetadata{
			TargetToken:       "usdt",
			DestinationWallet: wallet,
			ClientOrderID:     "client-1",
			UserID:            "user-1",
		},
	}
}

func TestConfirmationCreatesOrderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, confirmation("pi_1"))
	require.NoError(t, err)

	order, err := f.orch.GetOrder(ctx, id)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaymentConfirmed, order.Status)
	require.Equal(t, "stripe", order.PaymentProvider)
	require.Equal(t, "GBP", order.FiatCurrency)
	require.Equal(t, "USDT", order.TargetToken)
	require.True(t, order.FiatAmount.Equal(dec("10")))
	require.True(t, order.TargetTokenAmount.Equal(dec("12.446")), order.TargetTokenAmount.String())
	require.True(t, order.PlatformFeeAmount.Equal(dec("0.254")))
	require.True(t, order.FxRate.Equal(dec("1.27")))
	require.NotNil(t, order.ConfirmedAt)

	again, err := f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, confirmation("pi_1"))
	require.NoError(t, err)
	require.Equal(t, id, again)

	userOrders, err := f.orch.ListUserOrders(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, userOrders, 1)

	byRef, err := f.orch.GetOrderByPaymentReference(ctx, "STRIPE", "pi_1")
	require.NoError(t, err)
	require.Equal(t, id, byRef.ID)

	require.Equal(t, 1, f.dispatcher.Pending())
	outbox, err := f.store.PendingSettlements(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	require.Equal(t, id, outbox[0].OrderID)
}

func TestConfirmationValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PaymentConfirmation, *settlement.StaticConfig)
		field  string
	}{
		{"missing wallet", func(pc *PaymentConfirmation, _ *settlement.StaticConfig) { pc.Metadata.DestinationWallet = "" }, "metadata.destination_wallet"},
		{"bad currency", func(pc *PaymentConfirmation, _ *settlement.StaticConfig) { pc.Currency = "GB" }, "currency"},
		{"zero amount", func(pc *PaymentConfirmation, _ *settlement.StaticConfig) { pc.FiatAmountMinorUnits = 0 }, "fiat_amount_minor_units"},
		{"below minimum", func(pc *PaymentConfirmation, _ *settlement.StaticConfig) { pc.FiatAmountMinorUnits = 100 }, "fiat_amount"},
		{"above maximum", func(pc *PaymentConfirmation, _ *settlement.StaticConfig) { pc.FiatAmountMinorUnits = 2_000_000 }, "fiat_amount"},
		{"bad address", func(pc *PaymentConfirmation, _ *settlement.StaticConfig) { pc.Metadata.DestinationWallet = "0x1234" }, "destination_wallet"},
		{"bad checksum", func(pc *PaymentConfirmation, _ *settlement.StaticConfig) {
			pc.Metadata.DestinationWallet = "0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
		}, "destination_wallet"},
		{"maintenance", func(_ *PaymentConfirmation, cfg *settlement.StaticConfig) {
			cfg.MaintenanceMode = true
			cfg.MaintenanceMessage = "upgrading"
		}, "service"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			pc := confirmation("pi_" + uuid.NewString())
			tc.mutate(&pc, f.config)

			_, err := f.orch.CreateOrUpdateFromPaymentConfirmation(context.Background(), pc)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tc.field, ve.Field)
			require.Zero(t, f.dispatcher.Pending())
		})
	}
}

func TestConfirmationEnforcesDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	big := confirmation("pi_big")
	big.FiatAmountMinorUnits = 499_500
	_, err := f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, big)
	require.NoError(t, err)

	_, err = f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, confirmation("pi_small"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Reason, "daily limit")

	other := confirmation("pi_other_user")
	other.Metadata.UserID = "user-2"
	_, err = f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, other)
	require.NoError(t, err)

	euro := confirmation("pi_euro")
	euro.Currency = "eur"
	_, err = f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, euro)
	require.NoError(t, err, "limits are tracked per fiat currency")
}

func TestConfirmationWithoutUserUsesWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pc := confirmation("pi_nouser")
	pc.Metadata.UserID = ""
	pc.FiatAmountMinorUnits = 499_500
	id, err := f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, pc)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	order, err := f.orch.GetOrder(ctx, id)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaymentConfirmed, order.Status)
	require.Equal(t, wallet, order.UserID)

	again := confirmation("pi_nouser_2")
	again.Metadata.UserID = ""
	_, err = f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, again)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Reason, "daily limit")
}

func TestCheckoutThenConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, selection, err := f.orch.CreateOrder(ctx, CheckoutRequest{
		UserID:            "user-1",
		ClientOrderID:     "co-9",
		FiatAmount:        dec("10"),
		Currency:          "GBP",
		TargetToken:       "USDT",
		DestinationWallet: wallet,
		PreferredProvider: "stripe",
		SuccessURL:        "https://app.example/done",
	})
	require.NoError(t, err)
	require.Equal(t, orders.StatusPending, order.Status)
	require.Equal(t, "pi_co-9", order.PaymentReference)
	require.Equal(t, "https://checkout.example/pi_co-9", order.PaymentHandle)
	require.Equal(t, providers.NameStripe, selection.Provider)
	require.Equal(t, "stripe", f.selector.last.PreferredProvider)
	require.Equal(t, wallet, f.selector.last.DestinationWallet)
	require.Zero(t, f.dispatcher.Pending())

	mismatch := confirmation("pi_co-9")
	mismatch.FiatAmountMinorUnits = 999
	_, err = f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, mismatch)
	require.ErrorIs(t, err, ErrValidation)
	pending, err := f.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPending, pending.Status)

	id, err := f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, confirmation("pi_co-9"))
	require.NoError(t, err)
	require.Equal(t, order.ID, id)
	confirmed, err := f.orch.GetOrder(ctx, id)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaymentConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	require.Equal(t, 1, f.dispatcher.Pending())
}

func TestCheckoutProviderFailureCreatesNoOrder(t *testing.T) {
	f := newFixture(t)
	f.selector.err = fmt.Errorf("%w: alt5pay: currency JPY not supported", providers.ErrProviderUnsupported)

	_, _, err := f.orch.CreateOrder(context.Background(), CheckoutRequest{
		UserID:            "user-1",
		ClientOrderID:     "co-10",
		FiatAmount:        dec("10"),
		Currency:          "GBP",
		TargetToken:       "USDT",
		DestinationWallet: wallet,
		PreferredProvider: "alt5pay",
	})
	require.ErrorIs(t, err, providers.ErrProviderUnsupported)
	userOrders, err := f.orch.ListUserOrders(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Empty(t, userOrders)
}

func TestFailedPaymentMarksPendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, _, err := f.orch.CreateOrder(ctx, CheckoutRequest{
		UserID: "user-1", ClientOrderID: "co-11", FiatAmount: dec("10"), Currency: "GBP",
		TargetToken: "USDT", DestinationWallet: wallet,
	})
	require.NoError(t, err)

	failure := PaymentConfirmation{Provider: "stripe", PaymentReference: order.PaymentReference, Status: PaymentFailed, FailureReason: "card_declined"}
	id, err := f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, failure)
	require.NoError(t, err)
	require.Equal(t, order.ID, id)

	failed, err := f.orch.GetOrder(ctx, id)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaymentFailed, failed.Status)
	require.Equal(t, orders.CodePaymentFailed, failed.ErrorCode)
	require.Equal(t, "card_declined", failed.ErrorMessage)

	// A late success for the same payment cannot resurrect the order.
	_, err = f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, confirmation(order.PaymentReference))
	require.NoError(t, err)
	still, err := f.orch.GetOrder(ctx, id)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaymentFailed, still.Status)

	_, err = f.orch.CreateOrUpdateFromPaymentConfirmation(ctx, PaymentConfirmation{Provider: "stripe", PaymentReference: "pi_unknown", Status: PaymentFailed})
	require.ErrorIs(t, err, ErrUnknownPayment)
}

func TestTriggerSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed := &orders.SwapOrder{
		PaymentProvider: "stripe", PaymentReference: "pi_done", FiatCurrency: "GBP", FiatAmount: dec("10"),
		TargetToken: "USDT", Status: orders.StatusCompleted,
	}
	require.NoError(t, f.store.Create(ctx, completed))
	require.NoError(t, f.orch.TriggerSettlement(ctx, completed.ID))
	require.NoError(t, f.orch.TriggerSettlement(ctx, completed.ID))
	require.Zero(t, f.dispatcher.Pending())

	pending := &orders.SwapOrder{
		PaymentProvider: "stripe", PaymentReference: "pi_wait", FiatCurrency: "GBP", FiatAmount: dec("10"),
		TargetToken: "USDT", Status: orders.StatusPending,
	}
	require.NoError(t, f.store.Create(ctx, pending))
	require.ErrorIs(t, f.orch.TriggerSettlement(ctx, pending.ID), settlement.ErrNotSettleable)

	locked := &orders.SwapOrder{
		PaymentProvider: "stripe", PaymentReference: "pi_locked", FiatCurrency: "GBP", FiatAmount: dec("10"),
		TargetToken: "USDT", Status: orders.StatusRateLocked, ErrorCode: orders.CodeInsufficientTreasury,
	}
	require.NoError(t, f.store.Create(ctx, locked))
	require.NoError(t, f.orch.TriggerSettlement(ctx, locked.ID))
	require.NoError(t, f.orch.TriggerSettlement(ctx, locked.ID))
	require.Equal(t, 1, f.dispatcher.Pending())

	_, err := f.orch.GetOrder(ctx, uuid.New())
	require.ErrorIs(t, err, orders.ErrNotFound)
	require.ErrorIs(t, f.orch.TriggerSettlement(ctx, uuid.New()), orders.ErrNotFound)
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	quote, err := f.orch.Quote(ctx, dec("10"), "gbp", "usdt")
	require.NoError(t, err)
	require.True(t, quote.GrossAmount.Equal(dec("12.7")))
	require.True(t, quote.PlatformFee.Equal(dec("0.254")))
	require.True(t, quote.EstimatedOutput.Equal(dec("12.446")))
	require.Equal(t, "chainlink", quote.FxRateSource)

	_, err = f.orch.Quote(ctx, decimal.Zero, "GBP", "USDT")
	require.ErrorIs(t, err, ErrValidation)

	f.rates.err = fmt.Errorf("%w: GBP/USDT", rates.ErrRateUnavailable)
	_, err = f.orch.Quote(ctx, dec("10"), "GBP", "USDT")
	require.ErrorIs(t, err, rates.ErrRateUnavailable)
}
