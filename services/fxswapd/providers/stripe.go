package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const defaultStripeBaseURL = "https://api.stripe.com"

// StripeCapabilities is the default capability table for card payments.
var StripeCapabilities = Capabilities{
	Enabled:    true,
	Priority:   1,
	MaxAmount:  decimal.NewFromInt(10000),
	Currencies: []string{"USD", "CAD", "EUR", "GBP"},
	Tokens:     []string{"USDT", "USDC", "BTC", "ETH", "BCH", "LTC", "XRP", "SOL"},
}

// Stripe creates PaymentIntents. Its rate comes from the platform's own rate
// aggregator since Stripe only takes fiat.
type Stripe struct {
	api        *apiClient
	secretKey  string
	caps       Capabilities
	rates      RateSource
	feePercent decimal.Decimal
	feeFixed   decimal.Decimal
}

// NewStripe constructs the Stripe provider.
func NewStripe(cfg ClientConfig, rates RateSource) (*Stripe, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("stripe: secret key required")
	}
	if rates == nil {
		return nil, fmt.Errorf("stripe: rate source required")
	}
	caps := cfg.Capabilities
	if len(caps.Currencies) == 0 {
		caps = StripeCapabilities
	}
	return &Stripe{
		api:        newAPIClient(NameStripe, defaultStripeBaseURL, cfg),
		secretKey:  strings.TrimSpace(cfg.APIKey),
		caps:       caps,
		rates:      rates,
		feePercent: decimal.RequireFromString("2.9"),
		feeFixed:   decimal.RequireFromString("0.30"),
	}, nil
}

// Name implements Provider.
func (s *Stripe) Name() string { return NameStripe }

// Capabilities implements Provider.
func (s *Stripe) Capabilities() Capabilities { return s.caps }

// FeeModel implements Provider. Card processing costs 2.9% plus a fixed 0.30.
func (s *Stripe) FeeModel(ctx context.Context, req FeeRequest) (FeeModel, error) {
	quote, err := s.rates.GetRate(ctx, req.Currency, referenceCurrency(req.Token))
	if err != nil {
		return FeeModel{}, fmt.Errorf("stripe: reference rate: %w", err)
	}
	return FeeModel{
		Rate: quote.Rate,
		Fees: percentOf(req.Amount, s.feePercent).Add(s.feeFixed),
		Pros: []string{"Instant payment processing", "Familiar card payment method", "Strong fraud protection"},
		Cons: []string{"Higher processing fees", "Chargeback risk"},
	}, nil
}

type stripePaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreatePayment implements Provider.
func (s *Stripe) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentHandle, error) {
	minor, err := MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return PaymentHandle{}, err
	}
	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", minor))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("description", fmt.Sprintf("Buy %s with %s", req.Token, req.Currency))
	form.Set("metadata[type]", "fx_swap")
	form.Set("metadata[target_token]", req.Token)
	form.Set("metadata[destination_wallet]", req.DestinationWallet)
	form.Set("metadata[client_order_id]", req.ClientOrderID)
	if req.UserID != "" {
		form.Set("metadata[user_id]", req.UserID)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	headers := map[string]string{
		"Authorization": "Bearer " + s.secretKey,
		"Content-Type":  "application/x-www-form-urlencoded",
	}
	if req.ClientOrderID != "" {
		headers["Idempotency-Key"] = "fxswap-" + req.ClientOrderID
	}
	var intent stripePaymentIntent
	if err := s.api.do(ctx, http.MethodPost, "/v1/payment_intents", headers, strings.NewReader(form.Encode()), &intent); err != nil {
		return PaymentHandle{}, err
	}
	return PaymentHandle{
		Reference:    intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       intent.Status,
	}, nil
}

var zeroDecimalCurrencies = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true}

// MinorUnits converts a fiat amount to the integer minor units providers expect.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp := int32(2)
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		exp = 0
	}
	shifted := amount.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount.String(), strings.ToUpper(currency))
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to a fiat amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	exp := int32(-2)
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		exp = 0
	}
	return decimal.New(minor, exp)
}
