package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const defaultChangeNOWBaseURL = "https://api.changenow.io/v2"

// ChangeNOWCapabilities is the default capability table for ChangeNOW exchanges.
var ChangeNOWCapabilities = Capabilities{
	Enabled:          true,
	Priority:         2,
	MaxAmount:        decimal.NewFromInt(100000),
	Currencies:       []string{"USD", "CAD", "EUR", "GBP"},
	Tokens:           []string{"USDT", "USDC", "BTC", "ETH", "BCH", "LTC", "XRP", "SOL", "BNB", "ADA", "DOT", "LINK"},
	MinConfirmations: 3,
}

// ChangeNOW quotes fixed-rate fiat to crypto exchanges.
type ChangeNOW struct {
	api        *apiClient
	apiKey     string
	caps       Capabilities
	feePercent decimal.Decimal
}

// NewChangeNOW constructs the ChangeNOW provider.
func NewChangeNOW(cfg ClientConfig) (*ChangeNOW, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("changenow: api key required")
	}
	caps := cfg.Capabilities
	if len(caps.Currencies) == 0 {
		caps = ChangeNOWCapabilities
	}
	return &ChangeNOW{
		api:        newAPIClient(NameChangeNOW, defaultChangeNOWBaseURL, cfg),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		caps:       caps,
		feePercent: decimal.RequireFromString("0.75"),
	}, nil
}

// Name implements Provider.
func (c *ChangeNOW) Name() string { return NameChangeNOW }

// Capabilities implements Provider.
func (c *ChangeNOW) Capabilities() Capabilities { return c.caps }

type changeNOWEstimate struct {
	FromAmount json.Number `json:"fromAmount"`
	ToAmount   json.Number `json:"toAmount"`
	RateID     string      `json:"rateId"`
}

// FeeModel implements Provider.
func (c *ChangeNOW) FeeModel(ctx context.Context, req FeeRequest) (FeeModel, error) {
	values := url.Values{}
	values.Set("fromCurrency", strings.ToLower(req.Currency))
	values.Set("toCurrency", strings.ToLower(req.Token))
	values.Set("fromAmount", req.Amount.String())
	values.Set("flow", "fixed-rate")
	var estimate changeNOWEstimate
	if err := c.api.do(ctx, http.MethodGet, "/exchange/estimated-amount?"+values.Encode(), c.headers(), nil, &estimate); err != nil {
		return FeeModel{}, err
	}
	toAmount, err := decimal.NewFromString(estimate.ToAmount.String())
	if err != nil {
		return FeeModel{}, fmt.Errorf("changenow: parse estimate: %w", err)
	}
	return FeeModel{
		Rate: toAmount.DivRound(req.Amount, 18),
		Fees: percentOf(req.Amount, c.feePercent),
		Pros: []string{"Very low exchange fees", "Wide range of cryptocurrencies", "Fixed rate protection", "No chargeback risk"},
		Cons: []string{"Requires waiting for exchange completion", "Minimum exchange amounts may apply"},
	}, nil
}

type changeNOWExchange struct {
	ID             string `json:"id"`
	PayinAddress   string `json:"payinAddress"`
	PayoutAddress  string `json:"payoutAddress"`
	ValidUntil     string `json:"validUntil"`
	RedirectURL    string `json:"redirectUrl"`
	ExchangeStatus string `json:"status"`
}

// CreatePayment implements Provider.
func (c *ChangeNOW) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentHandle, error) {
	payload := map[string]interface{}{
		"fromCurrency": strings.ToLower(req.Currency),
		"toCurrency":   strings.ToLower(req.Token),
		"fromAmount":   req.Amount.String(),
		"address":      req.DestinationWallet,
		"flow":         "fixed-rate",
		"type":         "direct",
		"userId":       req.UserID,
		"payload":      map[string]string{"clientOrderId": req.ClientOrderID},
	}
	var exchange changeNOWExchange
	if err := c.api.doJSON(ctx, http.MethodPost, "/exchange", c.headers(), payload, &exchange); err != nil {
		return PaymentHandle{}, err
	}
	handle := PaymentHandle{
		Reference:      exchange.ID,
		URL:            exchange.RedirectURL,
		PaymentAddress: exchange.PayinAddress,
		Status:         exchange.ExchangeStatus,
	}
	if ts, err := parseTimestamp(exchange.ValidUntil); err == nil {
		handle.ExpiresAt = ts
	}
	return handle, nil
}

func (c *ChangeNOW) headers() map[string]string {
	return map[string]string{"x-changenow-api-key": c.apiKey}
}
