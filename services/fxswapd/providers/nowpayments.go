package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultNOWPaymentsBaseURL = "https://api.nowpayments.io/v1"

// NOWPaymentsCapabilities is the default capability table for NOWPayments invoices.
var NOWPaymentsCapabilities = Capabilities{
	Enabled:          true,
	Priority:         3,
	MaxAmount:        decimal.NewFromInt(75000),
	Currencies:       []string{"USD", "CAD", "EUR", "GBP"},
	Tokens:           []string{"USDT", "USDC", "BTC", "ETH", "BCH", "LTC", "XRP", "SOL", "BNB", "TRX"},
	MinConfirmations: 2,
}

// NOWPayments creates hosted crypto invoices.
type NOWPayments struct {
	api        *apiClient
	apiKey     string
	caps       Capabilities
	feePercent decimal.Decimal
}

// NOWPaymentsInvoiceRequest represents an invoice creation request.
type NOWPaymentsInvoiceRequest struct {
	PriceAmount   string `json:"price_amount"`
	PriceCurrency string `json:"price_currency"`
	PayCurrency   string `json:"pay_currency"`
	OrderID       string `json:"order_id"`
	OrderDesc     string `json:"order_description,omitempty"`
	FixedRate     bool   `json:"is_fixed_rate"`
	IPNCallback   string `json:"ipn_callback_url,omitempty"`
	SuccessURL    string `json:"success_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
}

// NOWPaymentsInvoice captures the invoice attributes the daemon relies on.
type NOWPaymentsInvoice struct {
	ID            string `json:"id"`
	InvoiceID     string `json:"invoice_id"`
	OrderID       string `json:"order_id"`
	PriceAmount   string `json:"price_amount"`
	PayCurrency   string `json:"pay_currency"`
	PriceCurrency string `json:"price_currency"`
	PaymentStatus string `json:"payment_status"`
	InvoiceURL    string `json:"invoice_url"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	Status        string `json:"status"`
}

// Paid returns whether the invoice is considered settled.
func (i *NOWPaymentsInvoice) Paid() bool {
	if i == nil {
		return false
	}
	return NOWPaymentsStatusPaid(i.PaymentStatus, i.Status)
}

// NOWPaymentsStatusPaid reports whether any of the supplied statuses marks a
// settled payment. The first non-empty status wins.
func NOWPaymentsStatusPaid(statuses ...string) bool {
	for _, s := range statuses {
		status := strings.ToLower(strings.TrimSpace(s))
		if status == "" {
			continue
		}
		switch status {
		case "finished", "confirmed", "completed", "paid":
			return true
		}
		return false
	}
	return false
}

// NewNOWPayments constructs the NOWPayments provider.
func NewNOWPayments(cfg ClientConfig) (*NOWPayments, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("nowpayments: api key required")
	}
	caps := cfg.Capabilities
	if len(caps.Currencies) == 0 {
		caps = NOWPaymentsCapabilities
	}
	return &NOWPayments{
		api:        newAPIClient(NameNOWPayments, defaultNOWPaymentsBaseURL, cfg),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		caps:       caps,
		feePercent: decimal.RequireFromString("0.75"),
	}, nil
}

// Name implements Provider.
func (n *NOWPayments) Name() string { return NameNOWPayments }

// Capabilities implements Provider.
func (n *NOWPayments) Capabilities() Capabilities { return n.caps }

type nowPaymentsEstimate struct {
	CurrencyFrom    string      `json:"currency_from"`
	AmountFrom      json.Number `json:"amount_from"`
	CurrencyTo      string      `json:"currency_to"`
	EstimatedAmount json.Number `json:"estimated_amount"`
}

// FeeModel implements Provider.
func (n *NOWPayments) FeeModel(ctx context.Context, req FeeRequest) (FeeModel, error) {
	values := url.Values{}
	values.Set("amount", req.Amount.String())
	values.Set("currency_from", strings.ToLower(req.Currency))
	values.Set("currency_to", strings.ToLower(req.Token))
	var estimate nowPaymentsEstimate
	if err := n.api.do(ctx, http.MethodGet, "/estimate?"+values.Encode(), n.headers(), nil, &estimate); err != nil {
		return FeeModel{}, err
	}
	out, err := decimal.NewFromString(estimate.EstimatedAmount.String())
	if err != nil {
		return FeeModel{}, fmt.Errorf("nowpayments: parse estimate: %w", err)
	}
	return FeeModel{
		Rate: out.DivRound(req.Amount, 18),
		Fees: percentOf(req.Amount, n.feePercent),
		Pros: []string{"Low processing fees", "Hosted invoice page", "Supports many networks"},
		Cons: []string{"Payment must be sent from a crypto wallet", "Invoice expires if unpaid"},
	}, nil
}

// CreatePayment implements Provider by issuing a hosted invoice.
func (n *NOWPayments) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentHandle, error) {
	invoice, err := n.CreateInvoice(ctx, &NOWPaymentsInvoiceRequest{
		PriceAmount:   req.Amount.String(),
		PriceCurrency: strings.ToLower(req.Currency),
		PayCurrency:   strings.ToLower(req.Token),
		OrderID:       req.ClientOrderID,
		OrderDesc:     fmt.Sprintf("Buy %s with %s", req.Token, req.Currency),
		FixedRate:     true,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
	})
	if err != nil {
		return PaymentHandle{}, err
	}
	ref := strings.TrimSpace(invoice.ID)
	if ref == "" {
		ref = strings.TrimSpace(invoice.InvoiceID)
	}
	handle := PaymentHandle{Reference: ref, URL: invoice.InvoiceURL, Status: invoice.Status}
	if ts, err := parseTimestamp(invoice.CreatedAt); err == nil {
		handle.ExpiresAt = ts.Add(20 * time.Minute)
	}
	return handle, nil
}

// CreateInvoice issues a NOWPayments invoice.
func (n *NOWPayments) CreateInvoice(ctx context.Context, req *NOWPaymentsInvoiceRequest) (*NOWPaymentsInvoice, error) {
	var invoice NOWPaymentsInvoice
	if err := n.api.doJSON(ctx, http.MethodPost, "/invoice", n.headers(), req, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// GetInvoice fetches an invoice by id.
func (n *NOWPayments) GetInvoice(ctx context.Context, id string) (*NOWPaymentsInvoice, error) {
	var invoice NOWPaymentsInvoice
	if err := n.api.do(ctx, http.MethodGet, "/invoice/"+url.PathEscape(id), n.headers(), nil, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (n *NOWPayments) headers() map[string]string {
	return map[string]string{"x-api-key": n.apiKey}
}

// parseTimestamp accepts the RFC 3339 variants providers emit.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}
