package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider names shipped with the daemon.
const (
	NameStripe      = "stripe"
	NameChangeNOW   = "changenow"
	NameNOWPayments = "nowpayments"
	NameALT5Pay     = "alt5pay"
)

// Capabilities is the static capability table of a provider.
type Capabilities struct {
	Enabled          bool
	Priority         int
	MaxAmount        decimal.Decimal
	Currencies       []string
	Tokens           []string
	MinConfirmations int
}

// Supports reports whether the provider can take the payment, returning the
// reason when it cannot.
func (c Capabilities) Supports(amount decimal.Decimal, currency, token string) error {
	if !c.Enabled {
		return fmt.Errorf("provider disabled")
	}
	if c.MaxAmount.IsPositive() && amount.GreaterThan(c.MaxAmount) {
		return fmt.Errorf("amount %s exceeds maximum %s", amount.String(), c.MaxAmount.String())
	}
	if !containsFold(c.Currencies, currency) {
		return fmt.Errorf("currency %s not supported", strings.ToUpper(currency))
	}
	if !containsFold(c.Tokens, token) {
		return fmt.Errorf("token %s not supported", strings.ToUpper(token))
	}
	return nil
}

// FeeRequest asks a provider to price a fiat amount into a target token.
type FeeRequest struct {
	Amount   decimal.Decimal
	Currency string
	Token    string
}

// FeeModel is a provider's current pricing for a request.
type FeeModel struct {
	// Rate is target token units received per unit of fiat.
	Rate decimal.Decimal
	// Fees is the provider's charge in fiat.
	Fees decimal.Decimal
	Pros []string
	Cons []string
}

// PaymentRequest describes the fiat payment to create with a provider.
type PaymentRequest struct {
	Amount            decimal.Decimal
	Currency          string
	Token             string
	DestinationWallet string
	UserID            string
	ClientOrderID     string
	PreferredProvider string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}

// FeeRequest projects the payment onto a fee model request.
func (r PaymentRequest) FeeRequest() FeeRequest {
	return FeeRequest{Amount: r.Amount, Currency: r.Currency, Token: r.Token}
}

// PaymentHandle is the concrete payment object created with a provider.
type PaymentHandle struct {
	Provider string `json:"provider"`
	// Reference is the provider's payment id, later echoed by its webhook.
	Reference      string    `json:"reference"`
	URL            string    `json:"url,omitempty"`
	ClientSecret   string    `json:"client_secret,omitempty"`
	PaymentAddress string    `json:"payment_address,omitempty"`
	Status         string    `json:"status,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// Provider is a fiat payment backend.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	FeeModel(ctx context.Context, req FeeRequest) (FeeModel, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentHandle, error)
}

// Quote is a comparable provider offer. It is never persisted.
type Quote struct {
	Provider        string          `json:"provider"`
	Rate            decimal.Decimal `json:"rate"`
	Fees            decimal.Decimal `json:"fees"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	EstimatedOutput decimal.Decimal `json:"estimated_output"`
	Pros            []string        `json:"pros,omitempty"`
	Cons            []string        `json:"cons,omitempty"`
	Priority        int             `json:"-"`
}

// Selection is the provider chosen for a payment plus the created payment.
type Selection struct {
	Provider   string          `json:"provider"`
	Handle     PaymentHandle   `json:"handle"`
	Quote      *Quote          `json:"quote,omitempty"`
	Comparison []Quote         `json:"comparison,omitempty"`
	Savings    decimal.Decimal `json:"savings"`
	Reasoning  string          `json:"reasoning"`
}

func containsFold(values []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func percentOf(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100))
}
