package providers

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultALT5PayBaseURL = "https://api.alt5pay.com"

// ALT5PayCapabilities is the default capability table for ALT5 Pay deposit addresses.
var ALT5PayCapabilities = Capabilities{
	Enabled:          true,
	Priority:         4,
	MaxAmount:        decimal.NewFromInt(50000),
	Currencies:       []string{"USD", "CAD", "EUR"},
	Tokens:           []string{"USDT", "USDC", "BTC", "ETH", "BCH", "LTC", "XRP", "SOL"},
	MinConfirmations: 3,
}

var alt5WalletPaths = map[string]string{
	"BTC":  "/usr/wallet/btc",
	"ETH":  "/usr/wallet/eth",
	"USDT": "/usr/wallet/erc20/usdt",
	"USDC": "/usr/wallet/erc20/usdc",
	"BCH":  "/usr/wallet/bch",
	"LTC":  "/usr/wallet/ltc",
	"XRP":  "/usr/wallet/xrp",
	"SOL":  "/usr/wallet/sol",
}

// ALT5Pay issues per-order deposit addresses. Requests are signed with an
// HMAC-SHA512 over the canonical key=value body.
type ALT5Pay struct {
	api        *apiClient
	apiKey     string
	secret     string
	merchantID string
	webhookURL string
	caps       Capabilities
	feePercent decimal.Decimal
	now        func() time.Time
}

// NewALT5Pay constructs the ALT5 Pay provider. webhookURL may be empty.
func NewALT5Pay(cfg ClientConfig, webhookURL string) (*ALT5Pay, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("alt5pay: api key and secret required")
	}
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return nil, fmt.Errorf("alt5pay: merchant id required")
	}
	caps := cfg.Capabilities
	if len(caps.Currencies) == 0 {
		caps = ALT5PayCapabilities
	}
	return &ALT5Pay{
		api:        newAPIClient(NameALT5Pay, defaultALT5PayBaseURL, cfg),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secret:     strings.TrimSpace(cfg.Secret),
		merchantID: strings.TrimSpace(cfg.MerchantID),
		webhookURL: strings.TrimSpace(webhookURL),
		caps:       caps,
		feePercent: decimal.RequireFromString("2"),
		now:        time.Now,
	}, nil
}

// Name implements Provider.
func (a *ALT5Pay) Name() string { return NameALT5Pay }

// Capabilities implements Provider.
func (a *ALT5Pay) Capabilities() Capabilities { return a.caps }

type alt5Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type alt5Price struct {
	Coin     string      `json:"coin"`
	Currency string      `json:"currency"`
	Price    json.Number `json:"price"`
}

type alt5Address struct {
	Address string `json:"address"`
	RefID   string `json:"ref_id"`
	Expires string `json:"expires"`
}

// Price returns the fiat price of one unit of the coin.
func (a *ALT5Pay) Price(ctx context.Context, coin, currency string) (decimal.Decimal, error) {
	fields := []alt5Field{
		{"coin", strings.ToUpper(coin)},
		{"currency", strings.ToUpper(currency)},
	}
	var price alt5Price
	if err := a.post(ctx, "/usr/price", fields, &price); err != nil {
		return decimal.Zero, err
	}
	value, err := decimal.NewFromString(price.Price.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("alt5pay: parse price: %w", err)
	}
	if !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("alt5pay: non-positive price %s", value.String())
	}
	return value, nil
}

// FeeModel implements Provider.
func (a *ALT5Pay) FeeModel(ctx context.Context, req FeeRequest) (FeeModel, error) {
	price, err := a.Price(ctx, req.Token, req.Currency)
	if err != nil {
		return FeeModel{}, err
	}
	return FeeModel{
		Rate: decimal.NewFromInt(1).DivRound(price, 18),
		Fees: percentOf(req.Amount, a.feePercent),
		Pros: []string{"Dedicated deposit address per order", "No chargeback risk"},
		Cons: []string{"Limited fiat currencies", "Higher fees than exchange providers"},
	}, nil
}

// CreatePayment implements Provider by allocating a deposit address keyed by the client order id.
func (a *ALT5Pay) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentHandle, error) {
	path, ok := alt5WalletPaths[strings.ToUpper(req.Token)]
	if !ok {
		return PaymentHandle{}, fmt.Errorf("alt5pay: unsupported token %s", req.Token)
	}
	fields := []alt5Field{
		{"ref_id", req.ClientOrderID},
		{"currency", strings.ToUpper(req.Currency)},
	}
	if a.webhookURL != "" {
		fields = append(fields, alt5Field{"url", a.webhookURL})
	}
	var addr alt5Address
	if err := a.post(ctx, path+"/create", fields, &addr); err != nil {
		return PaymentHandle{}, err
	}
	if strings.TrimSpace(addr.Address) == "" {
		return PaymentHandle{}, fmt.Errorf("alt5pay: empty deposit address")
	}
	// ALT5 has no payment id of its own; the webhook echoes ref_id.
	ref := strings.TrimSpace(addr.RefID)
	if ref == "" {
		ref = req.ClientOrderID
	}
	handle := PaymentHandle{
		Reference:      ref,
		ClientSecret:   addr.Address,
		PaymentAddress: addr.Address,
		Status:         "awaiting_deposit",
	}
	if ts, err := parseTimestamp(addr.Expires); err == nil {
		handle.ExpiresAt = ts
	}
	return handle, nil
}

type alt5Field struct {
	key   string
	value string
}

func (a *ALT5Pay) post(ctx context.Context, path string, fields []alt5Field, out interface{}) error {
	nonce, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return fmt.Errorf("alt5pay: nonce: %w", err)
	}
	fields = append(fields,
		alt5Field{"timestamp", fmt.Sprintf("%d", a.now().Unix())},
		alt5Field{"nonce", nonce.String()},
	)
	payload := make(map[string]string, len(fields))
	canonical := make([]string, 0, len(fields))
	for _, f := range fields {
		payload[f.key] = f.value
		canonical = append(canonical, f.key+"="+f.value)
	}
	headers := map[string]string{
		"apikey":         a.apiKey,
		"merchant_id":    a.merchantID,
		"authentication": SignALT5(a.apiKey, a.secret, strings.Join(canonical, "&")),
	}
	var env alt5Envelope
	if err := a.api.doJSON(ctx, http.MethodPost, path, headers, payload, &env); err != nil {
		return err
	}
	if !strings.EqualFold(env.Status, "success") {
		return fmt.Errorf("alt5pay %s: %s", path, strings.TrimSpace(env.Message))
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	decoder := json.NewDecoder(strings.NewReader(string(env.Data)))
	decoder.UseNumber()
	return decoder.Decode(out)
}

// SignALT5 produces the ALT5 authentication header for a canonical body.
func SignALT5(apiKey, secret, body string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(body))
	digest := hex.EncodeToString(mac.Sum(nil))
	return base64.StdEncoding.EncodeToString([]byte(apiKey + ":" + digest))
}
