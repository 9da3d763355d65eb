package fxswapd

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fxsettle/observability"
	"fxsettle/services/fxswapd/providers"
	"fxsettle/services/fxswapd/swap"
)

const (
	maxWebhookBody             = 1 << 20
	headerStripeSignature      = "Stripe-Signature"
	headerNowPaymentsSig       = "X-Nowpayments-Sig"
	headerNowPaymentsSignature = "X-Nowpayments-Signature"
	defaultSignatureTolerance  = 5 * time.Minute
)

var (
	// ErrSignatureMissing is returned when a webhook arrives without a signature header.
	ErrSignatureMissing = errors.New("webhook: signature missing")
	// ErrSignatureInvalid is returned when a webhook signature does not verify.
	ErrSignatureInvalid = errors.New("webhook: signature invalid")
	// ErrSignatureExpired is returned when a signed timestamp falls outside the tolerance.
	ErrSignatureExpired = errors.New("webhook: signature timestamp outside tolerance")
)

// PaymentSink receives verified payment confirmations.
type PaymentSink interface {
	CreateOrUpdateFromPaymentConfirmation(ctx context.Context, pc swap.PaymentConfirmation) (uuid.UUID, error)
}

// WebhookConfig carries the provider signing secrets.
type WebhookConfig struct {
	StripeSecret      string
	NOWPaymentsSecret string
	// Tolerance bounds the age of a Stripe signature. Defaults to five minutes.
	Tolerance time.Duration
	Now       func() time.Time
	Logger    *log.Logger
	Metrics   *observability.WebhookMetrics
}

// WebhookHandler verifies provider callbacks and forwards them to the orchestrator.
type WebhookHandler struct {
	sink        PaymentSink
	stripe      []byte
	nowPayments []byte
	tolerance   time.Duration
	now         func() time.Time
	logger      *log.Logger
	metrics     *observability.WebhookMetrics
}

// NewWebhookHandler constructs the provider webhook ingress.
func NewWebhookHandler(sink PaymentSink, cfg WebhookConfig) (*WebhookHandler, error) {
	if sink == nil {
		return nil, fmt.Errorf("webhook: payment sink required")
	}
	h := &WebhookHandler{
		sink:        sink,
		stripe:      []byte(strings.TrimSpace(cfg.StripeSecret)),
		nowPayments: []byte(strings.TrimSpace(cfg.NOWPaymentsSecret)),
		tolerance:   cfg.Tolerance,
		now:         cfg.Now,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if h.tolerance <= 0 {
		h.tolerance = defaultSignatureTolerance
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = log.Default()
	}
	return h, nil
}

// Routes mounts the webhook endpoints for every provider with a signing secret.
func (h *WebhookHandler) Routes(r chi.Router) {
	if len(h.stripe) > 0 {
		r.Post("/stripe", h.handleStripe)
	}
	if len(h.nowPayments) > 0 {
		r.Post("/nowpayments", h.handleNOWPayments)
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object stripeIntent `json:"object"`
	} `json:"data"`
}

type stripeIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (h *WebhookHandler) handleStripe(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := VerifyStripeSignature(r.Header.Get(headerStripeSignature), body, h.stripe, h.tolerance, h.now()); err != nil {
		h.logger.Printf("fxswapd: reject stripe webhook: %v", err)
		h.metrics.RecordEvent(providers.NameStripe, "rejected")
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid webhook payload: %w", err))
		return
	}
	intent := event.Data.Object
	if kind := intent.Metadata["type"]; kind != "" && kind != "fx_swap" {
		h.metrics.RecordEvent(providers.NameStripe, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	pc := swap.PaymentConfirmation{
		Provider:         providers.NameStripe,
		PaymentReference: intent.ID,
		Currency:         strings.ToUpper(intent.Currency),
		Metadata: swap.PaymentMetadata{
			TargetToken:       intent.Metadata["target_token"],
			DestinationWallet: intent.Metadata["destination_wallet"],
			ClientOrderID:     intent.Metadata["client_order_id"],
			UserID:            intent.Metadata["user_id"],
		},
	}
	switch event.Type {
	case "payment_intent.succeeded":
		pc.Status = swap.PaymentSucceeded
		pc.FiatAmountMinorUnits = intent.AmountReceived
		if pc.FiatAmountMinorUnits == 0 {
			pc.FiatAmountMinorUnits = intent.Amount
		}
	case "payment_intent.payment_failed", "payment_intent.canceled":
		pc.Status = swap.PaymentFailed
		pc.FiatAmountMinorUnits = intent.Amount
		pc.FailureReason = event.Type
		if intent.LastPaymentError != nil && intent.LastPaymentError.Message != "" {
			pc.FailureReason = intent.LastPaymentError.Message
		}
	default:
		h.metrics.RecordEvent(providers.NameStripe, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	h.deliver(w, r, pc)
}

type nowPaymentsIPN struct {
	PaymentID     flexString `json:"payment_id"`
	InvoiceID     flexString `json:"invoice_id"`
	PaymentStatus string     `json:"payment_status"`
	PriceAmount   flexString `json:"price_amount"`
	PriceCurrency string     `json:"price_currency"`
	OrderID       string     `json:"order_id"`
}

// flexString accepts a JSON string or number; NOWPayments sends ids as either.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(raw)
	return nil
}

func (h *WebhookHandler) handleNOWPayments(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sig := strings.TrimSpace(r.Header.Get(headerNowPaymentsSig))
	if sig == "" {
		sig = strings.TrimSpace(r.Header.Get(headerNowPaymentsSignature))
	}
	if err := VerifyNOWPaymentsSignature(body, sig, h.nowPayments); err != nil {
		h.logger.Printf("fxswapd: reject nowpayments webhook: %v", err)
		h.metrics.RecordEvent(providers.NameNOWPayments, "rejected")
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var ipn nowPaymentsIPN
	if err := json.Unmarshal(body, &ipn); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid webhook payload: %w", err))
		return
	}
	reference := strings.TrimSpace(string(ipn.InvoiceID))
	if reference == "" {
		reference = strings.TrimSpace(string(ipn.PaymentID))
	}
	if reference == "" {
		h.metrics.RecordEvent(providers.NameNOWPayments, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	pc := swap.PaymentConfirmation{
		Provider:         providers.NameNOWPayments,
		PaymentReference: reference,
		Currency:         strings.ToUpper(strings.TrimSpace(ipn.PriceCurrency)),
	}
	status := strings.ToLower(strings.TrimSpace(ipn.PaymentStatus))
	switch {
	case providers.NOWPaymentsStatusPaid(status):
		pc.Status = swap.PaymentSucceeded
	case status == "failed" || status == "expired" || status == "refunded":
		pc.Status = swap.PaymentFailed
		pc.FailureReason = "nowpayments " + status
	default:
		h.metrics.RecordEvent(providers.NameNOWPayments, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	if amount := strings.TrimSpace(string(ipn.PriceAmount)); amount != "" {
		price, err := decimal.NewFromString(amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid price_amount: %w", err))
			return
		}
		minor, err := providers.MinorUnits(price, pc.Currency)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		pc.FiatAmountMinorUnits = minor
	}
	h.deliver(w, r, pc)
}

func (h *WebhookHandler) deliver(w http.ResponseWriter, r *http.Request, pc swap.PaymentConfirmation) {
	id, err := h.sink.CreateOrUpdateFromPaymentConfirmation(r.Context(), pc)
	switch {
	case err == nil:
		h.metrics.RecordEvent(pc.Provider, "accepted")
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "order_id": id.String()})
	case errors.Is(err, swap.ErrUnknownPayment):
		// Nothing to fail; acknowledge so the provider stops retrying.
		h.metrics.RecordEvent(pc.Provider, "unknown")
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
	case errors.Is(err, swap.ErrValidation):
		h.logger.Printf("fxswapd: %s payment %s rejected: %v", pc.Provider, pc.PaymentReference, err)
		h.metrics.RecordEvent(pc.Provider, "invalid")
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		h.logger.Printf("fxswapd: %s payment %s failed: %v", pc.Provider, pc.PaymentReference, err)
		h.metrics.RecordEvent(pc.Provider, "error")
		writeError(w, http.StatusInternalServerError, err)
	}
}

// VerifyStripeSignature checks a Stripe-Signature header ("t=<unix>,v1=<hex>")
// against an HMAC-SHA256 of "<t>.<body>".
func VerifyStripeSignature(header string, body, secret []byte, tolerance time.Duration, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrSignatureMissing
	}
	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrSignatureInvalid
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	signedAt := time.Unix(unix, 0)
	if tolerance > 0 && (now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance) {
		return ErrSignatureExpired
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// VerifyNOWPaymentsSignature checks an IPN signature: an HMAC-SHA512 of the
// body re-encoded with its keys sorted.
func VerifyNOWPaymentsSignature(body []byte, signature string, secret []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrSignatureMissing
	}
	canonical, err := sortedJSON(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(canonical)
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(decoded, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}

// sortedJSON re-encodes a JSON document; encoding/json writes map keys in order.
func sortedJSON(body []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxWebhookBody)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}
