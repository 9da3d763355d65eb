package fxswapd

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fxsettle/observability"
	"fxsettle/services/fxswapd/providers"
	"fxsettle/services/fxswapd/swap"
)

type recordingSink struct {
	got []swap.PaymentConfirmation
	id  uuid.UUID
	err error
}

func (s *recordingSink) CreateOrUpdateFromPaymentConfirmation(_ context.Context, pc swap.PaymentConfirmation) (uuid.UUID, error) {
	s.got = append(s.got, pc)
	return s.id, s.err
}

var webhookNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newWebhookRouter(t *testing.T, sink PaymentSink) http.Handler {
	t.Helper()
	h, err := NewWebhookHandler(sink, WebhookConfig{
		StripeSecret:      "whsec_test",
		NOWPaymentsSecret: "ipn_test",
		Now:               func() time.Time { return webhookNow },
		Logger:            log.New(io.Discard, "", 0),
		Metrics:           observability.Webhooks(),
	})
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	return r
}

func stripeHeader(secret string, at time.Time, body string) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + body))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func nowPaymentsSig(secret, canonical string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

const stripeSucceeded = `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","amount":1000,"amount_received":1000,"currency":"gbp","metadata":{"type":"fx_swap","target_token":"USDT","destination_wallet":"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed","client_order_id":"c-1","user_id":"u-1"}}}}`

func postWebhook(handler http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhookDeliversConfirmation(t *testing.T) {
	sink := &recordingSink{id: uuid.New()}
	handler := newWebhookRouter(t, sink)

	rec := postWebhook(handler, "/webhooks/stripe", stripeSucceeded, map[string]string{
		headerStripeSignature: stripeHeader("whsec_test", webhookNow.Add(-time.Minute), stripeSucceeded),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), sink.id.String())
	require.Len(t, sink.got, 1)
	pc := sink.got[0]
	require.Equal(t, providers.NameStripe, pc.Provider)
	require.Equal(t, "pi_123", pc.PaymentReference)
	require.Equal(t, int64(1000), pc.FiatAmountMinorUnits)
	require.Equal(t, "GBP", pc.Currency)
	require.Equal(t, swap.PaymentSucceeded, pc.Status)
	require.Equal(t, "USDT", pc.Metadata.TargetToken)
	require.Equal(t, "u-1", pc.Metadata.UserID)
}

func TestStripeWebhookRejectsTamperedAndStale(t *testing.T) {
	sink := &recordingSink{}
	handler := newWebhookRouter(t, sink)

	signed := stripeHeader("whsec_test", webhookNow, stripeSucceeded)
	tampered := strings.Replace(stripeSucceeded, `"amount_received":1000`, `"amount_received":100000`, 1)
	rec := postWebhook(handler, "/webhooks/stripe", tampered, map[string]string{headerStripeSignature: signed})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	stale := stripeHeader("whsec_test", webhookNow.Add(-10*time.Minute), stripeSucceeded)
	rec = postWebhook(handler, "/webhooks/stripe", stripeSucceeded, map[string]string{headerStripeSignature: stale})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(handler, "/webhooks/stripe", stripeSucceeded, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, sink.got)
}

func TestStripeWebhookFailedAndIgnoredEvents(t *testing.T) {
	sink := &recordingSink{err: swap.ErrUnknownPayment}
	handler := newWebhookRouter(t, sink)

	failed := `{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_9","amount":500,"currency":"eur","last_payment_error":{"code":"card_declined","message":"Your card was declined."}}}}`
	rec := postWebhook(handler, "/webhooks/stripe", failed, map[string]string{
		headerStripeSignature: stripeHeader("whsec_test", webhookNow, failed),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown")
	require.Len(t, sink.got, 1)
	require.Equal(t, swap.PaymentFailed, sink.got[0].Status)
	require.Equal(t, "Your card was declined.", sink.got[0].FailureReason)

	other := `{"id":"evt_3","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`
	rec = postWebhook(handler, "/webhooks/stripe", other, map[string]string{
		headerStripeSignature: stripeHeader("whsec_test", webhookNow, other),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ignored")
	require.Len(t, sink.got, 1)
}

func TestStripeWebhookMapsValidationErrors(t *testing.T) {
	sink := &recordingSink{err: &swap.ValidationError{Field: "fiat_amount", Reason: "below minimum"}}
	handler := newWebhookRouter(t, sink)
	rec := postWebhook(handler, "/webhooks/stripe", stripeSucceeded, map[string]string{
		headerStripeSignature: stripeHeader("whsec_test", webhookNow, stripeSucceeded),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	sink.err = fmt.Errorf("database unavailable")
	rec = postWebhook(handler, "/webhooks/stripe", stripeSucceeded, map[string]string{
		headerStripeSignature: stripeHeader("whsec_test", webhookNow, stripeSucceeded),
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNOWPaymentsWebhookVerifiesSortedPayload(t *testing.T) {
	sink := &recordingSink{id: uuid.New()}
	handler := newWebhookRouter(t, sink)

	body := `{"payment_status":"finished","invoice_id":4522625843,"price_currency":"usd","price_amount":25.5,"payment_id":5077125051}`
	canonical := `{"invoice_id":4522625843,"payment_id":5077125051,"payment_status":"finished","price_amount":25.5,"price_currency":"usd"}`
	rec := postWebhook(handler, "/webhooks/nowpayments", body, map[string]string{
		"x-nowpayments-sig": nowPaymentsSig("ipn_test", canonical),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, sink.got, 1)
	pc := sink.got[0]
	require.Equal(t, providers.NameNOWPayments, pc.Provider)
	require.Equal(t, "4522625843", pc.PaymentReference)
	require.Equal(t, int64(2550), pc.FiatAmountMinorUnits)
	require.Equal(t, "USD", pc.Currency)
	require.Equal(t, swap.PaymentSucceeded, pc.Status)

	tampered := strings.Replace(body, "25.5", "2550", 1)
	rec = postWebhook(handler, "/webhooks/nowpayments", tampered, map[string]string{
		"x-nowpayments-sig": nowPaymentsSig("ipn_test", canonical),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Len(t, sink.got, 1)
}

func TestNOWPaymentsWebhookStatuses(t *testing.T) {
	sink := &recordingSink{id: uuid.New()}
	handler := newWebhookRouter(t, sink)
	send := func(status string) *httptest.ResponseRecorder {
		body := `{"invoice_id":"77","payment_status":"` + status + `","price_amount":"10","price_currency":"eur"}`
		canonical, err := sortedJSON([]byte(body))
		require.NoError(t, err)
		return postWebhook(handler, "/webhooks/nowpayments", body, map[string]string{
			"x-nowpayments-sig": nowPaymentsSig("ipn_test", string(canonical)),
		})
	}

	rec := send("waiting")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pending")
	require.Empty(t, sink.got)

	rec = send("expired")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.got, 1)
	require.Equal(t, swap.PaymentFailed, sink.got[0].Status)
	require.Equal(t, "77", sink.got[0].PaymentReference)
	require.Equal(t, int64(1000), sink.got[0].FiatAmountMinorUnits)
}

func TestVerifyStripeSignatureAcceptsAnyV1(t *testing.T) {
	body := []byte(`{}`)
	good := stripeHeader("whsec_test", webhookNow, string(body))
	header := good + ",v1=deadbeef"
	require.NoError(t, VerifyStripeSignature(header, body, []byte("whsec_test"), time.Minute, webhookNow))
	require.ErrorIs(t, VerifyStripeSignature("t=abc,v1=00", body, []byte("whsec_test"), time.Minute, webhookNow), ErrSignatureInvalid)
	require.ErrorIs(t, VerifyStripeSignature(good, body, []byte("other"), time.Minute, webhookNow), ErrSignatureInvalid)
	require.ErrorIs(t, VerifyNOWPaymentsSignature(body, "", []byte("x")), ErrSignatureMissing)
}
