package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestStripeCreatePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.Equal(t, "fxswap-co-9", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "1050", r.PostForm.Get("amount"))
		require.Equal(t, "gbp", r.PostForm.Get("currency"))
		require.Equal(t, "USDT", r.PostForm.Get("metadata[target_token]"))
		require.Equal(t, "0xabc", r.PostForm.Get("metadata[destination_wallet]"))
		require.Equal(t, "user-7", r.PostForm.Get("metadata[user_id]"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "pi_123", "client_secret": "pi_123_secret", "status": "requires_payment_method"})
	}))
	defer server.Close()

	stripe, err := NewStripe(ClientConfig{APIKey: "sk_test", BaseURL: server.URL, HTTPClient: server.Client()}, fixedRates{rate: decimal.NewFromInt(1)})
	require.NoError(t, err)
	handle, err := stripe.CreatePayment(context.Background(), PaymentRequest{
		Amount: decimal.RequireFromString("10.50"), Currency: "GBP", Token: "USDT",
		DestinationWallet: "0xabc", UserID: "user-7", ClientOrderID: "co-9",
	})
	require.NoError(t, err)
	require.Equal(t, "pi_123", handle.Reference)
	require.Equal(t, "pi_123_secret", handle.ClientSecret)
}

func TestStripeFeeModelNeedsRate(t *testing.T) {
	stripe, err := NewStripe(ClientConfig{APIKey: "sk"}, fixedRates{err: errors.New("no rate")})
	require.NoError(t, err)
	_, err = stripe.FeeModel(context.Background(), FeeRequest{Amount: decimal.NewFromInt(10), Currency: "USD", Token: "USDT"})
	require.ErrorContains(t, err, "reference rate")

	_, err = NewStripe(ClientConfig{}, fixedRates{})
	require.Error(t, err)
}

func TestStripeSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"card declined"}}`, http.StatusPaymentRequired)
	}))
	defer server.Close()
	stripe, err := NewStripe(ClientConfig{APIKey: "sk", BaseURL: server.URL, HTTPClient: server.Client()}, fixedRates{rate: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, err = stripe.CreatePayment(context.Background(), PaymentRequest{Amount: decimal.NewFromInt(1), Currency: "USD", Token: "USDT"})
	require.ErrorContains(t, err, "status=402")
	require.ErrorContains(t, err, "card declined")
}

func TestMinorUnits(t *testing.T) {
	minor, err := MinorUnits(decimal.RequireFromString("12.34"), "usd")
	require.NoError(t, err)
	require.EqualValues(t, 1234, minor)

	minor, err = MinorUnits(decimal.NewFromInt(500), "JPY")
	require.NoError(t, err)
	require.EqualValues(t, 500, minor)

	_, err = MinorUnits(decimal.RequireFromString("1.005"), "USD")
	require.Error(t, err)

	require.True(t, FromMinorUnits(1234, "USD").Equal(decimal.RequireFromString("12.34")))
	require.True(t, FromMinorUnits(500, "jpy").Equal(decimal.NewFromInt(500)))
}

func TestChangeNOWCreatePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exchange", r.URL.Path)
		require.Equal(t, "cn-key", r.Header.Get("x-changenow-api-key"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gbp", body["fromCurrency"])
		require.Equal(t, "usdt", body["toCurrency"])
		require.Equal(t, "0xdest", body["address"])
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "cn-1", "payinAddress": "payin", "status": "waiting", "validUntil": "2026-01-02T03:04:05Z",
		})
	}))
	defer server.Close()

	cn, err := NewChangeNOW(ClientConfig{APIKey: "cn-key", BaseURL: server.URL, HTTPClient: server.Client()})
	require.NoError(t, err)
	handle, err := cn.CreatePayment(context.Background(), PaymentRequest{
		Amount: decimal.NewFromInt(100), Currency: "GBP", Token: "USDT", DestinationWallet: "0xdest", ClientOrderID: "co-1",
	})
	require.NoError(t, err)
	require.Equal(t, "cn-1", handle.Reference)
	require.Equal(t, "payin", handle.PaymentAddress)
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), handle.ExpiresAt)
}

func TestNOWPaymentsFeeModelAndInvoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "np-key", r.Header.Get("x-api-key"))
		switch r.URL.Path {
		case "/estimate":
			require.Equal(t, "usd", r.URL.Query().Get("currency_from"))
			_, _ = w.Write([]byte(`{"currency_from":"usd","amount_from":200,"currency_to":"usdt","estimated_amount":"199.1"}`))
		case "/invoice":
			var req NOWPaymentsInvoiceRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "200", req.PriceAmount)
			require.True(t, req.FixedRate)
			require.Equal(t, "co-5", req.OrderID)
			_, _ = w.Write([]byte(`{"id":"4522625843","order_id":"co-5","invoice_url":"https://nowpayments.io/payment/?iid=4522625843","created_at":"2026-03-01T10:00:00.000Z"}`))
		case "/invoice/4522625843":
			_, _ = w.Write([]byte(`{"id":"4522625843","payment_status":"finished"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	np, err := NewNOWPayments(ClientConfig{APIKey: "np-key", BaseURL: server.URL, HTTPClient: server.Client()})
	require.NoError(t, err)

	model, err := np.FeeModel(context.Background(), FeeRequest{Amount: decimal.NewFromInt(200), Currency: "USD", Token: "USDT"})
	require.NoError(t, err)
	require.True(t, model.Rate.Equal(decimal.RequireFromString("0.9955")), model.Rate.String())
	require.True(t, model.Fees.Equal(decimal.RequireFromString("1.5")), model.Fees.String())

	handle, err := np.CreatePayment(context.Background(), PaymentRequest{Amount: decimal.NewFromInt(200), Currency: "USD", Token: "USDT", ClientOrderID: "co-5"})
	require.NoError(t, err)
	require.Equal(t, "4522625843", handle.Reference)
	require.Contains(t, handle.URL, "iid=4522625843")
	require.Equal(t, time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC), handle.ExpiresAt)

	invoice, err := np.GetInvoice(context.Background(), "4522625843")
	require.NoError(t, err)
	require.True(t, invoice.Paid())
}

func TestNOWPaymentsStatusPaid(t *testing.T) {
	require.True(t, NOWPaymentsStatusPaid("Finished"))
	require.True(t, NOWPaymentsStatusPaid("", "confirmed"))
	require.False(t, NOWPaymentsStatusPaid("waiting", "finished"))
	require.False(t, NOWPaymentsStatusPaid())
	var nilInvoice *NOWPaymentsInvoice
	require.False(t, nilInvoice.Paid())
}

func TestALT5PaySignsRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "alt-key", r.Header.Get("apikey"))
		require.Equal(t, "m-1", r.Header.Get("merchant_id"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "1767225600", body["timestamp"])

		var canonical string
		switch r.URL.Path {
		case "/usr/price":
			canonical = "coin=" + body["coin"] + "&currency=" + body["currency"] + "&timestamp=" + body["timestamp"] + "&nonce=" + body["nonce"]
		case "/usr/wallet/erc20/usdt/create":
			canonical = "ref_id=" + body["ref_id"] + "&currency=" + body["currency"] + "&url=" + body["url"] + "&timestamp=" + body["timestamp"] + "&nonce=" + body["nonce"]
		default:
			http.NotFound(w, r)
			return
		}
		mac := hmac.New(sha512.New, []byte("alt-secret"))
		mac.Write([]byte(canonical))
		expected := base64.StdEncoding.EncodeToString([]byte("alt-key:" + hex.EncodeToString(mac.Sum(nil))))
		require.Equal(t, expected, r.Header.Get("authentication"))

		if strings.HasSuffix(r.URL.Path, "/create") {
			_, _ = w.Write([]byte(`{"status":"success","data":{"address":"0xdeposit","ref_id":"co-4","expires":"2026-01-01T01:00:00Z"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"coin":"USDT","currency":"USD","price":"1.25"}}`))
	}))
	defer server.Close()

	alt, err := NewALT5Pay(ClientConfig{APIKey: "alt-key", Secret: "alt-secret", MerchantID: "m-1", BaseURL: server.URL, HTTPClient: server.Client()}, "https://hooks.example/alt5")
	require.NoError(t, err)
	alt.now = func() time.Time { return time.Unix(1767225600, 0) }

	model, err := alt.FeeModel(context.Background(), FeeRequest{Amount: decimal.NewFromInt(100), Currency: "USD", Token: "USDT"})
	require.NoError(t, err)
	require.True(t, model.Rate.Equal(decimal.RequireFromString("0.8")), model.Rate.String())
	require.True(t, model.Fees.Equal(decimal.NewFromInt(2)))

	handle, err := alt.CreatePayment(context.Background(), PaymentRequest{Amount: decimal.NewFromInt(100), Currency: "USD", Token: "USDT", ClientOrderID: "co-4"})
	require.NoError(t, err)
	require.Equal(t, "co-4", handle.Reference)
	require.Equal(t, "0xdeposit", handle.PaymentAddress)

	_, err = alt.CreatePayment(context.Background(), PaymentRequest{Amount: decimal.NewFromInt(1), Currency: "USD", Token: "DOGE"})
	require.ErrorContains(t, err, "unsupported token")
}

func TestALT5PayErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"invalid signature"}`))
	}))
	defer server.Close()
	alt, err := NewALT5Pay(ClientConfig{APIKey: "k", Secret: "s", MerchantID: "m", BaseURL: server.URL, HTTPClient: server.Client()}, "")
	require.NoError(t, err)
	_, err = alt.Price(context.Background(), "BTC", "USD")
	require.ErrorContains(t, err, "invalid signature")

	_, err = NewALT5Pay(ClientConfig{APIKey: "k"}, "")
	require.Error(t, err)
}
