package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"fxsettle/services/fxswapd/rates"
)

// RateSource supplies fiat reference rates to providers that do not quote their own.
type RateSource interface {
	GetRate(ctx context.Context, from, to string) (rates.Quote, error)
}

// ClientConfig carries the settings shared by every HTTP provider client.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	Secret       string
	MerchantID   string
	Timeout      time.Duration
	RequestsPerS float64
	Burst        int
	Capabilities Capabilities
	HTTPClient   *http.Client
}

// apiClient wraps outbound calls with a rate limiter and a bounded, traced http.Client.
type apiClient struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func newAPIClient(name, defaultBaseURL string, cfg ClientConfig) *apiClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	rps := cfg.RequestsPerS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &apiClient{name: name, baseURL: base, http: client, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// do sends the request and decodes a JSON response into out when non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, headers map[string]string, body io.Reader, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.name, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s failed: status=%d: %s", c.name, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", c.name, path, err)
	}
	return nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, headers map[string]string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Type"] = "application/json"
	}
	return c.do(ctx, method, path, headers, body, out)
}

// referenceCurrency maps stablecoins onto the fiat they track.
func referenceCurrency(token string) string {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "USDT", "USDC", "DAI", "BUSD", "PYUSD":
		return "USD"
	case "EURC", "EURT":
		return "EUR"
	}
	return strings.ToUpper(strings.TrimSpace(token))
}
