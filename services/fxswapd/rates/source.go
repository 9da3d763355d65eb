package rates

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Source names shipped with the daemon.
const (
	SourceChainlink = "chainlink"
	SourcePyth      = "pyth"
	SourceCoinGecko = "coingecko"
	SourceStatic    = "static"
	SourceIdentity  = "identity"
)

// Observation is a single raw rate reported by a source.
type Observation struct {
	Rate decimal.Decimal
	// PublishedAt is when the upstream produced the value. Zero when unknown.
	PublishedAt time.Time
}

// Source resolves the exchange rate for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, from, to string) (Observation, error)
}

// SourceFunc adapts ordinary functions to Source.
type SourceFunc struct {
	Label string
	Fn    func(ctx context.Context, from, to string) (Observation, error)
}

// Name implements Source.
func (s SourceFunc) Name() string { return s.Label }

// Fetch implements Source.
func (s SourceFunc) Fetch(ctx context.Context, from, to string) (Observation, error) {
	if s.Fn == nil {
		return Observation{}, fmt.Errorf("%s: source not configured", s.Label)
	}
	return s.Fn(ctx, from, to)
}

// HTTPDoer is the subset of http.Client used by HTTP backed sources.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns the instrumented client used for upstream rate APIs.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func normaliseCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func pairKey(from, to string) string {
	return normaliseCurrency(from) + "/" + normaliseCurrency(to)
}

// normalisePairs upper-cases "FROM/TO" keys so lookups are case-insensitive.
func normalisePairs[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for key, value := range in {
		parts := strings.SplitN(key, "/", 2)
		if len(parts) != 2 {
			continue
		}
		out[pairKey(parts[0], parts[1])] = value
	}
	return out
}
