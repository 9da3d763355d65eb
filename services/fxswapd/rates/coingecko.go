package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"
	// Fiat pairs are crossed through a dollar-pegged reference asset.
	defaultReferenceAsset = "tether"
)

// CoinGeckoSource adapts the public CoinGecko simple price API.
type CoinGeckoSource struct {
	name      string
	client    HTTPDoer
	endpoint  string
	apiKey    string
	idMap     map[string]string
	reference string
}

// NewCoinGeckoSource constructs a source. idMap maps currency symbols to CoinGecko
// asset ids; symbols without a mapping are treated as vs-currencies and crossed
// through the reference asset.
func NewCoinGeckoSource(name string, client HTTPDoer, endpoint, apiKey string, idMap map[string]string) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseCurrency(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoSource{
		name:      label(name, SourceCoinGecko),
		client:    client,
		endpoint:  ep,
		apiKey:    strings.TrimSpace(apiKey),
		idMap:     mapped,
		reference: defaultReferenceAsset,
	}
}

// Name implements Source.
func (s *CoinGeckoSource) Name() string { return s.name }

// Fetch implements Source.
func (s *CoinGeckoSource) Fetch(ctx context.Context, from, to string) (Observation, error) {
	from, to = normaliseCurrency(from), normaliseCurrency(to)
	if id, ok := s.idMap[from]; ok && id != "" {
		prices, updated, err := s.prices(ctx, id, to)
		if err != nil {
			return Observation{}, err
		}
		return Observation{Rate: prices[strings.ToLower(to)], PublishedAt: updated}, nil
	}
	// from and to are both vs-currencies: price the reference asset in each.
	prices, updated, err := s.prices(ctx, s.reference, from, to)
	if err != nil {
		return Observation{}, err
	}
	fromPrice := prices[strings.ToLower(from)]
	toPrice := prices[strings.ToLower(to)]
	if !fromPrice.IsPositive() {
		return Observation{}, fmt.Errorf("coingecko: no %s price for %s", from, s.reference)
	}
	return Observation{Rate: toPrice.DivRound(fromPrice, 18), PublishedAt: updated}, nil
}

func (s *CoinGeckoSource) prices(ctx context.Context, id string, vs ...string) (map[string]decimal.Decimal, time.Time, error) {
	lower := make([]string, 0, len(vs))
	for _, v := range vs {
		lower = append(lower, strings.ToLower(v))
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", strings.Join(lower, ","))
	values.Set("include_last_updated_at", "true")
	values.Set("precision", "full")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+values.Encode(), nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("coingecko: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, time.Time{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return nil, time.Time{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("coingecko: asset %s missing from response", id)
	}
	out := make(map[string]decimal.Decimal, len(lower))
	for _, key := range lower {
		raw, exists := entry[key]
		if !exists {
			return nil, time.Time{}, fmt.Errorf("coingecko: %s price missing for %s", key, id)
		}
		price, err := decimal.NewFromString(raw.String())
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("coingecko: parse %s price: %w", key, err)
		}
		out[key] = price
	}
	var updated time.Time
	if raw, ok := entry["last_updated_at"]; ok {
		if secs, err := raw.Int64(); err == nil && secs > 0 {
			updated = time.Unix(secs, 0).UTC()
		}
	}
	return out, updated, nil
}
