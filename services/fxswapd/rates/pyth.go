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

const defaultPythEndpoint = "https://hermes.pyth.network"

// PythSource reads the latest parsed price updates from a Pyth Hermes endpoint.
type PythSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	feeds    map[string]string
	maxAge   time.Duration
	now      func() time.Time
}

// NewPythSource builds a source from "FROM/TO" to Pyth price feed id mappings.
func NewPythSource(name string, client HTTPDoer, endpoint string, feeds map[string]string, maxAge time.Duration) (*PythSource, error) {
	mapped := make(map[string]string, len(feeds))
	for pair, id := range normalisePairs(feeds) {
		id = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
		if id == "" {
			return nil, fmt.Errorf("pyth: empty feed id for %s", pair)
		}
		mapped[pair] = id
	}
	if len(mapped) == 0 {
		return nil, fmt.Errorf("pyth: at least one feed required")
	}
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		ep = defaultPythEndpoint
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &PythSource{name: label(name, SourcePyth), client: client, endpoint: ep, feeds: mapped, maxAge: maxAge, now: time.Now}, nil
}

// Name implements Source.
func (s *PythSource) Name() string { return s.name }

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// Fetch implements Source.
func (s *PythSource) Fetch(ctx context.Context, from, to string) (Observation, error) {
	if id, ok := s.feeds[pairKey(from, to)]; ok {
		return s.latest(ctx, id)
	}
	if id, ok := s.feeds[pairKey(to, from)]; ok {
		obs, err := s.latest(ctx, id)
		if err != nil {
			return Observation{}, err
		}
		obs.Rate = decimal.NewFromInt(1).DivRound(obs.Rate, 18)
		return obs, nil
	}
	return Observation{}, fmt.Errorf("pyth: no feed for %s", pairKey(from, to))
}

func (s *PythSource) latest(ctx context.Context, id string) (Observation, error) {
	values := url.Values{}
	values.Add("ids[]", id)
	values.Set("parsed", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/v2/updates/price/latest?"+values.Encode(), nil)
	if err != nil {
		return Observation{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Observation{}, fmt.Errorf("pyth: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Observation{}, fmt.Errorf("pyth: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Observation{}, fmt.Errorf("pyth: decode: %w", err)
	}
	for _, entry := range payload.Parsed {
		if strings.TrimPrefix(strings.ToLower(entry.ID), "0x") != id {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(entry.Price.Price))
		if err != nil {
			return Observation{}, fmt.Errorf("pyth: parse price: %w", err)
		}
		published := time.Unix(entry.Price.PublishTime, 0).UTC()
		if age := s.now().Sub(published); age > s.maxAge {
			return Observation{}, fmt.Errorf("pyth: feed %s stale by %s", id, age.Truncate(time.Second))
		}
		return Observation{Rate: price.Shift(entry.Price.Expo), PublishedAt: published}, nil
	}
	return Observation{}, fmt.Errorf("pyth: feed %s missing from response", id)
}
