package rates

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeFeedCaller struct {
	answer    *big.Int
	decimals  uint8
	updatedAt time.Time
}

func (f *fakeFeedCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := parsedAggregatorABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	default:
		updated := big.NewInt(f.updatedAt.Unix())
		return method.Outputs.Pack(big.NewInt(7), f.answer, updated, updated, big.NewInt(7))
	}
}

func TestChainlinkSourceReadsLatestRound(t *testing.T) {
	caller := &fakeFeedCaller{answer: big.NewInt(127_000_000), decimals: 8, updatedAt: time.Now().Add(-time.Hour)}
	src, err := NewChainlinkSource("", caller, map[string]string{"gbp/usd": common.HexToAddress("0x01").Hex()}, 0)
	require.NoError(t, err)
	require.Equal(t, SourceChainlink, src.Name())

	obs, err := src.Fetch(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.True(t, obs.Rate.Equal(decimal.RequireFromString("1.27")), obs.Rate.String())

	inverse, err := src.Fetch(context.Background(), "USD", "GBP")
	require.NoError(t, err)
	require.True(t, inverse.Rate.Round(6).Equal(decimal.RequireFromString("0.787402")), inverse.Rate.String())

	_, err = src.Fetch(context.Background(), "EUR", "USD")
	require.Error(t, err)
}

func TestChainlinkSourceRejectsStaleRound(t *testing.T) {
	caller := &fakeFeedCaller{answer: big.NewInt(127_000_000), decimals: 8, updatedAt: time.Now().Add(-48 * time.Hour)}
	src, err := NewChainlinkSource("", caller, map[string]string{"GBP/USD": common.HexToAddress("0x01").Hex()}, 0)
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), "GBP", "USD")
	require.ErrorContains(t, err, "stale")
}

func TestPythSourceScalesByExponent(t *testing.T) {
	const feedID = "84c2dde9633d93d1bcad84e7dc41c9d56578b7ec47c9ac5f6f1e0c5f8c5a5c5f"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/updates/price/latest", r.URL.Path)
		require.Equal(t, feedID, r.URL.Query().Get("ids[]"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parsed": []map[string]any{{
				"id": feedID,
				"price": map[string]any{
					"price":        "127123",
					"conf":         "12",
					"expo":         -5,
					"publish_time": time.Now().Unix(),
				},
			}},
		})
	}))
	defer server.Close()

	src, err := NewPythSource("", server.Client(), server.URL, map[string]string{"GBP/USD": "0x" + feedID}, 0)
	require.NoError(t, err)
	obs, err := src.Fetch(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.True(t, obs.Rate.Equal(decimal.RequireFromString("1.27123")), obs.Rate.String())
}

func TestPythSourceReportsUpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	src, err := NewPythSource("", server.Client(), server.URL, map[string]string{"GBP/USD": "abc"}, 0)
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), "GBP", "USD")
	require.ErrorContains(t, err, "429")
}

func TestCoinGeckoSourceCrossesFiatThroughReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tether", r.URL.Query().Get("ids"))
		require.Equal(t, "gbp,usd", r.URL.Query().Get("vs_currencies"))
		_, _ = w.Write([]byte(`{"tether":{"gbp":0.8,"usd":1.016,"last_updated_at":1700000000}}`))
	}))
	defer server.Close()

	src := NewCoinGeckoSource("", server.Client(), server.URL, "", nil)
	obs, err := src.Fetch(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.True(t, obs.Rate.Equal(decimal.RequireFromString("1.27")), obs.Rate.String())
	require.Equal(t, int64(1700000000), obs.PublishedAt.Unix())
}

func TestCoinGeckoSourceMappedAsset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3120.55}}`))
	}))
	defer server.Close()

	src := NewCoinGeckoSource("", server.Client(), server.URL, "", map[string]string{"ETH": "ethereum"})
	obs, err := src.Fetch(context.Background(), "eth", "usd")
	require.NoError(t, err)
	require.True(t, obs.Rate.Equal(decimal.RequireFromString("3120.55")))
}

func TestStaticSourceAndRegistry(t *testing.T) {
	registry := &Registry{}
	src, err := registry.Build(SourceConfig{Type: "static", Rates: map[string]string{"gbp/usd": "1.25"}})
	require.NoError(t, err)
	obs, err := src.Fetch(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.True(t, obs.Rate.Equal(decimal.RequireFromString("1.25")))

	_, err = registry.Build(SourceConfig{Type: "chainlink", Feeds: map[string]string{"GBP/USD": "0x01"}})
	require.Error(t, err, "chainlink needs an rpc caller")

	_, err = registry.Build(SourceConfig{Type: "static", Rates: map[string]string{"GBP/USD": "-1"}})
	require.Error(t, err)

	_, err = registry.Build(SourceConfig{Type: "coinbase"})
	require.Error(t, err)
}
