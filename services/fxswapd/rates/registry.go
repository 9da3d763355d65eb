package rates

import (
	"fmt"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
)

// SourceConfig describes one configured rate source.
type SourceConfig struct {
	Name     string
	Type     string
	Endpoint string
	APIKey   string
	// Feeds maps "FROM/TO" pairs to chainlink feed addresses or pyth feed ids.
	Feeds map[string]string
	// Assets maps currency symbols to coingecko asset ids.
	Assets map[string]string
	// Rates pins "FROM/TO" pairs for the static source.
	Rates  map[string]string
	MaxAge time.Duration
}

// Registry constructs rate sources based on configuration.
type Registry struct {
	HTTPClient HTTPDoer
	// Caller answers eth_call for on-chain feeds. Required for chainlink sources.
	Caller ethereum.ContractCaller
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry(caller ethereum.ContractCaller) *Registry {
	return &Registry{HTTPClient: NewHTTPClient(10 * time.Second), Caller: caller}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(cfg SourceConfig) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case SourceChainlink:
		if r.Caller == nil {
			return nil, fmt.Errorf("rates: chainlink source %q needs an rpc endpoint", cfg.Name)
		}
		return NewChainlinkSource(cfg.Name, r.Caller, cfg.Feeds, cfg.MaxAge)
	case SourcePyth:
		return NewPythSource(cfg.Name, r.client(), cfg.Endpoint, cfg.Feeds, cfg.MaxAge)
	case SourceCoinGecko:
		return NewCoinGeckoSource(cfg.Name, r.client(), cfg.Endpoint, cfg.APIKey, cfg.Assets), nil
	case SourceStatic:
		return NewStaticSource(cfg.Name, cfg.Rates)
	default:
		return nil, fmt.Errorf("rates: unknown source type %q", cfg.Type)
	}
}

// BuildAll creates every configured source, preserving order.
func (r *Registry) BuildAll(cfgs []SourceConfig) ([]Source, error) {
	out := make([]Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		src, err := r.Build(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func (r *Registry) client() HTTPDoer {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return NewHTTPClient(10 * time.Second)
}
