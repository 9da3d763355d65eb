package rates

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// StaticSource answers from operator pinned rates. It is meant for development
// and test networks and is never part of the default source list.
type StaticSource struct {
	name  string
	rates map[string]decimal.Decimal
}

// NewStaticSource parses "FROM/TO" to decimal string mappings.
func NewStaticSource(name string, pinned map[string]string) (*StaticSource, error) {
	parsed := make(map[string]decimal.Decimal, len(pinned))
	for pair, raw := range normalisePairs(pinned) {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("static: rate for %s: %w", pair, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("static: rate for %s must be positive", pair)
		}
		parsed[pair] = rate
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("static: at least one rate required")
	}
	return &StaticSource{name: label(name, SourceStatic), rates: parsed}, nil
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Fetch implements Source.
func (s *StaticSource) Fetch(_ context.Context, from, to string) (Observation, error) {
	if rate, ok := s.rates[pairKey(from, to)]; ok {
		return Observation{Rate: rate}, nil
	}
	return Observation{}, fmt.Errorf("static: no rate pinned for %s", pairKey(from, to))
}
