package rates

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const aggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

// Chainlink FX feeds on mainnet update at least once a day.
const defaultChainlinkMaxAge = 25 * time.Hour

var parsedAggregatorABI = mustParseABI(aggregatorV3ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("rates: parse aggregator abi: %v", err))
	}
	return parsed
}

// ChainlinkSource reads AggregatorV3 price feeds through an Ethereum RPC.
type ChainlinkSource struct {
	name   string
	caller ethereum.ContractCaller
	feeds  map[string]common.Address
	maxAge time.Duration
	now    func() time.Time
}

// NewChainlinkSource builds a source from "FROM/TO" to feed address mappings.
// A pair is also answered when only its inverse feed is configured.
func NewChainlinkSource(name string, caller ethereum.ContractCaller, feeds map[string]string, maxAge time.Duration) (*ChainlinkSource, error) {
	if caller == nil {
		return nil, fmt.Errorf("chainlink: rpc caller required")
	}
	mapped := make(map[string]common.Address, len(feeds))
	for pair, addr := range normalisePairs(feeds) {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("chainlink: invalid feed address %q for %s", addr, pair)
		}
		mapped[pair] = common.HexToAddress(addr)
	}
	if len(mapped) == 0 {
		return nil, fmt.Errorf("chainlink: at least one feed required")
	}
	if maxAge <= 0 {
		maxAge = defaultChainlinkMaxAge
	}
	return &ChainlinkSource{name: label(name, SourceChainlink), caller: caller, feeds: mapped, maxAge: maxAge, now: time.Now}, nil
}

// Name implements Source.
func (s *ChainlinkSource) Name() string { return s.name }

// Fetch implements Source.
func (s *ChainlinkSource) Fetch(ctx context.Context, from, to string) (Observation, error) {
	if feed, ok := s.feeds[pairKey(from, to)]; ok {
		return s.read(ctx, feed)
	}
	if feed, ok := s.feeds[pairKey(to, from)]; ok {
		obs, err := s.read(ctx, feed)
		if err != nil {
			return Observation{}, err
		}
		obs.Rate = decimal.NewFromInt(1).DivRound(obs.Rate, 18)
		return obs, nil
	}
	return Observation{}, fmt.Errorf("chainlink: no feed for %s", pairKey(from, to))
}

func (s *ChainlinkSource) read(ctx context.Context, feed common.Address) (Observation, error) {
	decimalsOut, err := s.call(ctx, feed, "decimals")
	if err != nil {
		return Observation{}, err
	}
	if len(decimalsOut) != 1 {
		return Observation{}, fmt.Errorf("chainlink: unexpected decimals output")
	}
	decimals, ok := decimalsOut[0].(uint8)
	if !ok {
		return Observation{}, fmt.Errorf("chainlink: unexpected decimals type %T", decimalsOut[0])
	}
	round, err := s.call(ctx, feed, "latestRoundData")
	if err != nil {
		return Observation{}, err
	}
	if len(round) != 5 {
		return Observation{}, fmt.Errorf("chainlink: unexpected round data length %d", len(round))
	}
	answer, ok := round[1].(*big.Int)
	if !ok || answer == nil || answer.Sign() <= 0 {
		return Observation{}, fmt.Errorf("chainlink: invalid answer from %s", feed.Hex())
	}
	updatedAt, ok := round[3].(*big.Int)
	if !ok || updatedAt == nil || updatedAt.Sign() <= 0 {
		return Observation{}, fmt.Errorf("chainlink: round not complete on %s", feed.Hex())
	}
	published := time.Unix(updatedAt.Int64(), 0).UTC()
	if age := s.now().Sub(published); age > s.maxAge {
		return Observation{}, fmt.Errorf("chainlink: feed %s stale by %s", feed.Hex(), age.Truncate(time.Second))
	}
	return Observation{
		Rate:        decimal.NewFromBigInt(answer, -int32(decimals)),
		PublishedAt: published,
	}, nil
}

func (s *ChainlinkSource) call(ctx context.Context, feed common.Address, method string) ([]interface{}, error) {
	input, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("chainlink: pack %s: %w", method, err)
	}
	raw, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainlink: call %s on %s: %w", method, feed.Hex(), err)
	}
	out, err := parsedAggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chainlink: unpack %s: %w", method, err)
	}
	return out, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
