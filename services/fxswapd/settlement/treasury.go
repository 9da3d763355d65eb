package settlement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"fxsettle/observability"
	"fxsettle/services/fxswapd/chain"
	"fxsettle/services/fxswapd/orders"
)

// ErrInsufficientTreasury indicates the hot wallet cannot fund the payout.
var ErrInsufficientTreasury = errors.New("settlement: insufficient treasury")

const defaultConfirmations = 3

// Policy captures payout limits for a single asset.
type Policy struct {
	Asset string
	// DailyCap bounds outflow per UTC day in whole token units. Zero is unlimited.
	DailyCap decimal.Decimal
	// LowBalance raises a warning on the treasury status when the balance drops below it.
	LowBalance    decimal.Decimal
	Confirmations int
}

type policyFile struct {
	Asset         string `yaml:"asset"`
	DailyCap      string `yaml:"daily_cap"`
	LowBalance    string `yaml:"low_balance"`
	Confirmations int    `yaml:"confirmations"`
}

// LoadPolicies reads treasury policies from a YAML file on disk.
func LoadPolicies(path string) ([]Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policies: %w", err)
	}
	defer file.Close()
	var entries []policyFile
	if err := yaml.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	policies := make([]Policy, 0, len(entries))
	for _, entry := range entries {
		dailyCap, err := parseAmount(entry.DailyCap)
		if err != nil {
			return nil, fmt.Errorf("asset %s daily_cap: %w", entry.Asset, err)
		}
		low, err := parseAmount(entry.LowBalance)
		if err != nil {
			return nil, fmt.Errorf("asset %s low_balance: %w", entry.Asset, err)
		}
		policies = append(policies, Policy{
			Asset:         entry.Asset,
			DailyCap:      dailyCap,
			LowBalance:    low,
			Confirmations: entry.Confirmations,
		})
	}
	return policies, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

// Treasury gates payouts on hot wallet balances and daily outflow caps.
type Treasury struct {
	client   chain.Client
	gasFloor decimal.Decimal
	metrics  *observability.SettlementMetrics
	now      func() time.Time

	mu       sync.Mutex
	policies map[string]Policy
	totals   map[string]map[string]decimal.Decimal
}

// TreasuryOption customises the treasury.
type TreasuryOption func(*Treasury)

// WithGasFloor sets the minimum native balance kept for gas, in whole units.
func WithGasFloor(floor decimal.Decimal) TreasuryOption {
	return func(t *Treasury) {
		if !floor.IsNegative() {
			t.gasFloor = floor
		}
	}
}

// WithTreasuryClock overrides the clock used for daily buckets.
func WithTreasuryClock(clock func() time.Time) TreasuryOption {
	return func(t *Treasury) { t.now = clock }
}

// WithTreasuryMetrics overrides the metrics registry.
func WithTreasuryMetrics(m *observability.SettlementMetrics) TreasuryOption {
	return func(t *Treasury) { t.metrics = m }
}

// NewTreasury constructs a treasury over the hot wallet client.
func NewTreasury(client chain.Client, policies []Policy, opts ...TreasuryOption) (*Treasury, error) {
	if client == nil {
		return nil, fmt.Errorf("settlement: chain client required")
	}
	t := &Treasury{
		client:   client,
		gasFloor: decimal.RequireFromString("0.01"),
		metrics:  observability.Settlement(),
		now:      time.Now,
		policies: make(map[string]Policy, len(policies)),
		totals:   make(map[string]map[string]decimal.Decimal),
	}
	for _, policy := range policies {
		asset := strings.ToUpper(strings.TrimSpace(policy.Asset))
		if asset == "" {
			return nil, fmt.Errorf("settlement: policy asset required")
		}
		if _, exists := t.policies[asset]; exists {
			return nil, fmt.Errorf("settlement: duplicate policy for asset %s", asset)
		}
		if policy.Confirmations <= 0 {
			policy.Confirmations = defaultConfirmations
		}
		policy.Asset = asset
		t.policies[asset] = policy
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Treasury) policy(asset string) Policy {
	key := strings.ToUpper(strings.TrimSpace(asset))
	if p, ok := t.policies[key]; ok {
		return p
	}
	return Policy{Asset: key, Confirmations: defaultConfirmations}
}

// Confirmations returns the confirmation depth required for the asset.
func (t *Treasury) Confirmations(asset string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(t.policy(asset).Confirmations)
}

// Balance returns the hot wallet balance of asset in whole units.
func (t *Treasury) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	decimals, err := t.client.Decimals(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement: %s decimals: %w", asset, err)
	}
	raw, err := t.client.GetBalance(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("settlement: %s balance: %w", asset, err)
	}
	balance := chain.FromBaseUnits(raw, decimals)
	t.metrics.RecordTreasuryBalance(asset, balance)
	return balance, nil
}

// Check verifies the wallet can fund amount of asset now. Policy failures wrap
// ErrInsufficientTreasury; RPC failures are returned as-is.
func (t *Treasury) Check(ctx context.Context, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("settlement: payout amount must be positive")
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	native := strings.ToUpper(t.client.NativeAsset())

	gas, err := t.Balance(ctx, native)
	if err != nil {
		return err
	}
	if asset == native {
		if gas.LessThan(amount.Add(t.gasFloor)) {
			return fmt.Errorf("%w: %s balance %s below payout %s plus gas floor %s", ErrInsufficientTreasury, native, gas.String(), amount.String(), t.gasFloor.String())
		}
	} else {
		if !gas.GreaterThan(t.gasFloor) {
			return fmt.Errorf("%w: gas balance %s %s at or below floor %s", ErrInsufficientTreasury, gas.String(), native, t.gasFloor.String())
		}
		balance, err := t.Balance(ctx, asset)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return fmt.Errorf("%w: %s balance %s below payout %s", ErrInsufficientTreasury, asset, balance.String(), amount.String())
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	policy := t.policy(asset)
	if policy.DailyCap.IsPositive() {
		remaining := t.remainingLocked(policy, t.now())
		if remaining.LessThan(amount) {
			return fmt.Errorf("%w: %s daily cap remaining %s below payout %s", ErrInsufficientTreasury, asset, remaining.String(), amount.String())
		}
	}
	return nil
}

// Record notes a broadcast payout against the daily cap.
func (t *Treasury) Record(asset string, amount decimal.Decimal, at time.Time) {
	key := strings.ToUpper(strings.TrimSpace(asset))
	t.mu.Lock()
	defer t.mu.Unlock()
	day := dayBucket(at)
	if t.totals[key] == nil {
		t.totals[key] = make(map[string]decimal.Decimal)
	}
	t.totals[key][day] = t.totals[key][day].Add(amount)
	for bucket := range t.totals[key] {
		if bucket < dayBucket(at.Add(-48*time.Hour)) {
			delete(t.totals[key], bucket)
		}
	}
}

// Seed loads today's outflow from persisted wallet operations after a restart.
func (t *Treasury) Seed(ops []orders.WalletOperation) {
	for _, op := range ops {
		if op.Status == orders.WalletOpFailed {
			continue
		}
		t.Record(op.Asset, op.Amount, op.SubmittedAt)
	}
}

func (t *Treasury) remainingLocked(policy Policy, now time.Time) decimal.Decimal {
	spent := t.totals[policy.Asset][dayBucket(now)]
	remaining := policy.DailyCap.Sub(spent)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// AssetStatus is the treasury view of one asset for operators.
type AssetStatus struct {
	Asset        string `json:"asset"`
	Balance      string `json:"balance,omitempty"`
	DailyCap     string `json:"daily_cap,omitempty"`
	RemainingCap string `json:"remaining_cap,omitempty"`
	Low          bool   `json:"low_balance"`
	Warning      string `json:"warning,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Snapshot reports balances and remaining caps for the native asset and every
// asset with a policy.
func (t *Treasury) Snapshot(ctx context.Context) []AssetStatus {
	native := strings.ToUpper(t.client.NativeAsset())
	t.mu.Lock()
	assets := []string{native}
	for asset := range t.policies {
		if asset != native {
			assets = append(assets, asset)
		}
	}
	t.mu.Unlock()
	sort.Strings(assets[1:])

	out := make([]AssetStatus, 0, len(assets))
	for _, asset := range assets {
		status := AssetStatus{Asset: asset}
		t.mu.Lock()
		policy := t.policy(asset)
		if policy.DailyCap.IsPositive() {
			status.DailyCap = policy.DailyCap.String()
			status.RemainingCap = t.remainingLocked(policy, t.now()).String()
		}
		t.mu.Unlock()
		balance, err := t.Balance(ctx, asset)
		if err != nil {
			status.Error = err.Error()
			out = append(out, status)
			continue
		}
		status.Balance = balance.String()
		threshold := policy.LowBalance
		if asset == native && threshold.LessThan(t.gasFloor) {
			threshold = t.gasFloor
		}
		if threshold.IsPositive() && balance.LessThanOrEqual(threshold) {
			status.Low = true
			status.Warning = fmt.Sprintf("%s balance %s at or below %s", asset, balance.String(), threshold.String())
		}
		out = append(out, status)
	}
	return out
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
