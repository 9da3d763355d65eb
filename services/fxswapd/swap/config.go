package swap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"fxsettle/services/fxswapd/orders"
)

// ConfigStore persists swap configurations.
type ConfigStore interface {
	ActiveConfig(ctx context.Context) (*orders.SwapConfig, error)
	ActivateConfig(ctx context.Context, cfg *orders.SwapConfig) error
}

// DefaultConfig is activated when the store holds no configuration yet.
func DefaultConfig() orders.SwapConfig {
	return orders.SwapConfig{
		MinAmount:          decimal.NewFromInt(5),
		MaxAmount:          decimal.NewFromInt(10000),
		DailyUserLimit:     decimal.NewFromInt(5000),
		PlatformFeePercent: decimal.RequireFromString("0.5"),
		MinPlatformFee:     decimal.NewFromInt(1),
		MaxPlatformFee:     decimal.NewFromInt(50),
	}
}

// ValidateConfig rejects inconsistent limits.
func ValidateConfig(cfg orders.SwapConfig) error {
	switch {
	case cfg.MinAmount.IsNegative():
		return invalid("min_amount", "must be non-negative")
	case !cfg.MaxAmount.IsPositive():
		return invalid("max_amount", "must be positive")
	case cfg.MinAmount.GreaterThan(cfg.MaxAmount):
		return invalid("min_amount", "exceeds max_amount")
	case cfg.DailyUserLimit.IsNegative():
		return invalid("daily_user_limit", "must be non-negative")
	case cfg.PlatformFeePercent.IsNegative() || cfg.PlatformFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return invalid("platform_fee_percent", "must be in [0, 100)")
	case cfg.MinPlatformFee.IsNegative() || cfg.MaxPlatformFee.IsNegative():
		return invalid("platform_fee", "bounds must be non-negative")
	case cfg.MaxPlatformFee.IsPositive() && cfg.MinPlatformFee.GreaterThan(cfg.MaxPlatformFee):
		return invalid("min_platform_fee", "exceeds max_platform_fee")
	}
	return nil
}

// ConfigHolder serves the active swap configuration from memory.
type ConfigHolder struct {
	store    ConfigStore
	defaults orders.SwapConfig
	current  atomic.Pointer[orders.SwapConfig]
}

// NewConfigHolder returns a holder serving defaults until Reload succeeds.
func NewConfigHolder(store ConfigStore, defaults orders.SwapConfig) (*ConfigHolder, error) {
	if store == nil {
		return nil, fmt.Errorf("swap: config store required")
	}
	if err := ValidateConfig(defaults); err != nil {
		return nil, err
	}
	h := &ConfigHolder{store: store, defaults: defaults}
	cfg := defaults
	h.current.Store(&cfg)
	return h, nil
}

// Current returns a copy of the active configuration.
func (h *ConfigHolder) Current() orders.SwapConfig {
	return *h.current.Load()
}

// Reload reads the active configuration from the store, activating the
// defaults when none exists.
func (h *ConfigHolder) Reload(ctx context.Context) error {
	cfg, err := h.store.ActiveConfig(ctx)
	if errors.Is(err, orders.ErrNotFound) {
		log.Printf("fxswapd: no active swap config, activating defaults")
		return h.Activate(ctx, h.defaults)
	}
	if err != nil {
		return err
	}
	if err := ValidateConfig(*cfg); err != nil {
		return fmt.Errorf("swap: stored config %d: %w", cfg.ID, err)
	}
	h.current.Store(cfg)
	return nil
}

// Activate validates, persists and then serves cfg.
func (h *ConfigHolder) Activate(ctx context.Context, cfg orders.SwapConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	if err := h.store.ActivateConfig(ctx, &cfg); err != nil {
		return err
	}
	h.current.Store(&cfg)
	return nil
}
