package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fxsettle/services/fxswapd/orders"
)

var hundred = decimal.NewFromInt(100)

// FeeSchedule is the platform fee applied to a payout. Zero bounds are unbounded.
type FeeSchedule struct {
	Percent decimal.Decimal
	Min     decimal.Decimal
	Max     decimal.Decimal
}

// ScheduleFor combines the fee percent locked on the order with the active
// configuration's clamp.
func ScheduleFor(order *orders.SwapOrder, cfg orders.SwapConfig) FeeSchedule {
	pct := cfg.PlatformFeePercent
	if order != nil && !order.PlatformFeePercent.IsZero() {
		pct = order.PlatformFeePercent
	}
	return FeeSchedule{Percent: pct, Min: cfg.MinPlatformFee, Max: cfg.MaxPlatformFee}
}

// Fee returns the platform fee on gross.
func (s FeeSchedule) Fee(gross decimal.Decimal) decimal.Decimal {
	fee := gross.Mul(s.Percent).Div(hundred)
	if s.Min.IsPositive() && fee.LessThan(s.Min) {
		fee = s.Min
	}
	if s.Max.IsPositive() && fee.GreaterThan(s.Max) {
		fee = s.Max
	}
	return fee
}

// Payout is the breakdown of a settlement amount in target token units.
type Payout struct {
	Gross       decimal.Decimal
	PlatformFee decimal.Decimal
	NetworkFee  decimal.Decimal
	Net         decimal.Decimal
}

// CalculatePayout computes fiat*rate minus the platform fee and a flat network
// fee deduction, rounded down to the asset's decimals. A non-positive result
// is returned as-is for the caller to reject.
func CalculatePayout(fiatAmount, rate decimal.Decimal, schedule FeeSchedule, networkFee decimal.Decimal, decimals uint8) (Payout, error) {
	if !fiatAmount.IsPositive() {
		return Payout{}, fmt.Errorf("settlement: fiat amount must be positive")
	}
	if !rate.IsPositive() {
		return Payout{}, fmt.Errorf("settlement: rate must be positive")
	}
	if networkFee.IsNegative() {
		networkFee = decimal.Zero
	}
	gross := fiatAmount.Mul(rate)
	fee := schedule.Fee(gross)
	net := gross.Sub(fee).Sub(networkFee).Truncate(int32(decimals))
	return Payout{Gross: gross, PlatformFee: fee, NetworkFee: networkFee, Net: net}, nil
}

// RelativeDiff returns |a-b|/b. It is zero when b is zero.
func RelativeDiff(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(b.Abs())
}
