package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrAmountOverflow is returned when an amount does not fit a uint256 token value.
var ErrAmountOverflow = errors.New("chain: amount exceeds uint256")

// ToBaseUnits converts a token amount into base units, rounding down.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("chain: negative amount %s", amount.String())
	}
	value := amount.Shift(int32(decimals)).Truncate(0).BigInt()
	if _, overflow := uint256.FromBig(value); overflow {
		return nil, fmt.Errorf("%w: %s", ErrAmountOverflow, amount.String())
	}
	return value, nil
}

// FromBaseUnits converts base units back into a token amount.
func FromBaseUnits(value *big.Int, decimals uint8) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -int32(decimals))
}

// ValidateEVMAddress checks an EVM address, enforcing the EIP-55 checksum on
// mixed-case input.
func ValidateEVMAddress(address string) error {
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return fmt.Errorf("invalid EVM address %q", address)
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return fmt.Errorf("EVM address %q must be 0x-prefixed", address)
	}
	parsed := common.HexToAddress(trimmed)
	if (parsed == common.Address{}) {
		return fmt.Errorf("EVM address %q is the zero address", address)
	}
	body := trimmed[2:]
	if strings.ToLower(body) != body && strings.ToUpper(body) != body && parsed.Hex() != "0x"+body {
		return fmt.Errorf("EVM address %q has an invalid checksum", address)
	}
	return nil
}
