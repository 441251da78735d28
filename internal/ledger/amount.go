package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human amount to integer base units, truncating any
// precision beyond decimals. It never rounds up.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative: %s", amount)
	}
	return amount.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

// FromBaseUnits converts integer base units back to a human amount
func FromBaseUnits(units *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(units, -int32(decimals))
}

// MulCount multiplies a per-recipient base-unit amount by a recipient count
func MulCount(perRecipient *big.Int, count int64) *big.Int {
	return new(big.Int).Mul(perRecipient, big.NewInt(count))
}
