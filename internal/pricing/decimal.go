// internal/pricing/decimal.go
package pricing

import (
	"github.com/shopspring/decimal"
)

// TokenAmountToDecimal converts a raw integer amount to its human value.
func TokenAmountToDecimal(amount uint64, decimals uint8) decimal.Decimal {
	multiplier := decimal.New(1, int32(decimals))
	return decimal.NewFromUint64(amount).Div(multiplier)
}

// DecimalToTokenAmount converts a human value back to raw integer units.
// Returns 0 when the value does not land on a whole unit.
func DecimalToTokenAmount(amount decimal.Decimal, decimals uint8) uint64 {
	multiplier := decimal.New(1, int32(decimals))
	result := amount.Mul(multiplier)
	if !result.IsInteger() || result.IsNegative() {
		return 0
	}
	return uint64(result.IntPart())
}

// PriceDecimal widens a float price for persistence. Columns keep at least
// fifteen significant digits, so the float64 mantissa survives the round trip.
func PriceDecimal(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
