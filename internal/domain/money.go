package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the finest price increment accepted on an order.
const PriceDecimals = 4

// CheckPrice validates a limit price: positive and at most PriceDecimals
// decimal places.
func CheckPrice(px decimal.Decimal) error {
	if !px.IsPositive() {
		return fmt.Errorf("price must be greater than 0")
	}
	if !px.Equal(px.Truncate(PriceDecimals)) {
		return fmt.Errorf("price must have at most %d decimal places", PriceDecimals)
	}
	return nil
}

// Notional is price times quantity.
func Notional(px decimal.Decimal, qty int64) decimal.Decimal {
	return px.Mul(decimal.NewFromInt(qty))
}
