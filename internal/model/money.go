package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const centsExp = -2

// ToCents converts an amount to minor units. Amounts finer than a cent are rejected.
func ToCents(d decimal.Decimal) (int64, error) {
	if d.Exponent() < centsExp && !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("amount %s has more than two decimal places", d.String())
	}
	return d.Shift(2).IntPart(), nil
}

func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, centsExp)
}

func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}
