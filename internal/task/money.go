package task

import (
	"fmt"
	"math"
)

// Money is a fixed-point monetary amount in ten-thousandths of a dollar
// (four fractional digits). Arithmetic on Money is exact, which matters
// for budget accounting where float drift would accumulate across
// thousands of usage deltas.
type Money int64

// MoneyScale is the number of Money units per dollar.
const MoneyScale = 10000

// MoneyFromDollars converts a dollar amount to Money, rounding to the
// nearest ten-thousandth.
func MoneyFromDollars(d float64) Money {
	return Money(math.Round(d * MoneyScale))
}

// Dollars returns the amount as a float64 dollar value.
func (m Money) Dollars() float64 {
	return float64(m) / MoneyScale
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return m + other
}

// Sub returns m - other.
func (m Money) Sub(other Money) Money {
	return m - other
}

// String formats the amount as a dollar string with four fractional digits.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%04d", sign, v/MoneyScale, v%MoneyScale)
}
