// Package money implements fixed-point arithmetic for the settlement token.
//
// Amounts are integer counts of base units (10^-6 of the display unit).
// Decimal strings exist only at the parse/format boundary; no arithmetic is
// ever performed on floating-point or decimal representations.
package money

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by the settlement token.
const Decimals = 6

// Amount is an integer number of token base units. The zero value is zero tokens.
type Amount int64

var (
	// ErrInvalidAmount indicates a malformed or out-of-range decimal input.
	ErrInvalidAmount = eris.New("money: invalid amount")

	// ErrUnderflow indicates a subtraction that would produce a negative amount.
	ErrUnderflow = eris.New("money: underflow")
)

// Parse converts a non-negative decimal string with at most Decimals
// fractional digits into base units.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, eris.Wrapf(ErrInvalidAmount, "parse %q", s)
	}
	if d.IsNegative() {
		return 0, eris.Wrapf(ErrInvalidAmount, "negative amount %q", s)
	}
	shifted := d.Shift(Decimals)
	if !shifted.IsInteger() {
		return 0, eris.Wrapf(ErrInvalidAmount, "more than %d fractional digits in %q", Decimals, s)
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, eris.Wrapf(ErrInvalidAmount, "amount out of range %q", s)
	}
	return Amount(bi.Int64()), nil
}

// MustParse is Parse for trusted inputs (config tables, tests). Panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBaseUnits wraps a raw base-unit count.
func FromBaseUnits(n int64) Amount {
	return Amount(n)
}

// BaseUnits returns the raw base-unit count.
func (a Amount) BaseUnits() int64 {
	return int64(a)
}

// String renders the amount as a decimal string with trailing zeros trimmed.
// Parse(a.String()) always round-trips to a.
func (a Amount) String() string {
	return decimal.New(int64(a), -Decimals).String()
}

// Float64 returns the display-unit value as a float. Display only; never an
// intermediate for further arithmetic.
func (a Amount) Float64() float64 {
	f, _ := decimal.New(int64(a), -Decimals).Float64()
	return f
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a == 0
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return a + b
}

// Sub returns a - b, or ErrUnderflow if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, eris.Wrapf(ErrUnderflow, "%s - %s", a, b)
	}
	return a - b, nil
}

// SubFloor returns a - b clamped at zero. Used where the ledger recomputes a
// derived balance that must never go negative.
func (a Amount) SubFloor(b Amount) Amount {
	if b > a {
		return 0
	}
	return a - b
}

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool {
	return a < b
}

// Sum totals a list of amounts.
func Sum(amounts []Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}

// Average returns the integer-division mean of the amounts in base units.
// The remainder is truncated, not rounded; leaderboard output depends on
// this exact behavior.
func Average(amounts []Amount) Amount {
	if len(amounts) == 0 {
		return 0
	}
	return Sum(amounts) / Amount(len(amounts))
}
