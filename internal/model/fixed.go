// Package model defines the venue-agnostic event and price-level shapes
// shared by ingress, the book store, and the egress wire format.
package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the fixed decimal precision (number of fractional digits) carried
// internally for every price and quantity. Inputs with more precision than
// this are rejected rather than rounded, per spec §4.3 and §9.
const Scale = 8

// ErrPrecisionLoss is returned by ParseAmount when the wire decimal string
// carries more fractional digits than Scale can represent exactly.
var ErrPrecisionLoss = errors.New("amount exceeds fixed-point precision")

// Amount is an unsigned fixed-point scalar used for prices and quantities.
// It wraps shopspring/decimal rather than float64 so comparisons, equality,
// and arithmetic along the hot ingress path never drift (spec §9).
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// ParseAmount parses a venue wire decimal string into an Amount. Parsing is
// exact: any string whose fractional part exceeds Scale digits, or that is
// negative, is a ParseError-worthy rejection (ErrPrecisionLoss / decimal
// parse error), never a silent round.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("parse amount %q: negative", s)
	}
	if -d.Exponent() > Scale {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, ErrPrecisionLoss)
	}
	return Amount{d: d}, nil
}

// MustAmount parses s and panics on error; for known-good constants (tests,
// and literals such as the divisors in book display stats).
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// Cmp compares a to b: -1 if a<b, 0 if equal, 1 if a>b.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Mul returns a*b.
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }

// Div returns a/b; b must be non-zero.
func (a Amount) Div(b Amount) Amount { return Amount{d: a.d.Div(b.d)} }

// Float64 returns a lossy float64 view, used only for egress-adjacent
// derived metrics (basis points, percentages) that are display-only.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// String renders the amount as a decimal string with up to Scale fractional
// digits and no trailing zeros beyond what's needed, no scientific notation,
// matching the wire contract in spec §6.
func (a Amount) String() string {
	return a.d.Truncate(Scale).String()
}

// MarshalJSON serializes the amount as a JSON string (decimal, not a JSON
// number) so downstream clients never round-trip it through float64.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a bare JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
