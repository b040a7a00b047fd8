// internal/math/fixedpoint.go
package math

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by every Decimal.
// Results of Mul and Div are truncated toward zero at this precision.
const Precision = 18

// maxCoefficient bounds |coefficient| at exponent -Precision (192-bit signed range).
var maxCoefficient = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 191), big.NewInt(1))

var maxDecimal = decimal.NewFromBigInt(maxCoefficient, -Precision)

// RoundingMode selects how a value is rounded to a coarser precision
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // Toward zero
	RoundUp                           // Away from zero
)

// ArithmeticError is raised (via panic) by checked Decimal operations.
// The engine recovers it at the call boundary and rolls the call back.
type ArithmeticError struct {
	Op     string
	Reason string
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("decimal %s: %s", e.Op, e.Reason)
}

// Decimal is a deterministic fixed-point number with 18 fractional digits.
// The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

var (
	Zero = Decimal{}
	One  = New(1)
)

// New returns the integer v as a Decimal
func New(v int64) Decimal {
	return Decimal{d: decimal.NewFromInt(v)}
}

// NewFromFraction returns num/den truncated at Precision.
func NewFromFraction(num, den int64) Decimal {
	return New(num).Div(New(den))
}

// NewFromString parses a decimal literal; extra precision is truncated.
func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return checked("parse", d.Truncate(Precision)), nil
}

// MustParse is NewFromString that panics on malformed input. Intended for constants and tests.
func MustParse(s string) Decimal {
	v, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func checked(op string, d decimal.Decimal) Decimal {
	if d.Abs().Cmp(maxDecimal) > 0 {
		panic(&ArithmeticError{Op: op, Reason: "overflow"})
	}
	return Decimal{d: d}
}

func (a Decimal) Add(b Decimal) Decimal { return checked("add", a.d.Add(b.d)) }
func (a Decimal) Sub(b Decimal) Decimal { return checked("sub", a.d.Sub(b.d)) }

func (a Decimal) Mul(b Decimal) Decimal {
	return checked("mul", a.d.Mul(b.d).Truncate(Precision))
}

// Div truncates toward zero at Precision. Division by zero panics.
func (a Decimal) Div(b Decimal) Decimal {
	if b.d.IsZero() {
		panic(&ArithmeticError{Op: "div", Reason: "division by zero"})
	}
	q, _ := a.d.QuoRem(b.d, Precision)
	return checked("div", q)
}

func (a Decimal) Neg() Decimal { return Decimal{d: a.d.Neg()} }
func (a Decimal) Abs() Decimal { return Decimal{d: a.d.Abs()} }

func (a Decimal) Cmp(b Decimal) int { return a.d.Cmp(b.d) }
func (a Decimal) Equal(b Decimal) bool { return a.d.Equal(b.d) }
func (a Decimal) GreaterThan(b Decimal) bool { return a.d.GreaterThan(b.d) }
func (a Decimal) GreaterThanOrEqual(b Decimal) bool {
	return a.d.GreaterThanOrEqual(b.d)
}
func (a Decimal) LessThan(b Decimal) bool { return a.d.LessThan(b.d) }
func (a Decimal) LessThanOrEqual(b Decimal) bool { return a.d.LessThanOrEqual(b.d) }

func (a Decimal) Sign() int { return a.d.Sign() }
func (a Decimal) IsZero() bool { return a.d.IsZero() }
func (a Decimal) IsPositive() bool { return a.d.IsPositive() }
func (a Decimal) IsNegative() bool { return a.d.IsNegative() }

// Round rounds to the given number of fractional digits.
func (a Decimal) Round(places int32, mode RoundingMode) Decimal {
	switch mode {
	case RoundDown:
		return Decimal{d: a.d.RoundDown(places)}
	case RoundUp:
		return Decimal{d: a.d.RoundUp(places)}
	default:
		return Decimal{d: a.d.RoundBank(places)}
	}
}

// Min returns the smaller of a and b
func Min(a, b Decimal) Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b
func Max(a, b Decimal) Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi Decimal) Decimal {
	return Min(Max(v, lo), hi)
}

func (a Decimal) String() string { return a.d.String() }

// Float64 is lossy; for metrics and logs only.
func (a Decimal) Float64() float64 { return a.d.InexactFloat64() }

func (a Decimal) MarshalJSON() ([]byte, error) { return a.d.MarshalJSON() }

func (a *Decimal) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	a.d = d.Truncate(Precision)
	return nil
}

func (a Decimal) MarshalText() ([]byte, error) { return []byte(a.d.String()), nil }

func (a *Decimal) UnmarshalText(text []byte) error {
	v, err := NewFromString(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value implements driver.Valuer; stored as NUMERIC text.
func (a Decimal) Value() (driver.Value, error) { return a.d.String(), nil }

// Scan implements sql.Scanner.
func (a *Decimal) Scan(src interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return err
	}
	a.d = d.Truncate(Precision)
	return nil
}
