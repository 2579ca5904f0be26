// Package types provides the value types shared across the balance ledger.
package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxScale is the number of fractional digits an Amount may carry.
const MaxScale = 2

// maxAmount bounds any single value so it fits NUMERIC(20,2) columns.
var maxAmount = decimal.New(1, maxIntDigits)

// maxIntDigits is the number of integer digits below maxAmount.
const maxIntDigits = 15

// Amount is an exact base-10 monetary value. The zero value is 0.00.
//
// Amount never goes through binary floating point. Conversion from float64
// is available only at the outermost boundary via AmountFromFloat.
//
//nolint:recvcheck // Value receivers for arithmetic, pointer receivers for decoding.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero Amount.
var Zero = Amount{}

// ParseOpts controls which values ParseAmount accepts.
type ParseOpts struct {
	AllowZero     bool
	AllowNegative bool
}

// ParseError describes why an external value is not an acceptable Amount.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("types: invalid amount %q: %s", e.Input, e.Reason)
}

// ParseAmount parses external input into an Amount. Non-numeric,
// non-finite, over-precise or out-of-range input is rejected, as are
// zero and negative values unless opts allow them.
func ParseAmount(input string, opts ParseOpts) (Amount, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Zero, &ParseError{Input: input, Reason: "is required"}
	}
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "nan", "inf", "infinity":
		return Zero, &ParseError{Input: input, Reason: "must be finite"}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, &ParseError{Input: input, Reason: "must be a decimal number"}
	}
	return check(input, d, opts)
}

// AmountFromFloat converts a float received at a transport boundary
// (e.g. a JSON number) into an Amount and applies the same checks as
// ParseAmount.
func AmountFromFloat(f float64, opts ParseOpts) (Amount, error) {
	input := fmt.Sprint(f)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero, &ParseError{Input: input, Reason: "must be finite"}
	}
	return check(input, decimal.NewFromFloat(f), opts)
}

func check(input string, d decimal.Decimal, opts ParseOpts) (Amount, error) {
	// Bound the exponent before anything rescales the coefficient.
	if d.Coefficient().Sign() == 0 {
		d = decimal.Zero
	} else {
		digits := strings.TrimLeft(d.Coefficient().String(), "-")
		significant := strings.TrimRight(digits, "0")
		exp := int64(d.Exponent()) + int64(len(digits)-len(significant))
		if exp < -MaxScale {
			return Zero, &ParseError{Input: input, Reason: fmt.Sprintf("must have at most %d decimal places", MaxScale)}
		}
		if int64(len(significant))+exp > maxIntDigits {
			return Zero, &ParseError{Input: input, Reason: "exceeds the maximum amount"}
		}
	}
	if !d.Equal(d.Truncate(MaxScale)) {
		return Zero, &ParseError{Input: input, Reason: fmt.Sprintf("must have at most %d decimal places", MaxScale)}
	}
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return Zero, &ParseError{Input: input, Reason: "exceeds the maximum amount"}
	}
	if d.IsZero() && !opts.AllowZero {
		return Zero, &ParseError{Input: input, Reason: "must be greater than zero"}
	}
	if d.IsNegative() && !opts.AllowNegative {
		return Zero, &ParseError{Input: input, Reason: "must not be negative"}
	}
	return Amount{d: d}, nil
}

// MustParse parses s allowing zero and negative values and panics on
// error. Use for constants and test fixtures.
func MustParse(s string) Amount {
	a, err := ParseAmount(s, ParseOpts{AllowZero: true, AllowNegative: true})
	if err != nil {
		panic(err)
	}
	return a
}

// FromMinor builds an Amount from minor units (cents): FromMinor(105) is 1.05.
func FromMinor(cents int64) Amount {
	return Amount{d: decimal.New(cents, -MaxScale)}
}

// FromDecimal wraps an existing decimal value without validation.
func FromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

// Sum adds amounts together.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// ──────────────────────────────────────────────────
// Arithmetic
// ──────────────────────────────────────────────────

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }
func (a Amount) Abs() Amount         { return Amount{d: a.d.Abs()} }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Equal compares values, so 1.5 equals 1.50.
func (a Amount) Equal(b Amount) bool      { return a.d.Equal(b.d) }
func (a Amount) LessThan(b Amount) bool   { return a.d.LessThan(b.d) }
func (a Amount) IsZero() bool             { return a.d.IsZero() }
func (a Amount) IsNegative() bool         { return a.d.IsNegative() }
func (a Amount) IsPositive() bool         { return a.d.IsPositive() }
func (a Amount) Decimal() decimal.Decimal { return a.d }

// String renders the amount with exactly MaxScale decimals, e.g. "1020.00".
func (a Amount) String() string { return a.d.StringFixed(MaxScale) }

// Float64 is for display only; never feed the result back into the ledger.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// ──────────────────────────────────────────────────
// Encoding
// ──────────────────────────────────────────────────

// MarshalJSON encodes the amount as a JSON string to keep it exact.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "12.34" and 12.34.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*a = Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return &ParseError{Input: s, Reason: "must be a decimal number"}
	}
	a.d = d
	return nil
}

// Value implements driver.Valuer. Amounts are stored as exact decimal text.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC and TEXT columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case string:
		return a.scanString(v)
	case []byte:
		return a.scanString(string(v))
	case int64:
		a.d = decimal.NewFromInt(v)
		return nil
	case float64:
		a.d = decimal.NewFromFloat(v)
		return nil
	default:
		return fmt.Errorf("types: cannot scan %T into Amount", src)
	}
}

func (a *Amount) scanString(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("types: scan amount %q: %w", s, err)
	}
	a.d = d
	return nil
}
