package datum

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// decimalCtx is the shared arithmetic context for reading values. 34
// digits matches IEEE 754 decimal128, which is more than any metered
// register reports.
var decimalCtx = apd.BaseContext.WithPrecision(34)

// Decimal is an exact numeric reading value. Aggregation arithmetic on
// accumulating meter registers must not lose precision, so values are
// carried as arbitrary-precision decimals rather than floats.
type Decimal struct {
	value apd.Decimal
}

// ParseDecimal parses a decimal from its string form.
func ParseDecimal(s string) (Decimal, error) {
	var d apd.Decimal
	_, _, err := d.SetString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return Decimal{value: d}, nil
}

// MustDecimal parses a decimal and panics on failure. Intended for
// constants and test fixtures.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFromInt64 returns the decimal form of i.
func DecimalFromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

// DecimalFromFloat64 returns the decimal form of f, as rendered by
// strconv with the shortest round-tripping representation.
func DecimalFromFloat64(f float64) (Decimal, error) {
	return ParseDecimal(strconv.FormatFloat(f, 'g', -1, 64))
}

func (d Decimal) String() string {
	return d.value.String()
}

func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

// Cmp returns -1, 0, or 1 comparing d to other.
func (d Decimal) Cmp(other Decimal) int {
	return d.value.Cmp(&other.value)
}

// Float64 returns the nearest float64 to d.
func (d Decimal) Float64() float64 {
	f, _ := d.value.Float64()
	return f
}

func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	decimalCtx.Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Sub(other Decimal) Decimal {
	var result apd.Decimal
	decimalCtx.Sub(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Mul(other Decimal) Decimal {
	var result apd.Decimal
	decimalCtx.Mul(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// MarshalText encodes d in its canonical string form, which also makes
// Decimal round-trip through encoding/json as a quoted string.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.value.String()), nil
}

// UnmarshalText parses the canonical string form.
func (d *Decimal) UnmarshalText(text []byte) error {
	parsed, err := ParseDecimal(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Div returns d / other. Division by zero returns the zero decimal.
// The quotient is reduced to canonical form: Quo pads the result to the
// full context precision, and the trailing zeros would otherwise leak
// into the rendered string.
func (d Decimal) Div(other Decimal) Decimal {
	if other.IsZero() {
		return Decimal{}
	}
	var result apd.Decimal
	decimalCtx.Quo(&result, &d.value, &other.value)
	result.Reduce(&result)
	// Reduce strips trailing zeros by raising the exponent, which
	// String renders in scientific notation. Rescale whole numbers back
	// to exponent zero so 200 stays "200", not "2E+2".
	if result.Exponent > 0 {
		decimalCtx.Quantize(&result, &result, 0)
	}
	return Decimal{value: result}
}
