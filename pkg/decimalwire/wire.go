// Package decimalwire encodes arbitrary-precision decimals as exact,
// exponent-free base-10 strings for storage and API payloads.
package decimalwire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ToWire renders d as the shortest exact base-10 string: no exponent,
// sign preserved, trailing fractional zeros stripped. Zero is always "0".
// A nil input maps to nil.
func ToWire(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	if d.IsZero() {
		s := "0"
		return &s
	}
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return &s
}

// FromWire parses a stored or inbound value into a decimal, always via its
// string form. Empty string and nil both map to nil. Unparsable input maps
// to nil with a logged warning so one bad legacy value does not make a whole
// record unreadable.
func FromWire(v any) *decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return &x
	case *decimal.Decimal:
		return x
	case decimal.NullDecimal:
		if !x.Valid {
			return nil
		}
		return &x.Decimal
	case string:
		return parse(x)
	case json.Number:
		return parse(x.String())
	case int:
		d := decimal.NewFromInt(int64(x))
		return &d
	case int64:
		d := decimal.NewFromInt(x)
		return &d
	case float64:
		// Legacy callers hand us JSON-decoded numbers. Shortest round-trip
		// formatting keeps the value they saw, without widening float noise.
		return parse(strconv.FormatFloat(x, 'f', -1, 64))
	default:
		zap.L().Warn("decimalwire: unsupported value type",
			zap.String("type", fmt.Sprintf("%T", v)))
		return nil
	}
}

// ToNull adapts a parsed decimal to the nullable column representation.
func ToNull(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// FromNull is the inverse of ToNull.
func FromNull(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	out := d.Decimal
	return &out
}

// NullToWire renders a nullable column value for the wire.
func NullToWire(d decimal.NullDecimal) *string {
	return ToWire(FromNull(d))
}

func parse(s string) *decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		zap.L().Warn("decimalwire: unparsable decimal", zap.String("value", s))
		return nil
	}
	return &d
}
