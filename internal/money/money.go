// Package money provides the fixed-point decimal conventions used across
// the grid engine: prices and cash are always shopspring/decimal values at
// in-memory boundaries, and scaled integers at the storage boundary.
//
// Scale per spec.md §9: quantity 8 fractional digits, price 4, cash 2.
package money

import "github.com/shopspring/decimal"

const (
	QuantityExp int32 = -8
	PriceExp    int32 = -4
	CashExp     int32 = -2
)

// PriceMicros converts a price to its scaled-integer storage representation
// (micros, 1e-6) — one extra digit of headroom beyond PriceExp so that
// derived prices (e.g. spacing divisions) don't lose precision on round-trip.
func PriceMicros(d decimal.Decimal) int64 {
	return d.Shift(6).Round(0).IntPart()
}

func PriceFromMicros(v int64) decimal.Decimal {
	return decimal.New(v, -6)
}

// QuantityUnits converts a quantity to its scaled-integer storage
// representation (units, 1e-8).
func QuantityUnits(d decimal.Decimal) int64 {
	return d.Shift(8).Round(0).IntPart()
}

func QuantityFromUnits(v int64) decimal.Decimal {
	return decimal.New(v, -8)
}

// CashCents converts a cash amount to its scaled-integer storage
// representation (cents, 1e-2).
func CashCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func CashFromCents(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// RoundPrice rounds a price to the canonical 4-decimal storage precision.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}

// RoundQuantity rounds a quantity to the canonical 8-decimal storage precision.
func RoundQuantity(d decimal.Decimal) decimal.Decimal {
	return d.Round(8)
}

// RoundCash rounds a cash amount to the canonical 2-decimal storage precision.
func RoundCash(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
