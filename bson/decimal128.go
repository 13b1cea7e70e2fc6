package bson

import (
	"fmt"
	"math"
	"math/big"
)

// Decimal128 is a 128-bit IEEE 754-2008 decimal floating point value,
// stored in BSON's little-endian BID (binary integer decimal) encoding as
// two 64-bit words.
type Decimal128 struct {
	High uint64
	Low  uint64
}

const (
	d128ExponentBias = 6176
	d128MaxExponent  = 6144
	d128MinExponent  = -6143
)

// NewDecimal128FromInt64 builds a Decimal128 representing an integer value
// with a zero exponent.
func NewDecimal128FromInt64(v int64) Decimal128 {
	sign := uint64(0)
	u := uint64(v)
	if v < 0 {
		sign = 1
		u = uint64(-v)
	}
	return newDecimal128(sign, d128ExponentBias, u)
}

func newDecimal128(sign uint64, biasedExponent uint64, coefficient uint64) Decimal128 {
	// Two-highest-bit combination field encodes a coefficient that fits in
	// 113 bits; for our supported integer-constructed range the
	// coefficient always fits in 64 bits so we use the standard (not the
	// alternate 2-bit-prefixed) layout.
	high := sign<<63 | (biasedExponent&0x3FFF)<<49
	return Decimal128{High: high, Low: coefficient}
}

// IsNaN reports whether d is a NaN.
func (d Decimal128) IsNaN() bool {
	return (d.High>>58)&0x1F == 0x1F && (d.High>>59)&0x3 != 0x3
}

// String renders a best-effort decimal representation. It is exact for
// values constructed via NewDecimal128FromInt64 and otherwise approximates
// through the stored coefficient and exponent for display purposes.
func (d Decimal128) String() string {
	sign := ""
	if d.High>>63 == 1 {
		sign = "-"
	}
	biasedExp := (d.High >> 49) & 0x3FFF
	exp := int64(biasedExp) - d128ExponentBias
	coeff := new(big.Int).SetUint64(d.Low)
	hi113 := new(big.Int).SetUint64(d.High & ((1 << 49) - 1))
	hi113.Lsh(hi113, 64)
	coeff.Or(coeff, hi113)
	return fmt.Sprintf("%s%sE%+d", sign, coeff.String(), exp)
}

// Float64 converts the value to the nearest float64, used (through
// Value.AsFloat64) for approximate comparison against other numeric BSON
// types and by arithmetic update operators (spec.md §4.1).
func (d Decimal128) Float64() float64 {
	sign := 1.0
	if d.High>>63 == 1 {
		sign = -1.0
	}
	biasedExp := (d.High >> 49) & 0x3FFF
	exp := int64(biasedExp) - d128ExponentBias
	coeff := new(big.Int).SetUint64(d.Low)
	hi113 := new(big.Int).SetUint64(d.High & ((1 << 49) - 1))
	hi113.Lsh(hi113, 64)
	coeff.Or(coeff, hi113)
	coeffF := new(big.Float).SetInt(coeff)
	f, _ := coeffF.Float64()
	return sign * f * math.Pow10(int(exp))
}

// compareDecimal128 returns -1, 0, or 1. Two Decimal128 values compare
// exactly via their mathematical value (sign, coefficient, exponent), not
// by raw bit pattern, so differently-scaled representations of the same
// number (e.g. 1.0 vs 1.00) still compare equal.
func compareDecimal128(a, b Decimal128) int {
	ae := int64((a.High >> 49) & 0x3FFF)
	be := int64((b.High >> 49) & 0x3FFF)
	ac := new(big.Int).SetUint64(a.Low)
	ac.Or(ac, new(big.Int).Lsh(new(big.Int).SetUint64(a.High&((1<<49)-1)), 64))
	bc := new(big.Int).SetUint64(b.Low)
	bc.Or(bc, new(big.Int).Lsh(new(big.Int).SetUint64(b.High&((1<<49)-1)), 64))
	if ae > be {
		ac.Mul(ac, new(big.Int).Exp(big.NewInt(10), big.NewInt(ae-be), nil))
	} else if be > ae {
		bc.Mul(bc, new(big.Int).Exp(big.NewInt(10), big.NewInt(be-ae), nil))
	}
	if a.High>>63 == 1 {
		ac.Neg(ac)
	}
	if b.High>>63 == 1 {
		bc.Neg(bc)
	}
	return ac.Cmp(bc)
}
