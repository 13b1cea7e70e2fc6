package bson

import "math"

// Compare returns -1, 0, or 1 implying the total order described in
// spec.md §3/§4.1: type rank first, then per-type rules, with numeric
// types unified across int32/int64/double/decimal128.
func Compare(a, b Value) int {
	if a.IsNumeric() && b.IsNumeric() {
		return compareNumeric(a, b)
	}
	ra, rb := typeRank(a.t), typeRank(b.t)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a.t {
	case TypeMinKey, TypeMaxKey, TypeNull:
		return 0
	case TypeString, TypeSymbol:
		as, _ := a.AsString()
		bs, _ := b.AsString()
		return compareStrings(as, bs)
	case TypeDocument:
		ad, _ := a.AsDocument()
		bd, _ := b.AsDocument()
		return compareDocuments(ad, bd)
	case TypeArray:
		aa, _ := a.AsArray()
		ba, _ := b.AsArray()
		return compareArrays(aa, ba)
	case TypeBinary:
		ab, _ := a.AsBinary()
		bb, _ := b.AsBinary()
		return compareBinary(ab, bb)
	case TypeObjectID:
		ao, _ := a.AsObjectID()
		bo, _ := b.AsObjectID()
		return compareBytes(ao[:], bo[:])
	case TypeBoolean:
		ab, _ := a.AsBool()
		bb, _ := b.AsBool()
		return compareBool(ab, bb)
	case TypeDateTime:
		ad, _ := a.AsDateTime()
		bd, _ := b.AsDateTime()
		return compareInt64(int64(ad), int64(bd))
	case TypeTimestamp:
		at, _ := a.AsTimestamp()
		bt, _ := b.AsTimestamp()
		if at.Seconds != bt.Seconds {
			return compareInt64(int64(at.Seconds), int64(bt.Seconds))
		}
		return compareInt64(int64(at.Ordinal), int64(bt.Ordinal))
	case TypeRegex:
		ar, _ := a.AsRegex()
		br, _ := b.AsRegex()
		if c := compareStrings(ar.Pattern, br.Pattern); c != 0 {
			return c
		}
		return compareStrings(ar.Options, br.Options)
	default:
		return 0
	}
}

func compareStrings(a, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBinary(a, b Binary) int {
	if a.Subtype != b.Subtype {
		if a.Subtype < b.Subtype {
			return -1
		}
		return 1
	}
	return compareBytes(a.Data, b.Data)
}

func compareDocuments(a, b *Document) int {
	ae, be := a.Elements(), b.Elements()
	n := len(ae)
	if len(be) < n {
		n = len(be)
	}
	for i := 0; i < n; i++ {
		if c := compareStrings(ae[i].Name, be[i].Name); c != 0 {
			return c
		}
		if c := Compare(ae[i].Value, be[i].Value); c != 0 {
			return c
		}
	}
	switch {
	case len(ae) < len(be):
		return -1
	case len(ae) > len(be):
		return 1
	default:
		return 0
	}
}

func compareArrays(a, b *Array) int {
	av, bv := a.Values(), b.Values()
	n := len(av)
	if len(bv) < n {
		n = len(bv)
	}
	for i := 0; i < n; i++ {
		if c := Compare(av[i], bv[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(av) < len(bv):
		return -1
	case len(av) > len(bv):
		return 1
	default:
		return 0
	}
}

// compareNumeric implements the unified numeric comparison of spec.md
// §4.1: int32/int64/double compare as mathematical values; decimal128
// compares exactly against decimal128 and approximately (via float64)
// against everything else. For integers whose magnitude exceeds 2^53
// compared against a double, comparison is done on the double's integer
// part with the fractional part breaking ties, avoiding precision loss
// from converting the integer to float64 first.
func compareNumeric(a, b Value) int {
	if a.t == TypeDecimal128 && b.t == TypeDecimal128 {
		ad, _ := a.AsDecimal128()
		bd, _ := b.AsDecimal128()
		return compareDecimal128(ad, bd)
	}
	if a.t == TypeDecimal128 || b.t == TypeDecimal128 {
		af, _ := a.AsFloat64()
		bf, _ := b.AsFloat64()
		return compareFloat64(af, bf)
	}

	aIsInt := a.t == TypeInt32 || a.t == TypeInt64
	bIsInt := b.t == TypeInt32 || b.t == TypeInt64

	if aIsInt && bIsInt {
		ai := asInt64(a)
		bi := asInt64(b)
		return compareInt64(ai, bi)
	}

	// One side is a double; compare using the exact-for-large-ints rule.
	var iv int64
	var dv float64
	var intIsA bool
	if aIsInt {
		iv = asInt64(a)
		dv, _ = b.AsFloat64()
		intIsA = true
	} else {
		iv = asInt64(b)
		dv, _ = a.AsFloat64()
		intIsA = false
	}

	const maxExact = 1 << 53
	var c int
	if iv > -maxExact && iv < maxExact {
		fv := float64(iv)
		c = compareFloat64(fv, dv)
	} else {
		// Beyond exact double precision: compare integer parts, then let
		// the double's fractional part break ties.
		intPart := int64(dv)
		if iv != intPart {
			c = compareInt64(iv, intPart)
		} else {
			frac := dv - float64(intPart)
			switch {
			case frac > 0:
				c = -1
			case frac < 0:
				c = 1
			default:
				c = 0
			}
		}
	}
	if !intIsA {
		c = -c
	}
	return c
}

func compareFloat64(a, b float64) int {
	if math.IsNaN(a) || math.IsNaN(b) {
		// NaN sorts before every other number, and equal to itself, the
		// convention MongoDB's ordering relies on for index keys.
		aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
		switch {
		case aNaN && bNaN:
			return 0
		case aNaN:
			return -1
		default:
			return 1
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asInt64(v Value) int64 {
	switch v.t {
	case TypeInt32:
		i, _ := v.AsInt32()
		return int64(i)
	case TypeInt64:
		i, _ := v.AsInt64()
		return i
	default:
		return 0
	}
}

// Equal reports whether a and b compare equal under Compare, the
// definition used throughout for "equality" in filters and $addToSet/$ne.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}
