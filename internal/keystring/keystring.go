// Package keystring implements MonoDB's order-preserving composite key
// encoding (spec.md §4.5): a byte string such that comparing two encoded
// keys with bytes.Compare agrees with bson.Compare on the original values,
// field by field, with descending fields byte-inverted. Index B+Trees
// store these buffers as their keys so range scans are a plain forward or
// backward walk of the leaf chain rather than a per-comparison BSON
// decode.
//
// There is no teacher analogue for this format — gdbx's B+Tree keys are
// opaque caller-supplied byte strings — so this package is written in the
// teacher's low-level, heavily-commented byte-layout style (explicit type
// tags, one constant block per concern) rather than adapted from an
// existing file.
package keystring

import (
	"bytes"
	"math"

	"github.com/monodb/monodb/bson"
)

// Per-field type tag byte, ordered to match bson's cross-type comparison
// rank (spec.md §3): minKey < null < numeric < string/symbol < document <
// array < binary < objectId < bool < datetime < timestamp < regex <
// maxKey.
const (
	tagMinKey    byte = 0x10
	tagNull      byte = 0x20
	tagNumber    byte = 0x30
	tagString    byte = 0x40
	tagDocument  byte = 0x50
	tagArray     byte = 0x60
	tagBinary    byte = 0x70
	tagObjectID  byte = 0x80
	tagFalse     byte = 0x90
	tagTrue      byte = 0x91
	tagDateTime  byte = 0xA0
	tagTimestamp byte = 0xB0
	tagRegex     byte = 0xC0
	tagMaxKey    byte = 0xF0
)

// stringTerminator ends an escape-encoded string field. 0x00 bytes within
// the string are escaped as 0x00 0xFF so the real terminator (0x00 0x00)
// is unambiguous.
var stringTerminator = []byte{0x00, 0x00}

// Encode appends the order-preserving encoding of v to dst, inverting
// every byte if desc is true, and returns the extended slice. Use one
// call per indexed field, in index-key order.
func Encode(dst []byte, v bson.Value, desc bool) []byte {
	start := len(dst)
	dst = appendValue(dst, v)
	if desc {
		invert(dst[start:])
	}
	return dst
}

func appendValue(dst []byte, v bson.Value) []byte {
	switch v.Type() {
	case bson.TypeMinKey:
		return append(dst, tagMinKey)
	case bson.TypeMaxKey:
		return append(dst, tagMaxKey)
	case bson.TypeNull:
		return append(dst, tagNull)
	case bson.TypeDouble, bson.TypeInt32, bson.TypeInt64, bson.TypeDecimal128:
		f, _ := v.AsFloat64()
		return appendNumber(dst, f)
	case bson.TypeString, bson.TypeSymbol:
		s, _ := v.AsString()
		return appendString(dst, s)
	case bson.TypeDocument:
		d, _ := v.AsDocument()
		dst = append(dst, tagDocument)
		for _, e := range d.Elements() {
			dst = appendString(dst, e.Name)
			dst = appendValue(dst, e.Value)
		}
		return append(dst, stringTerminator...)
	case bson.TypeArray:
		a, _ := v.AsArray()
		dst = append(dst, tagArray)
		for _, item := range a.Values() {
			dst = appendValue(dst, item)
		}
		return append(dst, stringTerminator...)
	case bson.TypeBinary:
		b, _ := v.AsBinary()
		dst = append(dst, tagBinary, byte(b.Subtype))
		dst = appendUvarint(dst, uint64(len(b.Data)))
		return append(dst, b.Data...)
	case bson.TypeObjectID:
		oid, _ := v.AsObjectID()
		dst = append(dst, tagObjectID)
		return append(dst, oid[:]...)
	case bson.TypeBoolean:
		b, _ := v.AsBool()
		if b {
			return append(dst, tagTrue)
		}
		return append(dst, tagFalse)
	case bson.TypeDateTime:
		dt, _ := v.AsDateTime()
		dst = append(dst, tagDateTime)
		return appendInt64Sortable(dst, int64(dt))
	case bson.TypeTimestamp:
		ts, _ := v.AsTimestamp()
		dst = append(dst, tagTimestamp)
		dst = appendUint32BE(dst, ts.Seconds)
		return appendUint32BE(dst, ts.Ordinal)
	case bson.TypeRegex:
		rx, _ := v.AsRegex()
		dst = append(dst, tagRegex)
		dst = appendString(dst, rx.Pattern)
		return appendString(dst, rx.Options)
	default:
		// Unsupported types (javascript, deprecated legacy types) cannot
		// appear in an index key; treat as null rank so they still sort
		// deterministically rather than panicking.
		return append(dst, tagNull)
	}
}

// appendString escape-encodes s so the reserved 0x00 0x00 terminator
// cannot appear inside the payload: a literal 0x00 byte is emitted as
// 0x00 0xFF.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, tagString)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, stringTerminator...)
}

// appendNumber encodes f as a sortable 8-byte big-endian buffer: IEEE 754
// bit pattern with the sign bit flipped for non-negative numbers and every
// bit flipped for negative numbers, so unsigned big-endian byte comparison
// matches float comparison. NaN is mapped to the smallest possible
// encoding, matching bson.Compare's rule that NaN sorts below every other
// number.
//
// int32/int64 values are converted through float64 before encoding. This
// loses precision for integers outside +/-2^53 (about 9 * 10^15), a
// documented limitation shared with any index key scheme that must unify
// multiple numeric BSON types into one sortable representation without a
// bignum-width key.
func appendNumber(dst []byte, f float64) []byte {
	dst = append(dst, tagNumber)
	if math.IsNaN(f) {
		return append(dst, 0, 0, 0, 0, 0, 0, 0, 0)
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(bits)
		bits >>= 8
	}
	return append(dst, buf[:]...)
}

// appendInt64Sortable encodes a signed 64-bit integer (milliseconds since
// epoch, for DateTime) as a sortable 8-byte big-endian buffer by flipping
// the sign bit.
func appendInt64Sortable(dst []byte, v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(u)
		u >>= 8
	}
	return append(dst, buf[:]...)
}

func appendUint32BE(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// appendUvarint appends v as a base-128 varint, most-significant-group
// first, so shorter (smaller) lengths sort before longer ones when the
// high bit ordering happens to collide — acceptable here since length is
// only used to delimit binary data, not to order it; binary values compare
// byte-for-byte after the length and subtype per bson.Compare.
func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	// Reverse so the encoding is most-significant-group first.
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, tmp[i])
	}
	return dst
}

func invert(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// Compare compares two encoded key buffers lexicographically. This is
// exactly bytes.Compare, exposed here so callers don't need to import
// "bytes" just to compare keystrings.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
