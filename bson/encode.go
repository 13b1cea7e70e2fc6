package bson

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// MaxDocumentSize is the maximum serialized document size MonoDB accepts
// (spec.md §6 resource limits).
const MaxDocumentSize = 16 * 1024 * 1024

// MaxNestingDepth is the maximum document/array nesting depth.
const MaxNestingDepth = 100

// MaxFieldNameLength is the maximum encoded length of a field name.
const MaxFieldNameLength = 1024

// Encode serializes a Document to its bit-exact BSON byte representation.
func Encode(d *Document) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf, err := appendDocument(buf, d, 0)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxDocumentSize {
		return nil, &Error{Code: ErrDocumentTooLarge, Message: "document exceeds 16MiB"}
	}
	return buf, nil
}

func appendDocument(buf []byte, d *Document, depth int) ([]byte, error) {
	if depth > MaxNestingDepth {
		return nil, &Error{Code: ErrNestingTooDeep, Message: "document nested beyond 100 levels"}
	}
	lenPos := len(buf)
	buf = append(buf, 0, 0, 0, 0) // placeholder for total length
	for _, e := range d.Elements() {
		var err error
		buf, err = appendElement(buf, e.Name, e.Value, depth)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, 0x00)
	binary.LittleEndian.PutUint32(buf[lenPos:], uint32(len(buf)-lenPos))
	return buf, nil
}

func appendArray(buf []byte, a *Array, depth int) ([]byte, error) {
	if depth > MaxNestingDepth {
		return nil, &Error{Code: ErrNestingTooDeep, Message: "array nested beyond 100 levels"}
	}
	lenPos := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	for i, v := range a.Values() {
		var err error
		buf, err = appendElement(buf, itoa(i), v, depth)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, 0x00)
	binary.LittleEndian.PutUint32(buf[lenPos:], uint32(len(buf)-lenPos))
	return buf, nil
}

func appendElement(buf []byte, name string, v Value, depth int) ([]byte, error) {
	if len(name) > MaxFieldNameLength {
		return nil, &Error{Code: ErrInvalidFieldName, Message: "field name exceeds 1024 bytes"}
	}
	if !validFieldNameUTF8(name) {
		return nil, &Error{Code: ErrInvalidUTF8, Message: "field name is not valid UTF-8"}
	}
	buf = append(buf, byte(v.t))
	buf = appendCString(buf, name)
	return appendValue(buf, v, depth)
}

func appendValue(buf []byte, v Value, depth int) ([]byte, error) {
	switch v.t {
	case TypeDouble:
		f, _ := v.AsDouble()
		buf = appendUint64(buf, math.Float64bits(f))
	case TypeString, TypeSymbol, TypeJSCode:
		s, _ := v.AsString()
		if !utf8.ValidString(s) {
			return nil, &Error{Code: ErrInvalidUTF8, Message: "string value is not valid UTF-8"}
		}
		buf = appendBSONString(buf, s)
	case TypeDocument:
		d, _ := v.AsDocument()
		return appendDocument(buf, d, depth+1)
	case TypeArray:
		a, _ := v.AsArray()
		return appendArray(buf, a, depth+1)
	case TypeBinary:
		b, _ := v.AsBinary()
		buf = appendUint32(buf, uint32(len(b.Data)))
		buf = append(buf, byte(b.Subtype))
		buf = append(buf, b.Data...)
	case TypeObjectID:
		id, _ := v.AsObjectID()
		buf = append(buf, id[:]...)
	case TypeBoolean:
		b, _ := v.AsBool()
		if b {
			buf = append(buf, 0x01)
		} else {
			buf = append(buf, 0x00)
		}
	case TypeDateTime:
		d, _ := v.AsDateTime()
		buf = appendUint64(buf, uint64(int64(d)))
	case TypeNull, TypeMinKey, TypeMaxKey:
		// no payload
	case TypeRegex:
		r, _ := v.AsRegex()
		buf = appendCString(buf, r.Pattern)
		buf = appendCString(buf, r.Options)
	case TypeInt32:
		i, _ := v.AsInt32()
		buf = appendUint32(buf, uint32(i))
	case TypeTimestamp:
		ts, _ := v.AsTimestamp()
		buf = appendUint32(buf, ts.Ordinal)
		buf = appendUint32(buf, ts.Seconds)
	case TypeInt64:
		i, _ := v.AsInt64()
		buf = appendUint64(buf, uint64(i))
	case TypeDecimal128:
		d, _ := v.AsDecimal128()
		buf = appendUint64(buf, d.Low)
		buf = appendUint64(buf, d.High)
	default:
		return nil, &Error{Code: ErrInvalidType, Message: "unsupported value type for encoding"}
	}
	return buf, nil
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0x00)
}

func appendBSONString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)+1))
	buf = append(buf, s...)
	return append(buf, 0x00)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// itoa renders a non-negative int as a decimal string without importing
// strconv in the hot encode path for array indices.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
