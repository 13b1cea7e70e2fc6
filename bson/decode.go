package bson

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// Decode parses a single BSON document from data. It rejects truncated
// input, invalid type tags, missing terminators, and non-UTF-8 names or
// string values, matching spec.md §4.1's decode contract.
func Decode(data []byte) (*Document, error) {
	d, n, err := decodeDocument(data, 0)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, &Error{Code: ErrTruncated, Message: "trailing bytes after document"}
	}
	return d, nil
}

func decodeDocument(data []byte, depth int) (*Document, int, error) {
	if depth > MaxNestingDepth {
		return nil, 0, &Error{Code: ErrNestingTooDeep, Message: "document nested beyond 100 levels"}
	}
	if len(data) < 5 {
		return nil, 0, &Error{Code: ErrTruncated, Message: "document shorter than minimum 5 bytes"}
	}
	total := int(int32(binary.LittleEndian.Uint32(data)))
	if total < 5 || total > len(data) {
		return nil, 0, &Error{Code: ErrTruncated, Message: "document length exceeds available bytes"}
	}
	if data[total-1] != 0x00 {
		return nil, 0, &Error{Code: ErrMissingTerminator, Message: "document missing trailing 0x00"}
	}
	doc := NewDocument()
	pos := 4
	for pos < total-1 {
		tag := Type(data[pos])
		pos++
		name, nn, err := decodeCString(data[pos:total-1], true)
		if err != nil {
			return nil, 0, err
		}
		pos += nn
		v, vn, err := decodeValue(tag, data[pos:total-1], depth)
		if err != nil {
			return nil, 0, err
		}
		pos += vn
		doc.Append(name, v)
	}
	if pos != total-1 {
		return nil, 0, &Error{Code: ErrTruncated, Message: "element overran document bounds"}
	}
	return doc, total, nil
}

func decodeArray(data []byte, depth int) (*Array, int, error) {
	if depth > MaxNestingDepth {
		return nil, 0, &Error{Code: ErrNestingTooDeep, Message: "array nested beyond 100 levels"}
	}
	if len(data) < 5 {
		return nil, 0, &Error{Code: ErrTruncated, Message: "array shorter than minimum 5 bytes"}
	}
	total := int(int32(binary.LittleEndian.Uint32(data)))
	if total < 5 || total > len(data) {
		return nil, 0, &Error{Code: ErrTruncated, Message: "array length exceeds available bytes"}
	}
	if data[total-1] != 0x00 {
		return nil, 0, &Error{Code: ErrMissingTerminator, Message: "array missing trailing 0x00"}
	}
	arr := NewArray()
	pos := 4
	for pos < total-1 {
		tag := Type(data[pos])
		pos++
		_, nn, err := decodeCString(data[pos:total-1], false)
		if err != nil {
			return nil, 0, err
		}
		pos += nn
		v, vn, err := decodeValue(tag, data[pos:total-1], depth)
		if err != nil {
			return nil, 0, err
		}
		pos += vn
		arr.Append(v)
	}
	if pos != total-1 {
		return nil, 0, &Error{Code: ErrTruncated, Message: "element overran array bounds"}
	}
	return arr, total, nil
}

// decodeCString reads a NUL-terminated string. When validateUTF8 is set
// (field names), invalid UTF-8 is rejected per spec.md §4.1.
func decodeCString(data []byte, validateUTF8 bool) (string, int, error) {
	for i, b := range data {
		if b == 0x00 {
			s := string(data[:i])
			if validateUTF8 && !utf8.ValidString(s) {
				return "", 0, &Error{Code: ErrInvalidUTF8, Message: "field name is not valid UTF-8"}
			}
			return s, i + 1, nil
		}
	}
	return "", 0, &Error{Code: ErrMissingTerminator, Message: "cstring missing NUL terminator"}
}

func decodeValue(tag Type, data []byte, depth int) (Value, int, error) {
	switch tag {
	case TypeDouble:
		if len(data) < 8 {
			return Value{}, 0, errShort("double")
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(data))), 8, nil
	case TypeString, TypeSymbol, TypeJSCode:
		s, n, err := decodeBSONString(data)
		if err != nil {
			return Value{}, 0, err
		}
		if tag == TypeSymbol {
			return Symbol(s), n, nil
		}
		return String(s), n, nil
	case TypeDocument:
		d, n, err := decodeDocument(data, depth+1)
		if err != nil {
			return Value{}, 0, err
		}
		return Doc(d), n, nil
	case TypeArray:
		a, n, err := decodeArray(data, depth+1)
		if err != nil {
			return Value{}, 0, err
		}
		return Arr(a), n, nil
	case TypeBinary:
		if len(data) < 5 {
			return Value{}, 0, errShort("binary")
		}
		length := int(int32(binary.LittleEndian.Uint32(data)))
		if length < 0 || 5+length > len(data) {
			return Value{}, 0, errShort("binary")
		}
		subtype := BinarySubtype(data[4])
		payload := make([]byte, length)
		copy(payload, data[5:5+length])
		return Bin(Binary{Subtype: subtype, Data: payload}), 5 + length, nil
	case TypeObjectID:
		if len(data) < 12 {
			return Value{}, 0, errShort("objectId")
		}
		var id ObjectID
		copy(id[:], data[:12])
		return OID(id), 12, nil
	case TypeBoolean:
		if len(data) < 1 {
			return Value{}, 0, errShort("bool")
		}
		if data[0] > 1 {
			return Value{}, 0, &Error{Code: ErrInvalidType, Message: "boolean byte not 0x00/0x01"}
		}
		return Bool(data[0] == 1), 1, nil
	case TypeDateTime:
		if len(data) < 8 {
			return Value{}, 0, errShort("datetime")
		}
		return Date(DateTime(int64(binary.LittleEndian.Uint64(data)))), 8, nil
	case TypeNull, typeUndefined, TypeMinKey, TypeMaxKey:
		v := Value{}
		switch tag {
		case TypeNull, typeUndefined:
			v = Null()
		case TypeMinKey:
			v = MinKey()
		case TypeMaxKey:
			v = MaxKey()
		}
		return v, 0, nil
	case TypeRegex:
		pat, n1, err := decodeCString(data, false)
		if err != nil {
			return Value{}, 0, err
		}
		opts, n2, err := decodeCString(data[n1:], false)
		if err != nil {
			return Value{}, 0, err
		}
		return Rx(Regex{Pattern: pat, Options: opts}), n1 + n2, nil
	case typeDBPointer:
		s, n, err := decodeBSONString(data)
		if err != nil {
			return Value{}, 0, err
		}
		if len(data[n:]) < 12 {
			return Value{}, 0, errShort("dbpointer")
		}
		_ = s
		return Null(), n + 12, nil
	case typeJSCodeWS:
		if len(data) < 4 {
			return Value{}, 0, errShort("codeWithScope")
		}
		total := int(int32(binary.LittleEndian.Uint32(data)))
		if total < 4 || total > len(data) {
			return Value{}, 0, errShort("codeWithScope")
		}
		return Null(), total, nil
	case TypeInt32:
		if len(data) < 4 {
			return Value{}, 0, errShort("int32")
		}
		return Int32(int32(binary.LittleEndian.Uint32(data))), 4, nil
	case TypeTimestamp:
		if len(data) < 8 {
			return Value{}, 0, errShort("timestamp")
		}
		ord := binary.LittleEndian.Uint32(data)
		secs := binary.LittleEndian.Uint32(data[4:])
		return TS(Timestamp{Seconds: secs, Ordinal: ord}), 8, nil
	case TypeInt64:
		if len(data) < 8 {
			return Value{}, 0, errShort("int64")
		}
		return Int64(int64(binary.LittleEndian.Uint64(data))), 8, nil
	case TypeDecimal128:
		if len(data) < 16 {
			return Value{}, 0, errShort("decimal128")
		}
		low := binary.LittleEndian.Uint64(data)
		high := binary.LittleEndian.Uint64(data[8:])
		return Dec128(Decimal128{High: high, Low: low}), 16, nil
	default:
		return Value{}, 0, &Error{Code: ErrInvalidType, Message: "invalid BSON type tag"}
	}
}

func decodeBSONString(data []byte) (string, int, error) {
	if len(data) < 4 {
		return "", 0, errShort("string")
	}
	length := int(int32(binary.LittleEndian.Uint32(data)))
	if length < 1 || 4+length > len(data) {
		return "", 0, errShort("string")
	}
	if data[4+length-1] != 0x00 {
		return "", 0, &Error{Code: ErrMissingTerminator, Message: "string missing trailing NUL"}
	}
	s := string(data[4 : 4+length-1])
	if !utf8.ValidString(s) {
		return "", 0, &Error{Code: ErrInvalidUTF8, Message: "string value is not valid UTF-8"}
	}
	return s, 4 + length, nil
}

func errShort(what string) error {
	return &Error{Code: ErrTruncated, Message: "truncated " + what + " value"}
}
