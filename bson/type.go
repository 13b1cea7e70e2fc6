// Package bson implements a bit-exact BSON codec: typed values, ordered
// documents, and the cross-type comparison order the rest of MonoDB relies
// on for index keys and filter evaluation.
package bson

// Type is the one-byte BSON element type tag.
type Type byte

// Element type tags, matching the BSON specification exactly.
const (
	TypeDouble    Type = 0x01
	TypeString    Type = 0x02
	TypeDocument  Type = 0x03
	TypeArray     Type = 0x04
	TypeBinary    Type = 0x05
	typeUndefined Type = 0x06 // deprecated, decoded but never produced
	TypeObjectID  Type = 0x07
	TypeBoolean   Type = 0x08
	TypeDateTime  Type = 0x09
	TypeNull      Type = 0x0A
	TypeRegex     Type = 0x0B
	typeDBPointer Type = 0x0C // deprecated, decoded but never produced
	TypeJSCode    Type = 0x0D
	TypeSymbol    Type = 0x0E
	typeJSCodeWS  Type = 0x0F // deprecated, decoded but never produced
	TypeInt32     Type = 0x10
	TypeTimestamp Type = 0x11
	TypeInt64     Type = 0x12
	TypeDecimal128 Type = 0x13
	TypeMinKey    Type = 0xFF
	TypeMaxKey    Type = 0x7F
)

// String returns a human-readable name for the type, used in error
// messages and the $type query operator.
func (t Type) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeDocument:
		return "object"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binData"
	case TypeObjectID:
		return "objectId"
	case TypeBoolean:
		return "bool"
	case TypeDateTime:
		return "date"
	case TypeNull:
		return "null"
	case TypeRegex:
		return "regex"
	case TypeJSCode:
		return "javascript"
	case TypeSymbol:
		return "symbol"
	case TypeInt32:
		return "int"
	case TypeTimestamp:
		return "timestamp"
	case TypeInt64:
		return "long"
	case TypeDecimal128:
		return "decimal"
	case TypeMinKey:
		return "minKey"
	case TypeMaxKey:
		return "maxKey"
	default:
		return "unknown"
	}
}

// typeRank returns the cross-type comparison rank described in spec.md §3:
// minKey < null < numerics < string/symbol < document < array < binary <
// objectId < bool < datetime < timestamp < regex < ... < maxKey.
func typeRank(t Type) int {
	switch t {
	case TypeMinKey:
		return 0
	case TypeNull:
		return 1
	case TypeDouble, TypeInt32, TypeInt64, TypeDecimal128:
		return 2
	case TypeString, TypeSymbol:
		return 3
	case TypeDocument:
		return 4
	case TypeArray:
		return 5
	case TypeBinary:
		return 6
	case TypeObjectID:
		return 7
	case TypeBoolean:
		return 8
	case TypeDateTime:
		return 9
	case TypeTimestamp:
		return 10
	case TypeRegex:
		return 11
	case TypeJSCode:
		return 12
	case typeDBPointer:
		return 13
	case typeJSCodeWS:
		return 14
	case typeUndefined:
		return 1 // undefined sorts with null
	case TypeMaxKey:
		return 100
	default:
		return 99
	}
}

// BinarySubtype is the one-byte subtype tag carried by Binary values.
type BinarySubtype byte

const (
	SubtypeGeneric     BinarySubtype = 0x00
	SubtypeFunction    BinarySubtype = 0x01
	SubtypeBinaryOld   BinarySubtype = 0x02
	SubtypeUUIDOld     BinarySubtype = 0x03
	SubtypeUUID        BinarySubtype = 0x04
	SubtypeMD5         BinarySubtype = 0x05
	SubtypeEncrypted   BinarySubtype = 0x06
	SubtypeUserDefined BinarySubtype = 0x80
)
