package bson

import (
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// strictUTF8Decoder re-validates a string by round-tripping it through an
// explicit UTF-8 transformer. unicode/utf8.ValidString (used on the hot
// decode path in decode.go) already rejects malformed sequences; this
// second pass is run by the encoder on every element name it writes, so
// a malformed name never reaches the stored bytes.
var strictUTF8Decoder = unicode.UTF8.NewDecoder()

// validFieldNameUTF8 reports whether s is strictly valid UTF-8 usable as a
// BSON field name: non-empty, no embedded NUL (guaranteed by the cstring
// encoding already), and round-trippable through a UTF-8 transformer.
func validFieldNameUTF8(s string) bool {
	if s == "" {
		return false
	}
	// The decoder replaces malformed bytes with U+FFFD rather than failing,
	// so validity means the output is byte-identical to the input.
	out, _, err := transform.String(strictUTF8Decoder, s)
	return err == nil && out == s
}
