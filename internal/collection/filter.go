// Package collection implements the collection engine (spec.md §4.9):
// filter evaluation, update operators, and CRUD serialized through a
// per-collection write queue.
//
// The operator dispatch in this file follows
// `_examples/SimonWaldherr-tinySQL/internal/engine/exec.go`'s style —
// `evalComparisonBinary`/`getBuiltinFunctions` map each operator name to
// a small dedicated function rather than one large nested conditional.
package collection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/monoerr"
)

// MatchFilter reports whether doc satisfies filter. Exported for the
// aggregation package's $match stage, so pipeline filtering reuses this
// same operator dispatch instead of a second implementation.
func MatchFilter(doc *bson.Document, filter *bson.Document) (bool, error) {
	return matchFilter(doc, filter)
}

// matchFilter reports whether doc satisfies filter, per spec.md §4.9:
// top-level $and/$or/$nor/$not compose logically; any other top-level
// field addresses a (possibly dotted) document path matched against a
// literal value or an operator sub-document. Multiple top-level fields
// are implicitly ANDed.
func matchFilter(doc *bson.Document, filter *bson.Document) (bool, error) {
	for _, el := range filter.Elements() {
		ok, err := matchTopLevel(doc, el.Name, el.Value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchTopLevel(doc *bson.Document, name string, val bson.Value) (bool, error) {
	switch name {
	case "$and":
		return matchLogical(doc, val, allMatch)
	case "$or":
		return matchLogical(doc, val, anyMatch)
	case "$nor":
		ok, err := matchLogical(doc, val, anyMatch)
		return !ok, err
	case "$not":
		sub, ok := val.AsDocument()
		if !ok {
			return false, monoerr.New(monoerr.CodeBadValue, "$not requires a document")
		}
		ok, err := matchFilter(doc, sub)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return matchField(doc, name, val)
	}
}

type combinator func([]bool) bool

func allMatch(rs []bool) bool {
	for _, r := range rs {
		if !r {
			return false
		}
	}
	return true
}

func anyMatch(rs []bool) bool {
	for _, r := range rs {
		if r {
			return true
		}
	}
	return false
}

func matchLogical(doc *bson.Document, val bson.Value, combine combinator) (bool, error) {
	arr, ok := val.AsArray()
	if !ok {
		return false, monoerr.New(monoerr.CodeBadValue, "$and/$or/$nor require an array of filters")
	}
	results := make([]bool, 0, arr.Len())
	for _, v := range arr.Values() {
		sub, ok := v.AsDocument()
		if !ok {
			return false, monoerr.New(monoerr.CodeBadValue, "$and/$or/$nor array elements must be documents")
		}
		ok2, err := matchFilter(doc, sub)
		if err != nil {
			return false, err
		}
		results = append(results, ok2)
	}
	return combine(results), nil
}

// matchField resolves name against doc (expanding through arrays per
// MongoDB's implicit traversal) and matches the candidates against
// expected, which is either an operator sub-document or a literal value.
func matchField(doc *bson.Document, name string, expected bson.Value) (bool, error) {
	candidates := bson.LookupAll(bson.Doc(doc), name)
	direct, directOK := doc.Lookup(name)

	if opDoc, ok := expected.AsDocument(); ok && isOperatorDocument(opDoc) {
		for _, el := range opDoc.Elements() {
			if el.Name == "$options" {
				continue // companion to $regex, consumed there
			}
			ok, err := evalOperator(el.Name, el.Value, opDoc, candidates, direct, directOK)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	return anyEquals(candidates, expected) || (directOK && bson.Equal(direct, expected)), nil
}

func isOperatorDocument(d *bson.Document) bool {
	if d.Len() == 0 {
		return false
	}
	for _, el := range d.Elements() {
		if !strings.HasPrefix(el.Name, "$") {
			return false
		}
	}
	return true
}

func anyEquals(candidates []bson.Value, expected bson.Value) bool {
	for _, c := range candidates {
		if bson.Equal(c, expected) {
			return true
		}
	}
	return false
}

func evalOperator(op string, arg bson.Value, opDoc *bson.Document, candidates []bson.Value, direct bson.Value, directOK bool) (bool, error) {
	switch op {
	case "$eq":
		return anyEquals(candidates, arg), nil
	case "$ne":
		return !anyEquals(candidates, arg), nil
	case "$gt":
		return anyCompare(candidates, arg, func(c int) bool { return c > 0 }), nil
	case "$gte":
		return anyCompare(candidates, arg, func(c int) bool { return c >= 0 }), nil
	case "$lt":
		return anyCompare(candidates, arg, func(c int) bool { return c < 0 }), nil
	case "$lte":
		return anyCompare(candidates, arg, func(c int) bool { return c <= 0 }), nil
	case "$in":
		return anyInArray(candidates, arg), nil
	case "$nin":
		return !anyInArray(candidates, arg), nil
	case "$exists":
		want, _ := arg.AsBool()
		return directOK == want, nil
	case "$type":
		return evalTypeOperator(arg, direct, directOK)
	case "$size":
		return evalSizeOperator(arg, direct)
	case "$all":
		return evalAllOperator(arg, direct)
	case "$elemMatch":
		return evalElemMatch(arg, direct)
	case "$regex":
		return evalRegexOperator(arg, opDoc, candidates)
	case "$mod":
		return evalModOperator(arg, candidates)
	default:
		return false, monoerr.New(monoerr.CodeBadValue, "unknown operator: "+op)
	}
}

func anyCompare(candidates []bson.Value, arg bson.Value, pred func(int) bool) bool {
	for _, c := range candidates {
		if c.Type() == bson.TypeDocument || c.Type() == bson.TypeArray {
			if arg.Type() != c.Type() {
				continue
			}
		}
		if pred(bson.Compare(c, arg)) {
			return true
		}
	}
	return false
}

func anyInArray(candidates []bson.Value, arg bson.Value) bool {
	arr, ok := arg.AsArray()
	if !ok {
		return false
	}
	for _, want := range arr.Values() {
		if anyEquals(candidates, want) {
			return true
		}
	}
	return false
}

func evalTypeOperator(arg bson.Value, direct bson.Value, directOK bool) (bool, error) {
	if !directOK {
		return false, nil
	}
	if name, ok := arg.AsString(); ok {
		return direct.Type().String() == name, nil
	}
	if n, ok := arg.AsInt32(); ok {
		return byte(direct.Type()) == byte(n), nil
	}
	return false, monoerr.New(monoerr.CodeBadValue, "$type requires a string or number")
}

func evalSizeOperator(arg bson.Value, direct bson.Value) (bool, error) {
	want, ok := arg.AsInt32()
	if !ok {
		if w64, ok64 := arg.AsInt64(); ok64 {
			want = int32(w64)
		} else {
			return false, monoerr.New(monoerr.CodeBadValue, "$size requires a number")
		}
	}
	arr, ok := direct.AsArray()
	if !ok {
		return false, nil
	}
	return arr.Len() == int(want), nil
}

func evalAllOperator(arg bson.Value, direct bson.Value) (bool, error) {
	wantArr, ok := arg.AsArray()
	if !ok {
		return false, monoerr.New(monoerr.CodeBadValue, "$all requires an array")
	}
	haveArr, ok := direct.AsArray()
	if !ok {
		return false, nil
	}
	for _, want := range wantArr.Values() {
		found := false
		for _, have := range haveArr.Values() {
			if bson.Equal(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

func evalElemMatch(arg bson.Value, direct bson.Value) (bool, error) {
	sub, ok := arg.AsDocument()
	if !ok {
		return false, monoerr.New(monoerr.CodeBadValue, "$elemMatch requires a document")
	}
	arr, ok := direct.AsArray()
	if !ok {
		return false, nil
	}
	for _, elem := range arr.Values() {
		if elemDoc, ok := elem.AsDocument(); ok {
			ok2, err := matchFilter(elemDoc, sub)
			if err != nil {
				return false, err
			}
			if ok2 {
				return true, nil
			}
			continue
		}
		// Scalar element: treat sub as an operator document applied
		// directly to the element value.
		wrapped := bson.DocFromElements(bson.Element{Name: "v", Value: elem})
		ok2, err := matchField(wrapped, "v", bson.Doc(sub))
		if err != nil {
			return false, err
		}
		if ok2 {
			return true, nil
		}
	}
	return false, nil
}

func evalRegexOperator(arg bson.Value, opDoc *bson.Document, candidates []bson.Value) (bool, error) {
	var pattern, options string
	if rx, ok := arg.AsRegex(); ok {
		pattern, options = rx.Pattern, rx.Options
	} else if s, ok := arg.AsString(); ok {
		pattern = s
	} else {
		return false, monoerr.New(monoerr.CodeBadValue, "$regex requires a string or regex")
	}
	if optVal, ok := opDoc.Get("$options"); ok {
		if s, ok := optVal.AsString(); ok {
			options = s
		}
	}
	re, err := compileECMARegex(pattern, options)
	if err != nil {
		return false, monoerr.Wrap(monoerr.CodeBadValue, "invalid $regex pattern", err)
	}
	for _, c := range candidates {
		if s, ok := c.AsString(); ok && re.MatchString(s) {
			return true, nil
		}
	}
	return false, nil
}

// compileECMARegex translates MongoDB's ECMAScript-style option letters
// into Go RE2 inline flags understood by regexp.Compile.
func compileECMARegex(pattern, options string) (*regexp.Regexp, error) {
	var flags string
	for _, o := range options {
		switch o {
		case 'i':
			flags += "i"
		case 'm':
			flags += "m"
		case 's':
			flags += "s"
		case 'x':
			// Extended whitespace mode; RE2 has no direct flag, strip
			// unescaped whitespace and '#'-comments before compiling.
			pattern = stripExtendedWhitespace(pattern)
		}
	}
	if flags != "" {
		pattern = fmt.Sprintf("(?%s)%s", flags, pattern)
	}
	return regexp.Compile(pattern)
}

func stripExtendedWhitespace(pattern string) string {
	var b strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			b.WriteByte(c)
			b.WriteByte(pattern[i+1])
			i++
		case c == '[':
			inClass = true
			b.WriteByte(c)
		case c == ']':
			inClass = false
			b.WriteByte(c)
		case !inClass && (c == ' ' || c == '\t' || c == '\n'):
			// dropped
		case !inClass && c == '#':
			for i < len(pattern) && pattern[i] != '\n' {
				i++
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func evalModOperator(arg bson.Value, candidates []bson.Value) (bool, error) {
	arr, ok := arg.AsArray()
	if !ok || arr.Len() != 2 {
		return false, monoerr.New(monoerr.CodeBadValue, "$mod requires a [divisor, remainder] array")
	}
	divisor, ok1 := asInt64Value(arr.Index(0))
	remainder, ok2 := asInt64Value(arr.Index(1))
	if !ok1 || !ok2 || divisor == 0 {
		return false, monoerr.New(monoerr.CodeBadValue, "$mod requires nonzero numeric divisor")
	}
	for _, c := range candidates {
		if n, ok := asInt64Value(c); ok && n%divisor == remainder {
			return true, nil
		}
	}
	return false, nil
}

func asInt64Value(v bson.Value) (int64, bool) {
	if n, ok := v.AsInt64(); ok {
		return n, true
	}
	if n, ok := v.AsInt32(); ok {
		return int64(n), true
	}
	if f, ok := v.AsDouble(); ok {
		return int64(f), true
	}
	return 0, false
}
