package collection

import (
	"strings"
	"time"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/monoerr"
)

// applyUpdate applies update to doc in place, per spec.md §4.9. A update
// document whose top-level field names are all non-operator (no leading
// "$") is a full replacement document, matching MongoDB's own rule for
// distinguishing replaceOne-style calls from operator updates; otherwise
// every top-level field must be an update operator, applied in turn.
// Dotted paths create intermediate documents as needed via
// bson.Document.SetPath.
func applyUpdate(doc *bson.Document, update *bson.Document) error {
	if isReplacementDocument(update) {
		replaceDocumentContents(doc, update)
		return nil
	}
	for _, el := range update.Elements() {
		opFields, ok := el.Value.AsDocument()
		if !ok {
			return monoerr.New(monoerr.CodeBadValue, "update operator value must be a document: "+el.Name)
		}
		switch el.Name {
		case "$set", "$setOnInsert":
			for _, f := range opFields.Elements() {
				doc.SetPath(f.Name, f.Value)
			}
		case "$unset":
			for _, f := range opFields.Elements() {
				doc.UnsetPath(f.Name)
			}
		case "$inc":
			if err := applyArith(doc, opFields, arithAdd, 0); err != nil {
				return err
			}
		case "$mul":
			if err := applyArith(doc, opFields, arithMul, 0); err != nil {
				return err
			}
		case "$min":
			if err := applyBound(doc, opFields, func(c int) bool { return c < 0 }); err != nil {
				return err
			}
		case "$max":
			if err := applyBound(doc, opFields, func(c int) bool { return c > 0 }); err != nil {
				return err
			}
		case "$rename":
			for _, f := range opFields.Elements() {
				newName, ok := f.Value.AsString()
				if !ok {
					return monoerr.New(monoerr.CodeBadValue, "$rename target must be a string")
				}
				doc.Rename(f.Name, newName)
			}
		case "$currentDate":
			for _, f := range opFields.Elements() {
				doc.SetPath(f.Name, bson.Date(bson.NewDateTime(currentTime())))
			}
		case "$push":
			if err := applyPush(doc, opFields); err != nil {
				return err
			}
		case "$pop":
			if err := applyPop(doc, opFields); err != nil {
				return err
			}
		case "$pull":
			if err := applyPull(doc, opFields); err != nil {
				return err
			}
		case "$pullAll":
			if err := applyPullAll(doc, opFields); err != nil {
				return err
			}
		case "$addToSet":
			if err := applyAddToSet(doc, opFields); err != nil {
				return err
			}
		default:
			return monoerr.New(monoerr.CodeBadValue, "unknown update operator: "+el.Name)
		}
	}
	return nil
}

// isReplacementDocument reports whether update has no operator-prefixed
// top-level fields, including the empty document (a valid full replace
// with no remaining fields besides _id).
func isReplacementDocument(update *bson.Document) bool {
	for _, el := range update.Elements() {
		if strings.HasPrefix(el.Name, "$") {
			return false
		}
	}
	return true
}

// replaceDocumentContents overwrites doc's fields with replacement's,
// preserving doc's existing _id (callers separately reject attempts to
// change _id).
func replaceDocumentContents(doc *bson.Document, replacement *bson.Document) {
	id, hasID := doc.Get("_id")
	clone := replacement.Clone()
	*doc = *clone
	if hasID && !doc.Has("_id") {
		doc.Set("_id", id)
	}
}

// currentTime is a var so tests can stub it; production code leaves it
// at time.Now.
var currentTime = time.Now

type arithOp func(a, b float64) float64

func arithAdd(a, b float64) float64 { return a + b }
func arithMul(a, b float64) float64 { return a * b }

// applyArith applies op (add or multiply) to each named field, treating
// a missing field as missingBase (0 for both $inc and $mul, per
// MongoDB: $mul against an absent field sets it to 0, not delta).
func applyArith(doc *bson.Document, fields *bson.Document, op arithOp, missingBase float64) error {
	for _, f := range fields.Elements() {
		delta, ok := asFloat(f.Value)
		if !ok {
			return monoerr.New(monoerr.CodeBadValue, "$inc/$mul operand must be numeric")
		}
		cur, hadOriginal := doc.Lookup(f.Name)
		base := missingBase
		if hadOriginal {
			v, ok2 := asFloat(cur)
			if !ok2 {
				return monoerr.New(monoerr.CodeTypeMismatch, "cannot apply arithmetic operator to non-numeric field: "+f.Name)
			}
			base = v
		}
		result := op(base, delta)
		doc.SetPath(f.Name, numericValue(cur, hadOriginal, result))
	}
	return nil
}

func asFloat(v bson.Value) (float64, bool) {
	if f, ok := v.AsDouble(); ok {
		return f, true
	}
	if n, ok := v.AsInt64(); ok {
		return float64(n), true
	}
	if n, ok := v.AsInt32(); ok {
		return float64(n), true
	}
	return 0, false
}

// numericValue re-wraps result preserving the original field's BSON
// numeric subtype (int32 stays int32, etc.) when it was present and
// integral; otherwise falls back to double.
func numericValue(original bson.Value, hadOriginal bool, result float64) bson.Value {
	if hadOriginal {
		switch original.Type() {
		case bson.TypeInt32:
			return bson.Int32(int32(result))
		case bson.TypeInt64:
			return bson.Int64(int64(result))
		}
	}
	return bson.Double(result)
}

func applyBound(doc *bson.Document, fields *bson.Document, keep func(int) bool) error {
	for _, f := range fields.Elements() {
		cur, ok := doc.Lookup(f.Name)
		if !ok {
			doc.SetPath(f.Name, f.Value)
			continue
		}
		if keep(bson.Compare(f.Value, cur)) {
			doc.SetPath(f.Name, f.Value)
		}
	}
	return nil
}

func applyPush(doc *bson.Document, fields *bson.Document) error {
	for _, f := range fields.Elements() {
		arr := arrayAtPath(doc, f.Name)
		if eachDoc, ok := f.Value.AsDocument(); ok {
			if eachVal, ok := eachDoc.Get("$each"); ok {
				eachArr, ok := eachVal.AsArray()
				if !ok {
					return monoerr.New(monoerr.CodeBadValue, "$push $each requires an array")
				}
				arr.Append(eachArr.Values()...)
				doc.SetPath(f.Name, bson.Arr(arr))
				continue
			}
		}
		arr.Append(f.Value)
		doc.SetPath(f.Name, bson.Arr(arr))
	}
	return nil
}

func applyPop(doc *bson.Document, fields *bson.Document) error {
	for _, f := range fields.Elements() {
		cur, ok := doc.Lookup(f.Name)
		if !ok {
			continue
		}
		arr, ok := cur.AsArray()
		if !ok || arr.Len() == 0 {
			continue
		}
		dir, _ := f.Value.AsInt32()
		if dir < 0 {
			arr.RemoveAt(0)
		} else {
			arr.RemoveAt(arr.Len() - 1)
		}
		doc.SetPath(f.Name, bson.Arr(arr))
	}
	return nil
}

func applyPull(doc *bson.Document, fields *bson.Document) error {
	for _, f := range fields.Elements() {
		cur, ok := doc.Lookup(f.Name)
		if !ok {
			continue
		}
		arr, ok := cur.AsArray()
		if !ok {
			continue
		}
		pred := f.Value
		predDoc, isOperatorPred := pred.AsDocument()
		kept := bson.NewArray()
		for _, elem := range arr.Values() {
			remove := false
			if isOperatorPred && isOperatorDocument(predDoc) {
				wrapped := bson.DocFromElements(bson.Element{Name: "v", Value: elem})
				ok2, err := matchField(wrapped, "v", pred)
				if err != nil {
					return err
				}
				remove = ok2
			} else if elemDoc, ok := elem.AsDocument(); ok && isOperatorPred {
				ok2, err := matchFilter(elemDoc, predDoc)
				if err != nil {
					return err
				}
				remove = ok2
			} else {
				remove = bson.Equal(elem, pred)
			}
			if !remove {
				kept.Append(elem)
			}
		}
		doc.SetPath(f.Name, bson.Arr(kept))
	}
	return nil
}

func applyPullAll(doc *bson.Document, fields *bson.Document) error {
	for _, f := range fields.Elements() {
		toRemove, ok := f.Value.AsArray()
		if !ok {
			return monoerr.New(monoerr.CodeBadValue, "$pullAll requires an array")
		}
		cur, ok := doc.Lookup(f.Name)
		if !ok {
			continue
		}
		arr, ok := cur.AsArray()
		if !ok {
			continue
		}
		kept := bson.NewArray()
		for _, elem := range arr.Values() {
			remove := false
			for _, r := range toRemove.Values() {
				if bson.Equal(elem, r) {
					remove = true
					break
				}
			}
			if !remove {
				kept.Append(elem)
			}
		}
		doc.SetPath(f.Name, bson.Arr(kept))
	}
	return nil
}

func applyAddToSet(doc *bson.Document, fields *bson.Document) error {
	for _, f := range fields.Elements() {
		arr := arrayAtPath(doc, f.Name)
		var toAdd []bson.Value
		if eachDoc, ok := f.Value.AsDocument(); ok {
			if eachVal, ok := eachDoc.Get("$each"); ok {
				eachArr, ok := eachVal.AsArray()
				if !ok {
					return monoerr.New(monoerr.CodeBadValue, "$addToSet $each requires an array")
				}
				toAdd = eachArr.Values()
			} else {
				toAdd = []bson.Value{f.Value}
			}
		} else {
			toAdd = []bson.Value{f.Value}
		}
		for _, v := range toAdd {
			found := false
			for _, existing := range arr.Values() {
				if bson.Equal(existing, v) {
					found = true
					break
				}
			}
			if !found {
				arr.Append(v)
			}
		}
		doc.SetPath(f.Name, bson.Arr(arr))
	}
	return nil
}

func arrayAtPath(doc *bson.Document, path string) *bson.Array {
	cur, ok := doc.Lookup(path)
	if !ok {
		return bson.NewArray()
	}
	arr, ok := cur.AsArray()
	if !ok {
		return bson.NewArray()
	}
	return arr.Clone()
}

// synthesizeFromFilter builds a document from a filter's top-level
// equality constraints plus $setOnInsert fields, used by upsert=true
// when no document matched (spec.md §4.9).
func synthesizeFromFilter(filter, update *bson.Document) *bson.Document {
	doc := bson.NewDocument()
	for _, el := range filter.Elements() {
		if strings.HasPrefix(el.Name, "$") {
			continue
		}
		if sub, ok := el.Value.AsDocument(); ok && isOperatorDocument(sub) {
			continue
		}
		doc.SetPath(el.Name, el.Value)
	}
	if setOnInsert, ok := update.Get("$setOnInsert"); ok {
		if fields, ok := setOnInsert.AsDocument(); ok {
			for _, f := range fields.Elements() {
				doc.SetPath(f.Name, f.Value)
			}
		}
	}
	return doc
}
