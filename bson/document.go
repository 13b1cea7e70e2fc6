package bson

import "strings"

// Document is an ordered sequence of (name, value) pairs. Equality and
// iteration are order-sensitive, matching MongoDB's BSON document
// semantics (spec.md §3).
type Document struct {
	elems []Element
	index map[string]int // name -> position in elems, for O(1) Get
}

// NewDocument builds an empty Document.
func NewDocument() *Document {
	return &Document{index: make(map[string]int)}
}

// DocFromElements builds a Document from the given elements, in order.
// Later duplicate names overwrite earlier ones, matching Set semantics.
func DocFromElements(elems ...Element) *Document {
	d := NewDocument()
	for _, e := range elems {
		d.Set(e.Name, e.Value)
	}
	return d
}

// Len returns the number of elements.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.elems)
}

// Elements returns the ordered element slice. Callers must not mutate it.
func (d *Document) Elements() []Element {
	if d == nil {
		return nil
	}
	return d.elems
}

// Get returns the value for name and whether it was present.
func (d *Document) Get(name string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	i, ok := d.index[name]
	if !ok {
		return Value{}, false
	}
	return d.elems[i].Value, true
}

// Has reports whether name is present.
func (d *Document) Has(name string) bool {
	_, ok := d.Get(name)
	return ok
}

// Set inserts name=value, appending at the end if name is new or updating
// in place (preserving position) if it already exists — matching how a
// MongoDB update operator mutates a document without reordering fields.
func (d *Document) Set(name string, v Value) {
	if i, ok := d.index[name]; ok {
		d.elems[i].Value = v
		return
	}
	d.index[name] = len(d.elems)
	d.elems = append(d.elems, Element{Name: name, Value: v})
}

// Append adds name=value unconditionally at the end, even if name already
// exists earlier (producing a document with a duplicate key). Used by the
// decoder, which must preserve whatever the wire bytes actually said, and
// by Clone and other builders that copy elements in order.
func (d *Document) Append(name string, v Value) {
	d.index[name] = len(d.elems)
	d.elems = append(d.elems, Element{Name: name, Value: v})
}

// Delete removes name, shifting later elements down to keep order.
func (d *Document) Delete(name string) bool {
	i, ok := d.index[name]
	if !ok {
		return false
	}
	d.elems = append(d.elems[:i], d.elems[i+1:]...)
	delete(d.index, name)
	for k, v := range d.index {
		if v > i {
			d.index[k] = v - 1
		}
	}
	return true
}

// Rename renames oldName to newName in place, preserving position.
// Returns false if oldName is absent or newName already exists.
func (d *Document) Rename(oldName, newName string) bool {
	i, ok := d.index[oldName]
	if !ok || d.Has(newName) {
		return false
	}
	d.elems[i].Name = newName
	delete(d.index, oldName)
	d.index[newName] = i
	return true
}

// Keys returns the field names in document order.
func (d *Document) Keys() []string {
	out := make([]string, len(d.Elements()))
	for i, e := range d.Elements() {
		out[i] = e.Name
	}
	return out
}

// Clone returns a deep-enough copy of d suitable for undo-log snapshots:
// nested documents/arrays are recursively cloned, scalars are shared.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := NewDocument()
	for _, e := range d.elems {
		out.Append(e.Name, e.Value.clone())
	}
	return out
}

// Equal reports deep, order-sensitive equality.
func (d *Document) Equal(other *Document) bool {
	return compareDocuments(d, other) == 0
}

// Lookup resolves a dotted path ("a.b.c") against the document, descending
// through nested documents and, for numeric path segments, arrays.
func (d *Document) Lookup(path string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	segs := strings.Split(path, ".")
	var cur Value = Doc(d)
	for _, seg := range segs {
		switch cur.t {
		case TypeDocument:
			doc, _ := cur.AsDocument()
			v, ok := doc.Get(seg)
			if !ok {
				return Value{}, false
			}
			cur = v
		case TypeArray:
			arr, _ := cur.AsArray()
			idx, err := parseArrayIndex(seg)
			if err != nil || idx < 0 || idx >= arr.Len() {
				return Value{}, false
			}
			cur = arr.Index(idx)
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// LookupAll resolves a dotted path that may traverse arrays without an
// explicit numeric index, matching MongoDB's implicit array traversal: at
// each array encountered, every element is searched for the remaining
// path. It returns every matching leaf value found.
func LookupAll(root Value, path string) []Value {
	segs := strings.Split(path, ".")
	return lookupAllSegs(root, segs)
}

func lookupAllSegs(cur Value, segs []string) []Value {
	if len(segs) == 0 {
		return []Value{cur}
	}
	seg := segs[0]
	rest := segs[1:]
	switch cur.t {
	case TypeDocument:
		doc, _ := cur.AsDocument()
		v, ok := doc.Get(seg)
		if !ok {
			return nil
		}
		return lookupAllSegs(v, rest)
	case TypeArray:
		arr, _ := cur.AsArray()
		if idx, err := parseArrayIndex(seg); err == nil && idx >= 0 && idx < arr.Len() {
			return lookupAllSegs(arr.Index(idx), rest)
		}
		var out []Value
		for _, el := range arr.Values() {
			out = append(out, lookupAllSegs(el, segs)...)
		}
		return out
	default:
		return nil
	}
}

// SetPath writes value at the dotted path, creating intermediate documents
// as needed (spec.md §4.9, update operators).
func (d *Document) SetPath(path string, value Value) {
	segs := strings.Split(path, ".")
	setPathSegs(d, segs, value)
}

func setPathSegs(d *Document, segs []string, value Value) {
	if len(segs) == 1 {
		d.Set(segs[0], value)
		return
	}
	seg := segs[0]
	child, ok := d.Get(seg)
	var childDoc *Document
	if ok {
		childDoc, ok = child.AsDocument()
	}
	if !ok {
		childDoc = NewDocument()
		d.Set(seg, Doc(childDoc))
	}
	setPathSegs(childDoc, segs[1:], value)
}

// UnsetPath removes the field at the dotted path. Returns false if any
// intermediate segment is missing or not a document.
func (d *Document) UnsetPath(path string) bool {
	segs := strings.Split(path, ".")
	return unsetPathSegs(d, segs)
}

func unsetPathSegs(d *Document, segs []string) bool {
	if len(segs) == 1 {
		return d.Delete(segs[0])
	}
	v, ok := d.Get(segs[0])
	if !ok {
		return false
	}
	child, ok := v.AsDocument()
	if !ok {
		return false
	}
	return unsetPathSegs(child, segs[1:])
}

func parseArrayIndex(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errNotANumber
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

var errNotANumber = &Error{Code: ErrTypeMismatch, Message: "path segment is not a numeric array index"}
