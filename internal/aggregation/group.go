package aggregation

import (
	"context"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/monoerr"
)

// accumulator folds one group's worth of input values, expression
// already resolved per document, into a single result value.
type accumulator interface {
	add(v bson.Value)
	result() bson.Value
}

type groupField struct {
	name string
	op   string
	expr bson.Value
}

type groupStage struct {
	idExpr bson.Value
	fields []groupField
}

func newGroupStage(spec *bson.Document) (*groupStage, error) {
	idExpr, ok := spec.Get("_id")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "$group requires _id")
	}
	g := &groupStage{idExpr: idExpr}
	for _, el := range spec.Elements() {
		if el.Name == "_id" {
			continue
		}
		accSpec, ok := el.Value.AsDocument()
		if !ok || accSpec.Len() != 1 {
			return nil, monoerr.New(monoerr.CodeBadValue, "$group field must have exactly one accumulator operator: "+el.Name)
		}
		accEl := accSpec.Elements()[0]
		g.fields = append(g.fields, groupField{name: el.Name, op: accEl.Name, expr: accEl.Value})
	}
	return g, nil
}

func newAccumulator(op string) (accumulator, error) {
	switch op {
	case "$sum":
		return &sumAcc{}, nil
	case "$avg":
		return &avgAcc{}, nil
	case "$min":
		return &minMaxAcc{keep: func(c int) bool { return c < 0 }}, nil
	case "$max":
		return &minMaxAcc{keep: func(c int) bool { return c > 0 }}, nil
	case "$first":
		return &firstAcc{}, nil
	case "$last":
		return &lastAcc{}, nil
	case "$count":
		return &countAcc{}, nil
	case "$push":
		return &pushAcc{arr: bson.NewArray()}, nil
	case "$addToSet":
		return &addToSetAcc{arr: bson.NewArray()}, nil
	default:
		return nil, monoerr.New(monoerr.CodeBadValue, "unsupported $group accumulator: "+op)
	}
}

type groupBucket struct {
	idValue bson.Value
	accs    []accumulator
}

func (s *groupStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	order := []string{}
	buckets := map[string]*groupBucket{}

	for _, d := range docs {
		idVal := resolveExpr(d, s.idExpr)
		key := groupKey(idVal)
		b, ok := buckets[key]
		if !ok {
			b = &groupBucket{idValue: idVal}
			for _, f := range s.fields {
				acc, err := newAccumulator(f.op)
				if err != nil {
					return nil, err
				}
				b.accs = append(b.accs, acc)
			}
			buckets[key] = b
			order = append(order, key)
		}
		for i, f := range s.fields {
			if f.op == "$count" {
				b.accs[i].add(bson.Null())
				continue
			}
			b.accs[i].add(resolveExpr(d, f.expr))
		}
	}

	out := make([]*bson.Document, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		nd := bson.NewDocument()
		nd.Set("_id", b.idValue)
		for i, f := range s.fields {
			nd.Set(f.name, b.accs[i].result())
		}
		out = append(out, nd)
	}
	return out, nil
}

// groupKey derives a stable map key for a group-by value; BSON
// documents/arrays are keyed by their encoded bytes so equal-but-
// distinct-instance keys collapse into the same bucket.
func groupKey(v bson.Value) string {
	wrapped := bson.DocFromElements(bson.Element{Name: "v", Value: v})
	buf, err := bson.Encode(wrapped)
	if err != nil {
		return v.Type().String()
	}
	return string(buf)
}

type sumAcc struct{ total float64 }

func (a *sumAcc) add(v bson.Value) {
	if f, ok := asNumeric(v); ok {
		a.total += f
	}
}
func (a *sumAcc) result() bson.Value { return bson.Double(a.total) }

type avgAcc struct {
	total float64
	n     int
}

func (a *avgAcc) add(v bson.Value) {
	if f, ok := asNumeric(v); ok {
		a.total += f
		a.n++
	}
}
func (a *avgAcc) result() bson.Value {
	if a.n == 0 {
		return bson.Null()
	}
	return bson.Double(a.total / float64(a.n))
}

type minMaxAcc struct {
	val  bson.Value
	have bool
	keep func(int) bool
}

func (a *minMaxAcc) add(v bson.Value) {
	if v.IsNull() {
		return
	}
	if !a.have {
		a.val, a.have = v, true
		return
	}
	if a.keep(bson.Compare(v, a.val)) {
		a.val = v
	}
}
func (a *minMaxAcc) result() bson.Value {
	if !a.have {
		return bson.Null()
	}
	return a.val
}

type firstAcc struct {
	val  bson.Value
	have bool
}

func (a *firstAcc) add(v bson.Value) {
	if !a.have {
		a.val, a.have = v, true
	}
}
func (a *firstAcc) result() bson.Value {
	if !a.have {
		return bson.Null()
	}
	return a.val
}

type lastAcc struct{ val bson.Value }

func (a *lastAcc) add(v bson.Value)  { a.val = v }
func (a *lastAcc) result() bson.Value {
	if a.val.IsZero() {
		return bson.Null()
	}
	return a.val
}

type countAcc struct{ n int64 }

func (a *countAcc) add(bson.Value)   { a.n++ }
func (a *countAcc) result() bson.Value { return bson.Int64(a.n) }

type pushAcc struct{ arr *bson.Array }

func (a *pushAcc) add(v bson.Value)  { a.arr.Append(v) }
func (a *pushAcc) result() bson.Value { return bson.Arr(a.arr) }

type addToSetAcc struct{ arr *bson.Array }

func (a *addToSetAcc) add(v bson.Value) {
	for _, existing := range a.arr.Values() {
		if bson.Equal(existing, v) {
			return
		}
	}
	a.arr.Append(v)
}
func (a *addToSetAcc) result() bson.Value { return bson.Arr(a.arr) }

func asNumeric(v bson.Value) (float64, bool) {
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
