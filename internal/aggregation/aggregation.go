// Package aggregation implements the aggregation pipeline (spec.md
// §4.10): a list of stages, each `execute([]doc) -> []doc`, composed by
// a left fold so running the pipeline is one pass over the stage list.
//
// The stage-composition style follows
// `_examples/SimonWaldherr-tinySQL/internal/engine/exec.go`'s
// plan-as-a-list-of-steps shape; filter/expression evaluation reuses
// `internal/collection`'s operator dispatch rather than duplicating it.
package aggregation

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/collection"
	"github.com/monodb/monodb/internal/monoerr"
)

// Stage runs one pipeline step over docs, returning the transformed set.
type Stage interface {
	Execute(ctx context.Context, docs []*bson.Document) ([]*bson.Document, error)
}

// ForeignLookup fetches every document of a named collection, the
// collaborator the $lookup stage needs to read its foreign side. The
// command router supplies the concrete implementation.
type ForeignLookup func(ctx context.Context, collectionName string) ([]*bson.Document, error)

// Pipeline is an ordered, already-parsed list of stages.
type Pipeline struct {
	stages []Stage
}

// Run executes every stage in order, left-folding docs through each.
func (p *Pipeline) Run(ctx context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	cur := docs
	for _, s := range p.stages {
		next, err := s.Execute(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Build parses a pipeline array (one stage-document per element, each
// with exactly one top-level operator key) into a Pipeline.
func Build(stagesArray *bson.Array, lookup ForeignLookup) (*Pipeline, error) {
	p := &Pipeline{}
	for _, v := range stagesArray.Values() {
		stageDoc, ok := v.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "pipeline stage must be a document")
		}
		if stageDoc.Len() != 1 {
			return nil, monoerr.New(monoerr.CodeBadValue, "pipeline stage must have exactly one operator")
		}
		el := stageDoc.Elements()[0]
		stage, err := buildStage(el.Name, el.Value, lookup)
		if err != nil {
			return nil, err
		}
		p.stages = append(p.stages, stage)
	}
	return p, nil
}

func buildStage(name string, arg bson.Value, lookup ForeignLookup) (Stage, error) {
	switch name {
	case "$match":
		filter, ok := arg.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$match requires a document")
		}
		return &matchStage{filter: filter}, nil
	case "$project":
		spec, ok := arg.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$project requires a document")
		}
		return newProjectStage(spec)
	case "$addFields", "$set":
		spec, ok := arg.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, name+" requires a document")
		}
		return &addFieldsStage{spec: spec}, nil
	case "$unset":
		return newUnsetStage(arg)
	case "$sort":
		spec, ok := arg.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$sort requires a document")
		}
		return &sortStage{spec: spec}, nil
	case "$limit":
		n, ok := arg.AsInt64()
		if !ok {
			n32, ok32 := arg.AsInt32()
			if !ok32 {
				return nil, monoerr.New(monoerr.CodeBadValue, "$limit requires a number")
			}
			n = int64(n32)
		}
		return &limitStage{n: n}, nil
	case "$skip":
		n, ok := arg.AsInt64()
		if !ok {
			n32, ok32 := arg.AsInt32()
			if !ok32 {
				return nil, monoerr.New(monoerr.CodeBadValue, "$skip requires a number")
			}
			n = int64(n32)
		}
		return &skipStage{n: n}, nil
	case "$count":
		field, ok := arg.AsString()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$count requires a string")
		}
		return &countStage{field: field}, nil
	case "$unwind":
		return newUnwindStage(arg)
	case "$replaceRoot":
		spec, ok := arg.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$replaceRoot requires a document")
		}
		newRoot, ok := spec.Get("newRoot")
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$replaceRoot requires newRoot")
		}
		return &replaceRootStage{newRoot: newRoot}, nil
	case "$group":
		spec, ok := arg.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$group requires a document")
		}
		return newGroupStage(spec)
	case "$lookup":
		spec, ok := arg.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$lookup requires a document")
		}
		return newLookupStage(spec, lookup)
	default:
		return nil, monoerr.New(monoerr.CodeBadValue, "unsupported aggregation stage: "+name)
	}
}

// resolveExpr evaluates a BSON expression against doc: a string of the
// form "$field.path" dereferences the current document; any other value
// (including a document or array, recursed into field by field) is a
// literal.
func resolveExpr(doc *bson.Document, expr bson.Value) bson.Value {
	if s, ok := expr.AsString(); ok && strings.HasPrefix(s, "$") {
		v, ok := bson.Doc(doc).AsDocument()
		if !ok {
			return bson.Null()
		}
		val, found := v.Lookup(strings.TrimPrefix(s, "$"))
		if !found {
			return bson.Null()
		}
		return val
	}
	if sub, ok := expr.AsDocument(); ok {
		out := bson.NewDocument()
		for _, el := range sub.Elements() {
			out.Set(el.Name, resolveExpr(doc, el.Value))
		}
		return bson.Doc(out)
	}
	if arr, ok := expr.AsArray(); ok {
		out := bson.NewArray()
		for _, v := range arr.Values() {
			out.Append(resolveExpr(doc, v))
		}
		return bson.Arr(out)
	}
	return expr
}

type matchStage struct{ filter *bson.Document }

func (s *matchStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	var out []*bson.Document
	for _, d := range docs {
		ok, err := collection.MatchFilter(d, s.filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

type projectMode int

const (
	projectInclude projectMode = iota
	projectExclude
)

type projectStage struct {
	mode      projectMode
	fields    []string
	excludeID bool
	// computed holds non-0/1 projection expressions, e.g. {total: "$a"}.
	computed map[string]bson.Value
}

func newProjectStage(spec *bson.Document) (*projectStage, error) {
	ps := &projectStage{computed: map[string]bson.Value{}}
	mode := projectMode(-1)
	excludeID := false
	for _, el := range spec.Elements() {
		if n, ok := el.Value.AsInt32(); ok {
			if el.Name == "_id" && n == 0 {
				excludeID = true
				continue
			}
			m := projectInclude
			if n == 0 {
				m = projectExclude
			}
			if mode != projectMode(-1) && mode != m {
				return nil, monoerr.New(monoerr.CodeBadValue, "$project cannot mix inclusion and exclusion")
			}
			mode = m
			ps.fields = append(ps.fields, el.Name)
			continue
		}
		mode = projectInclude
		ps.computed[el.Name] = el.Value
	}
	if mode == projectMode(-1) {
		mode = projectInclude
	}
	ps.mode = mode
	ps.excludeID = excludeID
	return ps, nil
}

func (s *projectStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	out := make([]*bson.Document, 0, len(docs))
	for _, d := range docs {
		nd := bson.NewDocument()
		switch s.mode {
		case projectInclude:
			if d.Has("_id") && !s.excludeID {
				v, _ := d.Get("_id")
				nd.Set("_id", v)
			}
			for _, f := range s.fields {
				if f == "_id" {
					continue
				}
				if v, ok := d.Lookup(f); ok {
					nd.SetPath(f, v)
				}
			}
		case projectExclude:
			excluded := map[string]bool{}
			for _, f := range s.fields {
				excluded[f] = true
			}
			for _, el := range d.Elements() {
				if !excluded[el.Name] {
					nd.Set(el.Name, el.Value)
				}
			}
		}
		for name, expr := range s.computed {
			nd.SetPath(name, resolveExpr(d, expr))
		}
		out = append(out, nd)
	}
	return out, nil
}

type addFieldsStage struct{ spec *bson.Document }

func (s *addFieldsStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	out := make([]*bson.Document, 0, len(docs))
	for _, d := range docs {
		nd := d.Clone()
		for _, el := range s.spec.Elements() {
			nd.SetPath(el.Name, resolveExpr(d, el.Value))
		}
		out = append(out, nd)
	}
	return out, nil
}

type unsetStage struct{ fields []string }

func newUnsetStage(arg bson.Value) (*unsetStage, error) {
	if s, ok := arg.AsString(); ok {
		return &unsetStage{fields: []string{s}}, nil
	}
	if arr, ok := arg.AsArray(); ok {
		u := &unsetStage{}
		for _, v := range arr.Values() {
			s, ok := v.AsString()
			if !ok {
				return nil, monoerr.New(monoerr.CodeBadValue, "$unset array must contain strings")
			}
			u.fields = append(u.fields, s)
		}
		return u, nil
	}
	return nil, monoerr.New(monoerr.CodeBadValue, "$unset requires a string or array of strings")
}

func (s *unsetStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	out := make([]*bson.Document, 0, len(docs))
	for _, d := range docs {
		nd := d.Clone()
		for _, f := range s.fields {
			nd.UnsetPath(f)
		}
		out = append(out, nd)
	}
	return out, nil
}

type sortStage struct{ spec *bson.Document }

func (s *sortStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	out := make([]*bson.Document, len(docs))
	copy(out, docs)
	fields := s.spec.Elements()
	sort.SliceStable(out, func(i, j int) bool {
		for _, f := range fields {
			dir, _ := f.Value.AsInt32()
			av, _ := out[i].Lookup(f.Name)
			bv, _ := out[j].Lookup(f.Name)
			cmp := bson.Compare(av, bv)
			if cmp == 0 {
				continue
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out, nil
}

type limitStage struct{ n int64 }

func (s *limitStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	if int64(len(docs)) <= s.n {
		return docs, nil
	}
	return docs[:s.n], nil
}

type skipStage struct{ n int64 }

func (s *skipStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	if s.n >= int64(len(docs)) {
		return nil, nil
	}
	return docs[s.n:], nil
}

type countStage struct{ field string }

func (s *countStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	out := bson.NewDocument()
	out.Set(s.field, bson.Int32(int32(len(docs))))
	return []*bson.Document{out}, nil
}

type unwindStage struct {
	path              string
	preserveNullEmpty bool
	includeArrayIndex string
}

func newUnwindStage(arg bson.Value) (*unwindStage, error) {
	if s, ok := arg.AsString(); ok {
		return &unwindStage{path: strings.TrimPrefix(s, "$")}, nil
	}
	spec, ok := arg.AsDocument()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "$unwind requires a string or document")
	}
	pathVal, ok := spec.Get("path")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "$unwind requires a path")
	}
	path, ok := pathVal.AsString()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "$unwind path must be a string")
	}
	u := &unwindStage{path: strings.TrimPrefix(path, "$")}
	if preserve, ok := spec.Get("preserveNullAndEmptyArrays"); ok {
		u.preserveNullEmpty, _ = preserve.AsBool()
	}
	if idx, ok := spec.Get("includeArrayIndex"); ok {
		u.includeArrayIndex, _ = idx.AsString()
	}
	return u, nil
}

func (s *unwindStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	var out []*bson.Document
	for _, d := range docs {
		v, ok := d.Lookup(s.path)
		if !ok || v.Type() == bson.TypeNull {
			if s.preserveNullEmpty {
				out = append(out, d.Clone())
			}
			continue
		}
		arr, ok := v.AsArray()
		if !ok {
			nd := d.Clone()
			out = append(out, nd)
			continue
		}
		if arr.Len() == 0 {
			if s.preserveNullEmpty {
				nd := d.Clone()
				nd.UnsetPath(s.path)
				out = append(out, nd)
			}
			continue
		}
		for i, item := range arr.Values() {
			nd := d.Clone()
			nd.SetPath(s.path, item)
			if s.includeArrayIndex != "" {
				nd.Set(s.includeArrayIndex, bson.Int64(int64(i)))
			}
			out = append(out, nd)
		}
	}
	return out, nil
}

type replaceRootStage struct{ newRoot bson.Value }

func (s *replaceRootStage) Execute(_ context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	out := make([]*bson.Document, 0, len(docs))
	for _, d := range docs {
		v := resolveExpr(d, s.newRoot)
		nd, ok := v.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "$replaceRoot newRoot must resolve to a document")
		}
		out = append(out, nd)
	}
	return out, nil
}

type lookupStage struct {
	from         string
	localField   string
	foreignField string
	as           string
	fetch        ForeignLookup
}

func newLookupStage(spec *bson.Document, fetch ForeignLookup) (*lookupStage, error) {
	from, ok := spec.Get("from")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "$lookup requires from")
	}
	fromName, ok := from.AsString()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "$lookup from must be a string")
	}
	local, _ := spec.Get("localField")
	foreign, _ := spec.Get("foreignField")
	asVal, ok := spec.Get("as")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "$lookup requires as")
	}
	asName, ok := asVal.AsString()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "$lookup as must be a string")
	}
	localField, _ := local.AsString()
	foreignField, _ := foreign.AsString()
	if fetch == nil {
		return nil, monoerr.New(monoerr.CodeBadValue, "$lookup requires a foreign collection resolver")
	}
	return &lookupStage{from: fromName, localField: localField, foreignField: foreignField, as: asName, fetch: fetch}, nil
}

// Execute fetches the foreign collection once, in a single errgroup
// goroutine whose context is derived from ctx. The fetched set is then
// scanned once per local document for the left-outer-join match.
func (s *lookupStage) Execute(ctx context.Context, docs []*bson.Document) ([]*bson.Document, error) {
	var foreign []*bson.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		foreign, err = s.fetch(gctx, s.from)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*bson.Document, 0, len(docs))
	for _, d := range docs {
		localVal, _ := d.Lookup(s.localField)
		matches := bson.NewArray()
		for _, f := range foreign {
			foreignVal, ok := f.Lookup(s.foreignField)
			if ok && bson.Equal(localVal, foreignVal) {
				matches.Append(bson.Doc(f))
			}
		}
		nd := d.Clone()
		nd.Set(s.as, bson.Arr(matches))
		out = append(out, nd)
	}
	return out, nil
}
