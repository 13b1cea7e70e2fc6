package aggregation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/bson"
)

func doc(fields ...bson.Element) *bson.Document {
	return bson.DocFromElements(fields...)
}

func el(name string, v bson.Value) bson.Element {
	return bson.Element{Name: name, Value: v}
}

func stageDoc(op string, arg bson.Value) bson.Value {
	return bson.Doc(doc(el(op, arg)))
}

func buildPipeline(t *testing.T, stages []bson.Value, lookup ForeignLookup) *Pipeline {
	t.Helper()
	arr := bson.NewArray(stages...)
	p, err := Build(arr, lookup)
	require.NoError(t, err)
	return p
}

func TestMatchStageFiltersDocuments(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$match", bson.Doc(doc(el("x", bson.Int32(1))))),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("x", bson.Int32(1))),
		doc(el("x", bson.Int32(2))),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestProjectStageIncludesOnlyListedFields(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$project", bson.Doc(doc(el("a", bson.Int32(1))))),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("_id", bson.Int32(1)), el("a", bson.Int32(10)), el("b", bson.Int32(20))),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].Has("_id"))
	require.True(t, out[0].Has("a"))
	require.False(t, out[0].Has("b"))
}

func TestProjectStageExcludesListedFields(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$project", bson.Doc(doc(el("b", bson.Int32(0))))),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("_id", bson.Int32(1)), el("a", bson.Int32(10)), el("b", bson.Int32(20))),
	})
	require.NoError(t, err)
	require.True(t, out[0].Has("a"))
	require.False(t, out[0].Has("b"))
}

func TestProjectStageComputedExpression(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$project", bson.Doc(doc(el("doubled", bson.String("$a"))))),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("_id", bson.Int32(1)), el("a", bson.Int32(5))),
	})
	require.NoError(t, err)
	v, ok := out[0].Get("doubled")
	require.True(t, ok)
	n, _ := v.AsInt32()
	require.Equal(t, int32(5), n)
}

func TestSortStageOrdersAscending(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$sort", bson.Doc(doc(el("a", bson.Int32(1))))),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("a", bson.Int32(3))),
		doc(el("a", bson.Int32(1))),
		doc(el("a", bson.Int32(2))),
	})
	require.NoError(t, err)
	a0, _ := out[0].Get("a")
	a1, _ := out[1].Get("a")
	a2, _ := out[2].Get("a")
	n0, _ := a0.AsInt32()
	n1, _ := a1.AsInt32()
	n2, _ := a2.AsInt32()
	require.Equal(t, []int32{1, 2, 3}, []int32{n0, n1, n2})
}

func TestLimitAndSkipStages(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$skip", bson.Int64(1)),
		stageDoc("$limit", bson.Int64(1)),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("a", bson.Int32(1))),
		doc(el("a", bson.Int32(2))),
		doc(el("a", bson.Int32(3))),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, _ := out[0].Get("a")
	n, _ := v.AsInt32()
	require.Equal(t, int32(2), n)
}

func TestCountStage(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$count", bson.String("total")),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(), doc(), doc(),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, _ := out[0].Get("total")
	n, _ := v.AsInt32()
	require.Equal(t, int32(3), n)
}

func TestUnwindStageExplodesArray(t *testing.T) {
	arr := bson.NewArray(bson.Int32(1), bson.Int32(2), bson.Int32(3))
	p := buildPipeline(t, []bson.Value{
		stageDoc("$unwind", bson.String("$tags")),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("tags", bson.Arr(arr))),
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func TestUnwindStagePreservesNullWhenConfigured(t *testing.T) {
	spec := doc(el("path", bson.String("$tags")), el("preserveNullAndEmptyArrays", bson.Bool(true)))
	p := buildPipeline(t, []bson.Value{
		stageDoc("$unwind", bson.Doc(spec)),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("_id", bson.Int32(1))),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestAddFieldsAndUnsetStages(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$addFields", bson.Doc(doc(el("y", bson.String("$x"))))),
		stageDoc("$unset", bson.String("x")),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("x", bson.Int32(7))),
	})
	require.NoError(t, err)
	require.False(t, out[0].Has("x"))
	v, ok := out[0].Get("y")
	require.True(t, ok)
	n, _ := v.AsInt32()
	require.Equal(t, int32(7), n)
}

func TestReplaceRootStage(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$replaceRoot", bson.Doc(doc(el("newRoot", bson.String("$inner"))))),
	}, nil)
	inner := doc(el("v", bson.Int32(42)))
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("inner", bson.Doc(inner))),
	})
	require.NoError(t, err)
	v, ok := out[0].Get("v")
	require.True(t, ok)
	n, _ := v.AsInt32()
	require.Equal(t, int32(42), n)
}

func TestGroupStageSumsByKey(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$group", bson.Doc(doc(
			el("_id", bson.String("$category")),
			el("total", bson.Doc(doc(el("$sum", bson.String("$amount"))))),
		))),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("category", bson.String("a")), el("amount", bson.Int32(10))),
		doc(el("category", bson.String("a")), el("amount", bson.Int32(5))),
		doc(el("category", bson.String("b")), el("amount", bson.Int32(1))),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	totals := map[string]float64{}
	for _, d := range out {
		idVal, _ := d.Get("_id")
		cat, _ := idVal.AsString()
		totalVal, _ := d.Get("total")
		total, _ := totalVal.AsDouble()
		totals[cat] = total
	}
	require.Equal(t, 15.0, totals["a"])
	require.Equal(t, 1.0, totals["b"])
}

func TestGroupStagePushAccumulator(t *testing.T) {
	p := buildPipeline(t, []bson.Value{
		stageDoc("$group", bson.Doc(doc(
			el("_id", bson.Null()),
			el("all", bson.Doc(doc(el("$push", bson.String("$x"))))),
		))),
	}, nil)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("x", bson.Int32(1))),
		doc(el("x", bson.Int32(2))),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, _ := out[0].Get("all")
	arr, ok := v.AsArray()
	require.True(t, ok)
	require.Equal(t, 2, arr.Len())
}

func TestLookupStageJoinsForeignDocuments(t *testing.T) {
	fetch := func(_ context.Context, name string) ([]*bson.Document, error) {
		require.Equal(t, "orders", name)
		return []*bson.Document{
			doc(el("userID", bson.Int32(1)), el("item", bson.String("widget"))),
			doc(el("userID", bson.Int32(2)), el("item", bson.String("gadget"))),
		}, nil
	}
	p := buildPipeline(t, []bson.Value{
		stageDoc("$lookup", bson.Doc(doc(
			el("from", bson.String("orders")),
			el("localField", bson.String("_id")),
			el("foreignField", bson.String("userID")),
			el("as", bson.String("orders")),
		))),
	}, fetch)
	out, err := p.Run(context.Background(), []*bson.Document{
		doc(el("_id", bson.Int32(1))),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, ok := out[0].Get("orders")
	require.True(t, ok)
	arr, ok := v.AsArray()
	require.True(t, ok)
	require.Equal(t, 1, arr.Len())
}

func TestBuildRejectsMultiOperatorStage(t *testing.T) {
	stage := bson.Doc(doc(el("$match", bson.Doc(doc())), el("$sort", bson.Doc(doc()))))
	_, err := Build(bson.NewArray(stage), nil)
	require.Error(t, err)
}

func TestBuildRejectsUnknownStage(t *testing.T) {
	_, err := Build(bson.NewArray(stageDoc("$bogus", bson.Null())), nil)
	require.Error(t, err)
}
