package collection

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/catalog"
	"github.com/monodb/monodb/internal/pager"
)

func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	dir := t.TempDir()
	pg, err := pager.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })

	cat, err := catalog.Create(pg)
	require.NoError(t, err)

	c, err := Create(pg, cat, "docs")
	require.NoError(t, err)
	return c
}

func doc(fields ...bson.Element) *bson.Document {
	return bson.DocFromElements(fields...)
}

func el(name string, v bson.Value) bson.Element {
	return bson.Element{Name: name, Value: v}
}

func TestInsertGeneratesObjectIDWhenMissing(t *testing.T) {
	c := newTestCollection(t)
	idVal, err := c.Insert(nil, doc(el("x", bson.Int32(1))))
	require.NoError(t, err)
	_, ok := idVal.AsObjectID()
	require.True(t, ok)
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	c := newTestCollection(t)
	id := bson.Int32(1)
	_, err := c.Insert(nil, doc(el("_id", id), el("x", bson.Int32(1))))
	require.NoError(t, err)

	_, err = c.Insert(nil, doc(el("_id", id), el("x", bson.Int32(2))))
	require.Error(t, err)
}

func TestInsertRejectsTopLevelDollarField(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("$bad", bson.Int32(1))))
	require.Error(t, err)
}

func TestFindMatchesEqualityFilter(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("x", bson.Int32(1))))
	require.NoError(t, err)
	_, err = c.Insert(nil, doc(el("x", bson.Int32(2))))
	require.NoError(t, err)

	out, err := c.Find(doc(el("x", bson.Int32(2))))
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, _ := out[0].Get("x")
	require.Equal(t, bson.Int32(2), v)
}

func TestFindMatchesComparisonOperator(t *testing.T) {
	c := newTestCollection(t)
	for i := int32(0); i < 5; i++ {
		_, err := c.Insert(nil, doc(el("x", bson.Int32(i))))
		require.NoError(t, err)
	}

	out, err := c.Find(doc(el("x", bson.Doc(doc(el("$gte", bson.Int32(3)))))))
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestUpdateOneAppliesSetOperator(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("_id", bson.Int32(1)), el("x", bson.Int32(1))))
	require.NoError(t, err)

	matched, modified, _, err := c.UpdateOne(nil,
		doc(el("_id", bson.Int32(1))),
		doc(el("$set", bson.Doc(doc(el("x", bson.Int32(99)))))),
		UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, matched)
	require.Equal(t, 1, modified)

	out, err := c.Find(doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, _ := out[0].Get("x")
	require.Equal(t, bson.Int32(99), v)
}

func TestUpdateOneUpsertInsertsWhenNoMatch(t *testing.T) {
	c := newTestCollection(t)
	matched, modified, upsertedID, err := c.UpdateOne(nil,
		doc(el("x", bson.Int32(1))),
		doc(el("$set", bson.Doc(doc(el("y", bson.Int32(2)))))),
		UpdateOptions{Upsert: true})
	require.NoError(t, err)
	require.Equal(t, 0, matched)
	require.Equal(t, 0, modified)
	_, isObjectID := upsertedID.AsObjectID()
	require.True(t, isObjectID)

	out, err := c.Find(doc(el("x", bson.Int32(1))))
	require.NoError(t, err)
	require.Len(t, out, 1)
	y, _ := out[0].Get("y")
	require.Equal(t, bson.Int32(2), y)
}

func TestReplaceOneDropsFieldsNotInReplacement(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("_id", bson.Int32(1)), el("x", bson.Int32(1)), el("stale", bson.Int32(7))))
	require.NoError(t, err)

	_, _, _, err = c.ReplaceOne(nil,
		doc(el("_id", bson.Int32(1))),
		doc(el("x", bson.Int32(2))),
		UpdateOptions{})
	require.NoError(t, err)

	out, err := c.Find(doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.False(t, out[0].Has("stale"))
	x, _ := out[0].Get("x")
	require.Equal(t, bson.Int32(2), x)
}

func TestDeleteOneRemovesDocument(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)

	removed, err := c.DeleteOne(nil, doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.True(t, removed)

	out, err := c.Find(doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestDeleteManyRemovesAllMatches(t *testing.T) {
	c := newTestCollection(t)
	for i := int32(0); i < 3; i++ {
		_, err := c.Insert(nil, doc(el("x", bson.Int32(1))))
		require.NoError(t, err)
	}
	_, err := c.Insert(nil, doc(el("x", bson.Int32(2))))
	require.NoError(t, err)

	n, err := c.DeleteMany(nil, doc(el("x", bson.Int32(1))))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	remaining, err := c.Find(bson.NewDocument())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestCreateIndexRejectsDuplicateUniqueKey(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("_id", bson.Int32(1)), el("x", bson.Int32(1))))
	require.NoError(t, err)
	_, err = c.Insert(nil, doc(el("_id", bson.Int32(2)), el("x", bson.Int32(1))))
	require.NoError(t, err)

	err = c.CreateIndex(catalog.IndexSpec{
		Name:   "x_1",
		Key:    []catalog.KeyField{{Field: "x", Direction: 1}},
		Unique: true,
	})
	require.Error(t, err)
}

func TestInsertAfterCreateIndexMaintainsIndex(t *testing.T) {
	c := newTestCollection(t)
	require.NoError(t, c.CreateIndex(catalog.IndexSpec{
		Name:   "x_1",
		Key:    []catalog.KeyField{{Field: "x", Direction: 1}},
		Unique: true,
	}))

	_, err := c.Insert(nil, doc(el("_id", bson.Int32(1)), el("x", bson.Int32(5))))
	require.NoError(t, err)
	_, err = c.Insert(nil, doc(el("_id", bson.Int32(2)), el("x", bson.Int32(5))))
	require.Error(t, err)
}

func TestUndoInsertDeletesDocument(t *testing.T) {
	c := newTestCollection(t)
	idVal, err := c.Insert(nil, doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)

	require.NoError(t, c.UndoInsert("docs", idVal))

	out, err := c.Find(doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestUndoDeleteReinsertsPreImage(t *testing.T) {
	c := newTestCollection(t)
	original := doc(el("_id", bson.Int32(1)), el("x", bson.Int32(7)))
	_, err := c.Insert(nil, original)
	require.NoError(t, err)
	oldDoc, err := bson.Encode(original)
	require.NoError(t, err)

	_, err = c.DeleteOne(nil, doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)

	require.NoError(t, c.UndoDelete("docs", bson.Int32(1), oldDoc))

	out, err := c.Find(doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.Len(t, out, 1)
	x, _ := out[0].Get("x")
	require.Equal(t, bson.Int32(7), x)
}

func TestUndoUpdateRestoresExactPreImage(t *testing.T) {
	c := newTestCollection(t)
	original := doc(el("_id", bson.Int32(1)), el("stale", bson.Int32(1)))
	_, err := c.Insert(nil, original)
	require.NoError(t, err)
	oldDoc, err := bson.Encode(original)
	require.NoError(t, err)

	_, _, _, err = c.UpdateOne(nil,
		doc(el("_id", bson.Int32(1))),
		doc(el("$unset", bson.Doc(doc(el("stale", bson.Int32(1))))), el("$set", bson.Doc(doc(el("fresh", bson.Int32(2)))))),
		UpdateOptions{})
	require.NoError(t, err)

	require.NoError(t, c.UndoUpdate("docs", bson.Int32(1), oldDoc))

	out, err := c.Find(doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.False(t, out[0].Has("fresh"))
	stale, _ := out[0].Get("stale")
	require.Equal(t, bson.Int32(1), stale)
}

func TestFindAndModifyReturnsPreImageByDefault(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("_id", bson.Int32(1)), el("x", bson.Int32(1))))
	require.NoError(t, err)

	result, err := c.FindAndModify(nil,
		doc(el("_id", bson.Int32(1))),
		doc(el("$set", bson.Doc(doc(el("x", bson.Int32(2)))))),
		FindAndModifyOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	x, _ := result.Get("x")
	require.Equal(t, bson.Int32(1), x)
}

func TestFindAndModifyReturnsPostImageWhenNew(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("_id", bson.Int32(1)), el("x", bson.Int32(1))))
	require.NoError(t, err)

	result, err := c.FindAndModify(nil,
		doc(el("_id", bson.Int32(1))),
		doc(el("$set", bson.Doc(doc(el("x", bson.Int32(2)))))),
		FindAndModifyOptions{New: true})
	require.NoError(t, err)
	require.NotNil(t, result)
	x, _ := result.Get("x")
	require.Equal(t, bson.Int32(2), x)
}

func TestFindAndModifyRemoveDeletesDocument(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)

	result, err := c.FindAndModify(nil, doc(el("_id", bson.Int32(1))), nil, FindAndModifyOptions{Remove: true})
	require.NoError(t, err)
	require.NotNil(t, result)

	out, err := c.Find(doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestDistinctReturnsUniqueValuesInFirstSeenOrder(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("x", bson.Int32(1))))
	require.NoError(t, err)
	_, err = c.Insert(nil, doc(el("x", bson.Int32(2))))
	require.NoError(t, err)
	_, err = c.Insert(nil, doc(el("x", bson.Int32(1))))
	require.NoError(t, err)

	vals, err := c.Distinct("x", bson.NewDocument())
	require.NoError(t, err)
	require.Equal(t, []bson.Value{bson.Int32(1), bson.Int32(2)}, vals)
}

func TestCountMatchesFilter(t *testing.T) {
	c := newTestCollection(t)
	_, err := c.Insert(nil, doc(el("x", bson.Int32(1))))
	require.NoError(t, err)
	_, err = c.Insert(nil, doc(el("x", bson.Int32(2))))
	require.NoError(t, err)

	n, err := c.Count(doc(el("x", bson.Int32(1))))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOpenReloadsCollectionState(t *testing.T) {
	dir := t.TempDir()
	pg, err := pager.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.wal"))
	require.NoError(t, err)
	cat, err := catalog.Create(pg)
	require.NoError(t, err)
	c, err := Create(pg, cat, "docs")
	require.NoError(t, err)
	_, err = c.Insert(nil, doc(el("_id", bson.Int32(1)), el("x", bson.Int32(1))))
	require.NoError(t, err)
	require.NoError(t, pg.Close())

	pg2, err := pager.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { pg2.Close() })
	cat2, err := catalog.Load(pg2)
	require.NoError(t, err)
	reopened, err := Open(pg2, cat2, "docs")
	require.NoError(t, err)

	out, err := reopened.Find(doc(el("_id", bson.Int32(1))))
	require.NoError(t, err)
	require.Len(t, out, 1)
}
