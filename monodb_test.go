package monodb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/collection"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "data.monodb"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesDataAndWALFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.monodb")
	db, err := Open(path, Options{})
	require.NoError(t, err)
	defer db.Close()

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
	_, statErr = os.Stat(path + ".wal")
	require.NoError(t, statErr)
}

func TestInsertOneThenFind(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.Collection("widgets")
	require.NoError(t, err)

	id, err := coll.InsertOne(bson.DocFromElements(bson.Element{Name: "sku", Value: bson.String("a1")}))
	require.NoError(t, err)
	require.False(t, id.IsZero())

	docs, err := coll.Find(nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	v, ok := docs[0].Get("sku")
	require.True(t, ok)
	s, _ := v.AsString()
	require.Equal(t, "a1", s)
}

func TestUpdateOneAndDeleteOne(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.Collection("widgets")
	require.NoError(t, err)

	_, err = coll.InsertOne(bson.DocFromElements(bson.Element{Name: "qty", Value: bson.Int32(1)}))
	require.NoError(t, err)

	filter := bson.DocFromElements(bson.Element{Name: "qty", Value: bson.Int32(1)})
	update := bson.DocFromElements(bson.Element{Name: "$set", Value: bson.Doc(bson.DocFromElements(
		bson.Element{Name: "qty", Value: bson.Int32(2)},
	))})
	matched, modified, _, err := coll.UpdateOne(filter, update, collection.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, matched)
	require.Equal(t, 1, modified)

	n, err := coll.Count(nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := coll.DeleteOne(nil)
	require.NoError(t, err)
	require.True(t, ok)

	n, err = coll.Count(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCollectionNamesListsCreatedCollections(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Collection("a")
	require.NoError(t, err)
	_, err = db.Collection("b")
	require.NoError(t, err)

	names := db.CollectionNames()
	require.ElementsMatch(t, []string{"a", "b"}, names)
}
