package catalog

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/internal/pager"
)

func openTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "data.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCreateStartsEmpty(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)
	require.Empty(t, c.Collections())
}

func TestAddAndLoadCollectionRoundTrip(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)

	require.NoError(t, c.AddCollection(CollectionSpec{Name: "docs", Root: 3, Head: 3}))
	require.NoError(t, c.AddIndex("docs", IndexSpec{
		Name:   "x_1",
		Key:    []KeyField{{Field: "x", Direction: 1}},
		Unique: true,
		Root:   5,
	}))

	reloaded, err := Load(p)
	require.NoError(t, err)

	cs, ok := reloaded.Collection("docs")
	require.True(t, ok)
	require.Equal(t, uint32(3), cs.Root)
	require.Len(t, cs.Indexes, 1)
	require.Equal(t, "x_1", cs.Indexes[0].Name)
	require.True(t, cs.Indexes[0].Unique)
	require.Equal(t, []KeyField{{Field: "x", Direction: 1}}, cs.Indexes[0].Key)
}

func TestAddCollectionRejectsDuplicateName(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)
	require.NoError(t, c.AddCollection(CollectionSpec{Name: "docs", Root: 1, Head: 1}))
	err = c.AddCollection(CollectionSpec{Name: "docs", Root: 2, Head: 2})
	require.Error(t, err)
}

func TestDropCollectionRemovesEntry(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)
	require.NoError(t, c.AddCollection(CollectionSpec{Name: "docs", Root: 1, Head: 1}))
	require.NoError(t, c.DropCollection("docs"))
	_, ok := c.Collection("docs")
	require.False(t, ok)
}

func TestDropCollectionMissingFails(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)
	require.Error(t, c.DropCollection("nope"))
}

func TestDropIndexRemovesEntry(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)
	require.NoError(t, c.AddCollection(CollectionSpec{Name: "docs", Root: 1, Head: 1}))
	require.NoError(t, c.AddIndex("docs", IndexSpec{Name: "x_1", Key: []KeyField{{Field: "x", Direction: 1}}}))
	require.NoError(t, c.DropIndex("docs", "x_1"))

	cs, _ := c.Collection("docs")
	require.Empty(t, cs.Indexes)
}

func TestUpdateIndexRootPersists(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)
	require.NoError(t, c.AddCollection(CollectionSpec{Name: "docs", Root: 1, Head: 1}))
	require.NoError(t, c.AddIndex("docs", IndexSpec{Name: "x_1", Root: 5}))

	require.NoError(t, c.UpdateIndexRoot("docs", "x_1", 9))

	reloaded, err := Load(p)
	require.NoError(t, err)
	cs, _ := reloaded.Collection("docs")
	require.Equal(t, uint32(9), cs.Indexes[0].Root)
}

func TestUpdateRootsPersists(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)
	require.NoError(t, c.AddCollection(CollectionSpec{Name: "docs", Root: 1, Head: 1}))

	require.NoError(t, c.UpdateRoots("docs", 7, 8))

	reloaded, err := Load(p)
	require.NoError(t, err)
	cs, _ := reloaded.Collection("docs")
	require.Equal(t, uint32(7), cs.Root)
	require.Equal(t, uint32(8), cs.Head)
}

func TestLargeCatalogSpansMultiplePages(t *testing.T) {
	p := openTestPager(t)
	c, err := Create(p)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("coll_%03d", i)
		require.NoError(t, c.AddCollection(CollectionSpec{Name: name, Root: uint32(i + 1), Head: uint32(i + 1)}))
	}

	reloaded, err := Load(p)
	require.NoError(t, err)
	require.Len(t, reloaded.Collections(), n)

	cs, ok := reloaded.Collection("coll_199")
	require.True(t, ok)
	require.Equal(t, uint32(200), cs.Root)
}
