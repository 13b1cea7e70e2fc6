package btree

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

func TestInsertGetRoundTrip(t *testing.T) {
	p := openTestPager(t)
	tree, err := Create(p)
	require.NoError(t, err)

	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("c"), []byte("3")))

	v, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	v, ok, err = tree.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok, err = tree.Get([]byte("zzz"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	p := openTestPager(t)
	tree, err := Create(p)
	require.NoError(t, err)

	require.NoError(t, tree.Insert([]byte("k"), []byte("v1")))
	require.NoError(t, tree.Insert([]byte("k"), []byte("v2")))

	v, ok, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestSplitAcrossManyInserts(t *testing.T) {
	p := openTestPager(t)
	tree, err := Create(p)
	require.NoError(t, err)

	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		require.NoError(t, tree.Insert([]byte(key), []byte(fmt.Sprintf("val-%d", i))))
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		v, ok, err := tree.Get([]byte(key))
		require.NoError(t, err)
		require.True(t, ok, "missing key %s", key)
		require.Equal(t, fmt.Sprintf("val-%d", i), string(v))
	}
}

func TestCursorScansInOrder(t *testing.T) {
	p := openTestPager(t)
	tree, err := Create(p)
	require.NoError(t, err)

	keys := []string{"d", "b", "a", "c", "e"}
	for _, k := range keys {
		require.NoError(t, tree.Insert([]byte(k), []byte(k)))
	}

	cur, err := tree.NewCursor(nil)
	require.NoError(t, err)
	var got []string
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestCursorStartsAtKey(t *testing.T) {
	p := openTestPager(t)
	tree, err := Create(p)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tree.Insert([]byte(k), []byte(k)))
	}

	cur, err := tree.NewCursor([]byte("c"))
	require.NoError(t, err)
	k, _, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c", string(k))
}

func TestDeleteRemovesKey(t *testing.T) {
	p := openTestPager(t)
	tree, err := Create(p)
	require.NoError(t, err)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))

	require.NoError(t, tree.Delete([]byte("a")))
	_, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := tree.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestDeleteAllThenReinsert(t *testing.T) {
	p := openTestPager(t)
	tree, err := Create(p)
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert([]byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Delete([]byte(fmt.Sprintf("k%03d", i))))
	}
	for i := 0; i < n; i++ {
		_, ok, err := tree.Get([]byte(fmt.Sprintf("k%03d", i)))
		require.NoError(t, err)
		require.False(t, ok)
	}

	require.NoError(t, tree.Insert([]byte("fresh"), []byte("value")))
	v, ok, err := tree.Get([]byte("fresh"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value"), v)
}
