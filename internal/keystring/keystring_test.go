package keystring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/bson"
)

func enc(v bson.Value, desc bool) []byte {
	return Encode(nil, v, desc)
}

func TestNumericOrderingPreserved(t *testing.T) {
	vals := []float64{-100.5, -1, 0, 0.5, 1, 2, 100, 1e10}
	var keys [][]byte
	for _, f := range vals {
		keys = append(keys, enc(bson.Double(f), false))
	}
	for i := 1; i < len(keys); i++ {
		require.Less(t, Compare(keys[i-1], keys[i]), 0, "expected %v < %v", vals[i-1], vals[i])
	}
}

func TestCrossNumericTypeOrderingMatchesValue(t *testing.T) {
	a := enc(bson.Int32(5), false)
	b := enc(bson.Int64(10), false)
	c := enc(bson.Double(5.5), false)
	require.Less(t, Compare(a, c), 0)
	require.Less(t, Compare(c, b), 0)
}

func TestStringOrderingPreserved(t *testing.T) {
	a := enc(bson.String("apple"), false)
	b := enc(bson.String("banana"), false)
	require.Less(t, Compare(a, b), 0)
}

func TestStringEscapesEmbeddedNUL(t *testing.T) {
	a := enc(bson.String("a\x00b"), false)
	b := enc(bson.String("a"), false)
	require.NotEqual(t, a, b)
	require.Less(t, Compare(b, a), 0)
}

func TestDescendingInvertsOrder(t *testing.T) {
	a := enc(bson.Int32(1), true)
	b := enc(bson.Int32(2), true)
	require.Greater(t, Compare(a, b), 0)
}

func TestTypeRankOrdering(t *testing.T) {
	null := enc(bson.Null(), false)
	num := enc(bson.Int32(0), false)
	str := enc(bson.String(""), false)
	boolean := enc(bson.Bool(false), false)
	require.Less(t, Compare(null, num), 0)
	require.Less(t, Compare(num, str), 0)
	require.Less(t, Compare(str, boolean), 0)
}

func TestMinMaxKeyBoundOrdering(t *testing.T) {
	min := enc(bson.MinKey(), false)
	max := enc(bson.MaxKey(), false)
	num := enc(bson.Int32(0), false)
	require.Less(t, Compare(min, num), 0)
	require.Less(t, Compare(num, max), 0)
}

func TestDocumentEncodingComparesFieldValuesInOrder(t *testing.T) {
	d1 := bson.DocFromElements(bson.Element{Name: "a", Value: bson.Int32(1)}, bson.Element{Name: "b", Value: bson.Int32(2)})
	d2 := bson.DocFromElements(bson.Element{Name: "a", Value: bson.Int32(1)}, bson.Element{Name: "b", Value: bson.Int32(3)})
	k1 := enc(bson.Doc(d1), false)
	k2 := enc(bson.Doc(d2), false)
	require.Less(t, Compare(k1, k2), 0)
}
