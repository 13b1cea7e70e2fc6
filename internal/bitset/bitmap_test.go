package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	b := New(100)
	require.False(t, b.Test(5))
	b.Set(5)
	require.True(t, b.Test(5))
	b.Clear(5)
	require.False(t, b.Test(5))
}

func TestAllocateFree(t *testing.T) {
	b := New(4)
	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		idx, ok := b.AllocateFree()
		require.True(t, ok)
		require.False(t, seen[idx])
		seen[idx] = true
	}
	_, ok := b.AllocateFree()
	require.False(t, ok)
}

func TestGrowPreservesBits(t *testing.T) {
	b := New(4)
	b.Set(2)
	b.Grow(128)
	require.True(t, b.Test(2))
	require.Equal(t, uint32(128), b.Len())
}
