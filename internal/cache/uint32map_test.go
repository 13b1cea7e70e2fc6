package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	m := &Uint32Map[string]{}
	_, ok := m.Get(1)
	require.False(t, ok)

	m.Set(1, "a")
	m.Set(2, "b")
	v, ok := m.Get(1)
	require.True(t, ok)
	require.Equal(t, "a", v)

	m.Delete(1)
	_, ok = m.Get(1)
	require.False(t, ok)
	v, ok = m.Get(2)
	require.True(t, ok)
	require.Equal(t, "b", v)
}

func TestGrowth(t *testing.T) {
	m := &Uint32Map[int]{}
	for i := uint32(0); i < 1000; i++ {
		m.Set(i, int(i)*2)
	}
	require.Equal(t, 1000, m.Len())
	for i := uint32(0); i < 1000; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.Equal(t, int(i)*2, v)
	}
}
