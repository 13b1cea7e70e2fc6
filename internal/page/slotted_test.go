package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertReadRecord(t *testing.T) {
	s := NewSlotted(New(1, TypeData))
	idx, err := s.InsertRecord([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	idx2, err := s.InsertRecord([]byte("beta"))
	require.NoError(t, err)
	require.Equal(t, 1, idx2)

	got, err := s.ReadRecord(idx)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), got)

	got2, err := s.ReadRecord(idx2)
	require.NoError(t, err)
	require.Equal(t, []byte("beta"), got2)
}

func TestDeleteTombstonesWithoutShrinkingItemCount(t *testing.T) {
	s := NewSlotted(New(1, TypeData))
	idx, _ := s.InsertRecord([]byte("alpha"))
	require.NoError(t, s.DeleteRecord(idx))

	got, err := s.ReadRecord(idx)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 1, s.ItemCount())
	require.Equal(t, 0, s.LiveCount())
}

func TestUpdateRecordPreservesSlotIndexOnGrow(t *testing.T) {
	s := NewSlotted(New(1, TypeData))
	idx, _ := s.InsertRecord([]byte("ab"))
	_, _ = s.InsertRecord([]byte("cd"))

	require.NoError(t, s.UpdateRecord(idx, []byte("much longer value than before")))
	got, err := s.ReadRecord(idx)
	require.NoError(t, err)
	require.Equal(t, []byte("much longer value than before"), got)
	require.Equal(t, 2, s.ItemCount())
}

func TestUpdateRecordShrinkInPlace(t *testing.T) {
	s := NewSlotted(New(1, TypeData))
	idx, _ := s.InsertRecord([]byte("abcdef"))
	require.NoError(t, s.UpdateRecord(idx, []byte("ab")))
	got, err := s.ReadRecord(idx)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), got)
}

func TestCompactRemapsSurvivingSlots(t *testing.T) {
	s := NewSlotted(New(1, TypeData))
	i0, _ := s.InsertRecord([]byte("first"))
	i1, _ := s.InsertRecord([]byte("second"))
	i2, _ := s.InsertRecord([]byte("third"))
	require.NoError(t, s.DeleteRecord(i1))

	freeBefore := s.FreeSpace()
	remap := s.Compact()
	require.Equal(t, 2, len(remap))
	require.Contains(t, remap, i0)
	require.Contains(t, remap, i2)
	require.NotContains(t, remap, i1)
	require.Greater(t, s.FreeSpace(), freeBefore)

	got, err := s.ReadRecord(remap[i0])
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)

	got2, err := s.ReadRecord(remap[i2])
	require.NoError(t, err)
	require.Equal(t, []byte("third"), got2)
}

func TestInsertRecordFailsWhenPageFull(t *testing.T) {
	s := NewSlotted(New(1, TypeData))
	big := make([]byte, PayloadSize)
	_, err := s.InsertRecord(big)
	require.Error(t, err)
}
