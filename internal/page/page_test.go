package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := New(7, TypeData)
	copy(p.Payload(), []byte("hello"))
	buf := p.Marshal()
	require.Len(t, buf, Size)

	p2, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(7), p2.PageID())
	require.Equal(t, TypeData, p2.Type())
	require.Equal(t, uint16(PayloadSize), p2.FreeSpace())
}

func TestUnmarshalRejectsCorruption(t *testing.T) {
	p := New(1, TypeData)
	buf := p.Marshal()
	buf[HeaderSize] ^= 0xFF // corrupt a payload byte after checksum is set
	_, err := Unmarshal(buf)
	require.Error(t, err)
}

func TestUnmarshalRejectsWrongSize(t *testing.T) {
	_, err := Unmarshal(make([]byte, 100))
	require.Error(t, err)
}

func TestHeaderAccessors(t *testing.T) {
	p := New(3, TypeBTreeLeaf)
	p.SetNextPageID(99)
	p.SetPrevPageID(5)
	p.SetFlags(0x2)
	require.Equal(t, uint32(99), p.NextPageID())
	require.Equal(t, uint32(5), p.PrevPageID())
	require.Equal(t, uint8(0x2), p.Flags())
}
