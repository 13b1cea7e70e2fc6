// Package page implements the fixed 4 KiB checksummed page layout and the
// slotted-page record store described in spec.md §3/§4.2. The page header
// layout follows the teacher's (Giulio2002/gdbx) page.go documentation
// style — an explicit byte-offset table in the doc comment, small typed
// accessor methods, a page-local error type — generalized from MDBX's COW
// page format to the spec's WAL/checksum format.
package page

import (
	"encoding/binary"

	"github.com/monodb/monodb/internal/monoerr"
)

// Size is the fixed page size in bytes.
const Size = 4096

// HeaderSize is the fixed page header size in bytes.
const HeaderSize = 24

// PayloadSize is the number of bytes available to page content after the
// header.
const PayloadSize = Size - HeaderSize

// Type identifies the kind of content a page holds.
type Type uint8

const (
	TypeFree          Type = 0
	TypeData          Type = 1
	TypeBTreeInternal Type = 2
	TypeBTreeLeaf     Type = 3
	TypeCatalog       Type = 4
)

// Header layout (little-endian), matching spec.md §3 exactly:
//
//	Offset  Size  Field
//	0       4     pageId
//	4       1     type
//	5       1     flags
//	6       2     itemCount
//	8       2     freeSpace
//	10      4     nextPageId (0 = none)
//	14      4     prevPageId (0 = none)
//	18      4     checksum
//	22      2     reserved
const (
	offPageID    = 0
	offType      = 4
	offFlags     = 5
	offItemCount = 6
	offFreeSpace = 8
	offNextPage  = 10
	offPrevPage  = 14
	offChecksum  = 18
	offReserved  = 22
)

// Page wraps a fixed Size-byte buffer with typed header accessors. The
// zero value is not usable; build one with New or Unmarshal.
type Page struct {
	Data []byte
}

// New allocates a zeroed page with the given id and type, freeSpace
// initialized to the full payload area.
func New(pageID uint32, typ Type) *Page {
	p := &Page{Data: make([]byte, Size)}
	p.SetPageID(pageID)
	p.SetType(typ)
	p.SetFreeSpace(PayloadSize)
	return p
}

func (p *Page) PageID() uint32 { return binary.LittleEndian.Uint32(p.Data[offPageID:]) }
func (p *Page) SetPageID(v uint32) { binary.LittleEndian.PutUint32(p.Data[offPageID:], v) }

func (p *Page) Type() Type     { return Type(p.Data[offType]) }
func (p *Page) SetType(t Type) { p.Data[offType] = byte(t) }

func (p *Page) Flags() uint8     { return p.Data[offFlags] }
func (p *Page) SetFlags(f uint8) { p.Data[offFlags] = f }

func (p *Page) ItemCount() uint16 { return binary.LittleEndian.Uint16(p.Data[offItemCount:]) }
func (p *Page) SetItemCount(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[offItemCount:], v)
}

func (p *Page) FreeSpace() uint16 { return binary.LittleEndian.Uint16(p.Data[offFreeSpace:]) }
func (p *Page) SetFreeSpace(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[offFreeSpace:], v)
}

func (p *Page) NextPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[offNextPage:]) }
func (p *Page) SetNextPageID(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[offNextPage:], v)
}

func (p *Page) PrevPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[offPrevPage:]) }
func (p *Page) SetPrevPageID(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[offPrevPage:], v)
}

func (p *Page) checksum() uint32 { return binary.LittleEndian.Uint32(p.Data[offChecksum:]) }
func (p *Page) setChecksum(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[offChecksum:], v)
}

// Payload returns the PayloadSize-byte content area following the header.
func (p *Page) Payload() []byte { return p.Data[HeaderSize:Size] }

// computeChecksum XORs the payload as little-endian u32 words, XOR-padding
// any residual trailing bytes with zeros (spec.md §3).
func computeChecksum(payload []byte) uint32 {
	var sum uint32
	n := len(payload)
	i := 0
	for ; i+4 <= n; i += 4 {
		sum ^= binary.LittleEndian.Uint32(payload[i : i+4])
	}
	if rem := n - i; rem > 0 {
		var tail [4]byte
		copy(tail[:], payload[i:])
		sum ^= binary.LittleEndian.Uint32(tail[:])
	}
	return sum
}

// Marshal computes and writes the page's checksum, returning the full
// Size-byte buffer ready for disk.
func (p *Page) Marshal() []byte {
	p.setChecksum(computeChecksum(p.Payload()))
	return p.Data
}

// Unmarshal wraps a Size-byte buffer as a Page, verifying its checksum.
// The returned Page shares the backing array with data; callers that need
// an independent copy must clone data first.
func Unmarshal(data []byte) (*Page, error) {
	if len(data) != Size {
		return nil, monoerr.Newf(monoerr.CodeBadValue, "page buffer must be exactly %d bytes, got %d", Size, len(data))
	}
	p := &Page{Data: data}
	want := p.checksum()
	got := computeChecksum(p.Payload())
	if want != got {
		return nil, monoerr.Internal("page checksum mismatch", nil)
	}
	return p, nil
}

// UnmarshalNoVerify wraps data as a Page without checksum verification,
// used by recovery when a page is known to be mid-write and will be
// overwritten by WAL replay before any logical read occurs.
func UnmarshalNoVerify(data []byte) (*Page, error) {
	if len(data) != Size {
		return nil, monoerr.Newf(monoerr.CodeBadValue, "page buffer must be exactly %d bytes, got %d", Size, len(data))
	}
	return &Page{Data: data}, nil
}
