package page

import (
	"encoding/binary"

	"github.com/monodb/monodb/internal/monoerr"
)

// SlotSize is the fixed size of one slot-directory entry: offset (u16),
// length (u16), flags (u16).
const SlotSize = 6

const slotFlagTombstone uint16 = 0x0001

// Slotted wraps a Data-type Page as a slotted record store: records grow
// from the low end of the payload, the slot directory grows from the high
// end, and deletes tombstone rather than shrink (spec.md §3/§4.2).
type Slotted struct {
	p *Page
}

// NewSlotted wraps an existing data Page for slotted access.
func NewSlotted(p *Page) *Slotted { return &Slotted{p: p} }

// slotDirStart is the payload offset where the slot directory begins: it
// grows downward from the end of the payload as itemCount increases.
func (s *Slotted) slotDirStart() int {
	return PayloadSize - int(s.p.ItemCount())*SlotSize
}

// lowWater is the payload offset where the next record would be appended,
// derived from itemCount and freeSpace so no extra header field is needed.
func (s *Slotted) lowWater() int {
	return s.slotDirStart() - int(s.p.FreeSpace())
}

type slot struct {
	offset uint16
	length uint16
	flags  uint16
}

func (s *Slotted) slotAt(idx int) slot {
	off := PayloadSize - (idx+1)*SlotSize
	buf := s.p.Payload()[off:]
	return slot{
		offset: binary.LittleEndian.Uint16(buf[0:2]),
		length: binary.LittleEndian.Uint16(buf[2:4]),
		flags:  binary.LittleEndian.Uint16(buf[4:6]),
	}
}

func (s *Slotted) writeSlotAt(idx int, sl slot) {
	off := PayloadSize - (idx+1)*SlotSize
	buf := s.p.Payload()[off:]
	binary.LittleEndian.PutUint16(buf[0:2], sl.offset)
	binary.LittleEndian.PutUint16(buf[2:4], sl.length)
	binary.LittleEndian.PutUint16(buf[4:6], sl.flags)
}

// LiveCount returns the number of non-tombstoned slots.
func (s *Slotted) LiveCount() int {
	n := 0
	total := int(s.p.ItemCount())
	for i := 0; i < total; i++ {
		if s.slotAt(i).flags&slotFlagTombstone == 0 {
			n++
		}
	}
	return n
}

// ItemCount returns the total slot count, including tombstones.
func (s *Slotted) ItemCount() int { return int(s.p.ItemCount()) }

// InsertRecord appends bytes as a new record and returns its stable slot
// index (the low-order half of its RecordId).
func (s *Slotted) InsertRecord(data []byte) (int, error) {
	needed := len(data) + SlotSize
	if needed > int(s.p.FreeSpace()) {
		return 0, monoerr.New(monoerr.CodeOperationFailed, "page full: insufficient free space for record")
	}
	offset := s.lowWater()
	copy(s.p.Payload()[offset:offset+len(data)], data)

	idx := int(s.p.ItemCount())
	s.p.SetItemCount(uint16(idx + 1))
	s.writeSlotAt(idx, slot{offset: uint16(offset), length: uint16(len(data))})
	s.p.SetFreeSpace(s.p.FreeSpace() - uint16(needed))
	return idx, nil
}

// ReadRecord returns the bytes stored at slotIndex, or (nil, nil) if the
// slot was tombstoned. Returns an error only for an out-of-range index.
func (s *Slotted) ReadRecord(slotIndex int) ([]byte, error) {
	if slotIndex < 0 || slotIndex >= int(s.p.ItemCount()) {
		return nil, monoerr.Newf(monoerr.CodeBadValue, "slot index %d out of range", slotIndex)
	}
	sl := s.slotAt(slotIndex)
	if sl.flags&slotFlagTombstone != 0 {
		return nil, nil
	}
	out := make([]byte, sl.length)
	copy(out, s.p.Payload()[sl.offset:int(sl.offset)+int(sl.length)])
	return out, nil
}

// UpdateRecord overwrites the record at slotIndex, preserving the slot
// index (RecordId stability). If the new payload is no larger than the
// old one it is written in place; otherwise it relocates within the page
// (never changing slotIndex). Returns a page-full error if the new
// payload cannot fit even after relocating, leaving the slot unchanged —
// the caller (the collection engine) is then responsible for relocating
// the record to a different page and updating any index entries that
// referenced the old RecordId.
func (s *Slotted) UpdateRecord(slotIndex int, data []byte) error {
	if slotIndex < 0 || slotIndex >= int(s.p.ItemCount()) {
		return monoerr.Newf(monoerr.CodeBadValue, "slot index %d out of range", slotIndex)
	}
	sl := s.slotAt(slotIndex)
	if sl.flags&slotFlagTombstone != 0 {
		return monoerr.New(monoerr.CodeBadValue, "cannot update a deleted record")
	}

	newLen := len(data)
	if newLen <= int(sl.length) {
		copy(s.p.Payload()[sl.offset:int(sl.offset)+newLen], data)
		// Reclaim the shrunk tail if this was the most recently placed
		// record, so repeated in-place shrink/grow cycles don't leak
		// contiguous free space until the next compact().
		if int(sl.offset)+int(sl.length) == s.lowWater() {
			reclaimed := int(sl.length) - newLen
			s.p.SetFreeSpace(s.p.FreeSpace() + uint16(reclaimed))
		}
		sl.length = uint16(newLen)
		s.writeSlotAt(slotIndex, sl)
		return nil
	}

	if newLen+0 > int(s.p.FreeSpace()) {
		return monoerr.New(monoerr.CodeOperationFailed, "page full: record growth does not fit on this page")
	}
	offset := s.lowWater()
	copy(s.p.Payload()[offset:offset+newLen], data)
	s.p.SetFreeSpace(s.p.FreeSpace() - uint16(newLen))
	s.writeSlotAt(slotIndex, slot{offset: uint16(offset), length: uint16(newLen)})
	return nil
}

// DeleteRecord tombstones the slot. itemCount never shrinks; the space is
// only reclaimed by Compact.
func (s *Slotted) DeleteRecord(slotIndex int) error {
	if slotIndex < 0 || slotIndex >= int(s.p.ItemCount()) {
		return monoerr.Newf(monoerr.CodeBadValue, "slot index %d out of range", slotIndex)
	}
	sl := s.slotAt(slotIndex)
	sl.flags |= slotFlagTombstone
	s.writeSlotAt(slotIndex, sl)
	return nil
}

// Compact rewrites the page, discarding tombstoned slots and internal
// fragmentation, and returns the old->new slot index map for surviving
// records. Callers must rewrite any index pointers (RecordIds) using this
// map; this is the only operation that renumbers slots.
func (s *Slotted) Compact() map[int]int {
	total := int(s.p.ItemCount())
	type survivor struct {
		oldIdx int
		data   []byte
	}
	var live []survivor
	for i := 0; i < total; i++ {
		sl := s.slotAt(i)
		if sl.flags&slotFlagTombstone != 0 {
			continue
		}
		data := make([]byte, sl.length)
		copy(data, s.p.Payload()[sl.offset:int(sl.offset)+int(sl.length)])
		live = append(live, survivor{oldIdx: i, data: data})
	}

	// Zero the payload and rebuild from scratch.
	payload := s.p.Payload()
	for i := range payload {
		payload[i] = 0
	}
	s.p.SetItemCount(0)
	s.p.SetFreeSpace(PayloadSize)

	remap := make(map[int]int, len(live))
	for newIdx, sv := range live {
		offset := s.lowWater()
		copy(s.p.Payload()[offset:offset+len(sv.data)], sv.data)
		s.p.SetItemCount(uint16(newIdx + 1))
		s.writeSlotAt(newIdx, slot{offset: uint16(offset), length: uint16(len(sv.data))})
		s.p.SetFreeSpace(s.p.FreeSpace() - uint16(len(sv.data)+SlotSize))
		remap[sv.oldIdx] = newIdx
	}
	return remap
}

// FreeSpace returns the page's current contiguous free space.
func (s *Slotted) FreeSpace() int { return int(s.p.FreeSpace()) }

// Page returns the underlying Page.
func (s *Slotted) Page() *Page { return s.p }
