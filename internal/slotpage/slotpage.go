// Package slotpage implements the variable-length record format within a
// single page's data area: a slot directory growing forward from the
// front, record bytes growing backward from the end.
package slotpage

import (
	"encoding/binary"

	"github.com/arlobennett/monolite/internal/monoerr"
)

const (
	SlotSize    = 6
	FlagDeleted = uint16(1)
)

// Slot is a single 6-byte directory entry {offset:u16, length:u16, flags:u16}.
type Slot struct {
	Offset uint16
	Length uint16
	Flags  uint16
}

func (s Slot) Deleted() bool { return s.Flags&FlagDeleted != 0 }

// Page wraps a page's data-area bytes (pagefmt.DataAreaSize long) with
// slotted-record accessors. It mutates the backing slice in place.
type Page struct {
	data []byte
}

func Wrap(data []byte) *Page { return &Page{data: data} }

func (p *Page) Bytes() []byte { return p.data }

func (p *Page) slotCount() int { return len(p.data) / SlotSize }

func (p *Page) readSlot(i int) Slot {
	off := i * SlotSize
	return Slot{
		Offset: binary.LittleEndian.Uint16(p.data[off : off+2]),
		Length: binary.LittleEndian.Uint16(p.data[off+2 : off+4]),
		Flags:  binary.LittleEndian.Uint16(p.data[off+4 : off+6]),
	}
}

func (p *Page) writeSlot(i int, s Slot) {
	off := i * SlotSize
	binary.LittleEndian.PutUint16(p.data[off:off+2], s.Offset)
	binary.LittleEndian.PutUint16(p.data[off+2:off+4], s.Length)
	binary.LittleEndian.PutUint16(p.data[off+4:off+6], s.Flags)
}

// slotDirEnd is the byte offset just past the current slot directory.
func (p *Page) slotDirEnd(itemCount int) int { return itemCount * SlotSize }

// firstLiveRecordOffset is the smallest offset among non-deleted slots, or
// len(data) if there are none (the page is empty).
func (p *Page) firstLiveRecordOffset(itemCount int) int {
	min := len(p.data)
	for i := 0; i < itemCount; i++ {
		s := p.readSlot(i)
		if s.Deleted() {
			continue
		}
		if int(s.Offset) < min {
			min = int(s.Offset)
		}
	}
	return min
}

// InsertRecord appends a new slot and writes data just before the current
// first live record. Returns the new slot index.
func (p *Page) InsertRecord(itemCount int, record []byte) (int, int, error) {
	dirEnd := p.slotDirEnd(itemCount)
	newDirEnd := dirEnd + SlotSize
	firstLive := p.firstLiveRecordOffset(itemCount)
	if newDirEnd+len(record) > firstLive {
		return 0, 0, monoerr.New(monoerr.OutOfSpace, "slotted page full")
	}
	writeAt := firstLive - len(record)
	copy(p.data[writeAt:writeAt+len(record)], record)

	// shift directory bytes is unnecessary: we grow the conceptual slot
	// array by having the caller track itemCount; slot i lives at i*SlotSize.
	idx := itemCount
	p.writeSlotRaw(idx, Slot{Offset: uint16(writeAt), Length: uint16(len(record))})
	return idx, itemCount + 1, nil
}

// writeSlotRaw writes slot i, growing the backing array's logical directory
// region if needed. Callers must ensure p.data has room (it always does,
// since the directory only grows toward firstLiveRecordOffset).
func (p *Page) writeSlotRaw(i int, s Slot) {
	off := i * SlotSize
	if off+SlotSize > len(p.data) {
		return
	}
	binary.LittleEndian.PutUint16(p.data[off:off+2], s.Offset)
	binary.LittleEndian.PutUint16(p.data[off+2:off+4], s.Length)
	binary.LittleEndian.PutUint16(p.data[off+4:off+6], s.Flags)
}

// Record returns the live record bytes at slot i, or (nil,false) if deleted.
func (p *Page) Record(i int) ([]byte, bool) {
	s := p.readSlot(i)
	if s.Deleted() {
		return nil, false
	}
	return p.data[s.Offset : s.Offset+s.Length], true
}

// DeleteRecord flips the deleted flag without reclaiming space.
func (p *Page) DeleteRecord(i int) {
	s := p.readSlot(i)
	s.Flags |= FlagDeleted
	p.writeSlot(i, s)
}

// UpdateRecord overwrites slot i's record, relocating to the back of the
// live region if the new length exceeds the current allocation.
func (p *Page) UpdateRecord(i int, itemCount int, newData []byte) error {
	s := p.readSlot(i)
	if len(newData) <= int(s.Length) {
		copy(p.data[s.Offset:s.Offset+uint16(len(newData))], newData)
		s.Length = uint16(len(newData))
		p.writeSlot(i, s)
		return nil
	}

	minOffset := len(p.data)
	for j := 0; j < itemCount; j++ {
		if j == i {
			continue
		}
		sj := p.readSlot(j)
		if sj.Deleted() {
			continue
		}
		if int(sj.Offset) < minOffset {
			minOffset = int(sj.Offset)
		}
	}
	dirEnd := p.slotDirEnd(itemCount)
	if dirEnd+len(newData) > minOffset {
		return monoerr.New(monoerr.OutOfSpace, "slotted page relocation would overlap directory")
	}
	writeAt := minOffset - len(newData)
	copy(p.data[writeAt:writeAt+len(newData)], newData)
	p.writeSlot(i, Slot{Offset: uint16(writeAt), Length: uint16(len(newData))})
	return nil
}

// Compact rewrites all live records contiguously from the back, returning
// an old-slot-index -> new-slot-index mapping. Deleted slots are dropped.
func (p *Page) Compact(itemCount int) map[int]int {
	type live struct {
		oldIdx int
		data   []byte
	}
	var items []live
	for i := 0; i < itemCount; i++ {
		s := p.readSlot(i)
		if s.Deleted() {
			continue
		}
		items = append(items, live{oldIdx: i, data: append([]byte{}, p.data[s.Offset:s.Offset+s.Length]...)})
	}

	mapping := map[int]int{}
	writeAt := len(p.data)
	for newIdx, it := range items {
		writeAt -= len(it.data)
		copy(p.data[writeAt:writeAt+len(it.data)], it.data)
		p.writeSlotRaw(newIdx, Slot{Offset: uint16(writeAt), Length: uint16(len(it.data))})
		mapping[it.oldIdx] = newIdx
	}
	for i := len(items); i < itemCount; i++ {
		p.writeSlot(i, Slot{Flags: FlagDeleted})
	}
	return mapping
}

// LiveCount returns the number of non-deleted slots among the first
// itemCount entries.
func (p *Page) LiveCount(itemCount int) int {
	n := 0
	for i := 0; i < itemCount; i++ {
		if !p.readSlot(i).Deleted() {
			n++
		}
	}
	return n
}

// FreeSpace returns bytes available between the slot directory and the
// first live record.
func (p *Page) FreeSpace(itemCount int) int {
	return p.firstLiveRecordOffset(itemCount) - p.slotDirEnd(itemCount)
}
