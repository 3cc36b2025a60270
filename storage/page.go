// Package storage implements BLite's paged storage kernel: the page
// file, write-ahead log, transaction manager, free-space map, dictionary,
// collection catalog and checkpointer. Layout and algorithms are
// grounded on the teacher repo's storage package (storage/page.go,
// storage/pager.go, storage/wal.go, storage/lru.go, storage/memfile.go),
// generalized from the teacher's fixed 4 KiB append-only data pages to
// spec.md's configurable-size slotted pages, overflow chains, a real
// memory-mapped write window, and a transaction manager that allows many
// concurrently Active transactions instead of the teacher's single
// in-flight transaction.
package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// Page size bounds (spec.md §3: default 16 KiB, configurable 4 KiB-64 KiB).
const (
	DefaultPageSize = 16 * 1024
	MinPageSize     = 4 * 1024
	MaxPageSize     = 64 * 1024
)

// PageType identifies the on-disk layout interpretation of a page
// (spec.md §3).
type PageType byte

const (
	PageTypeFileHeader PageType = iota + 1
	PageTypeFreeSpaceMap
	PageTypeDictionary
	PageTypeSlotted
	PageTypeOverflow
	PageTypeBTreeInternal
	PageTypeBTreeLeaf
	PageTypeCollectionCatalog
	PageTypeSchemaHistory
)

func (t PageType) String() string {
	switch t {
	case PageTypeFileHeader:
		return "FileHeader"
	case PageTypeFreeSpaceMap:
		return "FreeSpaceMap"
	case PageTypeDictionary:
		return "Dictionary"
	case PageTypeSlotted:
		return "Slotted"
	case PageTypeOverflow:
		return "Overflow"
	case PageTypeBTreeInternal:
		return "BTreeInternal"
	case PageTypeBTreeLeaf:
		return "BTreeLeaf"
	case PageTypeCollectionCatalog:
		return "CollectionCatalog"
	case PageTypeSchemaHistory:
		return "SchemaHistory"
	default:
		return "Unknown"
	}
}

// PageHeader layout, common to every page (20 bytes):
//
//	[0:4]   pageId      uint32
//	[4]     pageType    byte
//	[5]     flags       byte
//	[6:8]   reserved    uint16
//	[8:12]  nextPageId  uint32 (0 = none)
//	[12:16] prevPageId  uint32 (0 = none)
//	[16:20] checksum    uint32 (crc32 of the rest of the page, field zeroed during computation)
const PageHeaderSize = 20

// FlagHasChecksum marks that the checksum field holds a valid crc32 of
// the page body, set by Page.Seal and checked by Page.VerifyChecksum.
const FlagHasChecksum byte = 0x01

// Page is a single fixed-size (for a given database) block of bytes with
// the common PageHeader at its front. Higher layers (SlottedPage,
// OverflowChain, the B-tree node formats) interpret the bytes after the
// header differently depending on Type().
type Page struct {
	Data []byte // len(Data) == the owning PageFile's page size
}

// NewPage allocates a zeroed page of the given size with its header
// initialized.
func NewPage(size int, ptype PageType, pageID uint32) *Page {
	p := &Page{Data: make([]byte, size)}
	p.SetPageID(pageID)
	p.SetType(ptype)
	if ptype == PageTypeSlotted || ptype == PageTypeBTreeLeaf || ptype == PageTypeBTreeInternal {
		p.initSlotted()
	}
	return p
}

func (p *Page) PageID() uint32      { return binary.LittleEndian.Uint32(p.Data[0:4]) }
func (p *Page) SetPageID(id uint32) { binary.LittleEndian.PutUint32(p.Data[0:4], id) }
func (p *Page) Type() PageType      { return PageType(p.Data[4]) }
func (p *Page) SetType(t PageType)  { p.Data[4] = byte(t) }
func (p *Page) Flags() byte         { return p.Data[5] }
func (p *Page) SetFlags(f byte)     { p.Data[5] = f }
func (p *Page) NextPageID() uint32  { return binary.LittleEndian.Uint32(p.Data[8:12]) }
func (p *Page) SetNextPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[8:12], id)
}
func (p *Page) PrevPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[12:16]) }
func (p *Page) SetPrevPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[12:16], id)
}
func (p *Page) storedChecksum() uint32 { return binary.LittleEndian.Uint32(p.Data[16:20]) }

// Seal computes and stores the page's checksum over its full body (the
// checksum field itself reads as zero during the computation) and sets
// FlagHasChecksum. Every write path calls Seal immediately before the
// page is handed to the WAL or the mapped window.
func (p *Page) Seal() {
	binary.LittleEndian.PutUint32(p.Data[16:20], 0)
	sum := crc32.ChecksumIEEE(p.Data)
	binary.LittleEndian.PutUint32(p.Data[16:20], sum)
	p.Data[5] |= FlagHasChecksum
}

// VerifyChecksum reports whether the stored checksum matches the page
// body, or true if the page was never sealed (nothing to violate yet).
func (p *Page) VerifyChecksum() bool {
	if p.Data[5]&FlagHasChecksum == 0 {
		return true
	}
	want := p.storedChecksum()
	binary.LittleEndian.PutUint32(p.Data[16:20], 0)
	got := crc32.ChecksumIEEE(p.Data)
	binary.LittleEndian.PutUint32(p.Data[16:20], want)
	return got == want
}

// ---------- SlottedPage ----------
//
// Layout after PageHeaderSize (spec.md §3):
//
//	SlottedPageHeader { itemCount uint16, freeSpaceEnd uint16, tombstoneCount uint16 }  (6 bytes)
//	slot directory, forward-growing: SlotEntry { offset uint16, length uint16, flags byte } (5 bytes each)
//	...free space...
//	payload heap, backward-growing from the end of the page
//
// Invariant: freeSpaceEnd >= PageHeaderSize + slottedHeaderSize + itemCount*slotEntrySize.
const slottedHeaderSize = 6
const slotEntrySize = 5

const (
	SlotFlagTombstone byte = 0x01
	SlotFlagOverflow  byte = 0x02
	SlotFlagCompressed byte = 0x04
)

// SlotEntry is one directory entry: the payload's offset and length
// within the page, plus flags. Slots are addressed by a stable index;
// deletes set SlotFlagTombstone without compacting, so a
// document.Location referencing this slot stays valid (though dead)
// until the page is rewritten by a vacuum.
type SlotEntry struct {
	Offset uint16
	Length uint16
	Flags  byte
}

func (p *Page) initSlotted() {
	p.setItemCount(0)
	p.setFreeSpaceEnd(uint16(len(p.Data)))
	p.setTombstoneCount(0)
}

func (p *Page) ItemCount() uint16 {
	return binary.LittleEndian.Uint16(p.Data[PageHeaderSize : PageHeaderSize+2])
}
func (p *Page) setItemCount(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[PageHeaderSize:PageHeaderSize+2], n)
}

func (p *Page) FreeSpaceEnd() uint16 {
	return binary.LittleEndian.Uint16(p.Data[PageHeaderSize+2 : PageHeaderSize+4])
}
func (p *Page) setFreeSpaceEnd(off uint16) {
	binary.LittleEndian.PutUint16(p.Data[PageHeaderSize+2:PageHeaderSize+4], off)
}

func (p *Page) TombstoneCount() uint16 {
	return binary.LittleEndian.Uint16(p.Data[PageHeaderSize+4 : PageHeaderSize+6])
}
func (p *Page) setTombstoneCount(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[PageHeaderSize+4:PageHeaderSize+6], n)
}

func (p *Page) slotDirStart() int { return PageHeaderSize + slottedHeaderSize }

func (p *Page) slotDirEnd() int {
	return p.slotDirStart() + int(p.ItemCount())*slotEntrySize
}

// FreeSpace returns the number of unused bytes between the slot
// directory and the payload heap.
func (p *Page) FreeSpace() int {
	return int(p.FreeSpaceEnd()) - p.slotDirEnd()
}

func (p *Page) slotOffset(i uint16) int {
	return p.slotDirStart() + int(i)*slotEntrySize
}

// Slot returns the i-th slot directory entry.
func (p *Page) Slot(i uint16) (SlotEntry, bool) {
	if i >= p.ItemCount() {
		return SlotEntry{}, false
	}
	off := p.slotOffset(i)
	return SlotEntry{
		Offset: binary.LittleEndian.Uint16(p.Data[off : off+2]),
		Length: binary.LittleEndian.Uint16(p.Data[off+2 : off+4]),
		Flags:  p.Data[off+4],
	}, true
}

func (p *Page) writeSlot(i uint16, s SlotEntry) {
	off := p.slotOffset(i)
	binary.LittleEndian.PutUint16(p.Data[off:off+2], s.Offset)
	binary.LittleEndian.PutUint16(p.Data[off+2:off+4], s.Length)
	p.Data[off+4] = s.Flags
}

// AppendSlot allocates a new stable slot index, places payload at the
// top of the heap, and returns the slot index. It reports false if the
// page does not have slotEntrySize+len(payload) bytes of free space.
func (p *Page) AppendSlot(payload []byte, flags byte) (uint16, bool) {
	needed := slotEntrySize + len(payload)
	if p.FreeSpace() < needed {
		return 0, false
	}
	newHeapStart := int(p.FreeSpaceEnd()) - len(payload)
	copy(p.Data[newHeapStart:], payload)
	idx := p.ItemCount()
	p.writeSlot(idx, SlotEntry{Offset: uint16(newHeapStart), Length: uint16(len(payload)), Flags: flags})
	p.setItemCount(idx + 1)
	p.setFreeSpaceEnd(uint16(newHeapStart))
	return idx, true
}

// ReadSlotPayload returns a copy of the bytes stored for slot i.
func (p *Page) ReadSlotPayload(i uint16) ([]byte, SlotEntry, bool) {
	s, ok := p.Slot(i)
	if !ok {
		return nil, s, false
	}
	out := make([]byte, s.Length)
	copy(out, p.Data[s.Offset:int(s.Offset)+int(s.Length)])
	return out, s, true
}

// UpdateSlotInPlace overwrites slot i's payload without changing its
// length. Returns false if newPayload's length differs from the slot's
// current length.
func (p *Page) UpdateSlotInPlace(i uint16, newPayload []byte) bool {
	s, ok := p.Slot(i)
	if !ok || int(s.Length) != len(newPayload) {
		return false
	}
	copy(p.Data[s.Offset:int(s.Offset)+int(s.Length)], newPayload)
	return true
}

// SetSlotFlags overwrites slot i's flags in place (used to toggle the
// tombstone/overflow bits without touching the payload).
func (p *Page) SetSlotFlags(i uint16, flags byte) {
	off := p.slotOffset(i)
	p.Data[off+4] = flags
}

// MarkTombstone sets slot i's tombstone flag (preserving the overflow
// bit so the caller can still free the overflow chain) and increments
// the page's tombstone counter.
func (p *Page) MarkTombstone(i uint16) {
	s, ok := p.Slot(i)
	if !ok || s.Flags&SlotFlagTombstone != 0 {
		return
	}
	p.SetSlotFlags(i, s.Flags|SlotFlagTombstone)
	p.setTombstoneCount(p.TombstoneCount() + 1)
}

// ---------- Overflow stub ----------
//
// When a slot's SlotFlagOverflow bit is set, its payload (exactly
// OverflowStubSize bytes) is not the record itself but a pointer to an
// overflow chain: { totalLen uint32, firstOverflowPageId uint32,
// reserved uint16 }.
const OverflowStubSize = 4 + 4 + 2

// EncodeOverflowStub builds the 10-byte stub stored in a slot whose
// payload spilled to an overflow chain.
func EncodeOverflowStub(totalLen uint32, firstOverflowPageID uint32) []byte {
	buf := make([]byte, OverflowStubSize)
	binary.LittleEndian.PutUint32(buf[0:4], totalLen)
	binary.LittleEndian.PutUint32(buf[4:8], firstOverflowPageID)
	return buf
}

// DecodeOverflowStub parses a stub previously built by EncodeOverflowStub.
func DecodeOverflowStub(stub []byte) (totalLen uint32, firstOverflowPageID uint32) {
	totalLen = binary.LittleEndian.Uint32(stub[0:4])
	firstOverflowPageID = binary.LittleEndian.Uint32(stub[4:8])
	return
}

// ---------- OverflowChain ----------

// OverflowCapacity returns how many payload bytes a single overflow page
// of the given size can hold.
func OverflowCapacity(pageSize int) int {
	return pageSize - PageHeaderSize
}

// WriteOverflowChunk writes raw bytes into an overflow page's payload
// area (after the header).
func (p *Page) WriteOverflowChunk(data []byte) {
	copy(p.Data[PageHeaderSize:], data)
}

// ReadOverflowChunk reads up to length bytes from an overflow page's
// payload area.
func (p *Page) ReadOverflowChunk(length int) []byte {
	capBytes := OverflowCapacity(len(p.Data))
	if length > capBytes {
		length = capBytes
	}
	out := make([]byte, length)
	copy(out, p.Data[PageHeaderSize:])
	return out
}
