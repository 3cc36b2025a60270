package storage

import "fmt"

// FreeSpaceMap tracks deallocated pages so they can be reused before the
// file is grown. The teacher never implements this ("v1" comment in
// storage/pager.go: freed overflow pages are simply abandoned) — this is
// new, grounded on the teacher's page-chaining idiom (NextPageID links)
// applied to a stack of free page ids instead of a data chain.
//
// Persisted as a chain of PageTypeFreeSpaceMap pages: each holds a
// count-prefixed list of freed page ids and a NextPageID link to the
// next map page once full. AllocatePage pops from the front of the
// chain; DeallocatePage pushes onto it, allocating a fresh map page only
// when every existing one is full.
type FreeSpaceMap struct {
	pf       *PageFile
	rootID   uint32 // 0 means "no free pages recorded"
	capacity int    // free-id slots per map page
}

const freeSpaceEntrySize = 4 // one uint32 page id

func freeSpaceCapacity(pageSize int) int {
	return (pageSize - PageHeaderSize - 2) / freeSpaceEntrySize // 2 bytes for the in-page count
}

// OpenFreeSpaceMap attaches to an existing map chain (rootID may be 0
// for "empty").
func OpenFreeSpaceMap(pf *PageFile, rootID uint32) *FreeSpaceMap {
	return &FreeSpaceMap{pf: pf, rootID: rootID, capacity: freeSpaceCapacity(pf.PageSize())}
}

// RootPageID returns the head of the free-space chain, 0 if empty.
func (m *FreeSpaceMap) RootPageID() uint32 { return m.rootID }

func readFreeCount(p *Page) uint16 {
	return uint16(p.Data[PageHeaderSize]) | uint16(p.Data[PageHeaderSize+1])<<8
}
func writeFreeCount(p *Page, n uint16) {
	p.Data[PageHeaderSize] = byte(n)
	p.Data[PageHeaderSize+1] = byte(n >> 8)
}
func freeEntryOffset(i int) int { return PageHeaderSize + 2 + i*freeSpaceEntrySize }

// Allocate pops a page id from the free list, or reports false if none
// is recorded (the caller must then grow the file via PageFile.AllocatePageID).
func (m *FreeSpaceMap) Allocate() (uint32, bool, error) {
	if m.rootID == 0 {
		return 0, false, nil
	}
	p, err := m.pf.ReadPageCached(m.rootID)
	if err != nil {
		return 0, false, fmt.Errorf("freespace: read map page: %w", err)
	}
	count := readFreeCount(p)
	if count == 0 {
		// Empty map page: drop it, move to the next one.
		next := p.NextPageID()
		m.rootID = next
		if next == 0 {
			return 0, false, nil
		}
		return m.Allocate()
	}
	last := count - 1
	off := freeEntryOffset(int(last))
	id := getU32(p.Data[off : off+4])
	writeFreeCount(p, last)
	p.Seal()
	if err := m.pf.WritePageImmediate(m.rootID, p); err != nil {
		return 0, false, fmt.Errorf("freespace: write map page: %w", err)
	}
	return id, true, nil
}

// Deallocate pushes a page id onto the free list, allocating a new map
// page (chained via NextPageID) if the current head is full or absent.
func (m *FreeSpaceMap) Deallocate(pageID uint32) error {
	if m.rootID == 0 {
		newID, err := m.pf.AllocatePageID()
		if err != nil {
			return fmt.Errorf("freespace: allocate map page: %w", err)
		}
		p := NewPage(m.pf.PageSize(), PageTypeFreeSpaceMap, newID)
		writeFreeCount(p, 0)
		p.Seal()
		if err := m.pf.WritePageImmediate(newID, p); err != nil {
			return err
		}
		m.rootID = newID
	}

	p, err := m.pf.ReadPageCached(m.rootID)
	if err != nil {
		return fmt.Errorf("freespace: read map page: %w", err)
	}
	count := readFreeCount(p)
	if int(count) >= m.capacity {
		newID, err := m.pf.AllocatePageID()
		if err != nil {
			return fmt.Errorf("freespace: allocate map page: %w", err)
		}
		np := NewPage(m.pf.PageSize(), PageTypeFreeSpaceMap, newID)
		np.SetNextPageID(m.rootID)
		writeFreeCount(np, 0)
		np.Seal()
		if err := m.pf.WritePageImmediate(newID, np); err != nil {
			return err
		}
		m.rootID = newID
		p = np
		count = 0
	}

	off := freeEntryOffset(int(count))
	putU32(p.Data[off:off+4], pageID)
	writeFreeCount(p, count+1)
	p.Seal()
	return m.pf.WritePageImmediate(m.rootID, p)
}
