package storage

import (
	"fmt"
	"sync"
)

// Dictionary interns collection/field names to a uint16 id so that page
// content (document field tags, index field references) never repeats a
// full name string. The teacher has no equivalent — its documents store
// field names inline on every record (storage/document.go Field.Name);
// BLite instead persists the mapping once as its own page chain and
// references the small id everywhere else, grounded on the teacher's
// chained-page idiom (page.NextPageID linking) applied to a new purpose.
//
// Page format, after PageHeaderSize:
//
//	entryCount uint16
//	entries: { id uint16, nameLen uint16, name []byte }...
//
// A page chains to the next via the common PageHeader's NextPageID.
// Ids are assigned sequentially starting at 1 (0 means "unassigned").
type Dictionary struct {
	mu       sync.RWMutex
	pf       *PageFile
	rootID   uint32
	byName   map[string]uint16
	byID     map[uint16]string
	nextID   uint16
	tailID   uint32 // page id of the chain's current tail, for cheap appends
}

// OpenDictionary loads the full chain starting at rootID (0 means empty)
// into memory. The chain is small relative to the database (one entry
// per distinct field/collection name ever used), so keeping both maps
// resident is the same tradeoff the teacher makes for its in-memory
// collection/index metadata.
func OpenDictionary(pf *PageFile, rootID uint32) (*Dictionary, error) {
	d := &Dictionary{
		pf:     pf,
		rootID: rootID,
		byName: make(map[string]uint16),
		byID:   make(map[uint16]string),
		nextID: 1,
	}
	id := rootID
	for id != 0 {
		p, err := pf.ReadPageCached(id)
		if err != nil {
			return nil, fmt.Errorf("dictionary: read page %d: %w", id, err)
		}
		d.tailID = id
		off := PageHeaderSize
		count := int(getU16(p.Data[off : off+2]))
		off += 2
		for i := 0; i < count; i++ {
			entryID := getU16(p.Data[off : off+2])
			off += 2
			nameLen := int(getU16(p.Data[off : off+2]))
			off += 2
			name := string(p.Data[off : off+nameLen])
			off += nameLen
			d.byName[name] = entryID
			d.byID[entryID] = name
			if entryID >= d.nextID {
				d.nextID = entryID + 1
			}
		}
		id = p.NextPageID()
	}
	return d, nil
}

// RootPageID returns the chain's head page id, 0 if the dictionary is
// still empty.
func (d *Dictionary) RootPageID() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rootID
}

// Lookup returns a name's id, if interned.
func (d *Dictionary) Lookup(name string) (uint16, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[name]
	return id, ok
}

// Name returns the name interned under id, if any.
func (d *Dictionary) Name(id uint16) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.byID[id]
	return name, ok
}

// Intern returns name's existing id, or assigns and persists a new one.
// Interning is immediately durable (written and fsync'd through
// writePageImmediate) rather than going through the WAL: dictionary
// entries are append-only and never change once assigned, so they do
// not need transactional rollback semantics, only the ordinary page
// checksum/torn-write protection every page gets.
func (d *Dictionary) Intern(name string) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byName[name]; ok {
		return id, nil
	}

	entry := make([]byte, 2+2+len(name))
	putU16(entry[0:2], d.nextID)
	putU16(entry[2:4], uint16(len(name)))
	copy(entry[4:], name)

	if d.rootID == 0 {
		newID, err := d.pf.AllocatePageID()
		if err != nil {
			return 0, fmt.Errorf("dictionary: allocate first page: %w", err)
		}
		p := NewPage(d.pf.PageSize(), PageTypeDictionary, newID)
		putU16(p.Data[PageHeaderSize:PageHeaderSize+2], 0)
		p.Seal()
		if err := d.pf.WritePageImmediate(newID, p); err != nil {
			return 0, err
		}
		d.rootID = newID
		d.tailID = newID
	}

	p, err := d.pf.ReadPageCached(d.tailID)
	if err != nil {
		return 0, fmt.Errorf("dictionary: read tail page: %w", err)
	}
	count := int(getU16(p.Data[PageHeaderSize : PageHeaderSize+2]))
	used := PageHeaderSize + 2
	for i := 0; i < count; i++ {
		nameLen := int(getU16(p.Data[used+2 : used+4]))
		used += 4 + nameLen
	}
	if used+len(entry) > len(p.Data) {
		newID, err := d.pf.AllocatePageID()
		if err != nil {
			return 0, fmt.Errorf("dictionary: allocate next page: %w", err)
		}
		np := NewPage(d.pf.PageSize(), PageTypeDictionary, newID)
		putU16(np.Data[PageHeaderSize:PageHeaderSize+2], 0)
		np.Seal()
		if err := d.pf.WritePageImmediate(newID, np); err != nil {
			return 0, err
		}
		p.SetNextPageID(newID)
		p.Seal()
		if err := d.pf.WritePageImmediate(d.tailID, p); err != nil {
			return 0, err
		}
		d.tailID = newID
		p = np
		count = 0
		used = PageHeaderSize + 2
	}

	copy(p.Data[used:], entry)
	putU16(p.Data[PageHeaderSize:PageHeaderSize+2], uint16(count+1))
	p.Seal()
	if err := d.pf.WritePageImmediate(d.tailID, p); err != nil {
		return 0, err
	}

	id := d.nextID
	d.nextID++
	d.byName[name] = id
	d.byID[id] = name
	return id, nil
}

func getU16(b []byte) uint16       { return uint16(b[0]) | uint16(b[1])<<8 }
func putU16(b []byte, v uint16)    { b[0] = byte(v); b[1] = byte(v >> 8) }
