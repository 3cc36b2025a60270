package storage

import (
	"fmt"
	"sync"

	"github.com/blitedb/blite/blerr"
)

// IndexKind identifies the kind of secondary index a collection's
// CollectionMetadata describes. Vector and Spatial are recorded here so
// the catalog can round-trip a complete collection definition, but
// BLite's storage kernel only ever builds and walks the BTree kind
// itself — vector/geospatial index construction is a higher-level
// consumer's responsibility, consistent with them sitting outside the
// kernel's scope.
type IndexKind byte

const (
	IndexKindBTree IndexKind = iota
	IndexKindVector
	IndexKindSpatial
)

// SecondaryIndexDescriptor describes one secondary index attached to a
// collection.
type SecondaryIndexDescriptor struct {
	Name      string
	FieldPath string
	Kind      IndexKind
	Unique    bool
	RootPageID uint32
}

// TimeSeriesDescriptor optionally marks a collection as time-series
// partitioned; the storage kernel persists this but does not interpret
// it itself (time-series partitioning strategy lives above the kernel).
type TimeSeriesDescriptor struct {
	TSField     string
	RetentionMs int64
}

// CollectionMetadata is one collection's catalog entry (spec.md §4.8).
type CollectionMetadata struct {
	Name                    string
	PrimaryRootPageID       uint32
	SchemaHistoryRootPageID uint32
	KeyType                 Tag
	SecondaryIndexes        []SecondaryIndexDescriptor
	TimeSeries              *TimeSeriesDescriptor
}

// CollectionCatalog is the persisted directory of every collection in
// the database: a page chain of length-prefixed, BSON-like encoded
// CollectionMetadata records rooted at the file header's
// rootCatalogPageId. Grounded on the teacher's storage/pager.go
// collections map plus flushMeta/loadMetaPage, generalized from a
// single meta page embedding collection+index+view definitions together
// to its own page-chain type holding only CollectionMetadata, with
// secondary-index descriptors nested per spec.md rather than tracked in
// a separate top-level map.
type CollectionCatalog struct {
	mu      sync.RWMutex
	pf      *PageFile
	rootID  uint32
	byName  map[string]*CollectionMetadata
	order   []string
}

// OpenCollectionCatalog loads every record from the chain rooted at
// rootID (0 means an empty, freshly created database).
func OpenCollectionCatalog(pf *PageFile, rootID uint32) (*CollectionCatalog, error) {
	c := &CollectionCatalog{
		pf:     pf,
		rootID: rootID,
		byName: make(map[string]*CollectionMetadata),
	}
	id := rootID
	for id != 0 {
		p, err := pf.ReadPageCached(id)
		if err != nil {
			return nil, fmt.Errorf("catalog: read page %d: %w", id, err)
		}
		off := PageHeaderSize
		count := int(getU16(p.Data[off : off+2]))
		off += 2
		for i := 0; i < count; i++ {
			recLen := int(getU32(p.Data[off : off+4]))
			off += 4
			meta := decodeCollectionMetadata(p.Data[off : off+recLen])
			off += recLen
			if _, seen := c.byName[meta.Name]; !seen {
				c.order = append(c.order, meta.Name)
			}
			c.byName[meta.Name] = meta
		}
		id = p.NextPageID()
	}
	return c, nil
}

// RootPageID returns the catalog chain's head page id.
func (c *CollectionCatalog) RootPageID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootID
}

// Get returns a collection's metadata by name.
func (c *CollectionCatalog) Get(name string) (CollectionMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byName[name]
	if !ok {
		return CollectionMetadata{}, false
	}
	return *m, true
}

// List returns every collection's metadata in creation order.
func (c *CollectionCatalog) List() []CollectionMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CollectionMetadata, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, *c.byName[name])
	}
	return out
}

// GetOrCreate returns an existing collection's metadata, or creates,
// persists and returns a fresh one rooted by a newly allocated
// Slotted page for its primary store.
func (c *CollectionCatalog) GetOrCreate(name string, keyType Tag) (CollectionMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byName[name]; ok {
		return *m, nil
	}

	primaryRoot, err := c.pf.AllocatePageID()
	if err != nil {
		return CollectionMetadata{}, fmt.Errorf("catalog: allocate primary root: %w", err)
	}
	first := NewPage(c.pf.PageSize(), PageTypeSlotted, primaryRoot)
	first.Seal()
	if err := c.pf.WritePageImmediate(primaryRoot, first); err != nil {
		return CollectionMetadata{}, err
	}

	meta := &CollectionMetadata{
		Name:              name,
		PrimaryRootPageID: primaryRoot,
		KeyType:           keyType,
	}
	if err := c.appendRecord(meta); err != nil {
		return CollectionMetadata{}, err
	}
	c.byName[name] = meta
	c.order = append(c.order, name)
	return *meta, nil
}

// Save persists an updated CollectionMetadata (e.g. after a secondary
// index is added). The catalog is append-only: Save appends a fresh
// record rather than rewriting the old one in place, and in-memory
// lookups always resolve to the most recently appended record for a
// name. A follow-up checkpoint-time compaction could reclaim superseded
// records; the kernel does not need one for correctness since List/Get
// only ever consult the in-memory map.
func (c *CollectionCatalog) Save(meta CollectionMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[meta.Name]; !ok {
		return fmt.Errorf("catalog: save %q: %w", meta.Name, blerr.NotFound)
	}
	stored := meta
	if err := c.appendRecord(&stored); err != nil {
		return err
	}
	c.byName[meta.Name] = &stored
	return nil
}

// Drop removes a collection from the in-memory directory. The backing
// page chain entry is left in place (catalog is append-only); a
// subsequent OpenCollectionCatalog replay would need a tombstone record
// to forget it, which is not yet implemented: vacuum and similar
// maintenance operate on DocumentStore/BTreeIndex content, not on
// catalog entries, so a dropped name simply never resurfaces via
// Get/List for the lifetime of the in-memory catalog. The Open Question
// of a true catalog tombstone record is left to a future revision.
func (c *CollectionCatalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[name]; !ok {
		return fmt.Errorf("catalog: drop %q: %w", name, blerr.NotFound)
	}
	delete(c.byName, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (c *CollectionCatalog) appendRecord(meta *CollectionMetadata) error {
	enc := encodeCollectionMetadata(meta)

	if c.rootID == 0 {
		newID, err := c.pf.AllocatePageID()
		if err != nil {
			return fmt.Errorf("catalog: allocate first page: %w", err)
		}
		p := NewPage(c.pf.PageSize(), PageTypeCollectionCatalog, newID)
		putU16(p.Data[PageHeaderSize:PageHeaderSize+2], 0)
		p.Seal()
		if err := c.pf.WritePageImmediate(newID, p); err != nil {
			return err
		}
		c.rootID = newID
		if err := c.pf.SetCatalogRoot(newID); err != nil {
			return err
		}
	}

	tailID := c.tailPageID()
	p, err := c.pf.ReadPageCached(tailID)
	if err != nil {
		return fmt.Errorf("catalog: read tail page: %w", err)
	}
	count := int(getU16(p.Data[PageHeaderSize : PageHeaderSize+2]))
	used := c.usedBytes(p, count)

	if used+4+len(enc) > len(p.Data) {
		newID, err := c.pf.AllocatePageID()
		if err != nil {
			return fmt.Errorf("catalog: allocate next page: %w", err)
		}
		np := NewPage(c.pf.PageSize(), PageTypeCollectionCatalog, newID)
		putU16(np.Data[PageHeaderSize:PageHeaderSize+2], 0)
		np.Seal()
		if err := c.pf.WritePageImmediate(newID, np); err != nil {
			return err
		}
		p.SetNextPageID(newID)
		p.Seal()
		if err := c.pf.WritePageImmediate(tailID, p); err != nil {
			return err
		}
		tailID = newID
		p = np
		count = 0
		used = PageHeaderSize + 2
	}

	putU32(p.Data[used:used+4], uint32(len(enc)))
	copy(p.Data[used+4:], enc)
	putU16(p.Data[PageHeaderSize:PageHeaderSize+2], uint16(count+1))
	p.Seal()
	return c.pf.WritePageImmediate(tailID, p)
}

func (c *CollectionCatalog) usedBytes(p *Page, count int) int {
	used := PageHeaderSize + 2
	for i := 0; i < count; i++ {
		recLen := int(getU32(p.Data[used : used+4]))
		used += 4 + recLen
	}
	return used
}

func (c *CollectionCatalog) tailPageID() uint32 {
	id := c.rootID
	for {
		p, err := c.pf.ReadPageCached(id)
		if err != nil || p.NextPageID() == 0 {
			return id
		}
		id = p.NextPageID()
	}
}

// ---------- length-prefixed BSON-like encoding ----------
//
// record := name(lp-string) primaryRootPageId(u32) schemaHistoryRootPageId(u32)
//
//	keyType(u8) secondaryIndexCount(u16) secondaryIndex* hasTimeSeries(u8) [timeSeries]
//
// lp-string := len(u16) bytes

func putLPString(buf []byte, s string) []byte {
	var tmp [2]byte
	putU16(tmp[:], uint16(len(s)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, s...)
	return buf
}

func getLPString(b []byte, off int) (string, int) {
	n := int(getU16(b[off : off+2]))
	off += 2
	s := string(b[off : off+n])
	return s, off + n
}

func encodeCollectionMetadata(m *CollectionMetadata) []byte {
	buf := make([]byte, 0, 64)
	buf = putLPString(buf, m.Name)
	var u32buf [4]byte
	putU32(u32buf[:], m.PrimaryRootPageID)
	buf = append(buf, u32buf[:]...)
	putU32(u32buf[:], m.SchemaHistoryRootPageID)
	buf = append(buf, u32buf[:]...)
	buf = append(buf, byte(m.KeyType))

	var u16buf [2]byte
	putU16(u16buf[:], uint16(len(m.SecondaryIndexes)))
	buf = append(buf, u16buf[:]...)
	for _, idx := range m.SecondaryIndexes {
		buf = putLPString(buf, idx.Name)
		buf = putLPString(buf, idx.FieldPath)
		buf = append(buf, byte(idx.Kind))
		uniqueByte := byte(0)
		if idx.Unique {
			uniqueByte = 1
		}
		buf = append(buf, uniqueByte)
		putU32(u32buf[:], idx.RootPageID)
		buf = append(buf, u32buf[:]...)
	}

	if m.TimeSeries != nil {
		buf = append(buf, 1)
		buf = putLPString(buf, m.TimeSeries.TSField)
		var u64buf [8]byte
		putU64(u64buf[:], uint64(m.TimeSeries.RetentionMs))
		buf = append(buf, u64buf[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeCollectionMetadata(b []byte) *CollectionMetadata {
	m := &CollectionMetadata{}
	off := 0
	m.Name, off = getLPString(b, off)
	m.PrimaryRootPageID = getU32(b[off : off+4])
	off += 4
	m.SchemaHistoryRootPageID = getU32(b[off : off+4])
	off += 4
	m.KeyType = Tag(b[off])
	off++

	count := int(getU16(b[off : off+2]))
	off += 2
	m.SecondaryIndexes = make([]SecondaryIndexDescriptor, 0, count)
	for i := 0; i < count; i++ {
		var idx SecondaryIndexDescriptor
		idx.Name, off = getLPString(b, off)
		idx.FieldPath, off = getLPString(b, off)
		idx.Kind = IndexKind(b[off])
		off++
		idx.Unique = b[off] != 0
		off++
		idx.RootPageID = getU32(b[off : off+4])
		off += 4
		m.SecondaryIndexes = append(m.SecondaryIndexes, idx)
	}

	hasTS := b[off]
	off++
	if hasTS == 1 {
		ts := &TimeSeriesDescriptor{}
		ts.TSField, off = getLPString(b, off)
		ts.RetentionMs = int64(getU64(b[off : off+8]))
		m.TimeSeries = ts
	}
	return m
}
