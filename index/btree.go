package index

import (
	"fmt"
	"sort"

	"github.com/blitedb/blite/blerr"
	"github.com/blitedb/blite/document"
	"github.com/blitedb/blite/storage"
)

// Node layout within a B-tree page, after storage.PageHeaderSize:
//
//	nodeType byte (0 = internal, 1 = leaf)
//	numKeys  uint16
//
// Leaf nodes additionally carry sibling links in both directions so a
// cursor can walk backward as well as forward, which the teacher's
// singly-linked leaf chain cannot do:
//
//	prevLeaf uint32
//	nextLeaf uint32
//	entries: { keyLen uint16, key []byte, pageId uint32, slotIndex uint16 }...
//
// Internal nodes store one more child than key:
//
//	child0 uint32
//	entries: { keyLen uint16, key []byte, child uint32 }...
const (
	nodeTypeOff     = storage.PageHeaderSize
	numKeysOff      = nodeTypeOff + 1
	prevLeafOff     = numKeysOff + 2
	nextLeafOff     = prevLeafOff + 4
	leafDataOff     = nextLeafOff + 4
	internalDataOff = numKeysOff + 2

	nodeTypeInternal = byte(0)
	nodeTypeLeaf     = byte(1)

	entryLocationSize = 4 + 2 // pageId + slotIndex
)

// entry is a (Key, Location) pair stored in a leaf.
type entry struct {
	Key Key
	Loc document.Location
}

// internalNode is an internal node loaded into memory.
type internalNode struct {
	keys     []Key
	children []uint32 // len == len(keys) + 1
}

// BTreeIndex is BLite's B-tree secondary-index engine: an ordered map
// from a tagged Key to a document.Location, persisted as a page chain
// through a storage.StorageEngine. Every operation is parameterized by
// the caller's *storage.Transaction (spec.md §4.5), so a B-tree split or
// a leaf-link repair touches several pages that only become visible, and
// only become durable, together at the caller's tx.Commit() — a crash
// mid-split leaves the prior committed tree intact rather than a
// half-written structure. Grounded on the teacher's index/btree.go
// (BTree/insertRecursive/insertIntoLeaf/insertIntoInternal/RangeScan/
// Lookup/Remove), generalized from a flat string key and uint64 record id
// to the tagged Key/document.Location pair, from a fixed 4096-byte page
// to the engine's configurable page size, from a forward-only leaf chain
// to sibling links in both directions, from the teacher's unconditional
// immediate page write to the engine's transactional ReadPage/WritePage,
// and with unique-index duplicate rejection the teacher's index never
// needed (the teacher only ever builds non-unique field indexes).
type BTreeIndex struct {
	engine     *storage.StorageEngine
	RootPageID uint32
	Unique     bool
}

func maxLeafPayload(pageSize int) int     { return pageSize - leafDataOff }
func maxInternalPayload(pageSize int) int { return pageSize - internalDataOff }

// CreateBTreeIndex allocates a fresh, empty index (a single empty leaf
// root) within tx. The index is not durable, nor visible to any other
// transaction, until tx.Commit() succeeds.
func CreateBTreeIndex(engine *storage.StorageEngine, tx *storage.Transaction, unique bool) (*BTreeIndex, error) {
	page, err := engine.AllocatePage(storage.PageTypeBTreeLeaf)
	if err != nil {
		return nil, fmt.Errorf("index: allocate root: %w", err)
	}
	writeLeafNode(page, nil, 0, 0)
	page.Seal()
	if err := engine.WritePage(tx, page); err != nil {
		return nil, err
	}
	return &BTreeIndex{engine: engine, RootPageID: page.PageID(), Unique: unique}, nil
}

// OpenBTreeIndex attaches to an existing index by its root page id. No
// transaction is needed: attaching only records the root page id, it
// performs no I/O.
func OpenBTreeIndex(engine *storage.StorageEngine, rootID uint32, unique bool) *BTreeIndex {
	return &BTreeIndex{engine: engine, RootPageID: rootID, Unique: unique}
}

// ---------- node codec ----------

func nodeIsLeaf(page *storage.Page) bool {
	return page.Data[nodeTypeOff] == nodeTypeLeaf
}

func readLeafEntries(page *storage.Page) []entry {
	num := getU16(page.Data[numKeysOff : numKeysOff+2])
	off := leafDataOff
	entries := make([]entry, 0, num)
	for i := 0; i < int(num); i++ {
		kl := int(getU16(page.Data[off : off+2]))
		off += 2
		key := append(Key(nil), page.Data[off:off+kl]...)
		off += kl
		pageID := getU32(page.Data[off : off+4])
		off += 4
		slotIndex := getU16(page.Data[off : off+2])
		off += 2
		entries = append(entries, entry{Key: key, Loc: document.Location{PageID: pageID, SlotIndex: slotIndex}})
	}
	return entries
}

func readLeafSiblings(page *storage.Page) (prev, next uint32) {
	return getU32(page.Data[prevLeafOff : prevLeafOff+4]), getU32(page.Data[nextLeafOff : nextLeafOff+4])
}

func writeLeafNode(page *storage.Page, entries []entry, prev, next uint32) {
	page.Data[nodeTypeOff] = nodeTypeLeaf
	putU16(page.Data[numKeysOff:numKeysOff+2], uint16(len(entries)))
	putU32(page.Data[prevLeafOff:prevLeafOff+4], prev)
	putU32(page.Data[nextLeafOff:nextLeafOff+4], next)
	off := leafDataOff
	for _, e := range entries {
		putU16(page.Data[off:off+2], uint16(len(e.Key)))
		off += 2
		copy(page.Data[off:], e.Key)
		off += len(e.Key)
		putU32(page.Data[off:off+4], e.Loc.PageID)
		off += 4
		putU16(page.Data[off:off+2], e.Loc.SlotIndex)
		off += 2
	}
}

func readInternalNode(page *storage.Page) internalNode {
	numKeys := getU16(page.Data[numKeysOff : numKeysOff+2])
	off := internalDataOff
	node := internalNode{
		keys:     make([]Key, 0, numKeys),
		children: make([]uint32, 0, numKeys+1),
	}
	node.children = append(node.children, getU32(page.Data[off:off+4]))
	off += 4
	for i := 0; i < int(numKeys); i++ {
		kl := int(getU16(page.Data[off : off+2]))
		off += 2
		key := append(Key(nil), page.Data[off:off+kl]...)
		off += kl
		child := getU32(page.Data[off : off+4])
		off += 4
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
	}
	return node
}

func writeInternalNode(page *storage.Page, node internalNode) {
	page.Data[nodeTypeOff] = nodeTypeInternal
	putU16(page.Data[numKeysOff:numKeysOff+2], uint16(len(node.keys)))
	off := internalDataOff
	putU32(page.Data[off:off+4], node.children[0])
	off += 4
	for i, key := range node.keys {
		putU16(page.Data[off:off+2], uint16(len(key)))
		off += 2
		copy(page.Data[off:], key)
		off += len(key)
		putU32(page.Data[off:off+4], node.children[i+1])
		off += 4
	}
}

func leafEntriesSize(entries []entry) int {
	s := 0
	for _, e := range entries {
		s += 2 + len(e.Key) + entryLocationSize
	}
	return s
}

func internalNodeSize(node internalNode) int {
	s := 4
	for _, k := range node.keys {
		s += 2 + len(k) + 4
	}
	return s
}

func getU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// ---------- traversal ----------

// readPage loads a B-tree node page through tx: tx's own uncommitted
// writes are visible to it, and to no other transaction, until commit.
func (bt *BTreeIndex) readPage(tx *storage.Transaction, id uint32) (*storage.Page, error) {
	p, err := bt.engine.ReadPage(tx, id)
	if err != nil {
		return nil, fmt.Errorf("index: read page %d: %w", id, err)
	}
	if (p.Type() != storage.PageTypeBTreeInternal && p.Type() != storage.PageTypeBTreeLeaf) || !p.VerifyChecksum() {
		return nil, fmt.Errorf("index: page %d: %w", id, blerr.IndexCorrupt)
	}
	return p, nil
}

func (bt *BTreeIndex) findLeaf(tx *storage.Transaction, key Key) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.readPage(tx, pageID)
		if err != nil {
			return nil, err
		}
		if nodeIsLeaf(page) {
			return page, nil
		}
		node := readInternalNode(page)
		childIdx := sort.Search(len(node.keys), func(i int) bool {
			return Compare(node.keys[i], key) > 0
		})
		pageID = node.children[childIdx]
	}
}

func (bt *BTreeIndex) findLeftmostLeaf(tx *storage.Transaction) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.readPage(tx, pageID)
		if err != nil {
			return nil, err
		}
		if nodeIsLeaf(page) {
			return page, nil
		}
		node := readInternalNode(page)
		pageID = node.children[0]
	}
}

func (bt *BTreeIndex) findRightmostLeaf(tx *storage.Transaction) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.readPage(tx, pageID)
		if err != nil {
			return nil, err
		}
		if nodeIsLeaf(page) {
			return page, nil
		}
		node := readInternalNode(page)
		pageID = node.children[len(node.children)-1]
	}
}

// ---------- Lookup ----------

// Lookup returns every Location recorded under key, as of tx's snapshot.
func (bt *BTreeIndex) Lookup(tx *storage.Transaction, key Key) ([]document.Location, error) {
	page, err := bt.findLeaf(tx, key)
	if err != nil {
		return nil, err
	}
	var result []document.Location
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			c := Compare(e.Key, key)
			if c == 0 {
				result = append(result, e.Loc)
			} else if c > 0 {
				return result, nil
			}
		}
		_, next := readLeafSiblings(page)
		if next == 0 {
			break
		}
		page, err = bt.readPage(tx, next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Direction selects which way a range scan walks the leaf chain.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// RangeScan returns every (Key, Location) with Compare(key, lo) >= 0 and
// Compare(key, hi) <= 0, walking forward or backward across leaves as of
// tx's snapshot. Passing MinKey()/MaxKey() for lo/hi makes either bound
// unconstrained.
func (bt *BTreeIndex) RangeScan(tx *storage.Transaction, lo, hi Key, dir Direction) ([]document.Location, error) {
	var page *storage.Page
	var err error
	if dir == Forward {
		page, err = bt.findLeaf(tx, lo)
	} else {
		page, err = bt.findLeaf(tx, hi)
	}
	if err != nil {
		return nil, err
	}

	var result []document.Location
	for page != nil {
		entries := readLeafEntries(page)
		if dir == Backward {
			for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
		for _, e := range entries {
			if Compare(e.Key, lo) < 0 {
				continue
			}
			if Compare(e.Key, hi) > 0 {
				if dir == Forward {
					return result, nil
				}
				continue
			}
			result = append(result, e.Loc)
		}
		prev, next := readLeafSiblings(page)
		var nextID uint32
		if dir == Forward {
			nextID = next
		} else {
			nextID = prev
		}
		if nextID == 0 {
			break
		}
		page, err = bt.readPage(tx, nextID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Equal returns every Location stored under an exact key match.
func (bt *BTreeIndex) Equal(tx *storage.Transaction, key Key) ([]document.Location, error) {
	return bt.Lookup(tx, key)
}

// GreaterThan returns every Location whose key is strictly greater than key.
func (bt *BTreeIndex) GreaterThan(tx *storage.Transaction, key Key) ([]document.Location, error) {
	locs, err := bt.RangeScan(tx, key, MaxKey(), Forward)
	if err != nil {
		return nil, err
	}
	return bt.excludeBoundary(tx, locs, key)
}

// LessThan returns every Location whose key is strictly less than key.
func (bt *BTreeIndex) LessThan(tx *storage.Transaction, key Key) ([]document.Location, error) {
	locs, err := bt.RangeScan(tx, MinKey(), key, Forward)
	if err != nil {
		return nil, err
	}
	return bt.excludeBoundary(tx, locs, key)
}

// excludeBoundary drops every Location that is also reachable under an
// exact match on boundary, used to turn an inclusive RangeScan into a
// strict GreaterThan/LessThan.
func (bt *BTreeIndex) excludeBoundary(tx *storage.Transaction, locs []document.Location, boundary Key) ([]document.Location, error) {
	equalLocs, err := bt.Lookup(tx, boundary)
	if err != nil {
		return nil, err
	}
	if len(equalLocs) == 0 {
		return locs, nil
	}
	equalSet := make(map[document.Location]bool, len(equalLocs))
	for _, l := range equalLocs {
		equalSet[l] = true
	}
	out := locs[:0]
	for _, l := range locs {
		if !equalSet[l] {
			out = append(out, l)
		}
	}
	return out, nil
}

// Between returns every Location with Compare(key, lo) >= 0 and
// Compare(key, hi) <= 0 (inclusive on both ends).
func (bt *BTreeIndex) Between(tx *storage.Transaction, lo, hi Key) ([]document.Location, error) {
	return bt.RangeScan(tx, lo, hi, Forward)
}

// StartsWith returns every Location whose key begins with prefix, using
// PrefixUpperBound to bound the scan.
func (bt *BTreeIndex) StartsWith(tx *storage.Transaction, prefix Key) ([]document.Location, error) {
	upper := PrefixUpperBound(prefix)
	locs, err := bt.RangeScan(tx, prefix, upper, Forward)
	if err != nil {
		return nil, err
	}
	return bt.excludeBoundary(tx, locs, upper)
}

// In returns every Location stored under any of keys.
func (bt *BTreeIndex) In(tx *storage.Transaction, keys []Key) ([]document.Location, error) {
	var result []document.Location
	for _, k := range keys {
		locs, err := bt.Lookup(tx, k)
		if err != nil {
			return nil, err
		}
		result = append(result, locs...)
	}
	return result, nil
}

// ---------- Insert ----------

type splitResult struct {
	key       Key
	newPageID uint32
}

// Insert adds (key, loc) within tx. Against a unique index, Insert first
// checks for an existing entry under key and returns blerr.DuplicateKey
// without mutating the tree if one is found — the teacher's index never
// builds a unique index, so this check is new. A root split allocates a
// new root page and writes both halves through tx; none of it is visible
// to another transaction, nor survives a crash, until tx.Commit().
func (bt *BTreeIndex) Insert(tx *storage.Transaction, key Key, loc document.Location) error {
	if bt.Unique {
		existing, err := bt.Lookup(tx, key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("index: insert: %w", blerr.DuplicateKey)
		}
	}
	split, err := bt.insertRecursive(tx, bt.RootPageID, key, loc)
	if err != nil {
		return err
	}
	if split != nil {
		newRoot, err := bt.engine.AllocatePage(storage.PageTypeBTreeInternal)
		if err != nil {
			return err
		}
		writeInternalNode(newRoot, internalNode{
			keys:     []Key{split.key},
			children: []uint32{bt.RootPageID, split.newPageID},
		})
		newRoot.Seal()
		if err := bt.engine.WritePage(tx, newRoot); err != nil {
			return err
		}
		bt.RootPageID = newRoot.PageID()
	}
	return nil
}

func (bt *BTreeIndex) insertRecursive(tx *storage.Transaction, pageID uint32, key Key, loc document.Location) (*splitResult, error) {
	page, err := bt.readPage(tx, pageID)
	if err != nil {
		return nil, err
	}
	if nodeIsLeaf(page) {
		return bt.insertIntoLeaf(tx, page, key, loc)
	}
	node := readInternalNode(page)
	childIdx := sort.Search(len(node.keys), func(i int) bool {
		return Compare(node.keys[i], key) > 0
	})
	childSplit, err := bt.insertRecursive(tx, node.children[childIdx], key, loc)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(tx, page, node, childIdx, childSplit)
}

func (bt *BTreeIndex) insertIntoLeaf(tx *storage.Transaction, page *storage.Page, key Key, loc document.Location) (*splitResult, error) {
	entries := readLeafEntries(page)
	prev, next := readLeafSiblings(page)

	pos := sort.Search(len(entries), func(i int) bool {
		c := Compare(entries[i].Key, key)
		if c == 0 {
			return entries[i].Loc.PageID >= loc.PageID && entries[i].Loc.SlotIndex >= loc.SlotIndex
		}
		return c >= 0
	})
	entries = append(entries, entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry{Key: key, Loc: loc}

	if leafEntriesSize(entries) <= maxLeafPayload(len(page.Data)) {
		writeLeafNode(page, entries, prev, next)
		page.Seal()
		return nil, bt.engine.WritePage(tx, page)
	}

	mid := len(entries) / 2
	leftEntries := append([]entry(nil), entries[:mid]...)
	rightEntries := append([]entry(nil), entries[mid:]...)

	newPage, err := bt.engine.AllocatePage(storage.PageTypeBTreeLeaf)
	if err != nil {
		return nil, err
	}
	writeLeafNode(newPage, rightEntries, page.PageID(), next)
	newPage.Seal()
	if err := bt.engine.WritePage(tx, newPage); err != nil {
		return nil, err
	}
	newPageID := newPage.PageID()

	if next != 0 {
		nextPage, err := bt.readPage(tx, next)
		if err != nil {
			return nil, err
		}
		nEntries := readLeafEntries(nextPage)
		_, nNext := readLeafSiblings(nextPage)
		writeLeafNode(nextPage, nEntries, newPageID, nNext)
		nextPage.Seal()
		if err := bt.engine.WritePage(tx, nextPage); err != nil {
			return nil, err
		}
	}

	writeLeafNode(page, leftEntries, prev, newPageID)
	page.Seal()
	if err := bt.engine.WritePage(tx, page); err != nil {
		return nil, err
	}

	return &splitResult{key: rightEntries[0].Key, newPageID: newPageID}, nil
}

func (bt *BTreeIndex) insertIntoInternal(tx *storage.Transaction, page *storage.Page, node internalNode, childIdx int, split *splitResult) (*splitResult, error) {
	node.keys = append(node.keys, nil)
	copy(node.keys[childIdx+1:], node.keys[childIdx:])
	node.keys[childIdx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[childIdx+2:], node.children[childIdx+1:])
	node.children[childIdx+1] = split.newPageID

	if internalNodeSize(node) <= maxInternalPayload(len(page.Data)) {
		writeInternalNode(page, node)
		page.Seal()
		return nil, bt.engine.WritePage(tx, page)
	}

	mid := len(node.keys) / 2
	pushUpKey := node.keys[mid]

	leftNode := internalNode{
		keys:     append([]Key(nil), node.keys[:mid]...),
		children: append([]uint32(nil), node.children[:mid+1]...),
	}
	rightNode := internalNode{
		keys:     append([]Key(nil), node.keys[mid+1:]...),
		children: append([]uint32(nil), node.children[mid+1:]...),
	}

	newPage, err := bt.engine.AllocatePage(storage.PageTypeBTreeInternal)
	if err != nil {
		return nil, err
	}
	writeInternalNode(newPage, rightNode)
	newPage.Seal()
	if err := bt.engine.WritePage(tx, newPage); err != nil {
		return nil, err
	}

	writeInternalNode(page, leftNode)
	page.Seal()
	if err := bt.engine.WritePage(tx, page); err != nil {
		return nil, err
	}

	return &splitResult{key: pushUpKey, newPageID: newPage.PageID()}, nil
}

// ---------- Remove ----------

// Remove deletes the (key, loc) entry from its leaf, within tx. No
// rebalancing is performed — an emptied leaf is left in the chain (the
// teacher's own design choice, documented there as compactable via a
// future vacuum pass rather than eagerly merged).
func (bt *BTreeIndex) Remove(tx *storage.Transaction, key Key, loc document.Location) error {
	page, err := bt.findLeaf(tx, key)
	if err != nil {
		return err
	}
	entries := readLeafEntries(page)
	prev, next := readLeafSiblings(page)
	for i, e := range entries {
		if Compare(e.Key, key) == 0 && e.Loc == loc {
			entries = append(entries[:i], entries[i+1:]...)
			writeLeafNode(page, entries, prev, next)
			page.Seal()
			return bt.engine.WritePage(tx, page)
		}
	}
	return fmt.Errorf("index: remove: %w", blerr.NotFound)
}

// entryPair is one (Key, Location) pair returned by AllEntries.
type entryPair struct {
	Key Key
	Loc document.Location
}

// AllEntries walks every leaf left to right, returning every (Key, Location)
// pair visible under tx's snapshot. Used by tests and by vacuum-style
// maintenance, not by any hot path.
func (bt *BTreeIndex) AllEntries(tx *storage.Transaction) ([]entryPair, error) {
	page, err := bt.findLeftmostLeaf(tx)
	if err != nil {
		return nil, err
	}
	var result []entryPair
	for {
		for _, e := range readLeafEntries(page) {
			result = append(result, entryPair{Key: e.Key, Loc: e.Loc})
		}
		_, next := readLeafSiblings(page)
		if next == 0 {
			break
		}
		page, err = bt.readPage(tx, next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
