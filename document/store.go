package document

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"

	"github.com/blitedb/blite/blerr"
	"github.com/blitedb/blite/storage"
)

// Store is a collection's primary record store: a chain of
// storage.PageTypeSlotted pages rooted at PrimaryRootPageID, linked via
// each page's NextPageID. Grounded on the teacher's Pager methods
// operating directly on the page file (InsertRecordAtomic/
// UpdateRecordAtomic/ReadOverflowData/FreeOverflowPages), generalized so
// every read goes through a caller-supplied storage.Transaction's
// snapshot (storage.StorageEngine.ReadPage) and every mutation is
// buffered into that transaction's private write set
// (storage.StorageEngine.WritePage) instead of writing the page file
// immediately: a Store mutation becomes durable and visible to other
// readers only when the caller commits tx, so a multi-page operation
// (an overflow chain, a chain-linking page grow) is all-or-nothing
// across a crash, and a concurrent reader's snapshot never observes a
// half-finished Insert/Update/Delete (spec.md §2/§4.3/§4.6).
type Store struct {
	mu         sync.Mutex
	engine     *storage.StorageEngine
	collection string
	rootID     uint32
}

// OpenStore attaches a Store to a collection's primary root page.
// collection is the name under which the engine's CollectionCatalog
// tracks this store's root, needed by Vacuum to publish a relocated
// root page.
func OpenStore(engine *storage.StorageEngine, collection string, rootPageID uint32) *Store {
	return &Store{engine: engine, collection: collection, rootID: rootPageID}
}

// Insert compresses data with snappy when that shrinks it, spills to an
// overflow chain when the stored form exceeds the engine's configured
// inline threshold, and appends a slot to the first page in the chain
// with room (else grows the chain with a freshly allocated page). Every
// page touched is buffered into tx; the insert is not durable or
// visible to another transaction until tx.Commit. Grounded on the
// teacher's InsertRecordAtomic/compressRecord/insertOverflowRecord.
func (s *Store) Insert(tx *storage.Transaction, data []byte) (Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(tx, data)
}

// insertLocked is Insert's body, callable by Update while s.mu is
// already held so a move-on-size-change doesn't need to drop and
// reacquire the lock.
func (s *Store) insertLocked(tx *storage.Transaction, data []byte) (Location, error) {
	storeData, flag := compressRecord(data)

	payload := storeData
	if len(storeData) > s.engine.MaxInlineRecordSize() {
		firstOverflow, err := s.writeOverflowChain(tx, storeData)
		if err != nil {
			return Location{}, err
		}
		payload = storage.EncodeOverflowStub(uint32(len(storeData)), firstOverflow)
		flag |= storage.SlotFlagOverflow
	}

	pageID, page, err := s.findOrGrowPageWithRoom(tx, len(payload))
	if err != nil {
		return Location{}, err
	}
	idx, ok := page.AppendSlot(payload, flag)
	if !ok {
		return Location{}, fmt.Errorf("document: store: page %d reports room but AppendSlot failed", pageID)
	}
	page.Seal()
	if err := s.engine.WritePage(tx, page); err != nil {
		return Location{}, err
	}
	return Location{PageID: pageID, SlotIndex: idx}, nil
}

// findOrGrowPageWithRoom walks the chain from rootID looking for a page
// with slotEntrySize+payloadLen bytes free, allocating and linking a
// new PageTypeSlotted page at the tail if none has room. The new page
// and the link rewritten into the prior tail page are both buffered
// into the same tx as the slot append that follows, so a crash between
// linking and inserting never leaves a page reachable from the chain
// with no corresponding committed slot write.
func (s *Store) findOrGrowPageWithRoom(tx *storage.Transaction, payloadLen int) (uint32, *storage.Page, error) {
	pageID := s.rootID
	var last *storage.Page
	var lastID uint32
	for pageID != 0 {
		p, err := s.engine.ReadPage(tx, pageID)
		if err != nil {
			return 0, nil, err
		}
		if p.FreeSpace() >= 5+payloadLen {
			return pageID, p, nil
		}
		last, lastID = p, pageID
		pageID = p.NextPageID()
	}

	fresh, err := s.engine.AllocatePage(storage.PageTypeSlotted)
	if err != nil {
		return 0, nil, err
	}
	last.SetNextPageID(fresh.PageID())
	last.Seal()
	if err := s.engine.WritePage(tx, last); err != nil {
		return 0, nil, err
	}
	return fresh.PageID(), fresh, nil
}

// Read returns a record's decompressed, reassembled bytes as of tx's
// snapshot, or blerr.NotFound if the slot is tombstoned or absent.
func (s *Store) Read(tx *storage.Transaction, loc Location) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(tx, loc)
}

func (s *Store) read(tx *storage.Transaction, loc Location) ([]byte, error) {
	p, err := s.engine.ReadPage(tx, loc.PageID)
	if err != nil {
		return nil, err
	}
	payload, slot, ok := p.ReadSlotPayload(loc.SlotIndex)
	if !ok || slot.Flags&storage.SlotFlagTombstone != 0 {
		return nil, fmt.Errorf("document: store: read %+v: %w", loc, blerr.NotFound)
	}

	storeData := payload
	if slot.Flags&storage.SlotFlagOverflow != 0 {
		totalLen, firstOverflow := storage.DecodeOverflowStub(payload)
		storeData, err = s.readOverflowChain(tx, firstOverflow, int(totalLen))
		if err != nil {
			return nil, err
		}
	}
	if slot.Flags&storage.SlotFlagCompressed != 0 {
		return snappy.Decode(nil, storeData)
	}
	return storeData, nil
}

// Update replaces a record's bytes. If the new compressed form has
// exactly the slot's current length (and neither the old nor the new
// form overflows), it is rewritten in place and Location is unchanged;
// a shorter form is not rewritten in place and moves like a longer one:
// the old slot (and any overflow chain it owned) is freed and
// the new bytes are inserted fresh, returning a new Location. Every page
// touched — in either branch — is buffered into tx, so the move-on-size-
// change branch's free-then-insert sequence commits atomically: a crash
// partway through can never leave the old slot freed with no new
// location written, or vice versa. Grounded on the teacher's
// UpdateRecordAtomic move-on-size-change semantics.
func (s *Store) Update(tx *storage.Transaction, loc Location, data []byte) (Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.engine.ReadPage(tx, loc.PageID)
	if err != nil {
		return Location{}, err
	}
	oldSlot, ok := p.Slot(loc.SlotIndex)
	if !ok || oldSlot.Flags&storage.SlotFlagTombstone != 0 {
		return Location{}, fmt.Errorf("document: store: update %+v: %w", loc, blerr.NotFound)
	}

	storeData, flag := compressRecord(data)

	if len(storeData) <= s.engine.MaxInlineRecordSize() && oldSlot.Flags&storage.SlotFlagOverflow == 0 &&
		int(oldSlot.Length) == len(storeData) {
		p.UpdateSlotInPlace(loc.SlotIndex, storeData)
		p.SetSlotFlags(loc.SlotIndex, flag)
		p.Seal()
		if err := s.engine.WritePage(tx, p); err != nil {
			return Location{}, err
		}
		return loc, nil
	}

	if err := s.freeSlot(tx, p, loc, oldSlot); err != nil {
		return Location{}, err
	}
	p.Seal()
	if err := s.engine.WritePage(tx, p); err != nil {
		return Location{}, err
	}
	return s.insertLocked(tx, data)
}

// Delete tombstones a record's slot, freeing any overflow chain it
// owned. The slot index itself is never reused until a future vacuum
// compacts the page.
func (s *Store) Delete(tx *storage.Transaction, loc Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.engine.ReadPage(tx, loc.PageID)
	if err != nil {
		return err
	}
	slot, ok := p.Slot(loc.SlotIndex)
	if !ok || slot.Flags&storage.SlotFlagTombstone != 0 {
		return fmt.Errorf("document: store: delete %+v: %w", loc, blerr.NotFound)
	}
	if err := s.freeSlot(tx, p, loc, slot); err != nil {
		return err
	}
	p.Seal()
	return s.engine.WritePage(tx, p)
}

// freeSlot marks a slot tombstoned and, if it held an overflow stub,
// frees the overflow chain via the free-space map. Caller seals and
// writes the page back.
func (s *Store) freeSlot(tx *storage.Transaction, p *storage.Page, loc Location, slot storage.SlotEntry) error {
	if slot.Flags&storage.SlotFlagOverflow != 0 {
		payload, _, _ := p.ReadSlotPayload(loc.SlotIndex)
		_, firstOverflow := storage.DecodeOverflowStub(payload)
		if err := s.freeOverflowChain(tx, firstOverflow); err != nil {
			return err
		}
	}
	p.MarkTombstone(loc.SlotIndex)
	return nil
}

// Scan walks every live record in the collection, as of tx's snapshot,
// in page-chain order, calling fn with each Location and its
// decompressed bytes. Scanning stops early if fn returns false.
func (s *Store) Scan(tx *storage.Transaction, fn func(Location, []byte) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pageID := s.rootID
	for pageID != 0 {
		p, err := s.engine.ReadPage(tx, pageID)
		if err != nil {
			return err
		}
		for i := uint16(0); i < p.ItemCount(); i++ {
			slot, _ := p.Slot(i)
			if slot.Flags&storage.SlotFlagTombstone != 0 {
				continue
			}
			loc := Location{PageID: pageID, SlotIndex: i}
			data, err := s.read(tx, loc)
			if err != nil {
				return err
			}
			cont, err := fn(loc, data)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		pageID = p.NextPageID()
	}
	return nil
}

// ---------- overflow chain ----------

func (s *Store) writeOverflowChain(tx *storage.Transaction, data []byte) (uint32, error) {
	chunkSize := storage.OverflowCapacity(s.engine.PageSize())

	var firstID, prevID uint32
	var prevPage *storage.Page
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		page, err := s.engine.AllocatePage(storage.PageTypeOverflow)
		if err != nil {
			return 0, err
		}
		page.WriteOverflowChunk(data[off:end])
		page.Seal()
		if err := s.engine.WritePage(tx, page); err != nil {
			return 0, err
		}
		if firstID == 0 {
			firstID = page.PageID()
		}
		if prevPage != nil {
			prevPage.SetNextPageID(page.PageID())
			prevPage.Seal()
			if err := s.engine.WritePage(tx, prevPage); err != nil {
				return 0, err
			}
		}
		prevID, prevPage = page.PageID(), page
	}
	return firstID, nil
}

func (s *Store) readOverflowChain(tx *storage.Transaction, firstPageID uint32, totalLen int) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	pageID := firstPageID
	for pageID != 0 && len(out) < totalLen {
		p, err := s.engine.ReadPage(tx, pageID)
		if err != nil {
			return nil, err
		}
		remaining := totalLen - len(out)
		out = append(out, p.ReadOverflowChunk(remaining)...)
		pageID = p.NextPageID()
	}
	if len(out) != totalLen {
		return nil, fmt.Errorf("document: store: overflow chain from page %d: %w", firstPageID, blerr.PageCorrupt)
	}
	return out, nil
}

func (s *Store) freeOverflowChain(tx *storage.Transaction, firstPageID uint32) error {
	pageID := firstPageID
	for pageID != 0 {
		p, err := s.engine.ReadPage(tx, pageID)
		if err != nil {
			return err
		}
		next := p.NextPageID()
		if err := s.engine.DeallocatePage(pageID); err != nil {
			return err
		}
		pageID = next
	}
	return nil
}

// compressRecord mirrors the teacher's compressRecord: snappy-encode,
// keep the compressed form only if it is actually smaller.
func compressRecord(data []byte) ([]byte, byte) {
	compressed := snappy.Encode(nil, data)
	if len(compressed) < len(data) {
		return compressed, storage.SlotFlagCompressed
	}
	return data, 0
}

// Vacuum rewrites this collection's live records into a fresh page
// chain, reclaiming every tombstoned slot's space and returning every
// retired page to the FreeSpaceMap. It returns the number of
// tombstones reclaimed (0 without touching anything if there were
// none). Every relocated record and the fresh chain itself are buffered
// into tx; deallocating the retired pages and publishing the new root
// to the catalog happen only after every record has been rewritten
// under tx, so a crash mid-vacuum leaves the previous chain intact
// rather than a half-migrated one. Grounded on the teacher's
// Pager.VacuumCollection, with two deliberate departures: the teacher
// never frees its retired pages ("v1" — marks them stale but leaves
// them allocated), here every retired page is handed to the
// FreeSpaceMap for reuse; and since BLite's secondary indexes point at
// a stable (pageId, slotIndex) rather than the teacher's synthetic
// record id, every record that moves invokes reindex(oldLocation,
// newLocation) so the caller (which owns the BTreeIndex entries
// referencing this collection) can patch them before the old page is
// freed out from under a stale pointer.
func (s *Store) Vacuum(tx *storage.Transaction, reindex func(old, new Location) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type liveRecord struct {
		old  Location
		data []byte
	}
	var live []liveRecord
	var oldPageIDs []uint32
	tombstones := 0

	pageID := s.rootID
	for pageID != 0 {
		p, err := s.engine.ReadPage(tx, pageID)
		if err != nil {
			return 0, err
		}
		oldPageIDs = append(oldPageIDs, pageID)
		for i := uint16(0); i < p.ItemCount(); i++ {
			slot, _ := p.Slot(i)
			loc := Location{PageID: pageID, SlotIndex: i}
			if slot.Flags&storage.SlotFlagTombstone != 0 {
				tombstones++
				continue
			}
			data, err := s.read(tx, loc)
			if err != nil {
				return 0, err
			}
			live = append(live, liveRecord{old: loc, data: data})
		}
		pageID = p.NextPageID()
	}
	if tombstones == 0 {
		return 0, nil
	}

	fresh, err := s.engine.AllocatePage(storage.PageTypeSlotted)
	if err != nil {
		return 0, err
	}
	fresh.Seal()
	if err := s.engine.WritePage(tx, fresh); err != nil {
		return 0, err
	}
	s.rootID = fresh.PageID()

	for _, rec := range live {
		newLoc, err := s.insertLocked(tx, rec.data)
		if err != nil {
			return 0, err
		}
		if reindex != nil {
			if err := reindex(rec.old, newLoc); err != nil {
				return 0, err
			}
		}
	}

	for _, id := range oldPageIDs {
		if err := s.engine.DeallocatePage(id); err != nil {
			return 0, err
		}
	}

	if s.collection != "" {
		if meta, ok := s.engine.Catalog().Get(s.collection); ok {
			meta.PrimaryRootPageID = s.rootID
			if err := s.engine.Catalog().Save(meta); err != nil {
				return 0, err
			}
		}
	}

	return tombstones, nil
}
