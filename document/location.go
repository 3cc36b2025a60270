// Package document implements BLite's DocumentStore: slot allocation for
// variable-size records on slotted pages, spill to overflow chains for
// oversize payloads, in-place-or-move update semantics, and tombstone
// deletes. It is grounded on the teacher repo's
// storage/pager.go InsertRecordAtomic/ReadOverflowData/FreeOverflowPages/
// UpdateRecordAtomic/VacuumCollection, generalized from the teacher's
// append-only, uint64-recordID data pages to spec.md's slotted-page model
// with a stable per-page slotIndex and tombstone-flag deletes.
package document

// Location is the stable (pageId, slotIndex) address an index entry
// points at. It never changes while a record lives in place; an update
// that must move a record to a new page or slot returns a new Location
// and it is the caller's responsibility to update any index referencing
// the old one (spec.md §4.6, "move on update").
type Location struct {
	PageID    uint32
	SlotIndex uint16
}

// Zero reports whether a Location is the zero value, used as a sentinel
// for "no location" in contexts where an error return isn't convenient
// (e.g. building a batch before any of it has been committed).
func (l Location) Zero() bool {
	return l.PageID == 0 && l.SlotIndex == 0
}
