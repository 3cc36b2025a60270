package storage

// Tag identifies the logical value type a collection's primary key (or a
// secondary index's indexed field) is declared to hold. It lives here
// rather than in the index package because CollectionCatalog persists it
// as part of CollectionMetadata, and the index package already depends on
// storage for its page file access — the dependency only runs one way.
//
// Tag values are chosen so that ordering by tag byte matches the type
// ordering BLite defines between heterogeneous keys; TagMinKey and
// TagMaxKey bracket every other tag so that a range scan between them
// always returns every entry regardless of the value types stored in an
// index.
type Tag byte

const (
	TagMinKey     Tag = 0x00
	TagNull       Tag = 0x10
	TagBool       Tag = 0x20
	TagInt32      Tag = 0x30
	TagInt64      Tag = 0x31
	TagDouble     Tag = 0x32
	TagDecimal128 Tag = 0x33
	TagString     Tag = 0x40
	TagDateTime   Tag = 0x50
	TagObjectID   Tag = 0x60
	TagGuid       Tag = 0x61
	TagBinary     Tag = 0x70
	TagMaxKey     Tag = 0xFF
)
