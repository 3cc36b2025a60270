// Package index implements BLite's B-tree secondary-index engine: an
// ordered map from a tagged, bytewise-sortable IndexKey to a
// document.Location, with duplicate handling, range iteration and a
// cursor API. Node layout and the split/insert algorithm are grounded on
// the teacher repo's index/btree.go, generalized from a flat string key
// and uint64 record id to the tagged IndexKey and document.Location pair
// spec.md's data model requires, plus sibling links in both directions,
// a cursor, and unique-index duplicate rejection.
package index

import (
	"encoding/binary"
	"math"

	"github.com/blitedb/blite/storage"
)

// Tag identifies the logical type encoded at the start of an IndexKey.
// It is an alias of storage.Tag: CollectionCatalog persists a
// collection's key type as a storage.Tag, and an index's keys carry the
// same tag, so the two packages share one definition rather than keeping
// two enums in sync by hand.
type Tag = storage.Tag

const (
	TagMinKey     = storage.TagMinKey
	TagNull       = storage.TagNull
	TagBool       = storage.TagBool
	TagInt32      = storage.TagInt32
	TagInt64      = storage.TagInt64
	TagDouble     = storage.TagDouble
	TagDecimal128 = storage.TagDecimal128
	TagString     = storage.TagString
	TagDateTime   = storage.TagDateTime
	TagObjectID   = storage.TagObjectID
	TagGuid       = storage.TagGuid
	TagBinary     = storage.TagBinary
	TagMaxKey     = storage.TagMaxKey
)

// Key is the tagged, length-prefix-free, bytewise-sortable encoding of an
// index value. Two Keys compare correctly with bytes.Compare: the tag
// byte separates types, and within a type the payload is encoded so that
// unsigned byte order matches the type's natural order (signed integers
// are sign-flipped; IEEE-754 doubles are order-transformed; strings and
// binary values rely on bytes.Compare's own prefix semantics — a string
// that is a strict prefix of another already compares as "less", so no
// length prefix is needed inside the key itself. Page-level storage of a
// Key alongside a document.Location still prepends its own length, since
// a slot directory needs to know where one entry's key ends).
type Key []byte

// Compare reports -1, 0 or 1 the way bytes.Compare does; it is the only
// comparison BLite ever needs between two Keys.
func Compare(a, b Key) int {
	return compareBytes(a, b)
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// MinKey and MaxKey bound any range scan: MinKey sorts below every
// constructible Key, MaxKey sorts above every constructible Key.
func MinKey() Key { return Key{byte(TagMinKey)} }
func MaxKey() Key { return Key{byte(TagMaxKey)} }

// Null encodes the null value.
func Null() Key { return Key{byte(TagNull)} }

// OfBool encodes a boolean.
func OfBool(v bool) Key {
	b := byte(0)
	if v {
		b = 1
	}
	return Key{byte(TagBool), b}
}

// OfInt32 encodes a signed 32-bit integer with the sign bit flipped so
// that unsigned big-endian byte order matches signed numeric order.
func OfInt32(v int32) Key {
	k := make(Key, 5)
	k[0] = byte(TagInt32)
	binary.BigEndian.PutUint32(k[1:], uint32(v)^0x80000000)
	return k
}

// OfInt64 encodes a signed 64-bit integer with the sign bit flipped.
func OfInt64(v int64) Key {
	k := make(Key, 9)
	k[0] = byte(TagInt64)
	binary.BigEndian.PutUint64(k[1:], uint64(v)^0x8000000000000000)
	return k
}

// OfDouble encodes an IEEE-754 double so that unsigned big-endian byte
// order matches float ordering: for non-negative values the sign bit is
// set (pushing them above all negatives), for negative values every bit
// is flipped (reversing their order so that more-negative sorts lower).
// NaN is not a meaningful index key; callers must not index it.
func OfDouble(v float64) Key {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	k := make(Key, 9)
	k[0] = byte(TagDouble)
	binary.BigEndian.PutUint64(k[1:], bits)
	return k
}

// Decimal128 is the 16-byte IEEE 754-2008 decimal128 interchange
// representation (high 64 bits include sign, combination and exponent
// fields; low 64 bits hold the remainder of the coefficient).
type Decimal128 struct {
	High uint64
	Low  uint64
}

// OfDecimal128 encodes a Decimal128. Ordering note: sign-flipping the
// high word reproduces IEEE total order for values that share the same
// exponent field, which covers the common case of a single collection
// storing decimal128 values produced by one writer with consistent
// scale; two decimal128 encodings of the same numeric value at different
// exponents (e.g. "1.0" vs "1.00") are NOT guaranteed to compare equal
// under this byte encoding. A full decimal-aware comparator would need
// to decode the coefficient and exponent and is left as an Open Question
// resolved in DESIGN.md rather than guessed at here.
func OfDecimal128(d Decimal128) Key {
	k := make(Key, 17)
	k[0] = byte(TagDecimal128)
	high := d.High
	if high&(1<<63) != 0 {
		high = ^high
	} else {
		high |= 1 << 63
	}
	binary.BigEndian.PutUint64(k[1:9], high)
	binary.BigEndian.PutUint64(k[9:17], d.Low)
	return k
}

// OfString encodes a UTF-8 string. No length prefix: bytes.Compare's
// prefix semantics already give the correct ordering between a string
// and any string it prefixes.
func OfString(s string) Key {
	k := make(Key, 1+len(s))
	k[0] = byte(TagString)
	copy(k[1:], s)
	return k
}

// OfDateTime encodes milliseconds since the Unix epoch, big-endian,
// sign-flipped the same way OfInt64 is (dates before 1970 are negative).
func OfDateTime(millis int64) Key {
	k := OfInt64(millis)
	k[0] = byte(TagDateTime)
	return k
}

// OfObjectID encodes a 12-byte ObjectId verbatim: its own encoding is
// already a big-endian unsigned timestamp followed by a machine+counter
// tail, so no transform is needed for correct ordering.
func OfObjectID(id [12]byte) Key {
	k := make(Key, 13)
	k[0] = byte(TagObjectID)
	copy(k[1:], id[:])
	return k
}

// OfGuid encodes a 16-byte GUID/UUID verbatim. This orders GUIDs by
// their raw byte representation, not by any version-aware or
// time-ordered interpretation — sufficient for use as an opaque unique
// key, not as a sortable timestamp.
func OfGuid(id [16]byte) Key {
	k := make(Key, 17)
	k[0] = byte(TagGuid)
	copy(k[1:], id[:])
	return k
}

// OfBinary encodes an opaque byte string the same prefix-safe way
// OfString does.
func OfBinary(b []byte) Key {
	k := make(Key, 1+len(b))
	k[0] = byte(TagBinary)
	copy(k[1:], b)
	return k
}

// Tag returns the type tag of a Key, or TagMinKey/TagMaxKey for the
// sentinel bounds. An empty Key has no valid tag; callers must not
// construct one outside this package's constructors.
func (k Key) Tag() Tag {
	if len(k) == 0 {
		return TagMinKey
	}
	return Tag(k[0])
}

// PrefixUpperBound returns the smallest Key that sorts strictly above
// every Key beginning with prefix, implementing the startsWith(prefix)
// scan spec.md describes as range [prefix, prefix++) where ++ increments
// the last byte. If every byte of prefix is already 0xFF, there is no
// finite upper bound short of MaxKey, which is returned instead.
func PrefixUpperBound(prefix Key) Key {
	up := make(Key, len(prefix))
	copy(up, prefix)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] < 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return MaxKey()
}
