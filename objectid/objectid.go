// Package objectid generates the 12-byte ObjectId values used as IndexKey
// values across BLite: a 4-byte big-endian seconds-since-epoch timestamp
// followed by an 8-byte machine+counter tail, per spec.md's IndexKey
// definition. Construction never touches global mutable state beyond a
// machine tail derived once from the machine identity and a single
// per-process atomic counter seeded once from the clock mixed with random
// bytes — the re-architecture spec.md's Design Notes call for in place of
// the source's ambient global generator.
package objectid

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ID is a 12-byte ObjectId: [0:4] big-endian seconds since epoch,
// [4:12] machine+counter tail, unique enough to sort by insertion order
// within a process and avoid collision across processes.
type ID [12]byte

// Clock supplies the current time as seconds since the Unix epoch. The
// kernel consumes a clock collaborator rather than calling time.Now
// directly so tests can inject deterministic timestamps.
type Clock interface {
	UnixSeconds() int64
}

// SystemClock reports wall-clock time via the standard library.
type SystemClock struct{}

// UnixSeconds returns time.Now().Unix().
func (SystemClock) UnixSeconds() int64 {
	return time.Now().Unix()
}

var processMachineTail = deriveMachineTail()
var counter uint64 = seedCounter()

// deriveMachineTail computes a 5-byte machine identifier. uuid.NodeID
// returns the host's hardware (or randomly generated, RFC 4122 §4.5)
// node identifier; BLite only needs entropy that is stable per-process
// and distinct across machines, so the first 5 bytes are sufficient.
func deriveMachineTail() [5]byte {
	var tail [5]byte
	node := uuid.NodeID()
	if len(node) >= 5 {
		copy(tail[:], node[:5])
		return tail
	}
	// uuid.NodeID always returns 6 bytes in practice, but fall back to
	// crypto/rand defensively rather than trust that invariant blindly.
	rand.Read(tail[:])
	return tail
}

// seedCounter starts the per-process counter from the clock mixed with
// random bytes, so that two processes started in the same second do not
// emit colliding ids even before the counter has a chance to diverge.
func seedCounter() uint64 {
	var buf [3]byte
	rand.Read(buf[:])
	random := uint64(buf[0])<<16 | uint64(buf[1])<<8 | uint64(buf[2])
	return random ^ uint64(time.Now().UnixNano())
}

// New generates a fresh ObjectId using the given clock.
func New(clock Clock) ID {
	var id ID
	binary.BigEndian.PutUint32(id[0:4], uint32(clock.UnixSeconds()))
	copy(id[4:9], processMachineTail[:])
	n := atomic.AddUint64(&counter, 1)
	id[9] = byte(n >> 16)
	id[10] = byte(n >> 8)
	id[11] = byte(n)
	return id
}

// NewDefault generates a fresh ObjectId using the system clock.
func NewDefault() ID {
	return New(SystemClock{})
}

// Seconds returns the embedded timestamp component.
func (id ID) Seconds() uint32 {
	return binary.BigEndian.Uint32(id[0:4])
}

// Bytes returns the raw 12-byte encoding.
func (id ID) Bytes() []byte {
	return id[:]
}

// FromBytes parses a 12-byte slice into an ID.
func FromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != 12 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}
