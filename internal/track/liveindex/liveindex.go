// Package liveindex implements a lock-free address index of live allocations.
//
// Every tracked allocation is indexed by address with its size, its owning
// thread and whether it was sampled. A deallocation, from any thread, removes
// the entry and learns the size and owner without touching the owner's
// thread-local buffer. This is what lets the engine keep global accounting
// exact and detect cross-thread frees.
//
// The index is a fixed-size open-addressing table of atomic words. Inserts
// and removals never allocate and never lock.
package liveindex

import (
	"math/bits"
	"sync/atomic"

	"github.com/kolkov/memtrack/internal/track/trackerr"
)

// Reserved key values. Addresses equal to these cannot be indexed.
const (
	keyEmpty     uint64 = 0
	keyTombstone uint64 = ^uint64(0)
	keyBusy      uint64 = ^uint64(0) - 1
)

// Value packing: [63] sampled, [62:40] owner, [39:0] size.
const (
	sizeBits  = 40
	ownerBits = 23

	// MaxSize is the largest size stored exactly; larger sizes saturate.
	MaxSize = 1<<sizeBits - 1

	// MaxOwner is the largest owner id stored exactly; larger ids saturate.
	MaxOwner = 1<<ownerBits - 1

	sampledBit = 1 << 63
)

// Entry is the value stored for one address.
type Entry struct {
	Size    uint64
	Owner   uint32
	Sampled bool
}

func pack(e Entry) uint64 {
	size := min(e.Size, MaxSize)
	owner := min(uint64(e.Owner), MaxOwner)
	v := size | owner<<sizeBits
	if e.Sampled {
		v |= sampledBit
	}
	return v
}

func unpack(v uint64) Entry {
	return Entry{
		Size:    v & MaxSize,
		Owner:   uint32(v >> sizeBits & MaxOwner), //nolint:gosec // masked to 23 bits
		Sampled: v&sampledBit != 0,
	}
}

// slot is one table cell. 16 bytes, four per cache line.
type slot struct {
	key atomic.Uint64
	val atomic.Uint64
}

// Stats describes index occupancy.
type Stats struct {
	Capacity  int
	Live      int
	Overflows uint64
	Replaced  uint64
}

// Index is the lock-free live allocation index.
//
// Architecture (after the CAS shadow-memory table):
//   - Fixed power-of-two array of slots, allocated once
//   - Multiplicative golden-ratio hash for address distribution
//   - Linear probing bounded by maxProbes
//   - Removal leaves a tombstone that later inserts reuse
//
// Insert protocol: CAS the key from empty/tombstone to a busy marker, store
// the value, then publish the address. Readers treat a busy slot as
// occupied by some other address.
//
// Performance:
//   - Insert: ~15ns, 0 allocs
//   - Remove (hit, first probe): ~10ns, 0 allocs
//
// Thread Safety: All methods are safe for concurrent calls.
type Index struct {
	slots     []slot
	mask      uint64
	shift     uint
	maxProbes int

	live      atomic.Int64
	overflows atomic.Uint64
	replaced  atomic.Uint64
}

// New creates an index with capacity slots (rounded up to a power of two).
func New(capacity, maxProbes int) *Index {
	if capacity < 2 {
		capacity = 2
	}
	n := 1 << bits.Len(uint(capacity-1))
	if maxProbes <= 0 || maxProbes > n {
		maxProbes = min(16, n)
	}
	return &Index{
		slots:     make([]slot, n),
		mask:      uint64(n - 1),
		shift:     uint(64 - bits.TrailingZeros(uint(n))),
		maxProbes: maxProbes,
	}
}

// hash maps addr to its home slot using the top bits of a golden-ratio
// multiplication.
//
//go:nosplit
func (ix *Index) hash(addr uint64) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return (addr * goldenRatio) >> ix.shift
}

func reserved(addr uint64) bool {
	return addr == keyEmpty || addr == keyTombstone || addr == keyBusy
}

// Insert indexes addr.
//
// If addr is already indexed (the previous free was never observed), its
// entry is replaced and the previous entry returned with replaced == true.
//
// Returns trackerr.ErrResourceExhausted when no slot is free within the
// probe window, or for a reserved address.
func (ix *Index) Insert(addr uint64, e Entry) (prev Entry, replaced bool, err error) {
	if reserved(addr) {
		return Entry{}, false, trackerr.ErrResourceExhausted
	}
	v := pack(e)
	home := ix.hash(addr)

	for {
		free := -1
		for i := 0; i < ix.maxProbes; i++ {
			idx := int((home + uint64(i)) & ix.mask) //nolint:gosec // masked
			s := &ix.slots[idx]
			k := s.key.Load()

			if k == addr {
				old := s.val.Swap(v)
				ix.replaced.Add(1)
				return unpack(old), true, nil
			}
			if k == keyTombstone && free < 0 {
				free = idx
				continue
			}
			if k == keyEmpty {
				if free < 0 {
					free = idx
				}
				break
			}
		}

		if free < 0 {
			ix.overflows.Add(1)
			return Entry{}, false, trackerr.ErrResourceExhausted
		}

		s := &ix.slots[free]
		k := s.key.Load()
		if (k == keyEmpty || k == keyTombstone) && s.key.CompareAndSwap(k, keyBusy) {
			s.val.Store(v)
			s.key.Store(addr)
			ix.live.Add(1)
			return Entry{}, false, nil
		}
		// Lost the slot to a concurrent insert; rescan.
	}
}

// Lookup returns the entry for addr.
func (ix *Index) Lookup(addr uint64) (Entry, bool) {
	if reserved(addr) {
		return Entry{}, false
	}
	home := ix.hash(addr)
	for i := 0; i < ix.maxProbes; i++ {
		s := &ix.slots[(home+uint64(i))&ix.mask]
		switch s.key.Load() {
		case addr:
			return unpack(s.val.Load()), true
		case keyEmpty:
			return Entry{}, false
		}
	}
	return Entry{}, false
}

// Remove deletes addr and returns its entry. Of several concurrent removals
// of the same address exactly one succeeds.
func (ix *Index) Remove(addr uint64) (Entry, bool) {
	if reserved(addr) {
		return Entry{}, false
	}
	home := ix.hash(addr)
	for i := 0; i < ix.maxProbes; i++ {
		s := &ix.slots[(home+uint64(i))&ix.mask]
		switch s.key.Load() {
		case addr:
			v := s.val.Load()
			if s.key.CompareAndSwap(addr, keyTombstone) {
				ix.live.Add(-1)
				return unpack(v), true
			}
			return Entry{}, false
		case keyEmpty:
			return Entry{}, false
		}
	}
	return Entry{}, false
}

// Len returns the number of indexed addresses.
func (ix *Index) Len() int {
	return int(ix.live.Load())
}

// Stats returns occupancy statistics.
func (ix *Index) Stats() Stats {
	return Stats{
		Capacity:  len(ix.slots),
		Live:      ix.Len(),
		Overflows: ix.overflows.Load(),
		Replaced:  ix.replaced.Load(),
	}
}

// Reset clears the index.
//
// Thread Safety: NOT safe for concurrent use with other methods.
func (ix *Index) Reset() {
	for i := range ix.slots {
		ix.slots[i].key.Store(keyEmpty)
		ix.slots[i].val.Store(0)
	}
	ix.live.Store(0)
}
