// Package record implements compact allocation records and the per-thread
// recording buffer that stores them until they are flushed to a Sink.
//
// A Buffer is exclusively owned by one thread (goroutine context). It is an
// arena of fixed-size CompactRecord values indexed by position, plus an
// address→position side map so deallocations deactivate a record in O(1).
// Nothing in a Buffer holds pointers into other records.
package record

import (
	"math"
	"time"
)

// Record flag bits.
const (
	// FlagActive is set while the allocation has not been freed.
	FlagActive uint8 = 1 << iota

	// FlagSampled marks records chosen by the sampling engine.
	FlagSampled

	// FlagCrossThreadFree marks records freed by a thread other than the owner.
	FlagCrossThreadFree

	// FlagStack is set when StackID refers to a registered call stack.
	FlagStack
)

// EncodedSize is the wire size of one CompactRecord:
//
//	Address        8 bytes
//	Size           4 bytes
//	TimestampDelta 8 bytes
//	TypeHash       4 bytes
//	StackID        4 bytes
//	ThreadID       4 bytes
//	Flags          1 byte
//	Reserved       4 bytes (zero)
const EncodedSize = 37

// CompactRecord is the fixed-size record kept for each sampled allocation.
//
// Invariants:
//   - Size is saturated to math.MaxUint32, never wrapped.
//   - FlagActive is cleared at most once, by the owning thread's deallocation.
type CompactRecord struct {
	Address        uint64
	TimestampDelta uint64 // Nanoseconds since the process epoch.
	Size           uint32
	TypeHash       uint32
	StackID        uint32
	ThreadID       uint32
	Flags          uint8
}

// Active reports whether the allocation has not been freed.
func (r CompactRecord) Active() bool {
	return r.Flags&FlagActive != 0
}

// Sampled reports whether the record was chosen by the sampler.
func (r CompactRecord) Sampled() bool {
	return r.Flags&FlagSampled != 0
}

// Timestamp converts TimestampDelta back to wall time relative to epoch.
func (r CompactRecord) Timestamp(epoch time.Time) time.Time {
	return epoch.Add(time.Duration(r.TimestampDelta))
}

// SaturateSize clamps size to the 32-bit record field.
//
//go:nosplit
func SaturateSize(size uint64) uint32 {
	if size > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(size)
}

// SaturateDelta converts a duration since the epoch into TimestampDelta,
// clamping negative values to zero.
//
//go:nosplit
func SaturateDelta(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d)
}

// TypeHash returns the 32-bit FNV-1a fingerprint of a type tag.
//
// It matches hash/fnv New32a over the same bytes and does not allocate.
func TypeHash(tag string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(tag); i++ {
		h ^= uint32(tag[i])
		h *= prime32
	}
	return h
}
