// Package history keeps a bounded window of recent allocation summaries and
// a bounded list of historical aggregates.
//
// Recent summaries live in a ring buffer. When the ring reaches the
// configured fill fraction (CleanupThreshold) a batch of the oldest summaries
// (EvictionBatch of capacity) is evicted at once, so the cost of eviction is
// amortized over many insertions instead of paid on every one. Evicted
// summaries are folded into a running aggregate; every RollupInterval
// evictions the aggregate becomes a HistoricalSummary.
//
// Deallocations are matched against resident summaries by address. A
// deallocation whose summary was already evicted is counted and folded into
// the running aggregate, never treated as an error.
package history

import (
	"sync"
	"time"

	"github.com/kolkov/memtrack/internal/track/config"
)

// AllocationSummary describes one tracked allocation.
type AllocationSummary struct {
	Seq         uint64 // Assigned by the Manager.
	Address     uint64
	Size        uint64
	TypeTag     string
	StackID     uint32
	ThreadID    uint32
	AllocatedAt time.Time
	FreedAt     time.Time
	Lifetime    time.Duration
	Freed       bool
}

// HistoricalSummary aggregates a window of evicted allocations.
type HistoricalSummary struct {
	WindowStart    time.Time
	WindowEnd      time.Time
	Allocations    uint64
	Deallocations  uint64
	BytesAllocated uint64
	BytesFreed     uint64

	// AllocationRate is allocations per second over the window.
	AllocationRate float64

	// MemoryGrowthRate is net bytes per second over the window.
	MemoryGrowthRate float64

	AvgSize float64
}

// Stats describes the manager state.
type Stats struct {
	Resident               int
	CleanupCount           uint64
	Evicted                uint64
	Rollups                uint64
	MatchedDeallocations   uint64
	UnmatchedDeallocations uint64
}

// summaryOverhead approximates the resident size of one summary, excluding
// its type tag and the address index entry.
const summaryOverhead = 128

// Manager is the bounded history store.
//
// Thread Safety: All methods are safe for concurrent calls (one mutex).
type Manager struct {
	mu  sync.Mutex
	cfg config.HistoryConfig

	ring []AllocationSummary
	head int // Ring position of the oldest summary.
	n    int

	nextSeq uint64
	byAddr  map[uint64]uint64 // Address → seq of the newest unfreed summary.
	tagSize uint64            // Sum of resident TypeTag lengths.

	acc         aggregate
	historical  []HistoricalSummary
	sinceRollup int

	stats Stats

	now func() time.Time
}

// aggregate accumulates evicted summaries until the next rollup.
type aggregate struct {
	start, end     time.Time
	allocations    uint64
	deallocations  uint64
	bytesAllocated uint64
	bytesFreed     uint64
}

func (a *aggregate) observe(t time.Time) {
	if t.IsZero() {
		return
	}
	if a.start.IsZero() || t.Before(a.start) {
		a.start = t
	}
	if t.After(a.end) {
		a.end = t
	}
}

func (a *aggregate) empty() bool {
	return a.allocations == 0 && a.deallocations == 0
}

func (a *aggregate) summary() HistoricalSummary {
	h := HistoricalSummary{
		WindowStart:    a.start,
		WindowEnd:      a.end,
		Allocations:    a.allocations,
		Deallocations:  a.deallocations,
		BytesAllocated: a.bytesAllocated,
		BytesFreed:     a.bytesFreed,
	}
	if a.allocations > 0 {
		h.AvgSize = float64(a.bytesAllocated) / float64(a.allocations)
	}
	if secs := a.end.Sub(a.start).Seconds(); secs > 0 {
		h.AllocationRate = float64(a.allocations) / secs
		h.MemoryGrowthRate = (float64(a.bytesAllocated) - float64(a.bytesFreed)) / secs
	}
	return h
}

// New creates a Manager holding at most cfg.MaxRecentAllocations summaries.
func New(cfg config.HistoryConfig) *Manager {
	if cfg.MaxRecentAllocations <= 0 {
		cfg.MaxRecentAllocations = 1
	}
	if cfg.CleanupThreshold <= 0 || cfg.CleanupThreshold > 1 {
		cfg.CleanupThreshold = 1
	}
	return &Manager{
		cfg:    cfg,
		ring:   make([]AllocationSummary, cfg.MaxRecentAllocations),
		byAddr: make(map[uint64]uint64, cfg.MaxRecentAllocations),
		now:    time.Now,
	}
}

// AddAllocation stores s as the newest summary and returns its sequence
// number. A batch eviction runs first if the ring has reached its cleanup
// threshold.
func (m *Manager) AddAllocation(s AllocationSummary) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.needsCleanupLocked(uint64(len(s.TypeTag))) {
		m.cleanupLocked()
	}
	// Hard cap, in case the batch rounded down to nothing.
	for m.n >= len(m.ring) {
		m.evictOldestLocked()
	}

	if s.AllocatedAt.IsZero() {
		s.AllocatedAt = m.now()
	}
	s.Seq = m.nextSeq
	m.nextSeq++

	pos := (m.head + m.n) % len(m.ring)
	m.ring[pos] = s
	m.n++
	m.tagSize += uint64(len(s.TypeTag))
	if !s.Freed {
		m.byAddr[s.Address] = s.Seq
	}

	return s.Seq
}

// RecordDeallocation marks the resident summary for addr as freed.
//
// Returns false if no resident summary matches, typically because it was
// already evicted. The deallocation of size bytes is then folded into the
// running aggregate.
func (m *Manager) RecordDeallocation(addr, size uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if s := m.lookupLocked(addr); s != nil {
		delete(m.byAddr, addr)
		s.Freed = true
		s.FreedAt = now
		s.Lifetime = now.Sub(s.AllocatedAt)
		m.stats.MatchedDeallocations++
		return true
	}

	m.stats.UnmatchedDeallocations++
	m.acc.deallocations++
	m.acc.bytesFreed += size
	m.acc.observe(now)
	return false
}

// lookupLocked returns the resident unfreed summary for addr, or nil.
func (m *Manager) lookupLocked(addr uint64) *AllocationSummary {
	seq, ok := m.byAddr[addr]
	if !ok {
		return nil
	}
	oldest := m.nextSeq - uint64(m.n)
	if seq < oldest {
		delete(m.byAddr, addr)
		return nil
	}
	//nolint:gosec // G115: seq-oldest < n <= len(ring).
	pos := (m.head + int(seq-oldest)) % len(m.ring)
	return &m.ring[pos]
}

func (m *Manager) needsCleanupLocked(incomingTag uint64) bool {
	limit := int(m.cfg.CleanupThreshold * float64(len(m.ring)))
	if m.n > 0 && m.n >= limit {
		return true
	}
	if m.cfg.MemoryLimit > 0 && m.n > 0 {
		next := uint64(m.n+1)*summaryOverhead + m.tagSize + incomingTag
		if next > m.cfg.MemoryLimit {
			return true
		}
	}
	if m.cfg.MaxAge > 0 && m.n > 0 {
		if m.now().Sub(m.ring[m.head].AllocatedAt) > m.cfg.MaxAge {
			return true
		}
	}
	return false
}

// Cleanup runs one eviction pass immediately and returns the number of
// summaries evicted.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked()
}

// cleanupLocked evicts one batch of the oldest summaries, then anything past
// MaxAge, then enough to satisfy MemoryLimit.
func (m *Manager) cleanupLocked() int {
	m.stats.CleanupCount++

	evicted := 0
	batch := max(1, int(m.cfg.EvictionBatch*float64(len(m.ring))))
	for i := 0; i < batch && m.n > 0; i++ {
		m.evictOldestLocked()
		evicted++
	}

	now := m.now()
	if m.cfg.MaxAge > 0 {
		for m.n > 0 && now.Sub(m.ring[m.head].AllocatedAt) > m.cfg.MaxAge {
			m.evictOldestLocked()
			evicted++
		}
		m.expireHistoricalLocked(now)
	}
	if m.cfg.MemoryLimit > 0 {
		for m.n > 0 && m.residentBytesLocked() > m.cfg.MemoryLimit {
			m.evictOldestLocked()
			evicted++
		}
	}

	return evicted
}

func (m *Manager) evictOldestLocked() {
	s := &m.ring[m.head]

	if seq, ok := m.byAddr[s.Address]; ok && seq == s.Seq {
		delete(m.byAddr, s.Address)
	}

	m.acc.allocations++
	m.acc.bytesAllocated += s.Size
	m.acc.observe(s.AllocatedAt)
	if s.Freed {
		m.acc.deallocations++
		m.acc.bytesFreed += s.Size
		m.acc.observe(s.FreedAt)
	}

	m.tagSize -= uint64(len(s.TypeTag))
	*s = AllocationSummary{}
	m.head = (m.head + 1) % len(m.ring)
	m.n--
	m.stats.Evicted++

	m.sinceRollup++
	if m.cfg.RollupInterval > 0 && m.sinceRollup >= m.cfg.RollupInterval {
		m.rollupLocked()
	}
}

func (m *Manager) rollupLocked() {
	m.sinceRollup = 0
	if m.acc.empty() {
		return
	}
	h := m.acc.summary()
	m.acc = aggregate{}
	m.stats.Rollups++

	if m.cfg.MaxHistoricalSummaries <= 0 {
		return
	}
	if len(m.historical) >= m.cfg.MaxHistoricalSummaries {
		drop := len(m.historical) - m.cfg.MaxHistoricalSummaries + 1
		m.historical = append(m.historical[:0], m.historical[drop:]...)
	}
	m.historical = append(m.historical, h)
}

func (m *Manager) expireHistoricalLocked(now time.Time) {
	keep := 0
	for keep < len(m.historical) && now.Sub(m.historical[keep].WindowEnd) > m.cfg.MaxAge {
		keep++
	}
	if keep > 0 {
		m.historical = append(m.historical[:0], m.historical[keep:]...)
	}
}

func (m *Manager) residentBytesLocked() uint64 {
	return uint64(m.n)*summaryOverhead + m.tagSize
}

// Rollup folds the pending aggregate into a HistoricalSummary now, without
// waiting for RollupInterval evictions.
func (m *Manager) Rollup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollupLocked()
}

// Recent returns up to n of the newest resident summaries, oldest first.
// A non-positive n returns all of them.
func (m *Manager) Recent(n int) []AllocationSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > m.n {
		n = m.n
	}
	out := make([]AllocationSummary, n)
	start := m.head + m.n - n
	for i := range out {
		out[i] = m.ring[(start+i)%len(m.ring)]
	}
	return out
}

// Historical returns a copy of the historical summaries, oldest first.
func (m *Manager) Historical() []HistoricalSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistoricalSummary(nil), m.historical...)
}

// Stats returns a snapshot of the manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Resident = m.n
	return s
}

// Len returns the number of resident summaries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}
