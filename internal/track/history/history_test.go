package history

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/memtrack/internal/track/config"
)

// fakeClock returns a monotonically advancing clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, mutate func(*config.HistoryConfig)) (*Manager, *fakeClock) {
	t.Helper()
	cfg := config.Default().History
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(cfg)
	clk := newFakeClock()
	m.now = clk.Now
	return m, clk
}

func alloc(addr, size uint64) AllocationSummary {
	return AllocationSummary{Address: addr, Size: size, TypeTag: "T"}
}

func TestBoundedCleanup(t *testing.T) {
	m, _ := newManager(t, func(c *config.HistoryConfig) {
		c.MaxRecentAllocations = 100
		c.CleanupThreshold = 0.9
	})

	for i := uint64(0); i < 150; i++ {
		m.AddAllocation(alloc(0x1000+i, 64))
		require.LessOrEqual(t, m.Len(), 100)
	}

	st := m.Stats()
	assert.LessOrEqual(t, st.Resident, 100)
	assert.Positive(t, st.CleanupCount)
	assert.Equal(t, uint64(150), uint64(st.Resident)+st.Evicted)
}

func TestBoundedGrowthAnyThreshold(t *testing.T) {
	for _, threshold := range []float64{0.1, 0.5, 0.9, 1.0} {
		for _, batch := range []float64{0.01, 0.25, 1.0} {
			m, _ := newManager(t, func(c *config.HistoryConfig) {
				c.MaxRecentAllocations = 37
				c.CleanupThreshold = threshold
				c.EvictionBatch = batch
			})
			for i := uint64(0); i < 500; i++ {
				m.AddAllocation(alloc(i, 1))
				if m.Len() > 37 {
					t.Fatalf("threshold=%v batch=%v: resident %d > 37", threshold, batch, m.Len())
				}
			}
		}
	}
}

func TestSequenceNumbers(t *testing.T) {
	m, _ := newManager(t, nil)
	assert.Equal(t, uint64(0), m.AddAllocation(alloc(1, 1)))
	assert.Equal(t, uint64(1), m.AddAllocation(alloc(2, 1)))

	recent := m.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(1), recent[0].Address)
	assert.Equal(t, uint64(1), recent[1].Seq)
}

func TestRecordDeallocationMatches(t *testing.T) {
	m, clk := newManager(t, nil)
	m.AddAllocation(alloc(0xa, 100))
	clk.Advance(250 * time.Millisecond)

	assert.True(t, m.RecordDeallocation(0xa, 100))
	assert.False(t, m.RecordDeallocation(0xa, 100), "already freed")

	s := m.Recent(1)[0]
	assert.True(t, s.Freed)
	assert.Equal(t, 250*time.Millisecond, s.Lifetime)

	st := m.Stats()
	assert.Equal(t, uint64(1), st.MatchedDeallocations)
	assert.Equal(t, uint64(1), st.UnmatchedDeallocations)
}

func TestRecordDeallocationAfterEviction(t *testing.T) {
	m, _ := newManager(t, func(c *config.HistoryConfig) {
		c.MaxRecentAllocations = 10
		c.CleanupThreshold = 1
		c.EvictionBatch = 0.5
	})
	for i := uint64(0); i < 11; i++ {
		m.AddAllocation(alloc(i, 8))
	}
	// Address 0 was evicted by the batch.
	assert.False(t, m.RecordDeallocation(0, 8))
	assert.True(t, m.RecordDeallocation(10, 8))
}

func TestAddressReuse(t *testing.T) {
	m, _ := newManager(t, nil)
	m.AddAllocation(alloc(0xa, 1))
	require.True(t, m.RecordDeallocation(0xa, 1))
	m.AddAllocation(alloc(0xa, 2))

	assert.True(t, m.RecordDeallocation(0xa, 2))
	for _, s := range m.Recent(0) {
		assert.True(t, s.Freed)
	}
}

func TestRollups(t *testing.T) {
	m, clk := newManager(t, func(c *config.HistoryConfig) {
		c.MaxRecentAllocations = 10
		c.CleanupThreshold = 1
		c.EvictionBatch = 0.5
		c.RollupInterval = 5
		c.MaxHistoricalSummaries = 2
	})

	for i := uint64(0); i < 40; i++ {
		m.AddAllocation(alloc(i, 10))
		if i%2 == 0 {
			m.RecordDeallocation(i, 10)
		}
		clk.Advance(time.Second)
	}

	hist := m.Historical()
	require.Len(t, hist, 2, "historical list is bounded")
	st := m.Stats()
	assert.Equal(t, st.Evicted/5, st.Rollups)

	h := hist[len(hist)-1]
	assert.Equal(t, uint64(5), h.Allocations)
	assert.InDelta(t, 10.0, h.AvgSize, 1e-9)
	assert.Equal(t, uint64(50), h.BytesAllocated)
	assert.True(t, h.WindowEnd.After(h.WindowStart))
	assert.Positive(t, h.AllocationRate)
	assert.True(t, hist[0].WindowStart.Before(h.WindowStart), "oldest first")
}

func TestRollupForced(t *testing.T) {
	m, _ := newManager(t, func(c *config.HistoryConfig) {
		c.MaxRecentAllocations = 4
		c.CleanupThreshold = 1
		c.EvictionBatch = 0.25
		c.RollupInterval = 1000
	})
	for i := uint64(0); i < 6; i++ {
		m.AddAllocation(alloc(i, 4))
	}
	assert.Empty(t, m.Historical())

	m.Rollup()
	hist := m.Historical()
	require.Len(t, hist, 1)
	assert.Equal(t, uint64(2), hist[0].Allocations)

	m.Rollup()
	assert.Len(t, m.Historical(), 1, "empty aggregate does not roll up")
}

func TestMaxAge(t *testing.T) {
	m, clk := newManager(t, func(c *config.HistoryConfig) {
		c.MaxRecentAllocations = 100
		c.MaxAge = time.Minute
		c.EvictionBatch = 0.01
	})
	for i := uint64(0); i < 10; i++ {
		m.AddAllocation(alloc(i, 1))
	}
	clk.Advance(2 * time.Minute)
	m.AddAllocation(alloc(100, 1))

	recent := m.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(100), recent[0].Address)
}

func TestMemoryLimit(t *testing.T) {
	m, _ := newManager(t, func(c *config.HistoryConfig) {
		c.MaxRecentAllocations = 1000
		c.MemoryLimit = 10 * (summaryOverhead + 1)
		c.EvictionBatch = 0.001
	})
	for i := uint64(0); i < 100; i++ {
		m.AddAllocation(alloc(i, 1))
		require.LessOrEqual(t, m.Len(), 10)
	}
}

func TestConcurrentAddAndFree(t *testing.T) {
	m, _ := newManager(t, func(c *config.HistoryConfig) {
		c.MaxRecentAllocations = 64
	})

	var wg sync.WaitGroup
	for g := uint64(0); g < 8; g++ {
		wg.Add(1)
		go func(g uint64) {
			defer wg.Done()
			for i := uint64(0); i < 1000; i++ {
				addr := g<<32 | i
				m.AddAllocation(alloc(addr, 8))
				m.RecordDeallocation(addr, 8)
			}
		}(g)
	}
	wg.Wait()

	st := m.Stats()
	assert.LessOrEqual(t, st.Resident, 64)
	assert.Equal(t, uint64(8000), st.MatchedDeallocations+st.UnmatchedDeallocations)
}

func BenchmarkAddAllocation(b *testing.B) {
	m := New(config.Default().History)
	s := alloc(0, 64)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Address = uint64(i)
		m.AddAllocation(s)
	}
}
