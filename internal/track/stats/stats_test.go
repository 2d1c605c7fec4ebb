package stats

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAllocationAndDeallocation(t *testing.T) {
	var g Global

	g.RecordAllocation(100, true)
	g.RecordAllocation(50, false)
	g.RecordDeallocation(100)

	got := g.MemoryStats()
	assert.Equal(t, MemoryStats{
		TotalAllocations:    2,
		TotalDeallocations:  1,
		ActiveAllocations:   1,
		ActiveMemory:        50,
		SampledAllocations:  1,
		TotalBytesAllocated: 150,
		TotalBytesFreed:     100,
		PeakMemory:          150,
	}, got)
}

func TestRecordUntrackedAllocation(t *testing.T) {
	var g Global

	g.RecordUntrackedAllocation(100, true)
	g.RecordAllocation(50, false)

	got := g.MemoryStats()
	assert.Equal(t, MemoryStats{
		TotalAllocations:    2,
		ActiveAllocations:   1,
		ActiveMemory:        50,
		SampledAllocations:  1,
		TotalBytesAllocated: 150,
		PeakMemory:          50,
	}, got)
}

func TestDeallocationSaturatesAtZero(t *testing.T) {
	var g Global

	g.RecordAllocation(10, false)
	g.RecordDeallocation(10)
	g.RecordDeallocation(10)
	g.RecordDeallocation(1 << 40)

	got := g.MemoryStats()
	assert.Zero(t, got.ActiveAllocations)
	assert.Zero(t, got.ActiveMemory)
	assert.Equal(t, uint64(3), got.TotalDeallocations)
}

func TestPeakMemory(t *testing.T) {
	var g Global
	g.RecordAllocation(100, false)
	g.RecordAllocation(200, false)
	g.RecordDeallocation(200)
	g.RecordAllocation(50, false)

	got := g.MemoryStats()
	assert.Equal(t, uint64(300), got.PeakMemory)
	assert.Equal(t, uint64(150), got.ActiveMemory)
}

func TestSamplingStats(t *testing.T) {
	var g Global
	assert.Zero(t, g.SamplingStats().Rate)

	for i := 0; i < 10; i++ {
		g.RecordAllocation(8, i%5 == 0)
	}
	g.AddBytesWritten(74)

	s := g.SamplingStats()
	assert.Equal(t, uint64(10), s.Total)
	assert.Equal(t, uint64(2), s.Sampled)
	assert.InDelta(t, 0.2, s.Rate, 1e-9)
	assert.Equal(t, uint64(74), s.BytesWritten)
}

func TestMisses(t *testing.T) {
	var g Global
	g.RecordMiss(LockContention)
	g.RecordMiss(LockContention)
	g.RecordMiss(CrossThreadFree)
	g.RecordMiss(Reentrant)
	g.RecordMiss(MissKind(200)) // ignored

	m := g.Misses()
	assert.Equal(t, uint64(2), m.LockContention)
	assert.Equal(t, uint64(1), m.CrossThreadFrees)
	assert.Equal(t, uint64(1), m.Reentrant)
	assert.Equal(t, uint64(4), m.Total())

	g.Reset()
	assert.Zero(t, g.Misses().Total())
	assert.Equal(t, MemoryStats{}, g.MemoryStats())
}

// Interleaved allocations and deallocations from many goroutines must never
// drive the active counters below zero, and balanced streams end at zero.
func TestConcurrentAccounting(t *testing.T) {
	var g Global
	const (
		goroutines = 8
		perG       = 5000
	)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				g.RecordAllocation(16, j%10 == 0)
				g.RecordDeallocation(16)
			}
		}()
	}
	wg.Wait()

	got := g.MemoryStats()
	assert.Equal(t, uint64(goroutines*perG), got.TotalAllocations)
	assert.Equal(t, uint64(goroutines*perG), got.TotalDeallocations)
	assert.Equal(t, uint64(goroutines*perG/10), got.SampledAllocations)
	assert.Equal(t, got.TotalBytesAllocated, got.TotalBytesFreed)
	// A deallocation can land before its allocation is counted and saturate,
	// so active counters end at or above zero but never wrap.
	assert.Less(t, got.ActiveMemory, uint64(goroutines*perG*16+1))
	assert.Less(t, got.ActiveAllocations, uint64(goroutines*perG+1))
}

func TestCollector(t *testing.T) {
	var g Global
	g.RecordAllocation(64, true)
	g.RecordMiss(IOError)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector("memtrack", &g)))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += "{" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			}
		}
	}

	assert.InDelta(t, 1, values["memtrack_allocations_total"], 0)
	assert.InDelta(t, 64, values["memtrack_active_bytes"], 0)
	assert.InDelta(t, 1, values["memtrack_sample_rate"], 0)
	assert.InDelta(t, 1, values["memtrack_misses_total{io_error}"], 0)
	assert.InDelta(t, 0, values["memtrack_misses_total{reentrant}"], 0)
}

func BenchmarkRecordAllocation(b *testing.B) {
	var g Global
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			g.RecordAllocation(64, false)
			g.RecordDeallocation(64)
		}
	})
}
