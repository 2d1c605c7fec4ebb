package liveindex

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/memtrack/internal/track/trackerr"
)

func TestPackRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Entry
		want Entry
	}{
		{"plain", Entry{Size: 64, Owner: 3}, Entry{Size: 64, Owner: 3}},
		{"sampled", Entry{Size: 1 << 20, Owner: 7, Sampled: true}, Entry{Size: 1 << 20, Owner: 7, Sampled: true}},
		{"saturated size", Entry{Size: 1 << 50, Owner: 1}, Entry{Size: MaxSize, Owner: 1}},
		{"saturated owner", Entry{Size: 1, Owner: 1 << 30}, Entry{Size: 1, Owner: MaxOwner}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, unpack(pack(tt.in)))
		})
	}
}

func TestInsertLookupRemove(t *testing.T) {
	ix := New(64, 8)

	_, replaced, err := ix.Insert(0x1000, Entry{Size: 128, Owner: 1, Sampled: true})
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, 1, ix.Len())

	e, ok := ix.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, Entry{Size: 128, Owner: 1, Sampled: true}, e)

	e, ok = ix.Remove(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(128), e.Size)
	assert.Equal(t, 0, ix.Len())

	_, ok = ix.Remove(0x1000)
	assert.False(t, ok, "second removal is a no-op")
	_, ok = ix.Lookup(0x1000)
	assert.False(t, ok)
}

func TestInsertReplaces(t *testing.T) {
	ix := New(64, 8)
	_, _, err := ix.Insert(0x10, Entry{Size: 1, Owner: 1})
	require.NoError(t, err)

	prev, replaced, err := ix.Insert(0x10, Entry{Size: 2, Owner: 2})
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, Entry{Size: 1, Owner: 1}, prev)
	assert.Equal(t, 1, ix.Len())

	e, _ := ix.Lookup(0x10)
	assert.Equal(t, uint32(2), e.Owner)
	assert.Equal(t, uint64(1), ix.Stats().Replaced)
}

func TestReservedAddresses(t *testing.T) {
	ix := New(16, 4)
	for _, addr := range []uint64{keyEmpty, keyTombstone, keyBusy} {
		_, _, err := ix.Insert(addr, Entry{Size: 1})
		assert.ErrorIs(t, err, trackerr.ErrResourceExhausted)
		_, ok := ix.Remove(addr)
		assert.False(t, ok)
	}
}

func TestOverflow(t *testing.T) {
	// Two slots, two probes: the third distinct address cannot fit.
	ix := New(2, 2)
	_, _, err := ix.Insert(1, Entry{Size: 1})
	require.NoError(t, err)
	_, _, err = ix.Insert(2, Entry{Size: 1})
	require.NoError(t, err)

	_, _, err = ix.Insert(3, Entry{Size: 1})
	require.ErrorIs(t, err, trackerr.ErrResourceExhausted)
	assert.Equal(t, uint64(1), ix.Stats().Overflows)

	// Tombstones are reused.
	_, ok := ix.Remove(1)
	require.True(t, ok)
	_, _, err = ix.Insert(3, Entry{Size: 1})
	require.NoError(t, err)

	_, ok = ix.Lookup(2)
	assert.True(t, ok, "lookups probe past tombstones")
}

func TestCapacityRounding(t *testing.T) {
	assert.Equal(t, 128, New(100, 8).Stats().Capacity)
	assert.Equal(t, 2, New(0, 0).Stats().Capacity)
	assert.Equal(t, 1024, New(1024, 8).Stats().Capacity)
}

func TestSequentialAddressesSpread(t *testing.T) {
	ix := New(1<<12, 16)
	for i := uint64(1); i <= 2048; i++ {
		_, _, err := ix.Insert(0xc000000000+i*16, Entry{Size: 16})
		require.NoError(t, err, "address %d", i)
	}
	assert.Equal(t, 2048, ix.Len())
}

// Every address inserted once and removed by many racing goroutines must be
// removed exactly once.
func TestConcurrentRemoveExactlyOnce(t *testing.T) {
	ix := New(1<<12, 16)
	const n = 1000
	for i := uint64(1); i <= n; i++ {
		_, _, err := ix.Insert(i*64, Entry{Size: i})
		require.NoError(t, err)
	}

	var removed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(1); i <= n; i++ {
				if _, ok := ix.Remove(i * 64); ok {
					removed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), removed.Load())
	assert.Equal(t, 0, ix.Len())
}

func TestConcurrentInsertRemove(t *testing.T) {
	ix := New(1<<14, 16)
	var wg sync.WaitGroup
	for g := uint64(0); g < 8; g++ {
		wg.Add(1)
		go func(g uint64) {
			defer wg.Done()
			for i := uint64(1); i <= 2000; i++ {
				addr := g<<40 | i<<4
				if _, _, err := ix.Insert(addr, Entry{Size: i, Owner: uint32(g)}); err != nil {
					continue
				}
				e, ok := ix.Remove(addr)
				if !ok || e.Size != i || e.Owner != uint32(g) {
					t.Errorf("remove %#x: got %+v ok=%v", addr, e, ok)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, ix.Len())
}

func TestReset(t *testing.T) {
	ix := New(16, 4)
	_, _, _ = ix.Insert(5, Entry{Size: 1})
	ix.Reset()
	assert.Equal(t, 0, ix.Len())
	_, ok := ix.Lookup(5)
	assert.False(t, ok)
}

func BenchmarkInsertRemove(b *testing.B) {
	ix := New(1<<16, 16)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr := uint64(i+1) << 4
		_, _, _ = ix.Insert(addr, Entry{Size: 64, Owner: 1})
		ix.Remove(addr)
	}
}
