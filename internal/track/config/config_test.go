package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Version = "1.0"
	cfg.Sampling.SmallSampleRate = 1.5
	cfg.Sampling.MaxRecordsPerThread = 0
	cfg.LiveIndex.Capacity = 1000
	cfg.History.CleanupThreshold = 0

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "not a valid semantic version")
	assert.Contains(t, msg, "small_sample_rate")
	assert.Contains(t, msg, "max_records_per_thread")
	assert.Contains(t, msg, "power of two")
	assert.Contains(t, msg, "cleanup_threshold")
}

func TestValidateRejectsIncompatibleMajor(t *testing.T) {
	cfg := Default()
	cfg.Version = "v2.1.0"
	assert.ErrorContains(t, cfg.Validate(), "incompatible")
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
version: v1.2.0
sampling:
  critical_size_threshold: 1000
  small_sample_rate: 0.5
history:
  max_recent_allocations: 100
  max_age: 30s
`))
	require.NoError(t, err)

	want := Default()
	want.Version = "v1.2.0"
	want.Sampling.CriticalSizeThreshold = 1000
	want.Sampling.SmallSampleRate = 0.5
	want.History.MaxRecentAllocations = 100
	want.History.MaxAge = 30 * time.Second

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("sampling:\n  no_such_key: 1\n"))
	assert.Error(t, err)
}

func TestLoadFileRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Sampling.MediumSampleRate = 0.25
	cfg.Optimizer.TimeBudget = 5 * time.Millisecond

	data, err := cfg.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "memtrack.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MEMTRACK_CRITICAL_SIZE_THRESHOLD":    "2048",
		"MEMTRACK_SMALL_SAMPLE_RATE":          "0.2",
		"MEMTRACK_MEDIUM_SAMPLE_RATE":         "0.4",
		"MEMTRACK_FREQUENCY_SAMPLE_INTERVAL":  "50",
		"MEMTRACK_MAX_RECORDS_PER_THREAD":     "256",
		"MEMTRACK_MAX_REGISTRY_SIZE":          "10",
		"MEMTRACK_REGISTRY_CLEANUP_THRESHOLD": "3",
		"MEMTRACK_CLEANUP_THRESHOLD":          "0.8",
		"MEMTRACK_MAX_RECENT_ALLOCATIONS":     "100",
		"MEMTRACK_MAX_HISTORICAL_SUMMARIES":   "7",
		"MEMTRACK_FLUSH_MAX_AGE":              "250ms",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, uint64(2048), cfg.Sampling.CriticalSizeThreshold)
	assert.InDelta(t, 0.2, cfg.Sampling.SmallSampleRate, 1e-9)
	assert.InDelta(t, 0.4, cfg.Sampling.MediumSampleRate, 1e-9)
	assert.Equal(t, uint64(50), cfg.Sampling.FrequencySampleInterval)
	assert.Equal(t, 256, cfg.Sampling.MaxRecordsPerThread)
	assert.Equal(t, 10, cfg.Registry.MaxRegistrySize)
	assert.Equal(t, uint32(3), cfg.Registry.CleanupThreshold)
	assert.InDelta(t, 0.8, cfg.History.CleanupThreshold, 1e-9)
	assert.Equal(t, 100, cfg.History.MaxRecentAllocations)
	assert.Equal(t, 7, cfg.History.MaxHistoricalSummaries)
	assert.Equal(t, 250*time.Millisecond, cfg.Buffer.FlushMaxAge)
}

func TestApplyEnvMalformed(t *testing.T) {
	lookup := func(k string) (string, bool) {
		switch k {
		case "MEMTRACK_SMALL_SAMPLE_RATE":
			return "lots", true
		case "MEMTRACK_MAX_RECORDS_PER_THREAD":
			return "12", true
		}
		return "", false
	}

	cfg := Default()
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEMTRACK_SMALL_SAMPLE_RATE")
	assert.Equal(t, 12, cfg.Sampling.MaxRecordsPerThread, "well-formed values still apply")
}

func TestLiveStoreBumpsVersion(t *testing.T) {
	live := NewLive(DefaultSampling())
	first := live.Load()
	assert.Equal(t, uint64(1), first.Version)

	next := *first
	next.SmallSampleRate = 0.5
	published := live.Store(next)

	assert.Equal(t, uint64(2), published.Version)
	assert.Same(t, published, live.Load())
	assert.InDelta(t, 0.01, first.SmallSampleRate, 1e-9, "old snapshot is never mutated")
}

func TestLiveCompareAndSwap(t *testing.T) {
	live := NewLive(DefaultSampling())
	stale := live.Load()

	live.Store(*stale)

	_, ok := live.CompareAndSwap(stale, *stale)
	assert.False(t, ok, "swap against a stale snapshot must fail")

	cur := live.Load()
	got, ok := live.CompareAndSwap(cur, *cur)
	assert.True(t, ok)
	assert.Equal(t, got, live.Load())
}

func TestLiveConcurrentReaders(t *testing.T) {
	start := DefaultSampling()
	start.SmallSampleRate = start.MediumSampleRate / 10
	live := NewLive(start)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c := live.Load()
				// A reader must always see a consistent pair.
				if c.SmallSampleRate != c.MediumSampleRate/10 {
					t.Errorf("torn config: %+v", c)
					return
				}
			}
		}()
	}

	for i := 1; i <= 100; i++ {
		next := *live.Load()
		next.MediumSampleRate = float64(i) / 100
		next.SmallSampleRate = next.MediumSampleRate / 10
		live.Store(next)
	}
	wg.Wait()
}
