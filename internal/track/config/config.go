// Package config holds the tunable configuration of the allocation tracker.
//
// Config groups one section per engine component. SamplingConfig is the
// part the adaptive optimizer rewrites at runtime; it is published through
// Live, which swaps whole immutable values so readers never observe a
// partially applied update.
//
// Sources are layered (later wins):
//
//	cfg := config.Default()
//	cfg, err := config.LoadFile("memtrack.yaml") // optional
//	err = cfg.ApplyEnv(os.LookupEnv)              // MEMTRACK_* overrides
//	err = cfg.Validate()
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/mod/semver"
)

// SchemaVersion is the configuration schema version written by this module.
const SchemaVersion = "v1.0.0"

// Features are processing toggles the optimizer may flip.
type Features struct {
	// StackCapture enables runtime.Callers capture for sampled allocations.
	StackCapture bool `yaml:"stack_capture"`

	// History enables the bounded history manager.
	History bool `yaml:"history"`

	// Optimizer enables automatic application of recommendations.
	Optimizer bool `yaml:"optimizer"`
}

// SamplingConfig drives the sampling decision engine and buffer sizing.
//
// A SamplingConfig is never edited once published through Live. Writers
// build a new value and call Live.Store.
type SamplingConfig struct {
	// Version is assigned by Live on publication. Zero means unpublished.
	Version uint64 `yaml:"-"`

	// CriticalSizeThreshold: allocations of at least this many bytes are
	// always sampled.
	CriticalSizeThreshold uint64 `yaml:"critical_size_threshold"`

	// MediumSizeThreshold splits the small and medium probability buckets.
	MediumSizeThreshold uint64 `yaml:"medium_size_threshold"`

	// SmallSampleRate is the probability used below MediumSizeThreshold.
	SmallSampleRate float64 `yaml:"small_sample_rate"`

	// MediumSampleRate is the probability used at or above MediumSizeThreshold.
	MediumSampleRate float64 `yaml:"medium_sample_rate"`

	// FrequencySampleInterval forces a sample every N allocations per thread.
	// Zero disables the periodic guarantee.
	FrequencySampleInterval uint64 `yaml:"frequency_sample_interval"`

	// MaxRecordsPerThread is the capacity of a per-thread recording buffer.
	MaxRecordsPerThread int `yaml:"max_records_per_thread"`

	Features Features `yaml:"features"`
}

// RegistryConfig configures the call-stack registry.
type RegistryConfig struct {
	MaxRegistrySize int `yaml:"max_registry_size"`

	// CleanupThreshold: entries with RefCount <= CleanupThreshold are removed
	// by a cleanup pass.
	CleanupThreshold uint32 `yaml:"cleanup_threshold"`

	// EvictionEnabled allows force-evicting the oldest entries when a
	// cleanup pass cannot make room.
	EvictionEnabled bool `yaml:"eviction_enabled"`

	// EvictionBatch is the fraction of MaxRegistrySize force-evicted at once.
	EvictionBatch float64 `yaml:"eviction_batch"`

	// MaxFrames bounds captured stacks.
	MaxFrames int `yaml:"max_frames"`
}

// HistoryConfig configures the bounded history manager.
type HistoryConfig struct {
	MaxRecentAllocations int `yaml:"max_recent_allocations"`

	// CleanupThreshold is the fill fraction that triggers batch eviction.
	CleanupThreshold float64 `yaml:"cleanup_threshold"`

	// EvictionBatch is the fraction of capacity evicted by one cleanup.
	EvictionBatch float64 `yaml:"eviction_batch"`

	MaxHistoricalSummaries int `yaml:"max_historical_summaries"`

	// RollupInterval folds every N evictions into a HistoricalSummary.
	RollupInterval int `yaml:"rollup_interval"`

	// MaxAge evicts summaries older than this during cleanup. Zero disables.
	MaxAge time.Duration `yaml:"max_age"`

	// MemoryLimit bounds the approximate resident size in bytes. Zero disables.
	MemoryLimit uint64 `yaml:"memory_limit"`
}

// BufferConfig configures flushing of per-thread recording buffers.
type BufferConfig struct {
	// FlushThreshold is the record count that triggers a flush.
	// Zero means "over half full".
	FlushThreshold int `yaml:"flush_threshold"`

	// FlushMaxAge flushes a non-empty buffer older than this.
	FlushMaxAge time.Duration `yaml:"flush_max_age"`
}

// OptimizerConfig configures the adaptive performance optimizer.
type OptimizerConfig struct {
	// AnalysisInterval runs one pass every N tracked operations.
	AnalysisInterval uint64 `yaml:"analysis_interval"`

	// WindowSize is the number of recent samples analysed.
	WindowSize int `yaml:"window_size"`

	// AutoApplyConfidence is the minimum confidence for automatic application.
	AutoApplyConfidence float64 `yaml:"auto_apply_confidence"`

	// TimeBudget bounds a single pass.
	TimeBudget time.Duration `yaml:"time_budget"`

	// LatencyBudget is the acceptable mean cost of a sampled operation.
	LatencyBudget time.Duration `yaml:"latency_budget"`

	MinSampleRate       float64 `yaml:"min_sample_rate"`
	MaxSampleRate       float64 `yaml:"max_sample_rate"`
	MinRecordsPerThread int     `yaml:"min_records_per_thread"`
	MaxRecordsPerThread int     `yaml:"max_records_per_thread"`
}

// LiveIndexConfig configures the lock-free address index.
type LiveIndexConfig struct {
	// Capacity is the number of slots, a power of two.
	Capacity int `yaml:"capacity"`

	// MaxProbes bounds linear probing.
	MaxProbes int `yaml:"max_probes"`
}

// MaintenanceConfig configures background passes started by Tracker.Run.
type MaintenanceConfig struct {
	RegistryCleanupInterval time.Duration `yaml:"registry_cleanup_interval"`
	ThreadReapInterval      time.Duration `yaml:"thread_reap_interval"`
	OptimizerInterval       time.Duration `yaml:"optimizer_interval"`
}

// Config is the complete tracker configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Sampling    SamplingConfig    `yaml:"sampling"`
	Registry    RegistryConfig    `yaml:"registry"`
	History     HistoryConfig     `yaml:"history"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	LiveIndex   LiveIndexConfig   `yaml:"live_index"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// DefaultSampling returns the default sampling configuration.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		CriticalSizeThreshold:   64 << 10,
		MediumSizeThreshold:     1 << 10,
		SmallSampleRate:         0.01,
		MediumSampleRate:        0.1,
		FrequencySampleInterval: 1000,
		MaxRecordsPerThread:     1024,
		Features: Features{
			StackCapture: false,
			History:      true,
			Optimizer:    true,
		},
	}
}

// Default returns a configuration suitable for production use.
func Default() Config {
	return Config{
		Version:  SchemaVersion,
		Sampling: DefaultSampling(),
		Registry: RegistryConfig{
			MaxRegistrySize:  100_000,
			CleanupThreshold: 1,
			EvictionEnabled:  true,
			EvictionBatch:    0.1,
			MaxFrames:        16,
		},
		History: HistoryConfig{
			MaxRecentAllocations:   10_000,
			CleanupThreshold:       0.9,
			EvictionBatch:          0.25,
			MaxHistoricalSummaries: 1_000,
			RollupInterval:         1_000,
		},
		Buffer: BufferConfig{
			FlushMaxAge: 5 * time.Second,
		},
		Optimizer: OptimizerConfig{
			AnalysisInterval:    10_000,
			WindowSize:          1_000,
			AutoApplyConfidence: 0.7,
			TimeBudget:          2 * time.Millisecond,
			LatencyBudget:       2 * time.Microsecond,
			MinSampleRate:       0.0001,
			MaxSampleRate:       1.0,
			MinRecordsPerThread: 64,
			MaxRecordsPerThread: 16_384,
		},
		LiveIndex: LiveIndexConfig{
			Capacity:  1 << 18,
			MaxProbes: 16,
		},
		Maintenance: MaintenanceConfig{
			RegistryCleanupInterval: 30 * time.Second,
			ThreadReapInterval:      10 * time.Second,
			OptimizerInterval:       time.Second,
		},
	}
}

// Validate checks the sampling section.
func (c SamplingConfig) Validate() error {
	var errs []error
	if c.CriticalSizeThreshold == 0 {
		errs = append(errs, errors.New("critical_size_threshold must be positive"))
	}
	if !isProbability(c.SmallSampleRate) {
		errs = append(errs, fmt.Errorf("small_sample_rate %v not in [0,1]", c.SmallSampleRate))
	}
	if !isProbability(c.MediumSampleRate) {
		errs = append(errs, fmt.Errorf("medium_sample_rate %v not in [0,1]", c.MediumSampleRate))
	}
	if c.MaxRecordsPerThread <= 0 {
		errs = append(errs, errors.New("max_records_per_thread must be positive"))
	}
	return multierr.Combine(errs...)
}

// Validate checks the whole configuration and returns every problem found.
func (c Config) Validate() error {
	var errs []error

	if !semver.IsValid(c.Version) {
		errs = append(errs, fmt.Errorf("version %q is not a valid semantic version", c.Version))
	} else if semver.Major(c.Version) != semver.Major(SchemaVersion) {
		errs = append(errs, fmt.Errorf("version %q incompatible with schema %s", c.Version, SchemaVersion))
	}

	if err := c.Sampling.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", err))
	}

	if c.Registry.MaxRegistrySize <= 0 {
		errs = append(errs, errors.New("registry: max_registry_size must be positive"))
	}
	if c.Registry.EvictionBatch <= 0 || c.Registry.EvictionBatch > 1 {
		errs = append(errs, fmt.Errorf("registry: eviction_batch %v not in (0,1]", c.Registry.EvictionBatch))
	}

	if c.History.MaxRecentAllocations <= 0 {
		errs = append(errs, errors.New("history: max_recent_allocations must be positive"))
	}
	if c.History.CleanupThreshold <= 0 || c.History.CleanupThreshold > 1 {
		errs = append(errs, fmt.Errorf("history: cleanup_threshold %v not in (0,1]", c.History.CleanupThreshold))
	}
	if c.History.EvictionBatch <= 0 || c.History.EvictionBatch > 1 {
		errs = append(errs, fmt.Errorf("history: eviction_batch %v not in (0,1]", c.History.EvictionBatch))
	}
	if c.History.MaxHistoricalSummaries < 0 || c.History.RollupInterval < 0 {
		errs = append(errs, errors.New("history: negative rollup bounds"))
	}

	if c.Optimizer.AutoApplyConfidence < 0 || c.Optimizer.AutoApplyConfidence > 1 {
		errs = append(errs, fmt.Errorf("optimizer: auto_apply_confidence %v not in [0,1]", c.Optimizer.AutoApplyConfidence))
	}
	if c.Optimizer.MinSampleRate > c.Optimizer.MaxSampleRate {
		errs = append(errs, errors.New("optimizer: min_sample_rate exceeds max_sample_rate"))
	}
	if c.Optimizer.MinRecordsPerThread > c.Optimizer.MaxRecordsPerThread {
		errs = append(errs, errors.New("optimizer: min_records_per_thread exceeds max_records_per_thread"))
	}

	if c.LiveIndex.Capacity <= 0 || bits.OnesCount(uint(c.LiveIndex.Capacity)) != 1 {
		errs = append(errs, fmt.Errorf("live_index: capacity %d must be a power of two", c.LiveIndex.Capacity))
	}
	if c.LiveIndex.MaxProbes <= 0 {
		errs = append(errs, errors.New("live_index: max_probes must be positive"))
	}

	return multierr.Combine(errs...)
}

func isProbability(p float64) bool {
	return p >= 0 && p <= 1
}
