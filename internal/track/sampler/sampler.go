// Package sampler implements the per-allocation sampling decision.
//
// The decision rules, in priority order:
//
//  1. size >= CriticalSizeThreshold: always sample. Large allocations are
//     never missed.
//  2. allocCounter % FrequencySampleInterval == 0: always sample. Every
//     window of FrequencySampleInterval allocations on one thread yields at
//     least one sample, whatever the size distribution.
//  3. Otherwise draw a uniform number and compare it against the bucket
//     probability: SmallSampleRate below MediumSizeThreshold,
//     MediumSampleRate at or above it.
//
// ShouldSample is called from allocation hooks. It reads the live config with
// one atomic load, never locks and never allocates.
package sampler

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/kolkov/memtrack/internal/track/config"
)

// Decision explains why an allocation was (or was not) sampled.
type Decision uint8

const (
	// Skipped means the allocation was not sampled.
	Skipped Decision = iota
	// ForcedBySize means size >= CriticalSizeThreshold.
	ForcedBySize
	// ForcedByInterval means the thread's operation counter hit the interval.
	ForcedByInterval
	// Probabilistic means the random draw selected the allocation.
	Probabilistic
)

// String returns the string representation of a Decision.
func (d Decision) String() string {
	switch d {
	case Skipped:
		return "skipped"
	case ForcedBySize:
		return "forced-by-size"
	case ForcedByInterval:
		return "forced-by-interval"
	case Probabilistic:
		return "probabilistic"
	default:
		return "unknown"
	}
}

// Sampled reports whether the decision records the allocation.
func (d Decision) Sampled() bool {
	return d != Skipped
}

// Stats tracks sampling statistics for monitoring and validation.
type Stats struct {
	// Total counts all decisions (sampled + skipped).
	Total uint64

	// Sampled counts decisions that recorded the allocation.
	Sampled uint64

	ForcedBySize     uint64
	ForcedByInterval uint64
	Probabilistic    uint64
}

// Rate returns Sampled / Total, or 0 when nothing was decided yet.
func (s Stats) Rate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Sampled) / float64(s.Total)
}

// Sampler implements the size-aware sampling decision.
//
// Thread Safety: All methods are safe for concurrent calls.
//
// Performance:
//   - Decide on the forced paths: ~2ns (atomic load + compare)
//   - Decide on the probabilistic path: ~5ns (runtime-local RNG draw)
type Sampler struct {
	// live is the published SamplingConfig, swapped by the optimizer.
	live *config.Live

	// rand returns a uniform float64 in [0,1). Replaced in tests.
	rand func() float64

	stats struct {
		total            atomic.Uint64
		sampled          atomic.Uint64
		forcedBySize     atomic.Uint64
		forcedByInterval atomic.Uint64
		probabilistic    atomic.Uint64
	}
}

// New creates a Sampler reading its configuration from live.
//
// math/rand/v2's top-level source is goroutine-safe and lock-free, which is
// what an allocation hook needs.
func New(live *config.Live) *Sampler {
	return &Sampler{live: live, rand: rand.Float64}
}

// NewWithRand is like New but draws from rnd. Intended for tests.
func NewWithRand(live *config.Live, rnd func() float64) *Sampler {
	return &Sampler{live: live, rand: rnd}
}

// Decide applies the sampling rules to one allocation.
//
// allocCounter is the calling thread's allocation counter, already
// incremented for this allocation (the first allocation of a thread passes
// 1). Deallocations do not advance it.
func (s *Sampler) Decide(size, allocCounter uint64) Decision {
	return decide(s.live.Load(), size, allocCounter, s.rand)
}

// ShouldSample reports whether an allocation should be recorded.
//
// This is the CRITICAL HOT PATH function - called on EVERY allocation.
//
//go:nosplit
func (s *Sampler) ShouldSample(size, allocCounter uint64) bool {
	return s.Decide(size, allocCounter).Sampled()
}

// ShouldSampleWithStats is like ShouldSample but also updates statistics.
//
// Thread Safety: Safe for concurrent calls.
func (s *Sampler) ShouldSampleWithStats(size, allocCounter uint64) (bool, Decision) {
	d := s.Decide(size, allocCounter)

	s.stats.total.Add(1)
	switch d {
	case ForcedBySize:
		s.stats.forcedBySize.Add(1)
	case ForcedByInterval:
		s.stats.forcedByInterval.Add(1)
	case Probabilistic:
		s.stats.probabilistic.Add(1)
	}
	if d.Sampled() {
		s.stats.sampled.Add(1)
	}

	return d.Sampled(), d
}

// Stats returns a copy of the current sampling statistics.
//
// Thread Safety: Safe for concurrent calls (atomic reads). The fields are
// read independently and may be skewed by concurrent writers.
func (s *Sampler) Stats() Stats {
	return Stats{
		Total:            s.stats.total.Load(),
		Sampled:          s.stats.sampled.Load(),
		ForcedBySize:     s.stats.forcedBySize.Load(),
		ForcedByInterval: s.stats.forcedByInterval.Load(),
		Probabilistic:    s.stats.probabilistic.Load(),
	}
}

// Config returns the configuration currently used for decisions.
func (s *Sampler) Config() *config.SamplingConfig {
	return s.live.Load()
}

// decide is the pure form of the sampling rules.
func decide(cfg *config.SamplingConfig, size, allocCounter uint64, rnd func() float64) Decision {
	if size >= cfg.CriticalSizeThreshold {
		return ForcedBySize
	}

	if n := cfg.FrequencySampleInterval; n > 0 && allocCounter%n == 0 {
		return ForcedByInterval
	}

	rate := cfg.SmallSampleRate
	if size >= cfg.MediumSizeThreshold {
		rate = cfg.MediumSampleRate
	}

	switch {
	case rate <= 0:
		return Skipped
	case rate >= 1:
		return Probabilistic
	case rnd() < rate:
		return Probabilistic
	default:
		return Skipped
	}
}

// BucketRate returns the probabilistic rate applied to size under cfg,
// ignoring the forced rules.
func BucketRate(cfg *config.SamplingConfig, size uint64) float64 {
	if size >= cfg.MediumSizeThreshold {
		return cfg.MediumSampleRate
	}
	return cfg.SmallSampleRate
}

// ExpectedSampleRate returns the theoretical fraction of allocations sampled
// for a stream whose sizes follow the given distribution.
//
// sizes are representative allocation sizes, equally weighted. The periodic
// rule contributes 1/FrequencySampleInterval of the otherwise unsampled
// allocations.
//
// Returns a value between 0.0 and 1.0.
func ExpectedSampleRate(cfg *config.SamplingConfig, sizes []uint64) float64 {
	if len(sizes) == 0 {
		return 0
	}

	var periodic float64
	if cfg.FrequencySampleInterval > 0 {
		periodic = 1 / float64(cfg.FrequencySampleInterval)
	}

	var sum float64
	for _, size := range sizes {
		if size >= cfg.CriticalSizeThreshold {
			sum++
			continue
		}
		p := BucketRate(cfg, size)
		if p > 1 {
			p = 1
		}
		if p < 0 {
			p = 0
		}
		// P(sampled) = 1 - P(not periodic) * P(not drawn)
		sum += 1 - (1-periodic)*(1-p)
	}

	return sum / float64(len(sizes))
}
