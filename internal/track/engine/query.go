package engine

import (
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/memtrack/internal/track/callstack"
	"github.com/kolkov/memtrack/internal/track/config"
	"github.com/kolkov/memtrack/internal/track/goroutine"
	"github.com/kolkov/memtrack/internal/track/history"
	"github.com/kolkov/memtrack/internal/track/liveindex"
	"github.com/kolkov/memtrack/internal/track/optimizer"
	"github.com/kolkov/memtrack/internal/track/sampler"
	"github.com/kolkov/memtrack/internal/track/stats"
	"github.com/kolkov/memtrack/internal/track/trackerr"
)

// Stats is a snapshot of every component's statistics.
type Stats struct {
	Memory    stats.MemoryStats
	Sampling  stats.SamplingStats
	Decisions sampler.Stats
	Misses    stats.Misses
	Registry  callstack.Stats
	History   history.Stats
	LiveIndex liveindex.Stats
	Optimizer optimizer.Stats

	// Threads is the number of registered goroutine contexts.
	Threads int

	// ConfigVersion is the version of the live sampling configuration.
	ConfigVersion uint64
}

// MemoryStats returns an eventually consistent snapshot of the global
// counters.
func (t *Tracker) MemoryStats() stats.MemoryStats {
	return t.global.MemoryStats()
}

// SamplingStats returns total and sampled allocation counts, the observed
// sample rate and the bytes written to the sink.
func (t *Tracker) SamplingStats() stats.SamplingStats {
	return t.global.SamplingStats()
}

// Misses returns the data-quality counters.
func (t *Tracker) Misses() stats.Misses {
	return t.global.Misses()
}

// Global returns the statistics instance, for exporters such as
// stats.NewCollector.
func (t *Tracker) Global() *stats.Global {
	return t.global
}

// CallStack returns the frames registered under id.
// Returns false for NoStack and for evicted or unknown ids.
func (t *Tracker) CallStack(id uint32) ([]callstack.Frame, bool) {
	return t.stacks.Lookup(id)
}

// AllocationPatterns analyses the optimizer's current sample window.
func (t *Tracker) AllocationPatterns() optimizer.AllocationPattern {
	return t.opt.Pattern()
}

// OptimizationRecommendations returns the result of the latest optimizer
// pass. Nothing is applied.
func (t *Tracker) OptimizationRecommendations() optimizer.Recommendations {
	return t.opt.Recommendations()
}

// History returns the bounded history manager for live queries.
func (t *Tracker) History() *history.Manager {
	return t.history
}

// RegistryStats returns call-stack registry statistics.
func (t *Tracker) RegistryStats() callstack.Stats {
	return t.stacks.Stats()
}

// Config returns a copy of the live sampling configuration.
func (t *Tracker) Config() config.SamplingConfig {
	return *t.live.Load()
}

// SetConfig validates and publishes a new sampling configuration.
//
// Buffers pick up a changed MaxRecordsPerThread at their next flush.
func (t *Tracker) SetConfig(cfg config.SamplingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	published := t.live.Store(cfg)
	t.logger.Info("sampling configuration updated", zap.Uint64("version", published.Version))
	return nil
}

// Stats returns a snapshot of every component's statistics.
func (t *Tracker) Stats() Stats {
	return Stats{
		Memory:        t.global.MemoryStats(),
		Sampling:      t.global.SamplingStats(),
		Decisions:     t.sampler.Stats(),
		Misses:        t.global.Misses(),
		Registry:      t.stacks.Stats(),
		History:       t.history.Stats(),
		LiveIndex:     t.index.Stats(),
		Optimizer:     t.opt.Stats(),
		Threads:       t.threads.Len(),
		ConfigVersion: t.live.Version(),
	}
}

// CleanupRegistry removes call stacks whose reference count is at or below
// the cleanup threshold.
//
// Returns:
//   - int: entries removed
//   - error: trackerr.ErrLockContention if a cleanup is already running
func (t *Tracker) CleanupRegistry() (int, error) {
	start := t.now()
	removed, err := t.stacks.Cleanup()
	if err != nil {
		return 0, err
	}
	t.logger.Debug("registry cleanup",
		zap.Int("removed", removed),
		zap.Int("remaining", t.stacks.Len()),
		zap.Duration("elapsed", t.now().Sub(start)))
	return removed, nil
}

// FlushAllThreads flushes every goroutine buffer to the sink.
//
// Buffers whose owner is mid-append cannot be taken without waiting; they
// are asked to flush on their owner's next event and counted as lock
// contention misses.
//
// Returns the combined *trackerr.IOError values of failed flushes.
func (t *Tracker) FlushAllThreads() error {
	var errs error
	contended := 0

	t.threads.Range(func(ctx *goroutine.Context) bool {
		if !ctx.TryLock() {
			ctx.RequestFlush()
			t.global.RecordMiss(stats.LockContention)
			contended++
			return true
		}
		errs = multierr.Append(errs, t.flushLocked(ctx))
		ctx.Unlock()
		return true
	})

	if contended > 0 {
		t.logger.Debug("flush deferred for busy threads", zap.Int("threads", contended))
	}
	return errs
}

// ReapThreads reclaims the contexts of exited goroutines, flushing their
// buffers first.
//
// Returns the number of contexts reclaimed.
func (t *Tracker) ReapThreads() int {
	reaped, busy := t.threads.Reap(func(ctx *goroutine.Context) {
		_ = t.flushLocked(ctx)
	})
	if reaped > 0 || busy > 0 {
		t.logger.Debug("reaped exited goroutines",
			zap.Int("reaped", reaped),
			zap.Int("busy", busy),
			zap.Int("remaining", t.threads.Len()))
	}
	return reaped
}

// flusher is implemented by sinks that buffer output, such as
// record.BinaryWriter.
type flusher interface {
	Flush() error
}

// Close stops tracking, flushes every buffer and the sink, and folds the
// pending history aggregate into a historical summary.
//
// Events reported after Close are ignored. Returns trackerr.ErrClosed if
// the tracker was already closed.
func (t *Tracker) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return trackerr.ErrClosed
	}
	start := t.now()

	err := t.FlushAllThreads()
	if f, ok := t.sink.(flusher); ok {
		err = multierr.Append(err, f.Flush())
	}
	t.history.Rollup()

	m := t.global.MemoryStats()
	t.logger.Info("tracker closed",
		zap.Uint64("allocations", m.TotalAllocations),
		zap.Uint64("sampled", m.SampledAllocations),
		zap.Uint64("active_allocations", m.ActiveAllocations),
		zap.Uint64("peak_bytes", m.PeakMemory),
		zap.Uint64("misses", t.global.Misses().Total()),
		zap.Duration("elapsed", t.now().Sub(start)),
		zap.Error(err))
	return err
}

// Closed reports whether Close was called.
func (t *Tracker) Closed() bool {
	return t.closed.Load()
}

// uptime is the time since the record epoch.
func (t *Tracker) uptime() time.Duration {
	return t.now().Sub(t.epoch)
}
