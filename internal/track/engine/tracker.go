// Package engine wires the allocation tracking components together.
//
// A Tracker is the process context object: it owns the live sampling
// configuration, the sampler, the global statistics, the call-stack
// registry, the history manager, the live allocation index, the
// per-goroutine recording contexts and the optimizer. Instrumentation
// reports events through OnAlloc and OnDealloc (or through a Thread handle);
// reporting tools use the query methods.
//
// Hot path contract (OnAlloc, OnDealloc):
//   - Never waits on another goroutine's buffer: buffer locks are only
//     TryLock'ed, failure is counted as a miss and the event degrades to
//     "not recorded". The history manager's mutex is the one lock taken
//     unconditionally; it guards short ring updates of sampled events only
//   - Never returns errors and never panics on bad input
//   - Never recurses: a per-goroutine guard drops events raised while the
//     same goroutine is already inside the tracker (e.g. by a sink)
//
// Event flow for an allocation:
//  1. Index the address (size, owner) in the lock-free live index
//  2. Update global statistics (always, sampled or not)
//  3. Ask the sampler; unsampled events stop here
//  4. Optionally capture and normalize the call stack
//  5. Append a CompactRecord to the goroutine's buffer, flushing as needed
//  6. Add a summary to the history manager and a sample to the optimizer
package engine

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kolkov/memtrack/internal/track/callstack"
	"github.com/kolkov/memtrack/internal/track/config"
	"github.com/kolkov/memtrack/internal/track/goroutine"
	"github.com/kolkov/memtrack/internal/track/history"
	"github.com/kolkov/memtrack/internal/track/liveindex"
	"github.com/kolkov/memtrack/internal/track/optimizer"
	"github.com/kolkov/memtrack/internal/track/record"
	"github.com/kolkov/memtrack/internal/track/sampler"
	"github.com/kolkov/memtrack/internal/track/stats"
)

// AllocationEvent is one sampled allocation as seen by the engine.
type AllocationEvent struct {
	Address   uintptr
	Size      uint64
	TypeTag   string
	ThreadID  uint32
	Timestamp time.Time
}

// Tracker is the allocation tracking engine.
//
// Thread Safety: All methods are safe for concurrent calls.
type Tracker struct {
	cfg    config.Config
	live   *config.Live
	logger *zap.Logger
	sink   record.Sink
	now    func() time.Time
	epoch  time.Time
	skip   int

	sampler *sampler.Sampler
	global  *stats.Global
	stacks  *callstack.Registry
	history *history.Manager
	index   *liveindex.Index
	threads *goroutine.Registry
	opt     *optimizer.Optimizer

	// ops counts tracked operations across all goroutines and paces the
	// optimizer.
	ops atomic.Uint64

	// peakUtil holds the float64 bits of the highest buffer utilization
	// seen at flush time since the last optimizer pass.
	peakUtil atomic.Uint64

	closed  atomic.Bool
	running atomic.Bool
	trigger chan struct{}

	flushLog rate.Sometimes
}

// New creates a Tracker from a validated configuration.
//
// Returns an error if cfg is invalid.
func New(cfg config.Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	t := &Tracker{
		cfg:      cfg,
		live:     config.NewLive(cfg.Sampling),
		logger:   o.logger,
		sink:     o.sink,
		now:      o.now,
		skip:     o.callerSkip,
		global:   &stats.Global{},
		stacks:   callstack.New(cfg.Registry),
		history:  history.New(cfg.History),
		index:    liveindex.New(cfg.LiveIndex.Capacity, cfg.LiveIndex.MaxProbes),
		trigger:  make(chan struct{}, 1),
		flushLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	t.epoch = o.epoch
	if t.epoch.IsZero() {
		t.epoch = t.now()
	}

	if o.rand != nil {
		t.sampler = sampler.NewWithRand(t.live, o.rand)
	} else {
		t.sampler = sampler.New(t.live)
	}
	t.threads = goroutine.NewRegistry(func() int {
		return t.live.Load().MaxRecordsPerThread
	})
	t.opt = optimizer.New(cfg.Optimizer, t.live,
		optimizer.NewWindow(cfg.Optimizer.WindowSize), t.optimizerMetrics, t.logger)

	t.logger.Debug("tracker created",
		zap.Uint64("critical_size_threshold", cfg.Sampling.CriticalSizeThreshold),
		zap.Float64("small_sample_rate", cfg.Sampling.SmallSampleRate),
		zap.Float64("medium_sample_rate", cfg.Sampling.MediumSampleRate),
		zap.Int("max_records_per_thread", cfg.Sampling.MaxRecordsPerThread),
		zap.Int("live_index_capacity", t.index.Stats().Capacity))

	return t, nil
}

// Epoch returns the time CompactRecord timestamps are relative to.
func (t *Tracker) Epoch() time.Time {
	return t.epoch
}

// OnAlloc reports an allocation of size bytes at addr by the calling
// goroutine.
//
// This is the CRITICAL HOT PATH, called on every tracked allocation. The
// calling goroutine's context is found by goroutine ID; callers reporting
// many events should hold a Thread handle instead.
func (t *Tracker) OnAlloc(addr uintptr, size uint64, typeTag string) {
	if t.closed.Load() {
		return
	}
	t.onAlloc(t.threads.Current(), addr, size, typeTag)
}

// OnDealloc reports that the allocation at addr was freed by the calling
// goroutine. Unknown addresses are ignored.
func (t *Tracker) OnDealloc(addr uintptr) {
	if t.closed.Load() {
		return
	}
	t.onDealloc(t.threads.Current(), addr)
}

// onAlloc must be called directly by the exported entry points; stack
// capture skips a fixed number of frames.
func (t *Tracker) onAlloc(ctx *goroutine.Context, addr uintptr, size uint64, typeTag string) {
	if !ctx.Enter() {
		t.global.RecordMiss(stats.Reentrant)
		return
	}
	defer ctx.Exit()

	n := ctx.NextAlloc()

	sampled, _ := t.sampler.ShouldSampleWithStats(size, n)

	prev, replaced, err := t.index.Insert(uint64(addr), liveindex.Entry{
		Size:    min(size, liveindex.MaxSize),
		Owner:   ctx.TID,
		Sampled: sampled,
	})
	tracked := err == nil
	switch {
	case !tracked:
		// Its free will not be found, so it never counts as active.
		t.global.RecordMiss(stats.ResourceExhausted)
		t.global.RecordUntrackedAllocation(size, sampled)
	case replaced:
		// The previous allocation at this address was never reported freed.
		t.release(ctx, addr, prev)
		t.global.RecordAllocation(size, sampled)
	default:
		t.global.RecordAllocation(size, sampled)
	}

	if sampled {
		t.recordSampled(ctx, addr, size, typeTag, tracked)
	}
	t.tick()
}

// recordSampled records a sampled allocation. An untracked allocation is
// written without FlagActive and kept out of the history.
func (t *Tracker) recordSampled(ctx *goroutine.Context, addr uintptr, size uint64, typeTag string, tracked bool) {
	cfg := t.live.Load()
	now := t.now()
	ev := AllocationEvent{
		Address:   addr,
		Size:      size,
		TypeTag:   typeTag,
		ThreadID:  ctx.TID,
		Timestamp: now,
	}

	flags := record.FlagSampled
	if tracked {
		flags |= record.FlagActive
	}
	stackID := callstack.NoStack
	if cfg.Features.StackCapture {
		// Frames: recordSampled, onAlloc, OnAlloc, then the reporter.
		frames := callstack.Capture(3+t.skip, t.cfg.Registry.MaxFrames)
		id, err := t.stacks.Normalize(frames)
		if err != nil {
			t.global.RecordMiss(stats.ResourceExhausted)
		} else if id != callstack.NoStack {
			stackID = id
			flags |= record.FlagStack
		}
	}

	rec := record.CompactRecord{
		Address:        uint64(ev.Address),
		TimestampDelta: record.SaturateDelta(ev.Timestamp.Sub(t.epoch)),
		Size:           record.SaturateSize(ev.Size),
		TypeHash:       record.TypeHash(ev.TypeTag),
		StackID:        stackID,
		ThreadID:       ev.ThreadID,
		Flags:          flags,
	}
	t.append(ctx, cfg, rec)

	if tracked && cfg.Features.History {
		t.history.AddAllocation(history.AllocationSummary{
			Address:     uint64(ev.Address),
			Size:        ev.Size,
			TypeTag:     ev.TypeTag,
			StackID:     stackID,
			ThreadID:    ev.ThreadID,
			AllocatedAt: ev.Timestamp,
		})
	}

	t.opt.Window().Add(optimizer.Sample{
		Size:    ev.Size,
		At:      ev.Timestamp,
		TypeTag: ev.TypeTag,
		Cost:    t.now().Sub(now),
	})
}

// append adds rec to the goroutine's buffer.
//
// A full buffer is flushed and the append retried once. The buffer is
// resized to the live MaxRecordsPerThread whenever it is empty.
func (t *Tracker) append(ctx *goroutine.Context, cfg *config.SamplingConfig, rec record.CompactRecord) {
	if !ctx.TryLock() {
		t.global.RecordMiss(stats.LockContention)
		return
	}
	defer ctx.Unlock()

	if ctx.Retired() {
		t.global.RecordMiss(stats.LockContention)
		return
	}

	buf := ctx.Buffer()
	if ctx.TakeFlushRequest() || buf.Cap() != cfg.MaxRecordsPerThread {
		_ = t.flushLocked(ctx)
		buf.Resize(cfg.MaxRecordsPerThread)
	}

	if err := buf.Add(rec); err != nil {
		_ = t.flushLocked(ctx)
		if err := buf.Add(rec); err != nil {
			t.global.RecordMiss(stats.ResourceExhausted)
			return
		}
	}

	nowDelta := record.SaturateDelta(t.now().Sub(t.epoch))
	if buf.ShouldFlush(t.cfg.Buffer.FlushThreshold, t.cfg.Buffer.FlushMaxAge, nowDelta) {
		_ = t.flushLocked(ctx)
	}
}

func (t *Tracker) onDealloc(ctx *goroutine.Context, addr uintptr) {
	if !ctx.Enter() {
		t.global.RecordMiss(stats.Reentrant)
		return
	}
	defer ctx.Exit()

	e, ok := t.index.Remove(uint64(addr))
	if !ok {
		t.global.RecordMiss(stats.UnknownFree)
		t.tick()
		return
	}
	t.release(ctx, addr, e)
	t.tick()
}

// release accounts for the end of the allocation e at addr, either freed or
// replaced by a new allocation at the same address.
func (t *Tracker) release(ctx *goroutine.Context, addr uintptr, e liveindex.Entry) {
	t.global.RecordDeallocation(e.Size)

	if e.Owner != ctx.TID {
		// The owner's record stays active; only the owner may touch its
		// buffer.
		t.global.RecordMiss(stats.CrossThreadFree)
	}
	if !e.Sampled {
		return
	}

	if e.Owner == ctx.TID {
		if ctx.TryLock() {
			ctx.Buffer().Deactivate(uint64(addr))
			ctx.Unlock()
		} else {
			t.global.RecordMiss(stats.LockContention)
		}
	}
	if t.live.Load().Features.History {
		t.history.RecordDeallocation(uint64(addr), e.Size)
	}
}

// tick counts one tracked operation and starts an optimizer pass every
// AnalysisInterval operations: handed to Run's loop when it is running,
// inline (bounded by the pass time budget) otherwise.
func (t *Tracker) tick() {
	n := t.ops.Add(1)
	if !t.opt.Due(n) {
		return
	}
	if t.running.Load() {
		select {
		case t.trigger <- struct{}{}:
		default:
		}
		return
	}
	t.opt.MaybeRun(n)
}

// flushLocked writes the buffer of ctx to the sink. ctx must be locked.
func (t *Tracker) flushLocked(ctx *goroutine.Context) error {
	buf := ctx.Buffer()
	if buf.Len() == 0 {
		return nil
	}
	t.notePeakUtilization(buf.Utilization())

	n, err := buf.Flush(t.sink)
	if err != nil {
		t.global.RecordMiss(stats.IOError)
		t.flushLog.Do(func() {
			t.logger.Warn("flush failed, records dropped",
				zap.Uint32("thread_id", ctx.TID),
				zap.Int("records", n),
				zap.Error(err))
		})
		return err
	}
	t.global.AddBytesWritten(uint64(n) * record.EncodedSize)
	return nil
}

func (t *Tracker) notePeakUtilization(u float64) {
	for {
		old := t.peakUtil.Load()
		if u <= math.Float64frombits(old) {
			return
		}
		if t.peakUtil.CompareAndSwap(old, math.Float64bits(u)) {
			return
		}
	}
}

func (t *Tracker) optimizerMetrics() optimizer.Metrics {
	return optimizer.Metrics{
		Memory:            t.global.MemoryStats(),
		Sampling:          t.global.SamplingStats(),
		Misses:            t.global.Misses(),
		BufferUtilization: math.Float64frombits(t.peakUtil.Swap(0)),
	}
}

// Thread is an explicit per-goroutine handle.
//
// It skips the goroutine ID lookup of Tracker.OnAlloc. A Thread belongs to
// the goroutine that obtained it and must not be shared.
type Thread struct {
	t   *Tracker
	ctx *goroutine.Context
}

// Thread returns a handle bound to the calling goroutine.
func (t *Tracker) Thread() *Thread {
	return &Thread{t: t, ctx: t.threads.Current()}
}

// ID returns the tracker-assigned thread id of the handle's goroutine.
func (th *Thread) ID() uint32 {
	return th.ctx.TID
}

// OnAlloc is Tracker.OnAlloc for the handle's goroutine.
func (th *Thread) OnAlloc(addr uintptr, size uint64, typeTag string) {
	if th.t.closed.Load() {
		return
	}
	th.t.onAlloc(th.context(), addr, size, typeTag)
}

// OnDealloc is Tracker.OnDealloc for the handle's goroutine.
func (th *Thread) OnDealloc(addr uintptr) {
	if th.t.closed.Load() {
		return
	}
	th.t.onDealloc(th.context(), addr)
}

func (th *Thread) context() *goroutine.Context {
	if th.ctx.Retired() {
		th.ctx = th.t.threads.Current()
	}
	return th.ctx
}
