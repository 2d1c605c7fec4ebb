// Package optimizer implements the adaptive performance optimizer.
//
// A pass analyses the recent sample window (AnalyzePatterns), derives
// recommendations from the pattern and engine metrics (Recommend) and, when
// auto-application is enabled, publishes a new sampling configuration built
// from the confident actions (Apply). Analysis and recommendation are pure
// functions; only Optimizer holds state.
//
// Passes are triggered every AnalysisInterval tracked operations. A pass
// never waits: if another pass is running it is skipped, and it abandons
// its work when the configured time budget runs out.
package optimizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kolkov/memtrack/internal/track/config"
	"github.com/kolkov/memtrack/internal/track/stats"
	"github.com/kolkov/memtrack/internal/track/trackerr"
)

// MetricsSource reports current engine metrics. Misses are cumulative; the
// optimizer computes per-pass deltas itself.
type MetricsSource func() Metrics

// Stats counts optimizer passes.
type Stats struct {
	Runs      uint64 // Passes completed.
	Applied   uint64 // Passes that published a new configuration.
	Contended uint64 // Passes skipped because another was running.
	Expired   uint64 // Passes abandoned at the time budget.
}

// Optimizer runs adaptive passes over a Window.
//
// Thread Safety: All methods are safe for concurrent calls.
type Optimizer struct {
	cfg     config.OptimizerConfig
	live    *config.Live
	window  *Window
	metrics MetricsSource
	logger  *zap.Logger

	// mu serializes passes. It is only ever TryLock'ed.
	mu         sync.Mutex
	lastMisses stats.Misses

	latest atomic.Pointer[Recommendations]

	runs      atomic.Uint64
	applied   atomic.Uint64
	contended atomic.Uint64
	expired   atomic.Uint64

	now func() time.Time
}

// New creates an optimizer publishing to live.
//
// A nil logger is replaced by zap.NewNop().
func New(cfg config.OptimizerConfig, live *config.Live, window *Window, metrics MetricsSource, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = func() Metrics { return Metrics{} }
	}
	return &Optimizer{
		cfg:     cfg,
		live:    live,
		window:  window,
		metrics: metrics,
		logger:  logger.Named("optimizer"),
		now:     time.Now,
	}
}

// Window returns the sample window the optimizer analyses.
func (o *Optimizer) Window() *Window {
	return o.window
}

// Due reports whether the ops-th tracked operation triggers a pass.
//
//go:nosplit
func (o *Optimizer) Due(ops uint64) bool {
	n := o.cfg.AnalysisInterval
	return n > 0 && ops > 0 && ops%n == 0
}

// MaybeRun runs a pass if ops is a multiple of AnalysisInterval.
// Returns true if a pass ran to completion.
func (o *Optimizer) MaybeRun(ops uint64) bool {
	if !o.Due(ops) {
		return false
	}
	_, err := o.Run(context.Background())
	return err == nil
}

// Run performs one pass now.
//
// Returns:
//   - Recommendations: the pass result, also available from Recommendations()
//   - error: trackerr.ErrLockContention if another pass is running,
//     context.DeadlineExceeded if the time budget ran out, or ctx's error
func (o *Optimizer) Run(ctx context.Context) (Recommendations, error) {
	if !o.mu.TryLock() {
		o.contended.Add(1)
		return Recommendations{}, trackerr.ErrLockContention
	}
	defer o.mu.Unlock()

	if o.cfg.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TimeBudget)
		defer cancel()
	}

	rec, err := o.pass(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			o.expired.Add(1)
			o.logger.Debug("optimizer pass exceeded time budget", zap.Duration("budget", o.cfg.TimeBudget))
		}
		return Recommendations{}, err
	}
	o.runs.Add(1)
	return rec, nil
}

func (o *Optimizer) pass(ctx context.Context) (Recommendations, error) {
	cur := o.live.Load()
	samples := o.window.Snapshot()
	if err := ctx.Err(); err != nil {
		return Recommendations{}, err
	}

	now := o.now()
	pattern := AnalyzePatterns(samples, now)
	if err := ctx.Err(); err != nil {
		return Recommendations{}, err
	}

	m := o.metrics()
	cumulative := m.Misses
	m.Misses = missesSince(cumulative, o.lastMisses)
	o.lastMisses = cumulative

	rec := Recommend(pattern, m, *cur, o.cfg)
	rec.GeneratedAt = now
	if err := ctx.Err(); err != nil {
		return Recommendations{}, err
	}
	o.latest.Store(&rec)

	if !cur.Features.Optimizer {
		return rec, nil
	}
	actions := rec.Confident(o.cfg.AutoApplyConfidence)
	if len(actions) == 0 {
		return rec, nil
	}

	next := Apply(*cur, actions)
	published, ok := o.live.CompareAndSwap(cur, next)
	if !ok {
		o.logger.Debug("configuration changed during optimizer pass, not applied")
		return rec, nil
	}
	o.applied.Add(1)

	fields := make([]zap.Field, 0, len(actions)+2)
	fields = append(fields,
		zap.Uint64("version", published.Version),
		zap.Float64("confidence", rec.Confidence))
	for _, a := range actions {
		fields = append(fields, zap.Stringer("action", a))
	}
	o.logger.Info("applied optimizer recommendations", fields...)

	return rec, nil
}

// Recommendations returns the result of the latest completed pass without
// applying anything.
func (o *Optimizer) Recommendations() Recommendations {
	if r := o.latest.Load(); r != nil {
		return *r
	}
	return Recommendations{}
}

// Pattern analyses the current window without running a pass.
func (o *Optimizer) Pattern() AllocationPattern {
	return AnalyzePatterns(o.window.Snapshot(), o.now())
}

// Stats returns pass counters.
func (o *Optimizer) Stats() Stats {
	return Stats{
		Runs:      o.runs.Load(),
		Applied:   o.applied.Load(),
		Contended: o.contended.Load(),
		Expired:   o.expired.Load(),
	}
}

func missesSince(cur, prev stats.Misses) stats.Misses {
	sub := func(a, b uint64) uint64 {
		if a < b {
			return 0
		}
		return a - b
	}
	return stats.Misses{
		LockContention:    sub(cur.LockContention, prev.LockContention),
		ResourceExhausted: sub(cur.ResourceExhausted, prev.ResourceExhausted),
		IOErrors:          sub(cur.IOErrors, prev.IOErrors),
		CrossThreadFrees:  sub(cur.CrossThreadFrees, prev.CrossThreadFrees),
		UnknownFrees:      sub(cur.UnknownFrees, prev.UnknownFrees),
		Reentrant:         sub(cur.Reentrant, prev.Reentrant),
	}
}
