package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/memtrack/internal/track/trackerr"
)

// ErrRunning is returned by Run when another Run is active.
var ErrRunning = errors.New("memtrack: tracker already running")

// Run executes background maintenance until ctx is done:
//   - optimizer passes, when the hot path signals one is due and every
//     Maintenance.OptimizerInterval
//   - call-stack registry cleanup every Maintenance.RegistryCleanupInterval
//   - reclamation of exited goroutines every Maintenance.ThreadReapInterval
//
// A zero interval disables the periodic part of that loop. While Run is
// active the hot path never runs optimizer passes inline.
//
// Returns nil when ctx is cancelled, ErrRunning if already running.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer t.running.Store(false)

	m := t.cfg.Maintenance
	t.logger.Info("maintenance started",
		zap.Duration("optimizer_interval", m.OptimizerInterval),
		zap.Duration("registry_cleanup_interval", m.RegistryCleanupInterval),
		zap.Duration("thread_reap_interval", m.ThreadReapInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.optimizeLoop(ctx, m.OptimizerInterval)
	})
	g.Go(func() error {
		return every(ctx, m.RegistryCleanupInterval, func() {
			if _, err := t.CleanupRegistry(); err != nil && !errors.Is(err, trackerr.ErrLockContention) {
				t.logger.Warn("registry cleanup failed", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		return every(ctx, m.ThreadReapInterval, func() {
			t.ReapThreads()
		})
	})

	err := g.Wait()
	t.logger.Info("maintenance stopped", zap.Duration("uptime", t.uptime()))
	return err
}

func (t *Tracker) optimizeLoop(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.trigger:
		case <-tick:
		}

		if _, err := t.opt.Run(ctx); err != nil && ctx.Err() == nil &&
			!errors.Is(err, trackerr.ErrLockContention) && !errors.Is(err, context.DeadlineExceeded) {
			t.logger.Warn("optimizer pass failed", zap.Error(err))
		}
	}
}

// every calls fn every interval until ctx is done. A non-positive interval
// just waits for ctx.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
