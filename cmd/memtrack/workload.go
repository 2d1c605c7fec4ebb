package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kolkov/memtrack/internal/track/engine"
)

// sizeClass is one bucket of the synthetic size distribution.
type sizeClass struct {
	tag      string
	weight   int // Out of 100.
	min, max int
}

// sizeClasses mirrors a typical service: mostly small objects, some
// buffers, rare large blobs that always cross the critical threshold.
var sizeClasses = []sizeClass{
	{tag: "msg.Header", weight: 80, min: 16, max: 1 << 10},
	{tag: "msg.Body", weight: 18, min: 1 << 10, max: 64 << 10},
	{tag: "blob.Chunk", weight: 2, min: 64 << 10, max: 1 << 20},
}

// pickSize draws a type tag and size from sizeClasses.
func pickSize(rng *rand.Rand) (string, int) {
	n := rng.IntN(100)
	for _, c := range sizeClasses {
		if n < c.weight {
			return c.tag, c.min + rng.IntN(c.max-c.min)
		}
		n -= c.weight
	}
	c := sizeClasses[0]
	return c.tag, c.min
}

// workload allocates real byte slices from several goroutines and reports
// them to a tracker. Each worker keeps a ring of LiveSet slices and frees
// the oldest one before replacing it.
type workload struct {
	Workers int
	LiveSet int

	// Ops is the number of allocations per worker. Zero runs until the
	// context is done.
	Ops uint64

	// Rate limits each worker to this many allocations per second.
	// Zero is unlimited.
	Rate float64

	Seed uint64
}

var errBadWorkload = errors.New("workers and live set must be positive")

// run drives the workload until every worker finished or ctx is done.
// It returns the number of allocations reported.
func (w workload) run(ctx context.Context, tr *engine.Tracker) (uint64, error) {
	if w.Workers <= 0 || w.LiveSet <= 0 {
		return 0, errBadWorkload
	}

	var total atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.Workers {
		g.Go(func() error {
			n, err := w.worker(ctx, tr, uint64(i)) //nolint:gosec // i >= 0
			total.Add(n)
			return err
		})
	}
	err := g.Wait()
	return total.Load(), err
}

func (w workload) worker(ctx context.Context, tr *engine.Tracker, id uint64) (uint64, error) {
	th := tr.Thread()
	rng := rand.New(rand.NewPCG(w.Seed, id)) //nolint:gosec // synthetic workload

	var limiter *rate.Limiter
	if w.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(w.Rate), 1)
	}

	ring := make([][]byte, w.LiveSet)
	defer func() {
		for _, b := range ring {
			if b != nil {
				th.OnDealloc(addressOf(b))
			}
		}
	}()

	var n uint64
	for w.Ops == 0 || n < w.Ops {
		if ctx.Err() != nil {
			return n, nil
		}
		if limiter != nil {
			// Wait fails only when ctx ends before the next token.
			if err := limiter.Wait(ctx); err != nil {
				return n, nil
			}
		}

		slot := n % uint64(len(ring)) //nolint:gosec // len > 0
		if old := ring[slot]; old != nil {
			th.OnDealloc(addressOf(old))
		}
		tag, size := pickSize(rng)
		b := make([]byte, size)
		ring[slot] = b
		th.OnAlloc(addressOf(b), uint64(size), tag) //nolint:gosec // size > 0
		n++
	}
	return n, nil
}

// addressOf returns the address of b's backing array. The slice must stay
// reachable until its deallocation is reported.
func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
