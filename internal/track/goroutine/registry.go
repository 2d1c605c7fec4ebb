package goroutine

import (
	"sync"
	"sync/atomic"
)

// tidPool recycles thread ids of exited goroutines.
//
// Ids are handed out in ascending order; freed ids are reused FIFO before
// new ones are minted, which keeps ids small.
type tidPool struct {
	mu   sync.Mutex
	free []uint32
	next uint32
}

func (p *tidPool) alloc() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) > 0 {
		tid := p.free[0]
		p.free = p.free[1:]
		return tid
	}
	p.next++
	return p.next
}

func (p *tidPool) release(tid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, tid)
}

// Registry maps goroutine IDs to Contexts.
//
// Lookups are lock-free (sync.Map). A goroutine's Context is created on its
// first event; if two creations race, one wins and the other is discarded
// along with its thread id.
//
// Thread Safety: All methods are safe for concurrent calls.
type Registry struct {
	contexts sync.Map // int64 (GID) → *Context
	pool     tidPool
	count    atomic.Int64
	seq      atomic.Uint64

	// capacity returns the buffer capacity for new Contexts.
	capacity func() int

	// liveIDs lists live goroutines. Replaced in tests.
	liveIDs func() ([]int64, bool)
}

// NewRegistry creates a Registry whose Contexts get buffers of capacity()
// records.
func NewRegistry(capacity func() int) *Registry {
	return &Registry{capacity: capacity, liveIDs: LiveIDs}
}

// Current returns the Context of the calling goroutine, creating it on
// first use.
//
// Performance: dominated by ID (~1µs).
func (r *Registry) Current() *Context {
	return r.ForID(ID())
}

// ForID returns the Context of goroutine gid, creating it on first use.
//
// Returns:
//   - *Context: The Context (never nil)
func (r *Registry) ForID(gid int64) *Context {
	if v, ok := r.contexts.Load(gid); ok {
		return v.(*Context)
	}

	ctx := NewContext(r.pool.alloc(), gid, r.capacity())
	ctx.seq = r.seq.Add(1)
	actual, loaded := r.contexts.LoadOrStore(gid, ctx)
	if loaded {
		r.pool.release(ctx.TID)
		return actual.(*Context)
	}
	r.count.Add(1)
	return ctx
}

// Lookup returns the Context of goroutine gid without creating it.
func (r *Registry) Lookup(gid int64) (*Context, bool) {
	v, ok := r.contexts.Load(gid)
	if !ok {
		return nil, false
	}
	return v.(*Context), true
}

// Range calls fn for every registered Context until fn returns false.
func (r *Registry) Range(fn func(*Context) bool) {
	r.contexts.Range(func(_, v any) bool {
		return fn(v.(*Context))
	})
}

// Len returns the number of registered Contexts.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Reap reclaims the Contexts of exited goroutines.
//
// For each dead goroutine whose Context lock can be taken without waiting,
// drain is called with the lock held (typically to flush the orphaned
// buffer), the Context is retired and removed, and its thread id returns to
// the pool. Contexts whose lock is busy are left for the next pass. Nothing
// is reaped when the goroutine listing was truncated.
//
// Algorithm:
//  1. List live goroutine IDs (runtime.Stack, all=true)
//  2. Scan registered Contexts for IDs not in the live set, ignoring
//     Contexts created after the listing
//  3. Drain, retire and release each dead one
//
// Returns:
//   - reaped: Contexts reclaimed
//   - busy: dead Contexts skipped because their lock was held
func (r *Registry) Reap(drain func(*Context)) (reaped, busy int) {
	limit := r.seq.Load()
	live, complete := r.liveIDs()
	if !complete {
		return 0, 0
	}
	alive := make(map[int64]struct{}, len(live))
	for _, gid := range live {
		alive[gid] = struct{}{}
	}

	r.contexts.Range(func(k, v any) bool {
		gid := k.(int64)
		if _, ok := alive[gid]; ok {
			return true
		}

		ctx := v.(*Context)
		if ctx.seq > limit {
			return true
		}
		if !ctx.TryLock() {
			busy++
			return true
		}
		if drain != nil {
			drain(ctx)
		}
		ctx.retire()
		ctx.Unlock()

		if r.contexts.CompareAndDelete(gid, ctx) {
			r.count.Add(-1)
			r.pool.release(ctx.TID)
			reaped++
		}
		return true
	})
	return reaped, busy
}
