// Package goroutine implements per-goroutine tracking state.
//
// Each goroutine that reports allocations gets a Context holding its
// thread id, its allocation counter, a re-entrancy guard and its recording
// buffer. Contexts are found by goroutine ID through a Registry (created
// lazily on first use) or held directly by the caller.
//
// Ownership: only the owning goroutine appends to a Context's buffer.
// Administrative flushes from other goroutines must win the Context's
// try-lock first; nobody ever waits for it.
package goroutine

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/memtrack/internal/track/record"
)

// Context is the tracking state of one goroutine.
type Context struct {
	// TID is the tracker-assigned thread id, recycled after the goroutine
	// exits. Zero is never assigned.
	TID uint32

	// GID is the runtime goroutine ID of the owner.
	GID int64

	allocs   atomic.Uint64
	depth    atomic.Int32
	retired  atomic.Bool
	flushReq atomic.Bool

	// seq orders creation within a Registry.
	seq uint64

	// mu guards buf. It is only ever TryLock'ed.
	mu  sync.Mutex
	buf *record.Buffer
}

// NewContext creates a Context with a buffer of the given capacity.
func NewContext(tid uint32, gid int64, capacity int) *Context {
	return &Context{
		TID: tid,
		GID: gid,
		buf: record.NewBuffer(capacity),
	}
}

// NextAlloc advances and returns the allocation counter the sampler's
// interval rule runs on. The first call returns 1. Deallocations are not
// counted.
//
//go:nosplit
func (c *Context) NextAlloc() uint64 {
	return c.allocs.Add(1)
}

// Allocs returns the number of allocations counted so far.
func (c *Context) Allocs() uint64 {
	return c.allocs.Load()
}

// Enter marks the start of a tracking call.
//
// Returns false if a tracking call is already in progress on this Context
// (the tracker itself allocated, or a sink called back into the tracker).
// The caller must then drop the event; Exit must only follow a true Enter.
//
//go:nosplit
func (c *Context) Enter() bool {
	return c.depth.CompareAndSwap(0, 1)
}

// Exit marks the end of a tracking call started by a successful Enter.
//
//go:nosplit
func (c *Context) Exit() {
	c.depth.Store(0)
}

// TryLock acquires the buffer lock without waiting.
func (c *Context) TryLock() bool {
	return c.mu.TryLock()
}

// Unlock releases the buffer lock.
func (c *Context) Unlock() {
	c.mu.Unlock()
}

// Buffer returns the recording buffer. The caller must hold the lock.
func (c *Context) Buffer() *record.Buffer {
	return c.buf
}

// RequestFlush asks the owner to flush its buffer on its next event.
// Used when an administrative flush could not take the lock.
func (c *Context) RequestFlush() {
	c.flushReq.Store(true)
}

// TakeFlushRequest reports and clears a pending flush request.
//
//go:nosplit
func (c *Context) TakeFlushRequest() bool {
	return c.flushReq.Load() && c.flushReq.Swap(false)
}

// Retired reports whether the Context was reclaimed after its goroutine
// exited. A retired Context must not record new events.
func (c *Context) Retired() bool {
	return c.retired.Load()
}

func (c *Context) retire() {
	c.retired.Store(true)
}
