package optimizer

import (
	"sync"
	"time"
)

// Sample is one observation fed to the optimizer.
type Sample struct {
	Size    uint64
	At      time.Time
	TypeTag string

	// Cost is the time spent recording the sampled allocation.
	Cost time.Duration
}

// Window is a fixed-size ring of the most recent samples.
//
// Thread Safety: Safe for concurrent use. Add never waits: if the window is
// being read or written by someone else the sample is dropped.
type Window struct {
	mu   sync.Mutex
	buf  []Sample
	next int
	n    int
}

// NewWindow creates a window holding the last size samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{buf: make([]Sample, size)}
}

// Add records s, overwriting the oldest sample when full.
// Returns false if the sample was dropped due to contention.
func (w *Window) Add(s Sample) bool {
	if !w.mu.TryLock() {
		return false
	}
	w.buf[w.next] = s
	w.next = (w.next + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
	w.mu.Unlock()
	return true
}

// Snapshot returns the samples currently held, oldest first.
func (w *Window) Snapshot() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Sample, w.n)
	start := (w.next - w.n + len(w.buf)) % len(w.buf)
	for i := range out {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}
