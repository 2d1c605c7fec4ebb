package config

import "sync/atomic"

// Live publishes the current SamplingConfig.
//
// Exactly one config is live at a time. Store replaces it wholesale and
// stamps a new Version; readers on the hot path do a single atomic load.
//
// Thread Safety: All methods are safe for concurrent calls.
type Live struct {
	current atomic.Pointer[SamplingConfig]
	version atomic.Uint64
}

// NewLive publishes initial as version 1.
func NewLive(initial SamplingConfig) *Live {
	l := &Live{}
	l.Store(initial)
	return l
}

// Load returns the live config. The result must not be modified.
//
//go:nosplit
func (l *Live) Load() *SamplingConfig {
	return l.current.Load()
}

// Store publishes next and returns the published copy.
func (l *Live) Store(next SamplingConfig) *SamplingConfig {
	next.Version = l.version.Add(1)
	p := &next
	l.current.Store(p)
	return p
}

// CompareAndSwap publishes next only if old is still live.
// Used by the optimizer so a concurrent manual update is never overwritten
// by a recommendation computed from stale input.
func (l *Live) CompareAndSwap(old *SamplingConfig, next SamplingConfig) (*SamplingConfig, bool) {
	next.Version = l.version.Add(1)
	p := &next
	if !l.current.CompareAndSwap(old, p) {
		return old, false
	}
	return p, true
}

// Version returns the version of the live config.
func (l *Live) Version() uint64 {
	if c := l.current.Load(); c != nil {
		return c.Version
	}
	return 0
}
