// Package trackerr defines the error taxonomy of the allocation tracker.
//
// The hot path never returns these errors to the application. They surface
// only from bulk or administrative operations (registry cleanup, flushing
// every buffer, closing the tracker) and from configuration loading.
//
// Taxonomy:
//   - ErrResourceExhausted: a bounded structure is full and cannot evict.
//     Recoverable: retry after cleanup or accept the dropped sample.
//   - ErrLockContention: a shared structure could not be acquired without
//     waiting. The operation is skipped and counted as a miss.
//   - *IOError: writing records to the persistence sink failed. The records
//     of that flush are dropped and tracking continues.
package trackerr

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted reports a full registry, buffer or index.
	ErrResourceExhausted = errors.New("memtrack: resource exhausted")

	// ErrLockContention reports that a try-lock failed.
	ErrLockContention = errors.New("memtrack: lock contention")

	// ErrBufferFull is returned by a recording buffer at capacity.
	// It matches ErrResourceExhausted with errors.Is.
	ErrBufferFull = fmt.Errorf("recording buffer full: %w", ErrResourceExhausted)

	// ErrClosed is returned by administrative operations on a closed tracker.
	ErrClosed = errors.New("memtrack: tracker closed")
)

// IOError describes a failed write of compact records to a sink.
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type IOError struct {
	Op      string // Operation that failed, e.g. "flush".
	Records int    // Number of records dropped.
	Err     error  // Underlying sink error.
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("memtrack: %s failed, %d records dropped: %v", e.Op, e.Records, e.Err)
}

// Unwrap returns the underlying sink error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError wraps a sink error. A nil err yields nil.
func NewIOError(op string, records int, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Records: records, Err: err}
}

// IsIOError reports whether err is (or wraps) an *IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
