// Package memcore implements a two-tier physical memory allocator: a Range
// List for large or alignment-sensitive regions, a Buddy allocator for small
// fixed-power-of-two blocks, and a Dispatcher that routes between the two
// and mediates their shared lifecycle (ingest, finalize, allocate, trim).
package memcore

import "errors"

// Error definitions, one per taxonomy entry.
var (
	// ErrNotInitialized names the use-before-initialization error kind. No
	// operation in this package returns it: NewDispatcher yields a fully
	// initialized Dispatcher.
	ErrNotInitialized = errors.New("memcore: not initialized")
	// ErrAlreadyFinalized is returned when ingestion runs after Finalize.
	ErrAlreadyFinalized = errors.New("memcore: already finalized")
	// ErrNotAllocatable is returned when allocation runs before Finalize.
	ErrNotAllocatable = errors.New("memcore: not allocatable before finalize")
	// ErrCapacityExceeded is returned when a region list hits SafeMaxRegions
	// before finalize, when self-hosted migration is not yet available.
	ErrCapacityExceeded = errors.New("memcore: region capacity exceeded")
	// ErrReservedOutsideAvailable mirrors the original crate's
	// "invalid reserved region: located outside of all available regions".
	ErrReservedOutsideAvailable = errors.New("memcore: reserved region located outside of all available regions")
	// ErrReservedLargerThanAvailable mirrors the original crate's
	// "the memory region is smaller than the reserved region".
	ErrReservedLargerThanAvailable = errors.New("memcore: reserved region larger than its containing available region")
	// ErrOutOfMemory is returned when neither tier can satisfy a request.
	ErrOutOfMemory = errors.New("memcore: out of memory")
	// ErrInvalidAddress is returned when freeing an address this allocator
	// never handed out.
	ErrInvalidAddress = errors.New("memcore: invalid address")
	// ErrSizeTooLarge is returned by Buddy.Allocate when the rounded-up
	// request exceeds MaxBlock. Dispatcher.Allocate routes such requests to
	// the Range List, which reports exhaustion as ErrOutOfMemory.
	ErrSizeTooLarge = errors.New("memcore: requested size is too large")
	// ErrZeroSize names the zero-size request error kind. No operation in
	// this package returns it: a size-0 Allocate is served with a
	// MinBlock-sized block.
	ErrZeroSize = errors.New("memcore: zero-size allocation requested")
)
