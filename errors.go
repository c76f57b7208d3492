package wasmbrot

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a coordinator operation is called out
	// of order (for example Spawn before Allocate).
	ErrInvalidState = errors.New("wasmbrot: invalid coordinator state")

	// ErrAlreadyComplete is returned by Await once the render has finished.
	ErrAlreadyComplete = errors.New("wasmbrot: render already complete")

	// ErrInvalidWorkers is returned for a worker count below one.
	ErrInvalidWorkers = errors.New("wasmbrot: worker count must be at least 1")

	// ErrInvalidSize is returned for a non-positive image dimension.
	ErrInvalidSize = errors.New("wasmbrot: image dimensions must be positive")

	// ErrOutOfBounds is returned when a region does not fit in a buffer.
	ErrOutOfBounds = errors.New("wasmbrot: region outside shared buffer")

	// ErrOffsetMismatch is returned when workers report different image offsets.
	ErrOffsetMismatch = errors.New("wasmbrot: workers reported different image offsets")
)

// AllocationError reports a shared buffer request above the page ceiling.
type AllocationError struct {
	Requested uint64 // pages
	Limit     uint32 // pages
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("wasmbrot: allocation of %d pages exceeds limit of %d pages", e.Requested, e.Limit)
}

// ModuleLoadError reports a compute module that could not be read, compiled
// or does not satisfy the expected imports and exports.
type ModuleLoadError struct {
	Path string
	Err  error
}

func (e *ModuleLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("wasmbrot: load module: %v", e.Err)
	}
	return fmt.Sprintf("wasmbrot: load module %s: %v", e.Path, e.Err)
}

func (e *ModuleLoadError) Unwrap() error { return e.Err }

// ComputeFault reports a worker that failed or trapped.
type ComputeFault struct {
	Rank uint32
	Err  error
}

func (e *ComputeFault) Error() string {
	return fmt.Sprintf("wasmbrot: worker %d: %v", e.Rank, e.Err)
}

func (e *ComputeFault) Unwrap() error { return e.Err }
