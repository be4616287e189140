package vam

import "github.com/cockroachdb/errors"

var (
	// ErrNoCompatibleMemoryType is returned when no memory type reported by the physical device satisfies
	// both the resource's memory type bits and the requested property flags
	ErrNoCompatibleMemoryType = errors.New("no compatible memory type")
	// ErrDriverAllocationFailed is returned when a new block was needed and could not be allocated: the
	// driver refused the allocation, a heap size limit or the device's allocation count limit would have
	// been exceeded, or AllocationCreateNeverAllocate was set
	ErrDriverAllocationFailed = errors.New("device memory allocation failed")
	// ErrBindFailed is returned when memory was leased successfully but could not be bound to the
	// buffer or image. The lease has already been released when this is returned.
	ErrBindFailed = errors.New("binding memory to the resource failed")
	// ErrInvalidLease is returned when a lease has already been released, or was not issued by this allocator
	ErrInvalidLease = errors.New("invalid lease")
)
