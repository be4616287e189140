package vam

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// AllocationCreateInfo is an options struct that is used to define the specifics of a new lease created
// by Allocator.AllocateMemory, Allocator.AllocateMemorySlice, Allocator.AllocateForBuffer,
// and Allocator.AllocateForImage. The zero value is valid.
type AllocationCreateInfo struct {
	// Flags is an AllocationCreateFlags value that describes the intended behavior of the created Lease
	Flags AllocationCreateFlags
	// RequiredFlags indicates what flags must be on the memory type. If no type with these flags
	// is allowed by the resource's memory type bits, allocation fails with ErrNoCompatibleMemoryType
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags indicates what flags should be on the memory type. Among the compatible types,
	// the one missing the fewest preferred flags is chosen, and the lowest index breaks ties.
	PreferredFlags core1_0.MemoryPropertyFlags
	// MemoryTypeBits is a bitmask of memory type indices that are acceptable for this lease. 0 allows
	// every memory type the resource allows.
	MemoryTypeBits uint32
	// UserData is an arbitrary value stored with the lease. It is printed in the detailed stats
	// string and in unreleased memory logs.
	UserData any
	// Name is an optional name stored with the lease for debugging
	Name string
}
