package vam

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/blockalloc/memutils/metadata"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Lease identifies a region of device memory reserved by an Allocator. It is a plain value: copying
// it is free, and it refers to its block by id rather than by pointer, so a lease that outlives its
// region can never reach memory it does not own. A Lease must be passed to Allocator.Release exactly
// once; any further use returns ErrInvalidLease.
//
// The zero value is not a valid lease.
type Lease struct {
	allocatorID     uint32
	memoryTypeIndex int
	blockID         uint32
	handle          metadata.BlockAllocationHandle

	offset int
	size   int
	memory core1_0.DeviceMemory
}

// Memory is the native memory object the lease lives in. Bind resources to it at Offset.
func (l Lease) Memory() core1_0.DeviceMemory { return l.memory }

// Offset is the offset in bytes of the lease within Memory
func (l Lease) Offset() int { return l.offset }

// Size is the size in bytes of the leased region. Image leases are rounded up to the device's
// buffer image granularity, so this may be larger than the image's memory requirements.
func (l Lease) Size() int { return l.size }

// MemoryTypeIndex is the index of the memory type the lease was allocated from
func (l Lease) MemoryTypeIndex() int { return l.memoryTypeIndex }

func (l Lease) String() string {
	return fmt.Sprintf("Lease{MemoryType: %d, Block: %d, Offset: %d, Size: %d}", l.memoryTypeIndex, l.blockID, l.offset, l.size)
}

// leaseRecord is stored in the block metadata alongside each live lease
type leaseRecord struct {
	suballocType suballocationType
	name         string
	userData     any
	mapCount     int
}

func (r *leaseRecord) printParameters(json *jwriter.ObjectState, size int) {
	json.Name("Type").String(r.suballocType.String())
	json.Name("Size").Int(size)

	if r.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", r.userData))
	}

	if r.name != "" {
		json.Name("Name").String(r.name)
	}

	if r.mapCount > 0 {
		json.Name("MapReferences").Int(r.mapCount)
	}
}
