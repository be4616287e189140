package vam

import (
	"github.com/vkngwrapper/blockalloc/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
)

// AllocationCreateFlags exposes several options for allocation behavior that can be applied.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateNeverAllocate instructs the allocator to only try to allocate from existing
	// DeviceMemory blocks and never create new blocks
	//
	// If a new allocation cannot be placed in any of the existing blocks, allocation fails with
	// core1_0.VKErrorOutOfDeviceMemory and ErrDriverAllocationFailed
	AllocationCreateNeverAllocate AllocationCreateFlags = 1 << iota
	// AllocationCreateStrategyMinMemory selects the smallest free region in a block that can hold the
	// allocation. This is the default strategy.
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinOffset selects the lowest offset in a block that can hold the allocation.
	AllocationCreateStrategyMinOffset

	// AllocationCreateStrategyMask is a mask including all of the strategy flags
	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory | AllocationCreateStrategyMinOffset
)

func init() {
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")
}

func (f AllocationCreateFlags) strategy() metadata.AllocationStrategy {
	if f&AllocationCreateStrategyMinOffset != 0 {
		return metadata.AllocationStrategyMinOffset
	}

	return metadata.AllocationStrategyMinMemory
}
