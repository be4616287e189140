package vam

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// FindMemoryTypeIndex returns the memory type index that would be used to allocate memory with the
// provided memory type bits and AllocationCreateInfo. Among the memory types permitted by
// memoryTypeBits and o.MemoryTypeBits that carry every flag in o.RequiredFlags, the one missing the
// fewest o.PreferredFlags wins, and the lowest index breaks ties.
//
// ErrNoCompatibleMemoryType is returned, along with core1_0.VKErrorFeatureNotPresent, if no memory
// type qualifies.
func (a *Allocator) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	o AllocationCreateInfo,
) (int, common.VkResult, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	o *AllocationCreateInfo,
) (int, common.VkResult, error) {
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags := o.RequiredFlags
	preferredFlags := o.PreferredFlags & ^requiredFlags

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		cost := bits.OnesCount32(uint32(preferredFlags & ^flags))
		if cost == 0 {
			return memTypeIndex, core1_0.VKSuccess, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, core1_0.VKErrorFeatureNotPresent, errors.Mark(
			errors.Wrapf(core1_0.VKErrorFeatureNotPresent.ToError(),
				"no memory type in bits %#x has the required flags %s", memoryTypeBits, requiredFlags),
			ErrNoCompatibleMemoryType)
	}

	return bestMemoryTypeIndex, core1_0.VKSuccess, nil
}
