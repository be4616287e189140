package vam

import (
	"github.com/vkngwrapper/blockalloc/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type suballocationType uint32

const (
	SuballocationFree suballocationType = iota
	SuballocationUnknown
	SuballocationBuffer
	SuballocationImageLinear
	SuballocationImageOptimal
)

var suballocationTypeMapping = map[suballocationType]string{
	SuballocationFree:         "SuballocationFree",
	SuballocationUnknown:      "SuballocationUnknown",
	SuballocationBuffer:       "SuballocationBuffer",
	SuballocationImageLinear:  "SuballocationImageLinear",
	SuballocationImageOptimal: "SuballocationImageOptimal",
}

func (s suballocationType) String() string {
	str, ok := suballocationTypeMapping[s]
	if !ok {
		return "unknown SuballocationType"
	}

	return str
}

func (s suballocationType) isImage() bool {
	return s == SuballocationImageLinear || s == SuballocationImageOptimal
}

// allocationRequest is a resource's memory requirements tagged with the kind of resource they came from
type allocationRequest struct {
	suballocType suballocationType
	requirements core1_0.MemoryRequirements
}

// placement returns the size and alignment to reserve for the request within a block. Image requests
// are widened to whole bufferImageGranularity pages on both ends so that no buffer can ever share a
// page with an image, regardless of what else lives in the block.
func (r allocationRequest) placement(bufferImageGranularity int, minAlignment uint) (int, uint) {
	size := r.requirements.Size
	alignment := memutils.MaxAlignment(uint(r.requirements.Alignment), minAlignment)
	if alignment == 0 {
		alignment = 1
	}

	if r.suballocType.isImage() && bufferImageGranularity > 1 {
		alignment = memutils.MaxAlignment(alignment, uint(bufferImageGranularity))
		size = memutils.AlignUp(size, uint(bufferImageGranularity))
	}

	return size, alignment
}
