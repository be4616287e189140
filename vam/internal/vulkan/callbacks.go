package vulkan

import "github.com/vkngwrapper/core/v2/core1_0"

// MemoryCallbacks is notified of every real driver allocation and free performed through
// DeviceMemoryProperties
type MemoryCallbacks interface {
	Allocate(memoryTypeIndex int, memory core1_0.DeviceMemory, size int)
	Free(memoryTypeIndex int, memory core1_0.DeviceMemory, size int)
}
