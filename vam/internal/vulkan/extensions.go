package vulkan

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
)

// ExtensionData records which optional device capabilities change the way blocks are allocated
type ExtensionData struct {
	// BufferDeviceAddress indicates that blocks must be allocated with MemoryAllocateDeviceAddress so
	// that buffers bound into them can use shader device addresses
	BufferDeviceAddress bool
	// UseMemoryPriority indicates that blocks carry a MemoryPriorityAllocateInfo
	UseMemoryPriority bool
}

func NewExtensionData(device core1_0.Device) *ExtensionData {
	data := &ExtensionData{}

	// Core 1.2 active - buffer device address was promoted to core
	if device.APIVersion().IsAtLeast(common.Vulkan1_2) {
		data.BufferDeviceAddress = true
	}

	// khr_buffer_device_address if core 1.2 is not active
	if !data.BufferDeviceAddress && device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		data.BufferDeviceAddress = true
	}

	// ext_memory_priority
	if device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName) {
		data.UseMemoryPriority = true
	}

	return data
}
