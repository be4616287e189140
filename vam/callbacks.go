package vam

import "github.com/vkngwrapper/core/v2/core1_0"

// AllocateDeviceMemoryCallback is called after the allocator creates a new block of device memory
type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryTypeIndex int,
	memory core1_0.DeviceMemory,
	size int,
	userData interface{},
)

// FreeDeviceMemoryCallback is called before the allocator frees a block of device memory
type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryTypeIndex int,
	memory core1_0.DeviceMemory,
	size int,
	userData interface{},
)

// MemoryCallbackOptions is an optional set of callbacks that observe the real device memory
// allocations performed by an Allocator. Leases do not trigger these: only blocks do.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	memoryTypeIndex int,
	memory core1_0.DeviceMemory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memoryTypeIndex, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryTypeIndex int,
	memory core1_0.DeviceMemory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memoryTypeIndex, memory, size, c.Callbacks.UserData)
	}
}
