package vulkan

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/blockalloc/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/core/v2/mocks"
)

type recordedCallback struct {
	memoryTypeIndex int
	size            int
}

type recordingCallbacks struct {
	allocated []recordedCallback
	freed     []recordedCallback
}

func (c *recordingCallbacks) Allocate(memoryTypeIndex int, memory core1_0.DeviceMemory, size int) {
	c.allocated = append(c.allocated, recordedCallback{memoryTypeIndex, size})
}

func (c *recordingCallbacks) Free(memoryTypeIndex int, memory core1_0.DeviceMemory, size int) {
	c.freed = append(c.freed, recordedCallback{memoryTypeIndex, size})
}

func testDeviceProperties(maxAllocationCount int) core1_0.PhysicalDeviceProperties {
	return core1_0.PhysicalDeviceProperties{
		DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
		Limits: &core1_0.PhysicalDeviceLimits{
			BufferImageGranularity:   64,
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: maxAllocationCount,
		},
	}
}

func mockPhysicalDevice(ctrl *gomock.Controller, properties core1_0.PhysicalDeviceProperties) *mocks.MockPhysicalDevice {
	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)
	physicalDevice.EXPECT().Properties().Return(&properties, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 500000},
		},
	}).AnyTimes()

	return physicalDevice
}

func readyMemoryProperties(t *testing.T, ctrl *gomock.Controller, maxAllocationCount int, callbacks MemoryCallbacks, heapLimits []int) (*mocks.MockDevice, *DeviceMemoryProperties) {
	device := mocks.NewMockDevice(ctrl)
	memory, err := NewDeviceMemoryProperties(true, nil, callbacks, device, mockPhysicalDevice(ctrl, testDeviceProperties(maxAllocationCount)), heapLimits)
	require.NoError(t, err)

	return device, memory
}

func allocateInfo(memoryTypeIndex, size int) core1_0.MemoryAllocateInfo {
	return core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		AllocationSize:  size,
	}
}

// expectAllocation expects a single driver allocation and returns the memory the driver hands back
func expectAllocation(ctrl *gomock.Controller, device *mocks.MockDevice, memoryTypeIndex, size int) *mocks.MockDeviceMemory {
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), allocateInfo(memoryTypeIndex, size)).Return(memory, core1_0.VKSuccess, nil)

	return memory
}

func TestNewDeviceMemoryProperties_Validation(t *testing.T) {
	testCases := map[string]struct {
		granularity int
		atomSize    int
		heapLimits  []int
		expectPow2  bool
	}{
		"granularity not a power of two": {
			granularity: 48,
			atomSize:    64,
			expectPow2:  true,
		},
		"atom size not a power of two": {
			granularity: 64,
			atomSize:    100,
			expectPow2:  true,
		},
		"too few heap limits": {
			granularity: 64,
			atomSize:    64,
			heapLimits:  []int{1000},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			properties := testDeviceProperties(0)
			properties.Limits.BufferImageGranularity = testCase.granularity
			properties.Limits.NonCoherentAtomSize = testCase.atomSize

			_, err := NewDeviceMemoryProperties(true, nil, nil, mocks.NewMockDevice(ctrl), mockPhysicalDevice(ctrl, properties), testCase.heapLimits)
			require.Error(t, err)
			require.Equal(t, testCase.expectPow2, errors.Is(err, memutils.PowerOfTwoError))
		})
	}
}

func TestDeviceMemoryProperties_Accessors(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, memory := readyMemoryProperties(t, ctrl, 0, nil, nil)

	require.Equal(t, 3, memory.MemoryTypeCount())
	require.Equal(t, 2, memory.MemoryHeapCount())
	require.Equal(t, 1, memory.MemoryTypeIndexToHeapIndex(2))
	require.Equal(t, uint32(0b111), memory.CalculateGlobalMemoryTypeBits())
	require.Equal(t, 64, memory.CalculateBufferImageGranularity())

	require.False(t, memory.IsMemoryTypeHostVisible(0))
	require.True(t, memory.IsMemoryTypeHostVisible(1))
	require.False(t, memory.IsMemoryTypeHostNonCoherent(1))
	require.True(t, memory.IsMemoryTypeHostNonCoherent(2))

	require.Equal(t, uint(1), memory.MemoryTypeMinimumAlignment(0))
	require.Equal(t, uint(1), memory.MemoryTypeMinimumAlignment(1))
	require.Equal(t, uint(64), memory.MemoryTypeMinimumAlignment(2))
}

func TestAllocateVulkanMemory_CountersAndCallbacks(t *testing.T) {
	ctrl := gomock.NewController(t)
	callbacks := &recordingCallbacks{}
	device, memory := readyMemoryProperties(t, ctrl, 0, callbacks, nil)

	native := expectAllocation(ctrl, device, 1, 4096)
	native.EXPECT().Free(gomock.Any())

	block, res, err := memory.AllocateVulkanMemory(allocateInfo(1, 4096))
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, native, block.VulkanDeviceMemory())
	require.Equal(t, uint32(1), memory.AllocationCount())
	require.Equal(t, []recordedCallback{{1, 4096}}, callbacks.allocated)

	memory.AddAllocation(1, 100)

	budgets := make([]Budget, 2)
	memory.HeapBudgets(0, budgets)
	require.Equal(t, memutils.Statistics{}, budgets[0].Statistics)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		AllocationCount: 1,
		BlockBytes:      4096,
		AllocationBytes: 100,
	}, budgets[1].Statistics)
	require.Equal(t, 4096, budgets[1].Usage)
	require.Equal(t, 400000, budgets[1].Budget)

	memory.RemoveAllocation(1, 100)
	memory.FreeVulkanMemory(1, 4096, block)

	require.Equal(t, uint32(0), memory.AllocationCount())
	require.Equal(t, []recordedCallback{{1, 4096}}, callbacks.freed)

	memory.HeapBudgets(1, budgets[:1])
	require.Equal(t, memutils.Statistics{}, budgets[0].Statistics)
}

func TestAllocateVulkanMemory_HeapLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, memory := readyMemoryProperties(t, ctrl, 0, nil, []int{0, 10000})

	// The driver is only asked for memory that fits under the limit
	expectAllocation(ctrl, device, 1, 6000)
	expectAllocation(ctrl, device, 0, 900000)

	_, _, err := memory.AllocateVulkanMemory(allocateInfo(1, 6000))
	require.NoError(t, err)

	_, res, err := memory.AllocateVulkanMemory(allocateInfo(2, 6000))
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	// Heap 0 has no limit
	_, _, err = memory.AllocateVulkanMemory(allocateInfo(0, 900000))
	require.NoError(t, err)

	budgets := make([]Budget, 2)
	memory.HeapBudgets(0, budgets)
	require.Equal(t, 10000, budgets[1].Budget)
	require.Equal(t, 6000, budgets[1].Usage)
	require.Equal(t, 1, budgets[1].Statistics.BlockCount)
}

func TestAllocateVulkanMemory_MaxAllocationCount(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, memory := readyMemoryProperties(t, ctrl, 2, nil, nil)

	firstNative := expectAllocation(ctrl, device, 0, 100)
	firstNative.EXPECT().Free(gomock.Any())
	expectAllocation(ctrl, device, 0, 100)

	first, _, err := memory.AllocateVulkanMemory(allocateInfo(0, 100))
	require.NoError(t, err)
	_, _, err = memory.AllocateVulkanMemory(allocateInfo(0, 100))
	require.NoError(t, err)

	_, res, err := memory.AllocateVulkanMemory(allocateInfo(0, 100))
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorTooManyObjects, res)
	require.Equal(t, uint32(2), memory.AllocationCount())

	memory.FreeVulkanMemory(0, 100, first)

	expectAllocation(ctrl, device, 0, 100)
	_, _, err = memory.AllocateVulkanMemory(allocateInfo(0, 100))
	require.NoError(t, err)
}

func TestAllocateVulkanMemory_DriverFailureRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	callbacks := &recordingCallbacks{}
	device, memory := readyMemoryProperties(t, ctrl, 0, callbacks, []int{1000, 0})

	device.EXPECT().AllocateMemory(gomock.Any(), allocateInfo(0, 1000)).
		Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())

	_, res, err := memory.AllocateVulkanMemory(allocateInfo(0, 1000))
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Empty(t, callbacks.allocated)
	require.Equal(t, uint32(0), memory.AllocationCount())

	budgets := make([]Budget, 1)
	memory.HeapBudgets(0, budgets)
	require.Equal(t, memutils.Statistics{}, budgets[0].Statistics)

	// The failed attempt did not consume the heap limit
	expectAllocation(ctrl, device, 0, 1000)
	_, _, err = memory.AllocateVulkanMemory(allocateInfo(0, 1000))
	require.NoError(t, err)
}

func TestFlushOrInvalidateRange(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	memory, err := NewDeviceMemoryProperties(false, (*driver.AllocationCallbacks)(nil), nil, device, mockPhysicalDevice(ctrl, testDeviceProperties(0)), nil)
	require.NoError(t, err)

	expectAllocation(ctrl, device, 1, 1000)
	nonCoherentNative := expectAllocation(ctrl, device, 2, 1000)

	coherent, _, err := memory.AllocateVulkanMemory(allocateInfo(1, 1000))
	require.NoError(t, err)
	nonCoherent, _, err := memory.AllocateVulkanMemory(allocateInfo(2, 1000))
	require.NoError(t, err)

	// Coherent memory never reaches the driver
	_, err = memory.FlushOrInvalidateRange(1, coherent, 1000, 10, 20, CacheOperationFlush)
	require.NoError(t, err)

	device.EXPECT().FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{Memory: nonCoherentNative, Offset: 64, Size: 64},
	}).Return(core1_0.VKSuccess, nil)
	_, err = memory.FlushOrInvalidateRange(2, nonCoherent, 1000, 70, 20, CacheOperationFlush)
	require.NoError(t, err)

	// The range is clamped to the end of the block
	device.EXPECT().InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{Memory: nonCoherentNative, Offset: 896, Size: 104},
	}).Return(core1_0.VKSuccess, nil)
	_, err = memory.FlushOrInvalidateRange(2, nonCoherent, 1000, 950, 50, CacheOperationInvalidate)
	require.NoError(t, err)

	_, err = memory.FlushOrInvalidateRange(2, nonCoherent, 1000, 0, 10, CacheOperation(7))
	require.Error(t, err)
}

func TestSynchronizedMemory_MapReferences(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, memory := readyMemoryProperties(t, ctrl, 0, nil, nil)

	native := expectAllocation(ctrl, device, 1, 256)
	block, _, err := memory.AllocateVulkanMemory(allocateInfo(1, 256))
	require.NoError(t, err)

	data := make([]byte, 256)
	dataPtr := unsafe.Pointer(&data[0])

	// Three references share one driver mapping
	native.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)
	native.EXPECT().Unmap()

	first, _, err := block.Map(1)
	require.NoError(t, err)
	second, _, err := block.Map(2)
	require.NoError(t, err)
	require.Equal(t, dataPtr, first)
	require.Equal(t, first, second)
	require.Equal(t, 3, block.References())

	require.NoError(t, block.Unmap(2))
	require.Error(t, block.Unmap(2))
	require.NoError(t, block.Unmap(1))
	require.Equal(t, 0, block.References())

	// Freeing a mapped block unmaps it first
	gomock.InOrder(
		native.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil),
		native.EXPECT().Unmap(),
		native.EXPECT().Free(gomock.Any()),
	)

	_, _, err = block.Map(1)
	require.NoError(t, err)
	memory.FreeVulkanMemory(1, 256, block)
}
