package vam

import (
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/blockalloc/memutils"
	"github.com/vkngwrapper/blockalloc/vam/internal/utils"
	"github.com/vkngwrapper/blockalloc/vam/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateRetainEmptyBlocks keeps blocks alive after their last lease is released. By default,
	// a block that becomes empty is freed as long as it is not the only block for its memory type.
	AllocatorCreateRetainEmptyBlocks
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateRetainEmptyBlocks.Register("AllocatorCreateRetainEmptyBlocks")
}

const (
	// DefaultBlockSize is the block size used when none is provided via CreateOptions. It is equal to 64Mb.
	DefaultBlockSize int = 64 * 1024 * 1024

	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// BlockSize is the size of each block of device memory the allocator creates. Requests larger than
	// this receive a block of exactly their own size. When left 0, DefaultBlockSize is used, reduced to
	// an eighth of the heap for heaps of a gigabyte or less.
	BlockSize int

	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan on memory
	// created from this allocator. Allocations & frees performed by this allocator do not map 1:1
	// with allocations & frees performed by Vulkan, so these will not always be called
	VulkanCallbacks *driver.AllocationCallbacks

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when Vulkan memory
	// is allocated from this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the PhysicalDevice
	// used to create this Allocator. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding device memory heap, or 0 or -1 indicating
	// no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int
}

var nextAllocatorID uint32

// New creates a new Allocator
//
// logger - The logger that allocator activity is written to. slog.Default() is used if it is nil.
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated into
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Allocator, error) {
	if physicalDevice == nil {
		return nil, errors.New("attempted to create an allocator with a nil physical device")
	} else if device == nil {
		return nil, errors.New("attempted to create an allocator with a nil device")
	} else if options.BlockSize < 0 {
		return nil, errors.Newf("vam.CreateOptions.BlockSize must not be negative, but was %d", options.BlockSize)
	}

	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		id:             atomic.AddUint32(&nextAllocatorID, 1),
		useMutex:       useMutex,
		logger:         logger,
		physicalDevice: physicalDevice,
		device:         device,
		extensionData:  vulkan.NewExtensionData(device),

		createFlags: options.Flags,
		blockSize:   options.BlockSize,
		poolsMutex:  utils.OptionalRWMutex{UseMutex: useMutex},
	}

	var err error
	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		useMutex,
		options.VulkanCallbacks,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		device,
		physicalDevice,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.CalculateGlobalMemoryTypeBits()
	allocator.bufferImageGranularity = allocator.deviceMemory.CalculateBufferImageGranularity()

	logger.Debug("Allocator::New",
		slog.Int("allocator.id", int(allocator.id)),
		slog.Int("MemoryTypeCount", allocator.deviceMemory.MemoryTypeCount()),
		slog.Int("MemoryHeapCount", allocator.deviceMemory.MemoryHeapCount()),
		slog.Int("BufferImageGranularity", allocator.bufferImageGranularity))

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	if a.blockSize > 0 {
		return a.blockSize
	}

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)
	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size

	rawSize := DefaultBlockSize
	if heapSize <= smallHeapMaxSize && heapSize/8 < rawSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}
