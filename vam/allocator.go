package vam

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/blockalloc/memutils"
	"github.com/vkngwrapper/blockalloc/vam/internal/utils"
	"github.com/vkngwrapper/blockalloc/vam/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Allocator sub-allocates device memory for buffers and images. Each memory type is served by its
// own pool of large blocks, created the first time a lease is requested from that type. An Allocator
// must be created with New and destroyed with Destroy once every lease has been released.
type Allocator struct {
	id             uint32
	useMutex       bool
	logger         *slog.Logger
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device

	createFlags            CreateFlags
	extensionData          *vulkan.ExtensionData
	blockSize              int
	globalMemoryTypeBits   uint32
	bufferImageGranularity int

	deviceMemory *vulkan.DeviceMemoryProperties
	poolsMutex   utils.OptionalRWMutex
	pools        [common.MaxMemoryTypes]*blockPool
}

// Budget is the usage of a single memory heap
type Budget = vulkan.Budget

func (a *Allocator) pool(memoryTypeIndex int) *blockPool {
	a.poolsMutex.RLock()
	pool := a.pools[memoryTypeIndex]
	a.poolsMutex.RUnlock()

	if pool != nil {
		return pool
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	if a.pools[memoryTypeIndex] == nil {
		pool = &blockPool{}
		pool.Init(
			a.useMutex,
			a.logger,
			a.id,
			memoryTypeIndex,
			a.calculatePreferredBlockSize(memoryTypeIndex),
			a.bufferImageGranularity,
			a.createFlags&AllocatorCreateRetainEmptyBlocks != 0,
			a.extensionData,
			a.deviceMemory,
		)
		a.pools[memoryTypeIndex] = pool
	}

	return a.pools[memoryTypeIndex]
}

// existingPool returns the pool for the memory type without creating it
func (a *Allocator) existingPool(memoryTypeIndex int) *blockPool {
	if memoryTypeIndex < 0 || memoryTypeIndex >= a.deviceMemory.MemoryTypeCount() {
		return nil
	}

	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	return a.pools[memoryTypeIndex]
}

func (a *Allocator) leasePool(lease Lease) (*blockPool, error) {
	if lease.allocatorID != a.id {
		return nil, errors.Wrapf(ErrInvalidLease, "%s was not issued by this allocator", lease.String())
	}

	pool := a.existingPool(lease.memoryTypeIndex)
	if pool == nil {
		return nil, errors.Wrapf(ErrInvalidLease, "%s refers to a memory type with no blocks", lease.String())
	}

	return pool, nil
}

func (a *Allocator) allocate(request allocationRequest, o *AllocationCreateInfo) (Lease, common.VkResult, error) {
	if request.requirements.Alignment < 0 {
		return Lease{}, core1_0.VKErrorUnknown, errors.Newf("core1_0.MemoryRequirements.Alignment must not be negative, but was %d", request.requirements.Alignment)
	}

	err := memutils.CheckPow2(request.requirements.Alignment, "core1_0.MemoryRequirements.Alignment")
	if err != nil {
		return Lease{}, core1_0.VKErrorUnknown, err
	}

	if request.requirements.Size < 1 {
		return Lease{}, core1_0.VKErrorUnknown, errors.New("provided memory requirement size was not a positive integer")
	}

	memoryBits := request.requirements.MemoryTypeBits
	memoryTypeIndex, res, err := a.findMemoryTypeIndex(memoryBits, o)
	if err != nil {
		return Lease{}, res, err
	}

	var lease Lease
	for {
		lease, res, err = a.pool(memoryTypeIndex).Allocate(request, o)

		// Allocation succeeded (or irrevocably failed)
		if err == nil || !errors.Is(err, ErrDriverAllocationFailed) {
			return lease, res, err
		}

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Memory type could not allocate, trying the next one",
			slog.Int("MemoryTypeIndex", memoryTypeIndex),
			slog.Any("error", err))

		// Remove memory type index from possibilities
		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		nextIndex, _, findErr := a.findMemoryTypeIndex(memoryBits, o)
		if findErr != nil {
			// Report the last driver failure rather than the exhausted search
			return Lease{}, res, err
		}
		memoryTypeIndex = nextIndex
	}
}

// AllocateMemory leases memory that satisfies the provided requirements without binding it to
// anything. The lease is placed as though it held a buffer.
func (a *Allocator) AllocateMemory(memoryRequirements core1_0.MemoryRequirements, o AllocationCreateInfo) (Lease, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateMemory")

	return a.allocate(allocationRequest{
		suballocType: SuballocationUnknown,
		requirements: memoryRequirements,
	}, &o)
}

// AllocateMemorySlice leases count regions that each satisfy the provided requirements. Either every
// lease is returned, or none are: leases made before a failure are released before returning.
func (a *Allocator) AllocateMemorySlice(memoryRequirements core1_0.MemoryRequirements, o AllocationCreateInfo, count int) ([]Lease, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateMemorySlice")

	if count < 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to allocate a negative number of leases: %d", count)
	}

	leases := make([]Lease, 0, count)
	for i := 0; i < count; i++ {
		lease, res, err := a.allocate(allocationRequest{
			suballocType: SuballocationUnknown,
			requirements: memoryRequirements,
		}, &o)
		if err != nil {
			for _, allocated := range leases {
				err = errors.CombineErrors(err, a.Release(allocated))
			}
			return nil, res, err
		}

		leases = append(leases, lease)
	}

	return leases, core1_0.VKSuccess, nil
}

// AllocateForBuffer leases memory suitable for the buffer and binds the buffer to it. If binding
// fails, the lease is released and ErrBindFailed is returned.
func (a *Allocator) AllocateForBuffer(buffer core1_0.Buffer, o AllocationCreateInfo) (Lease, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateForBuffer")

	if buffer == nil {
		return Lease{}, core1_0.VKErrorUnknown, errors.New("attempted to allocate for a nil buffer")
	}

	lease, res, err := a.allocate(allocationRequest{
		suballocType: SuballocationBuffer,
		requirements: *buffer.MemoryRequirements(),
	}, &o)
	if err != nil {
		return Lease{}, res, err
	}

	res, err = a.BindBuffer(lease, buffer)
	if err != nil {
		return Lease{}, res, a.bindFailed(lease, err)
	}

	return lease, res, nil
}

// AllocateForImage leases memory suitable for the image and binds the image to it. linear should
// be true if the image was created with core1_0.ImageTilingLinear. If binding fails, the lease is
// released and ErrBindFailed is returned.
func (a *Allocator) AllocateForImage(image core1_0.Image, linear bool, o AllocationCreateInfo) (Lease, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateForImage")

	if image == nil {
		return Lease{}, core1_0.VKErrorUnknown, errors.New("attempted to allocate for a nil image")
	}

	suballocType := SuballocationImageOptimal
	if linear {
		suballocType = SuballocationImageLinear
	}

	lease, res, err := a.allocate(allocationRequest{
		suballocType: suballocType,
		requirements: *image.MemoryRequirements(),
	}, &o)
	if err != nil {
		return Lease{}, res, err
	}

	res, err = a.BindImage(lease, image)
	if err != nil {
		return Lease{}, res, a.bindFailed(lease, err)
	}

	return lease, res, nil
}

func (a *Allocator) bindFailed(lease Lease, bindErr error) error {
	err := errors.Mark(errors.Wrapf(bindErr, "could not bind %s", lease.String()), ErrBindFailed)

	releaseErr := a.Release(lease)
	if releaseErr != nil {
		err = errors.CombineErrors(err, releaseErr)
	}

	return err
}

// Release returns the lease's memory to the allocator. Releasing a lease more than once, or releasing
// a lease issued by a different allocator, returns ErrInvalidLease.
func (a *Allocator) Release(lease Lease) error {
	a.logger.Debug("Allocator::Release")

	pool, err := a.leasePool(lease)
	if err != nil {
		return err
	}

	return pool.Release(lease)
}

// BindBuffer binds the buffer to the lease's memory at the lease's offset
func (a *Allocator) BindBuffer(lease Lease, buffer core1_0.Buffer) (common.VkResult, error) {
	if buffer == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil buffer")
	}

	pool, err := a.leasePool(lease)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return pool.BindBuffer(lease, buffer)
}

// BindImage binds the image to the lease's memory at the lease's offset
func (a *Allocator) BindImage(lease Lease, image core1_0.Image) (common.VkResult, error) {
	if image == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil image")
	}

	pool, err := a.leasePool(lease)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return pool.BindImage(lease, image)
}

// Map returns a pointer to the start of the lease in host memory. The lease's block is mapped in its
// entirety and stays mapped until every Map call made against its leases has a matching Unmap. The
// lease must have been allocated from a host-visible memory type.
func (a *Allocator) Map(lease Lease) (unsafe.Pointer, common.VkResult, error) {
	a.logger.Debug("Allocator::Map")

	pool, err := a.leasePool(lease)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	return pool.Map(lease)
}

// Unmap releases one reference to the mapping created by Map
func (a *Allocator) Unmap(lease Lease) error {
	a.logger.Debug("Allocator::Unmap")

	pool, err := a.leasePool(lease)
	if err != nil {
		return err
	}

	return pool.Unmap(lease)
}

// Flush flushes size bytes at offset within the lease from the host cache. A size of -1 covers
// the remainder of the lease. Nothing happens for host-coherent memory types.
func (a *Allocator) Flush(lease Lease, offset, size int) (common.VkResult, error) {
	a.logger.Debug("Allocator::Flush")

	pool, err := a.leasePool(lease)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return pool.FlushOrInvalidate(lease, offset, size, vulkan.CacheOperationFlush)
}

// Invalidate invalidates size bytes at offset within the lease in the host cache. A size of -1
// covers the remainder of the lease. Nothing happens for host-coherent memory types.
func (a *Allocator) Invalidate(lease Lease, offset, size int) (common.VkResult, error) {
	a.logger.Debug("Allocator::Invalidate")

	pool, err := a.leasePool(lease)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return pool.FlushOrInvalidate(lease, offset, size, vulkan.CacheOperationInvalidate)
}

// LeaseUserData returns the UserData stored with the lease
func (a *Allocator) LeaseUserData(lease Lease) (any, error) {
	pool, err := a.leasePool(lease)
	if err != nil {
		return nil, err
	}

	return pool.LeaseUserData(lease)
}

// SetLeaseUserData replaces the UserData stored with the lease
func (a *Allocator) SetLeaseUserData(lease Lease, userData any) error {
	pool, err := a.leasePool(lease)
	if err != nil {
		return err
	}

	return pool.SetLeaseUserData(lease, userData)
}

// HeapBudgets fills budgets with the usage of each memory heap, starting with firstHeap
func (a *Allocator) HeapBudgets(firstHeap int, budgets []Budget) error {
	if firstHeap < 0 || firstHeap+len(budgets) > a.deviceMemory.MemoryHeapCount() {
		return errors.Newf("heaps %d through %d were requested, but the device only has %d heaps",
			firstHeap, firstHeap+len(budgets)-1, a.deviceMemory.MemoryHeapCount())
	}

	a.deviceMemory.HeapBudgets(firstHeap, budgets)
	return nil
}

// Validate checks the internal consistency of every block the allocator holds
func (a *Allocator) Validate() error {
	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	for _, pool := range a.pools {
		if pool == nil {
			continue
		}

		err := pool.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// Destroy frees every block of device memory held by the allocator. Leases that were never released
// are logged and reported in the returned error, and their blocks are left allocated.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	var err error
	for memTypeIndex := len(a.pools) - 1; memTypeIndex >= 0; memTypeIndex-- {
		pool := a.pools[memTypeIndex]
		if pool == nil {
			continue
		}

		poolErr := pool.Destroy()
		if poolErr != nil {
			err = errors.CombineErrors(err, poolErr)
		}
		a.pools[memTypeIndex] = nil
	}

	return err
}
