package vam

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/blockalloc/memutils"
	"github.com/vkngwrapper/blockalloc/memutils/metadata"
	"github.com/vkngwrapper/blockalloc/vam/internal/utils"
	"github.com/vkngwrapper/blockalloc/vam/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"golang.org/x/exp/slices"
)

const (
	defaultBlockPriority float32 = 0.5
	// maxNewBlockSizeShift is the number of times a new block's size is halved after the device reports
	// it is out of memory, before the allocation is given up on
	maxNewBlockSizeShift = 3
)

// blockPool holds every block allocated from a single memory type. Blocks are searched in the
// order they were created, and are reached from leases through their id.
type blockPool struct {
	logger          *slog.Logger
	allocatorID     uint32
	memoryTypeIndex int
	heapIndex       int

	preferredBlockSize     int
	bufferImageGranularity int
	minAlignment           uint
	priority               float32
	retainEmptyBlocks      bool

	extensionData *vulkan.ExtensionData
	deviceMemory  *vulkan.DeviceMemoryProperties

	mutex       utils.OptionalRWMutex
	blocks      []*deviceMemoryBlock
	blocksByID  *swiss.Map[uint32, *deviceMemoryBlock]
	nextBlockID uint32
}

func (p *blockPool) Init(
	useMutex bool,
	logger *slog.Logger,
	allocatorID uint32,
	memoryTypeIndex int,
	preferredBlockSize int,
	bufferImageGranularity int,
	retainEmptyBlocks bool,
	extensionData *vulkan.ExtensionData,
	deviceMemory *vulkan.DeviceMemoryProperties,
) {
	p.logger = logger
	p.allocatorID = allocatorID
	p.memoryTypeIndex = memoryTypeIndex
	p.heapIndex = deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	p.preferredBlockSize = preferredBlockSize
	p.bufferImageGranularity = bufferImageGranularity
	p.minAlignment = deviceMemory.MemoryTypeMinimumAlignment(memoryTypeIndex)
	p.priority = defaultBlockPriority
	p.retainEmptyBlocks = retainEmptyBlocks
	p.extensionData = extensionData
	p.deviceMemory = deviceMemory

	p.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
	p.blocksByID = swiss.NewMap[uint32, *deviceMemoryBlock](8)
}

func (p *blockPool) MemoryTypeIndex() int    { return p.memoryTypeIndex }
func (p *blockPool) PreferredBlockSize() int { return p.preferredBlockSize }

func (p *blockPool) BlockCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.blocks)
}

// Allocate reserves memory for the request from the first block that can hold it, creating a new
// block when none can. A request larger than the preferred block size gets a block of its own size.
func (p *blockPool) Allocate(request allocationRequest, createInfo *AllocationCreateInfo) (Lease, common.VkResult, error) {
	size, alignment := request.placement(p.bufferImageGranularity, p.minAlignment)
	memutils.DebugCheckPow2(alignment, "lease alignment")
	strategy := createInfo.Flags.strategy()
	record := &leaseRecord{
		suballocType: request.suballocType,
		name:         createInfo.Name,
		userData:     createInfo.UserData,
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, block := range p.blocks {
		handle, offset, ok, err := block.tryReserve(size, alignment, strategy, record)
		if err != nil {
			return Lease{}, core1_0.VKErrorUnknown, err
		} else if ok {
			p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", int(block.id)))
			return p.commit(block, handle, offset, size), core1_0.VKSuccess, nil
		}
	}

	if createInfo.Flags&AllocationCreateNeverAllocate != 0 {
		return Lease{}, core1_0.VKErrorOutOfDeviceMemory, errors.Mark(
			errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
				"no block of memory type %d can hold %d bytes and AllocationCreateNeverAllocate was set", p.memoryTypeIndex, size),
			ErrDriverAllocationFailed)
	}

	block, res, err := p.createBlock(size)
	if err != nil {
		return Lease{}, res, errors.Mark(
			errors.Wrapf(err, "could not allocate a new block for %d bytes from memory type %d", size, p.memoryTypeIndex),
			ErrDriverAllocationFailed)
	}

	handle, offset, ok, err := block.tryReserve(size, alignment, strategy, record)
	if err == nil && !ok {
		err = errors.Newf("created a new block %d of size %d to hold an allocation of size %d but the allocation did not fit", block.id, block.metadata.Size(), size)
	}
	if err != nil {
		// The new block holds nothing, so it goes back to the driver
		retireErr := p.retireBlock(block)
		if retireErr != nil {
			err = errors.CombineErrors(err, retireErr)
		}
		return Lease{}, core1_0.VKErrorUnknown, err
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", int(block.id)),
		slog.Int("block.size", block.metadata.Size()),
		slog.Int("MemoryTypeIndex", p.memoryTypeIndex))
	return p.commit(block, handle, offset, size), core1_0.VKSuccess, nil
}

func (p *blockPool) commit(block *deviceMemoryBlock, handle metadata.BlockAllocationHandle, offset, size int) Lease {
	p.deviceMemory.AddAllocation(p.heapIndex, size)
	memutils.DebugValidate(block)

	return Lease{
		allocatorID:     p.allocatorID,
		memoryTypeIndex: p.memoryTypeIndex,
		blockID:         block.id,
		handle:          handle,
		offset:          offset,
		size:            size,
		memory:          block.memory.VulkanDeviceMemory(),
	}
}

func (p *blockPool) createBlock(minSize int) (*deviceMemoryBlock, common.VkResult, error) {
	blockSize := p.preferredBlockSize
	if minSize > blockSize {
		blockSize = minSize
	}

	block, res, err := p.allocateBlock(blockSize)

	// When the device is out of memory, smaller blocks may still fit the request
	for shift := 0; err != nil && res == core1_0.VKErrorOutOfDeviceMemory && shift < maxNewBlockSizeShift; shift++ {
		smallerBlockSize := blockSize / 2
		if smallerBlockSize < minSize {
			break
		}

		blockSize = smallerBlockSize
		block, res, err = p.allocateBlock(blockSize)
	}

	return block, res, err
}

func (p *blockPool) allocateBlock(blockSize int) (*deviceMemoryBlock, common.VkResult, error) {
	// First build MemoryAllocateInfo with all the relevant extensions
	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.MemoryTypeIndex = p.memoryTypeIndex
	allocInfo.AllocationSize = blockSize

	if p.extensionData.BufferDeviceAddress {
		var allocFlagsInfo core1_1.MemoryAllocateFlagsInfo
		allocFlagsInfo.Flags = core1_2.MemoryAllocateDeviceAddress
		allocFlagsInfo.Next = allocInfo.Next
		allocInfo.Next = allocFlagsInfo
	}

	if p.extensionData.UseMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: p.priority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	memory, res, err := p.deviceMemory.AllocateVulkanMemory(allocInfo)
	if err != nil {
		return nil, res, err
	}

	p.nextBlockID++
	block := blockAllocator.Get().(*deviceMemoryBlock)
	block.Init(p.logger, p.deviceMemory, p.memoryTypeIndex, memory, blockSize, p.nextBlockID)

	p.blocks = append(p.blocks, block)
	p.blocksByID.Put(block.id, block)

	return block, res, nil
}

// lookupLease must be called with the mutex held
func (p *blockPool) lookupLease(lease Lease) (*deviceMemoryBlock, *leaseRecord, error) {
	block, ok := p.blocksByID.Get(lease.blockID)
	if !ok {
		return nil, nil, errors.Wrapf(ErrInvalidLease, "block %d of memory type %d does not exist", lease.blockID, p.memoryTypeIndex)
	}

	record, err := block.lookup(lease)
	if err != nil {
		return nil, nil, err
	}

	return block, record, nil
}

// Release returns the lease's region to its block. A block left empty is retired unless it is the
// pool's only block or the pool retains empty blocks.
func (p *blockPool) Release(lease Lease) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, record, err := p.lookupLease(lease)
	if err != nil {
		return err
	}

	if record != nil && record.mapCount > 0 {
		err = block.memory.Unmap(record.mapCount)
		if err != nil {
			return err
		}
		record.mapCount = 0
	}

	err = block.metadata.Free(lease.handle)
	if err != nil {
		return err
	}
	p.deviceMemory.RemoveAllocation(p.heapIndex, lease.size)
	memutils.DebugValidate(block)

	if block.metadata.IsEmpty() && !p.retainEmptyBlocks && len(p.blocks) > 1 {
		return p.retireBlock(block)
	}

	return nil
}

// retireBlock must be called with the mutex held
func (p *blockPool) retireBlock(block *deviceMemoryBlock) error {
	index := slices.Index(p.blocks, block)
	if index < 0 {
		panic(fmt.Sprintf("attempted to retire block %d, which is not in the pool for memory type %d", block.id, p.memoryTypeIndex))
	}

	p.blocks = slices.Delete(p.blocks, index, index+1)
	p.blocksByID.Delete(block.id)

	blockID := block.id
	blockSize := block.metadata.Size()
	err := block.Destroy()
	if err != nil {
		return err
	}
	blockAllocator.Put(block)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed empty block",
		slog.Int("block.id", int(blockID)),
		slog.Int("block.size", blockSize),
		slog.Int("MemoryTypeIndex", p.memoryTypeIndex))
	return nil
}

func (p *blockPool) BindBuffer(lease Lease, buffer core1_0.Buffer) (common.VkResult, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	block, _, err := p.lookupLease(lease)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return block.memory.BindVulkanBuffer(lease.offset, buffer)
}

func (p *blockPool) BindImage(lease Lease, image core1_0.Image) (common.VkResult, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	block, _, err := p.lookupLease(lease)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return block.memory.BindVulkanImage(lease.offset, image)
}

// Map maps the lease's block and returns a pointer to the start of the lease
func (p *blockPool) Map(lease Lease) (unsafe.Pointer, common.VkResult, error) {
	if !p.deviceMemory.IsMemoryTypeHostVisible(p.memoryTypeIndex) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(core1_0.VKErrorMemoryMapFailed.ToError(),
			"memory type %d is not host visible", p.memoryTypeIndex)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, record, err := p.lookupLease(lease)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	data, res, err := block.memory.Map(1)
	if err != nil {
		return nil, res, err
	}
	record.mapCount++

	return unsafe.Add(data, lease.offset), res, nil
}

func (p *blockPool) Unmap(lease Lease) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, record, err := p.lookupLease(lease)
	if err != nil {
		return err
	}

	if record.mapCount == 0 {
		return errors.Newf("%s is not mapped", lease.String())
	}

	err = block.memory.Unmap(1)
	if err != nil {
		return err
	}
	record.mapCount--

	return nil
}

// FlushOrInvalidate flushes or invalidates size bytes at offset within the lease. A size of -1
// covers the rest of the lease.
func (p *blockPool) FlushOrInvalidate(lease Lease, offset, size int, operation vulkan.CacheOperation) (common.VkResult, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	block, _, err := p.lookupLease(lease)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	if offset < 0 || offset > lease.size {
		return core1_0.VKErrorUnknown, errors.Newf("offset %d is outside of the lease, which is size %d", offset, lease.size)
	}
	if size == -1 {
		size = lease.size - offset
	}
	if size < 0 || offset+size > lease.size {
		return core1_0.VKErrorUnknown, errors.Newf("offset %d with size %d places the end of the range past the end of the lease, which is size %d", offset, size, lease.size)
	}

	return p.deviceMemory.FlushOrInvalidateRange(p.memoryTypeIndex, block.memory, block.metadata.Size(), lease.offset+offset, size, operation)
}

func (p *blockPool) LeaseUserData(lease Lease) (any, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	_, record, err := p.lookupLease(lease)
	if err != nil {
		return nil, err
	}

	return record.userData, nil
}

func (p *blockPool) SetLeaseUserData(lease Lease, userData any) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	_, record, err := p.lookupLease(lease)
	if err != nil {
		return err
	}

	record.userData = userData
	return nil
}

func (p *blockPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, block := range p.blocks {
		block.metadata.AddStatistics(stats)
	}
}

func (p *blockPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, block := range p.blocks {
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (p *blockPool) PrintDetailedMap(json *jwriter.ObjectState) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, block := range p.blocks {
		blockObj := json.Name(strconv.Itoa(int(block.id))).Object()

		blockObj.Name("MapReferences").Int(block.memory.References())
		block.metadata.BlockJsonData(blockObj)

		p.printDetailedMapAllocations(block.metadata, blockObj)

		blockObj.End()
	}
}

func (p *blockPool) printDetailedMapAllocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)

			if free {
				obj.Name("Type").String(SuballocationFree.String())
				obj.Name("Size").Int(size)
				return nil
			}

			record, isRecord := userData.(*leaseRecord)
			if isRecord && record != nil {
				record.printParameters(&obj, size)
			} else {
				obj.Name("Size").Int(size)
			}

			return nil
		})
}

func (p *blockPool) Validate() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.blocksByID.Count() != len(p.blocks) {
		return errors.Newf("memory type %d has %d blocks but %d block ids", p.memoryTypeIndex, len(p.blocks), p.blocksByID.Count())
	}

	for _, block := range p.blocks {
		keyed, ok := p.blocksByID.Get(block.id)
		if !ok || keyed != block {
			return errors.Newf("block %d of memory type %d cannot be reached by its id", block.id, p.memoryTypeIndex)
		}

		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "block %d of memory type %d", block.id, p.memoryTypeIndex)
		}
	}

	return nil
}

// Destroy frees every block in the pool. Blocks that still hold leases are reported and skipped.
func (p *blockPool) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	for _, block := range p.blocks {
		blockErr := block.Destroy()
		if blockErr != nil {
			err = errors.CombineErrors(err, blockErr)
			continue
		}

		blockAllocator.Put(block)
	}

	p.blocks = nil
	p.blocksByID = swiss.NewMap[uint32, *deviceMemoryBlock](8)

	return err
}
