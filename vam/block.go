package vam

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/blockalloc/memutils/metadata"
	"github.com/vkngwrapper/blockalloc/vam/internal/vulkan"
)

var blockAllocator = sync.Pool{
	New: func() any {
		return &deviceMemoryBlock{}
	},
}

// deviceMemoryBlock is a single real allocation of device memory, carved up by its metadata
type deviceMemoryBlock struct {
	id              uint32
	memory          *vulkan.SynchronizedMemory
	memoryTypeIndex int
	logger          *slog.Logger

	metadata     metadata.BlockMetadata
	deviceMemory *vulkan.DeviceMemoryProperties
}

func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	newMemoryTypeIndex int,
	newMemory *vulkan.SynchronizedMemory,
	newSize int,
	id uint32,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.memoryTypeIndex = newMemoryTypeIndex
	b.id = id
	b.memory = newMemory
	b.deviceMemory = deviceMemory
	b.logger = logger

	b.metadata = metadata.NewBestFitBlockMetadata()
	b.metadata.Init(newSize)
}

// Destroy frees the block's device memory. A block that still holds leases is not freed: the leases
// are logged and an error is returned.
func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("block %d of memory type %d still holds %d leases", b.id, b.memoryTypeIndex, b.metadata.AllocationCount())
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing vulkan memory handle")
	}

	b.deviceMemory.FreeVulkanMemory(b.memoryTypeIndex, b.metadata.Size(), b.memory)

	b.memory = nil
	b.metadata = nil
	return nil
}

func (b *deviceMemoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	name := "empty"
	var customData any

	record, isRecord := userData.(*leaseRecord)
	if isRecord {
		customData = record.userData
		if record.name != "" {
			name = record.name
		}
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased lease",
		slog.Int("block.id", int(b.id)),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", customData),
		slog.String("name", name),
	)
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		record, isRecord := userData.(*leaseRecord)
		if free && isRecord {
			return errors.Errorf("a region at offset %d is marked as free but contains a lease record", offset)
		} else if !free && (!isRecord || record == nil) {
			return errors.Errorf("a region at offset %d is marked as allocated but has no lease record", offset)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

// tryReserve carves size bytes at the requested alignment out of the block. ok is false, with no
// error, when the block has no region that fits.
func (b *deviceMemoryBlock) tryReserve(size int, alignment uint, strategy metadata.AllocationStrategy, record *leaseRecord) (handle metadata.BlockAllocationHandle, offset int, ok bool, err error) {
	if !b.metadata.MayHaveFreeBlock(size) {
		return metadata.NoAllocation, 0, false, nil
	}

	success, request, err := b.metadata.CreateAllocationRequest(size, alignment, strategy)
	if err != nil || !success {
		return metadata.NoAllocation, 0, false, err
	}

	handle, err = b.metadata.Alloc(request, record)
	if err != nil {
		return metadata.NoAllocation, 0, false, err
	}

	return handle, request.Item.Offset, true, nil
}

// lookup returns the record of a live lease, or ErrInvalidLease if the lease does not describe a live
// region of this block
func (b *deviceMemoryBlock) lookup(lease Lease) (*leaseRecord, error) {
	region, err := b.metadata.Allocation(lease.handle)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidLease)
	}

	if region.Offset != lease.offset || region.Size != lease.size {
		return nil, errors.Wrapf(ErrInvalidLease, "lease describes [%d, %d) but the live region is [%d, %d)",
			lease.offset, lease.offset+lease.size, region.Offset, region.Offset+region.Size)
	}

	record, _ := region.UserData.(*leaseRecord)
	return record, nil
}
