package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/blockalloc/memutils"
	"golang.org/x/exp/slices"
	"sync"
)

var chunkAllocator = sync.Pool{
	New: func() any {
		return &bestFitChunk{}
	},
}

// bestFitChunk is a single region of the block, either free or allocated. Chunks are chained
// in offset order and together they always cover the entire block.
type bestFitChunk struct {
	offset       int
	size         int
	prevPhysical *bestFitChunk
	nextPhysical *bestFitChunk

	free        bool
	userData    any
	chunkHandle BlockAllocationHandle
}

// BestFitBlockMetadata is a BlockMetadata implementation that keeps free regions indexed by size
// so that the smallest region able to hold a request can be found with a binary search. Regions are
// also chained by offset, so a freed region is merged with free neighbors in constant time.
type BestFitBlockMetadata struct {
	BlockMetadataBase

	allocCount     int
	chunkFreeCount int
	chunkFreeSize  int

	nextChunkHandle BlockAllocationHandle
	handleKey       *swiss.Map[BlockAllocationHandle, *bestFitChunk]
	// freeBySize holds every free chunk ordered by (size, offset)
	freeBySize []*bestFitChunk
	firstChunk *bestFitChunk
}

var _ BlockMetadata = &BestFitBlockMetadata{}

func NewBestFitBlockMetadata() *BestFitBlockMetadata {
	return &BestFitBlockMetadata{}
}

func (m *BestFitBlockMetadata) allocateChunk(offset, size int) *bestFitChunk {
	c := chunkAllocator.Get().(*bestFitChunk)
	c.offset = offset
	c.size = size
	c.prevPhysical = nil
	c.nextPhysical = nil
	c.free = true
	c.userData = nil
	m.assignHandle(c)
	return c
}

// assignHandle gives the chunk a handle that has never been used by this metadata. Chunks are
// rekeyed whenever they change state so that stale handles can never resolve.
func (m *BestFitBlockMetadata) assignHandle(c *bestFitChunk) {
	m.nextChunkHandle++
	c.chunkHandle = m.nextChunkHandle
	m.handleKey.Put(c.chunkHandle, c)
}

func (m *BestFitBlockMetadata) freeChunk(c *bestFitChunk) {
	m.handleKey.Delete(c.chunkHandle)
	chunkAllocator.Put(c)
}

func (m *BestFitBlockMetadata) getChunk(handle BlockAllocationHandle) (*bestFitChunk, error) {
	chunk, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "handle %d", handle)
	}
	return chunk, nil
}

func (m *BestFitBlockMetadata) getAllocatedChunk(handle BlockAllocationHandle) (*bestFitChunk, error) {
	chunk, err := m.getChunk(handle)
	if err != nil {
		return nil, err
	}
	if chunk.free {
		return nil, errors.Wrapf(ErrRegionNotAllocated, "handle %d", handle)
	}
	return chunk, nil
}

func compareChunks(left, right *bestFitChunk) int {
	if left.size != right.size {
		if left.size < right.size {
			return -1
		}
		return 1
	}

	if left.offset < right.offset {
		return -1
	} else if left.offset > right.offset {
		return 1
	}
	return 0
}

func compareChunkSize(chunk *bestFitChunk, size int) int {
	if chunk.size < size {
		return -1
	} else if chunk.size > size {
		return 1
	}
	return 0
}

func (m *BestFitBlockMetadata) insertFreeChunk(c *bestFitChunk) {
	if !c.free {
		panic("cannot index a chunk that is not free")
	}

	index, found := slices.BinarySearchFunc(m.freeBySize, c, compareChunks)
	if found {
		panic("chunk is already present in the free index")
	}
	m.freeBySize = slices.Insert(m.freeBySize, index, c)

	m.chunkFreeCount++
	m.chunkFreeSize += c.size
}

func (m *BestFitBlockMetadata) removeFreeChunk(c *bestFitChunk) {
	index, found := slices.BinarySearchFunc(m.freeBySize, c, compareChunks)
	if !found || m.freeBySize[index] != c {
		panic("chunk was not in the free index at the expected location")
	}

	last := len(m.freeBySize) - 1
	m.freeBySize = slices.Delete(m.freeBySize, index, index+1)
	// Clear the abandoned tail slot so the pooled chunk isn't referenced from here
	m.freeBySize[:last+1][last] = nil

	m.chunkFreeCount--
	m.chunkFreeSize -= c.size
}

func (m *BestFitBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *bestFitChunk](42)
	m.freeBySize = make([]*bestFitChunk, 0, 16)
	m.allocCount = 0
	m.chunkFreeCount = 0
	m.chunkFreeSize = 0

	m.firstChunk = m.allocateChunk(0, size)
	m.insertFreeChunk(m.firstChunk)
}

func (m *BestFitBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	if m.firstChunk == nil {
		return errors.New("metadata has not been initialized")
	}

	if m.firstChunk.prevPhysical != nil {
		return errors.New("the first chunk in the physical chain has a previous chunk")
	}

	var calculatedSize, calculatedFreeSize, allocCount, freeCount, chunkCount int
	nextOffset := 0

	for chunk := m.firstChunk; chunk != nil; chunk = chunk.nextPhysical {
		chunkCount++

		if chunk.offset != nextOffset {
			return errors.Errorf("chunk at offset %d should begin at offset %d", chunk.offset, nextOffset)
		}

		if chunk.size <= 0 {
			return errors.Errorf("chunk at offset %d has invalid size %d", chunk.offset, chunk.size)
		}

		nextOffset = chunk.offset + chunk.size
		calculatedSize += chunk.size

		if chunk.nextPhysical != nil && chunk.nextPhysical.prevPhysical != chunk {
			return errors.Errorf("chunk at offset %d has a next physical chunk, but the reverse reference is broken", chunk.offset)
		}

		keyed, ok := m.handleKey.Get(chunk.chunkHandle)
		if !ok || keyed != chunk {
			return errors.Errorf("chunk at offset %d is not reachable from its handle %d", chunk.offset, chunk.chunkHandle)
		}

		if chunk.free {
			freeCount++
			calculatedFreeSize += chunk.size

			if chunk.nextPhysical != nil && chunk.nextPhysical.free {
				return errors.Errorf("free chunks at offsets %d and %d are adjacent but were not merged", chunk.offset, chunk.nextPhysical.offset)
			}

			index, found := slices.BinarySearchFunc(m.freeBySize, chunk, compareChunks)
			if !found || m.freeBySize[index] != chunk {
				return errors.Errorf("free chunk at offset %d is missing from the size index", chunk.offset)
			}
		} else {
			allocCount++
		}
	}

	for i := 0; i < len(m.freeBySize); i++ {
		if !m.freeBySize[i].free {
			return errors.Errorf("chunk at offset %d is in the size index but is not free", m.freeBySize[i].offset)
		}

		if i > 0 && compareChunks(m.freeBySize[i-1], m.freeBySize[i]) >= 0 {
			return errors.Errorf("the size index is out of order at position %d", i)
		}
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the chunks only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free chunks only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken chunks only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.chunkFreeCount || freeCount != len(m.freeBySize) {
		return errors.Errorf("the free chunk count of the metadata is %d and the size index holds %d, but there were %d free chunks", m.chunkFreeCount, len(m.freeBySize), freeCount)
	}

	if chunkCount != m.handleKey.Count() {
		return errors.Errorf("the handle map holds %d handles, but there are %d chunks", m.handleKey.Count(), chunkCount)
	}

	return nil
}

func (m *BestFitBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for chunk := m.firstChunk; chunk != nil; chunk = chunk.nextPhysical {
		if chunk.free {
			stats.AddUnusedRange(chunk.size)
		} else {
			stats.AddAllocation(chunk.size)
		}
	}
}

func (m *BestFitBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *BestFitBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *BestFitBlockMetadata) FreeRegionsCount() int {
	return m.chunkFreeCount
}

func (m *BestFitBlockMetadata) SumFreeSize() int {
	return m.chunkFreeSize
}

func (m *BestFitBlockMetadata) LargestFreeRegion() int {
	if len(m.freeBySize) == 0 {
		return 0
	}

	return m.freeBySize[len(m.freeBySize)-1].size
}

func (m *BestFitBlockMetadata) MayHaveFreeBlock(size int) bool {
	return m.LargestFreeRegion() >= size
}

func (m *BestFitBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *BestFitBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	if allocSize < 1 {
		return false, AllocationRequest{}, errors.Newf("allocation size must be greater than 0 but was %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}

	if !m.MayHaveFreeBlock(allocSize) {
		return false, AllocationRequest{}, nil
	}

	var chunk *bestFitChunk
	var offset int
	var found bool

	if strategy&AllocationStrategyMinOffset != 0 {
		chunk, offset, found = m.findLowestOffset(allocSize, allocAlignment)
	} else {
		chunk, offset, found = m.findBestFit(allocSize, allocAlignment)
	}

	if !found {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: chunk.chunkHandle,
		Size:                  allocSize,
		Item: Suballocation{
			Offset: offset,
			Size:   allocSize,
		},
	}, nil
}

// findBestFit returns the free chunk whose usable size, measured from the aligned start to the end
// of the chunk, is the smallest that still holds allocSize. Ties go to the lower offset.
func (m *BestFitBlockMetadata) findBestFit(allocSize int, allocAlignment uint) (*bestFitChunk, int, bool) {
	start, _ := slices.BinarySearchFunc(m.freeBySize, allocSize, compareChunkSize)

	var bestChunk *bestFitChunk
	bestOffset := 0
	bestUsable := 0
	maxPadding := int(allocAlignment) - 1

	for i := start; i < len(m.freeBySize); i++ {
		chunk := m.freeBySize[i]

		// Chunks are ordered by raw size and padding is under one alignment unit, so no later
		// chunk can have less usable space than the current best
		if bestChunk != nil && chunk.size-maxPadding > bestUsable {
			break
		}

		offset, fits := m.checkChunk(chunk, allocSize, allocAlignment)
		if !fits {
			continue
		}

		usable := chunk.offset + chunk.size - offset
		if bestChunk == nil || usable < bestUsable || (usable == bestUsable && offset < bestOffset) {
			bestChunk = chunk
			bestOffset = offset
			bestUsable = usable
		}
	}

	return bestChunk, bestOffset, bestChunk != nil
}

func (m *BestFitBlockMetadata) findLowestOffset(allocSize int, allocAlignment uint) (*bestFitChunk, int, bool) {
	for chunk := m.firstChunk; chunk != nil; chunk = chunk.nextPhysical {
		if !chunk.free {
			continue
		}

		offset, fits := m.checkChunk(chunk, allocSize, allocAlignment)
		if fits {
			return chunk, offset, true
		}
	}

	return nil, 0, false
}

func (m *BestFitBlockMetadata) checkChunk(chunk *bestFitChunk, allocSize int, allocAlignment uint) (int, bool) {
	if chunk.size < allocSize {
		return 0, false
	}

	alignedOffset := memutils.AlignUp(chunk.offset, allocAlignment)
	if alignedOffset+allocSize > chunk.offset+chunk.size {
		return 0, false
	}

	return alignedOffset, true
}

func (m *BestFitBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.SumFreeSize(), m.AllocationCount(), m.FreeRegionsCount())
	json.Name("LargestUnusedRange").Int(m.LargestFreeRegion())
}

func (m *BestFitBlockMetadata) Alloc(req AllocationRequest, userData any) (BlockAllocationHandle, error) {
	chunk, err := m.getChunk(req.BlockAllocationHandle)
	if err != nil {
		return NoAllocation, err
	}

	if !chunk.free {
		return NoAllocation, errors.Newf("allocation request targets chunk at offset %d, which is not free", chunk.offset)
	}

	chunkEnd := chunk.offset + chunk.size
	allocEnd := req.Item.Offset + req.Item.Size
	if req.Item.Size < 1 || req.Item.Offset < chunk.offset || allocEnd > chunkEnd {
		return NoAllocation, errors.Newf("allocation request for range [%d, %d) does not fit in free chunk [%d, %d)", req.Item.Offset, allocEnd, chunk.offset, chunkEnd)
	}

	m.removeFreeChunk(chunk)

	// Alignment padding at the front becomes its own free chunk
	if req.Item.Offset > chunk.offset {
		padding := m.allocateChunk(chunk.offset, req.Item.Offset-chunk.offset)
		padding.prevPhysical = chunk.prevPhysical
		padding.nextPhysical = chunk
		if padding.prevPhysical != nil {
			padding.prevPhysical.nextPhysical = padding
		} else {
			m.firstChunk = padding
		}
		chunk.prevPhysical = padding

		m.insertFreeChunk(padding)
	}

	if allocEnd < chunkEnd {
		remainder := m.allocateChunk(allocEnd, chunkEnd-allocEnd)
		remainder.prevPhysical = chunk
		remainder.nextPhysical = chunk.nextPhysical
		if remainder.nextPhysical != nil {
			remainder.nextPhysical.prevPhysical = remainder
		}
		chunk.nextPhysical = remainder

		m.insertFreeChunk(remainder)
	}

	chunk.offset = req.Item.Offset
	chunk.size = req.Item.Size
	chunk.free = false
	chunk.userData = userData

	m.handleKey.Delete(chunk.chunkHandle)
	m.assignHandle(chunk)
	m.allocCount++

	memutils.DebugValidate(m)

	return chunk.chunkHandle, nil
}

func (m *BestFitBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	chunk, err := m.getAllocatedChunk(allocHandle)
	if err != nil {
		return err
	}

	m.allocCount--
	m.handleKey.Delete(chunk.chunkHandle)
	chunk.free = true
	chunk.userData = nil

	prev := chunk.prevPhysical
	if prev != nil && prev.free {
		m.removeFreeChunk(prev)

		chunk.offset = prev.offset
		chunk.size += prev.size
		chunk.prevPhysical = prev.prevPhysical
		if chunk.prevPhysical != nil {
			chunk.prevPhysical.nextPhysical = chunk
		} else {
			m.firstChunk = chunk
		}

		m.freeChunk(prev)
	}

	next := chunk.nextPhysical
	if next != nil && next.free {
		m.removeFreeChunk(next)

		chunk.size += next.size
		chunk.nextPhysical = next.nextPhysical
		if chunk.nextPhysical != nil {
			chunk.nextPhysical.prevPhysical = chunk
		}

		m.freeChunk(next)
	}

	m.assignHandle(chunk)
	m.insertFreeChunk(chunk)

	memutils.DebugValidate(m)

	return nil
}

func (m *BestFitBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for chunk := m.firstChunk; chunk != nil; chunk = chunk.nextPhysical {
		err := handleBlock(chunk.chunkHandle, chunk.offset, chunk.size, chunk.userData, chunk.free)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *BestFitBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	chunk, err := m.getAllocatedChunk(allocHandle)
	if err != nil {
		return 0, err
	}

	return chunk.offset, nil
}

func (m *BestFitBlockMetadata) Allocation(allocHandle BlockAllocationHandle) (Suballocation, error) {
	chunk, err := m.getAllocatedChunk(allocHandle)
	if err != nil {
		return Suballocation{}, err
	}

	return Suballocation{
		Offset:   chunk.offset,
		Size:     chunk.size,
		UserData: chunk.userData,
	}, nil
}

func (m *BestFitBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	chunk, err := m.getAllocatedChunk(allocHandle)
	if err != nil {
		return nil, err
	}

	return chunk.userData, nil
}

func (m *BestFitBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	chunk, err := m.getAllocatedChunk(allocHandle)
	if err != nil {
		return err
	}

	chunk.userData = userData
	return nil
}
