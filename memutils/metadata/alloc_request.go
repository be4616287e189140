package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to allocate new memory. It can be committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free region the allocation will be carved out of
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total size of the allocation
	Size int
	// Item is a Suballocation object indicating the aligned offset and size of the allocation
	Item Suballocation
}
