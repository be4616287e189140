package metadata

// AllocationStrategy exposes several options for choosing the location of a new memory allocation.
// If none is chosen, AllocationStrategyMinMemory is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest free region that can hold the allocation
	// after alignment padding (best fit), to minimize fragmentation
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinOffset selects the free region with the lowest offset that can hold the
	// allocation. This achieves tightly packed data at the expense of allocation time.
	AllocationStrategyMinOffset
)
