package metadata

import "math"

// BlockAllocationHandle is a numeric handle used to identify individual regions within the metadata.
// Handles are unique for the lifetime of a metadata object and are never reissued.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

type Suballocation struct {
	Offset   int
	Size     int
	UserData any
}
