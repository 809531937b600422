package api

// AllocatorStats is a point-in-time snapshot of allocator counters.
type AllocatorStats struct {
	Allocations   uint64
	Deallocations uint64
	TotalSlabs    int
	PartialSlabs  int
	FullSlabs     int
	EmptySlabs    int
	ObjectSize    int64
	SlabSize      int64
	Utilization   float64
	Fragmentation float64
}

// Allocator carves a Segment into reusable blocks. The slab allocator
// is the only implementation today; a multi-size-class variant
// (best-fit, buddy) can be plugged in behind this contract.
type Allocator interface {
	// Allocate returns a block offset inside the returned segment, a
	// multiple of alignment for alignment > 1. Fails with an
	// allocation-failure error when the request exceeds the object
	// size class, the class cannot carry the alignment at every
	// offset, or the segment capacity is exhausted.
	Allocate(size int64, alignment int) (int64, Segment, error)
	Deallocate(offset int64) error
	// Reallocate keeps the offset when newSize still fits the object
	// class; otherwise it allocates a new block, copies
	// min(oldSize, newSize) bytes, and frees the old offset.
	Reallocate(offset, oldSize, newSize int64) (int64, error)
	// Reclaim releases what it can back to the OS (e.g. advising
	// empty slabs away) and returns the number of bytes covered.
	Reclaim() int64
	Utilization() float64
	Fragmentation() float64
	Stats() AllocatorStats
}
