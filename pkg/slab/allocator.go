// Package slab implements a fixed-size-class allocator over one
// memory segment. The segment is carved into slabs of
// slabSize/objectSize equal objects; slabs are classified empty,
// partial, or full by their free-object count.
//
// Multi-size-class strategies (best-fit, buddy) would plug in behind
// the same api.Allocator contract; the fixed class does not fragment
// internally so no defragmentation pass exists here.
package slab

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

// Allocator hands out fixed-size objects from a single segment.
// Allocate and Deallocate are O(1) amortized; one mutex guards the
// free list and slab classification together so they cannot drift.
type Allocator struct {
	mu sync.Mutex

	seg            api.Segment
	objectSize     int64
	slabSize       int64
	objectsPerSlab int64

	// free holds object offsets available for allocation, including
	// those belonging to empty slabs; popping an offset from an empty
	// slab promotes that slab to partial.
	free        *queue.Queue
	freePerSlab map[int64]int64
	empty       map[int64]struct{}
	partial     map[int64]struct{}
	full        map[int64]struct{}
	inUse       map[int64]struct{}
	nextSlab    int64

	allocs   uint64
	deallocs uint64
}

// New creates an allocator over seg and carves an initial slab.
func New(seg api.Segment, objectSize, slabSize int64) (*Allocator, error) {
	if objectSize <= 0 || slabSize <= 0 || objectSize > slabSize {
		return nil, tensor.Errf(tensor.CodeInvalidState, "slab.New",
			"object size %d incompatible with slab size %d", objectSize, slabSize)
	}
	a := &Allocator{
		seg:            seg,
		objectSize:     objectSize,
		slabSize:       slabSize,
		objectsPerSlab: slabSize / objectSize,
		free:           queue.New(),
		freePerSlab:    make(map[int64]int64),
		empty:          make(map[int64]struct{}),
		partial:        make(map[int64]struct{}),
		full:           make(map[int64]struct{}),
		inUse:          make(map[int64]struct{}),
	}
	if err := a.growLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

// growLocked carves the next slab out of the segment and puts its
// objects on the free list. Caller holds a.mu (or is the constructor).
func (a *Allocator) growLocked() error {
	offset := a.nextSlab * a.slabSize
	if offset+a.slabSize > a.seg.Size() {
		return tensor.Errf(tensor.CodeAllocationFailure, "slab.Allocate",
			"new slab at %d would exceed segment capacity %d", offset, a.seg.Size())
	}
	for i := int64(0); i < a.objectsPerSlab; i++ {
		a.free.Add(offset + i*a.objectSize)
	}
	a.freePerSlab[offset] = a.objectsPerSlab
	a.empty[offset] = struct{}{}
	a.nextSlab++
	return nil
}

func (a *Allocator) reclassifyLocked(slab int64) {
	delete(a.empty, slab)
	delete(a.partial, slab)
	delete(a.full, slab)
	switch free := a.freePerSlab[slab]; {
	case free == a.objectsPerSlab:
		a.empty[slab] = struct{}{}
	case free == 0:
		a.full[slab] = struct{}{}
	default:
		a.partial[slab] = struct{}{}
	}
}

// Allocate pops one free object. size must fit the object class.
// Object offsets are multiples of the object size within a slab and of
// the slab size across slabs, so an alignment the class cannot carry
// at every offset is rejected rather than satisfied by luck.
func (a *Allocator) Allocate(size int64, alignment int) (int64, api.Segment, error) {
	if size > a.objectSize {
		return 0, nil, tensor.Errf(tensor.CodeAllocationFailure, "slab.Allocate",
			"size %d exceeds object size %d", size, a.objectSize)
	}
	if al := int64(alignment); al > 1 && (a.objectSize%al != 0 || a.slabSize%al != 0) {
		return 0, nil, tensor.Errf(tensor.CodeAllocationFailure, "slab.Allocate",
			"object class %d/%d cannot satisfy alignment %d", a.objectSize, a.slabSize, alignment)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free.Length() == 0 {
		if err := a.growLocked(); err != nil {
			return 0, nil, err
		}
	}
	offset := a.free.Remove().(int64)
	slab := offset / a.slabSize * a.slabSize
	a.freePerSlab[slab]--
	a.reclassifyLocked(slab)
	a.inUse[offset] = struct{}{}
	a.allocs++
	return offset, a.seg, nil
}

// Deallocate pushes the object back on the free list and keeps the
// owning slab's classification consistent with its free count.
func (a *Allocator) Deallocate(offset int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.inUse[offset]; !ok {
		return tensor.Errf(tensor.CodeConcurrency, "slab.Deallocate",
			"offset %d is not a live allocation", offset)
	}
	delete(a.inUse, offset)
	a.free.Add(offset)
	slab := offset / a.slabSize * a.slabSize
	a.freePerSlab[slab]++
	a.reclassifyLocked(slab)
	a.deallocs++
	return nil
}

// Reallocate keeps the offset when newSize still fits the object
// class; otherwise it allocates fresh, copies min(oldSize, newSize)
// bytes, and frees the old object.
func (a *Allocator) Reallocate(offset, oldSize, newSize int64) (int64, error) {
	if newSize <= a.objectSize {
		return offset, nil
	}
	newOffset, seg, err := a.Allocate(newSize, 1)
	if err != nil {
		return 0, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	data, err := seg.Read(offset, n)
	if err != nil {
		return 0, err
	}
	if err := seg.Write(newOffset, data); err != nil {
		return 0, err
	}
	if err := a.Deallocate(offset); err != nil {
		return 0, err
	}
	return newOffset, nil
}

// Reclaim advises empty slabs away and returns the bytes covered.
// Fixed-size classes do not fragment internally, so this is the only
// maintenance the allocator performs.
func (a *Allocator) Reclaim() int64 {
	a.mu.Lock()
	slabs := make([]int64, 0, len(a.empty))
	for slab := range a.empty {
		slabs = append(slabs, slab)
	}
	a.mu.Unlock()

	var reclaimed int64
	for _, slab := range slabs {
		if err := a.seg.Advise(api.AdviseDontNeed, slab, a.slabSize); err == nil {
			reclaimed += a.slabSize
		}
	}
	return reclaimed
}

func (a *Allocator) Utilization() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.utilizationLocked()
}

func (a *Allocator) utilizationLocked() float64 {
	total := a.nextSlab * a.objectsPerSlab
	if total == 0 {
		return 0
	}
	return float64(a.allocs-a.deallocs) / float64(total)
}

func (a *Allocator) Fragmentation() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fragmentationLocked()
}

func (a *Allocator) fragmentationLocked() float64 {
	if a.nextSlab == 0 {
		return 0
	}
	return float64(len(a.partial)) / float64(a.nextSlab)
}

func (a *Allocator) Stats() api.AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return api.AllocatorStats{
		Allocations:   a.allocs,
		Deallocations: a.deallocs,
		TotalSlabs:    int(a.nextSlab),
		PartialSlabs:  len(a.partial),
		FullSlabs:     len(a.full),
		EmptySlabs:    len(a.empty),
		ObjectSize:    a.objectSize,
		SlabSize:      a.slabSize,
		Utilization:   a.utilizationLocked(),
		Fragmentation: a.fragmentationLocked(),
	}
}

// ObjectSize returns the fixed size class.
func (a *Allocator) ObjectSize() int64 { return a.objectSize }

// ObjectsPerSlab returns the object count per slab.
func (a *Allocator) ObjectsPerSlab() int64 { return a.objectsPerSlab }
