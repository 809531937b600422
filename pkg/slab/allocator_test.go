package slab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/pkg/segment"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

func testSegment(t *testing.T, size int64) api.Segment {
	t.Helper()
	seg, err := segment.New(segment.Config{
		Backend: segment.MmapPrivate,
		Name:    "slab_test",
		Size:    size,
		Create:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg
}

func TestAllocateFillsSlabBeforeGrowing(t *testing.T) {
	seg := testSegment(t, 4<<20)
	a, err := New(seg, 1024, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), a.ObjectsPerSlab())

	seen := make(map[int64]struct{})
	for i := 0; i < 1024; i++ {
		off, _, err := a.Allocate(512, 64)
		require.NoError(t, err)
		_, dup := seen[off]
		require.False(t, dup, "offset %d handed out twice", off)
		seen[off] = struct{}{}
	}

	st := a.Stats()
	assert.Equal(t, 1, st.TotalSlabs)
	assert.Equal(t, 1, st.FullSlabs)
	assert.Equal(t, 1.0, st.Utilization)

	// object 1025 forces a second slab
	off, _, err := a.Allocate(512, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, off, int64(1<<20))

	st = a.Stats()
	assert.Equal(t, 2, st.TotalSlabs)
	assert.Equal(t, 1, st.PartialSlabs)
}

func TestDeallocateReclassifies(t *testing.T) {
	seg := testSegment(t, 1<<20)
	a, err := New(seg, 1024, 1<<20)
	require.NoError(t, err)

	offsets := make([]int64, 0, 1024)
	for i := 0; i < 1024; i++ {
		off, _, err := a.Allocate(1024, 1)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	assert.Equal(t, 1, a.Stats().FullSlabs)

	require.NoError(t, a.Deallocate(offsets[0]))
	st := a.Stats()
	assert.Equal(t, 0, st.FullSlabs)
	assert.Equal(t, 1, st.PartialSlabs)

	for _, off := range offsets[1:] {
		require.NoError(t, a.Deallocate(off))
	}
	st = a.Stats()
	assert.Equal(t, 1, st.EmptySlabs)
	assert.Equal(t, 0, st.PartialSlabs)
	assert.Zero(t, st.Utilization)
}

func TestAllocateRejectsOversizedRequests(t *testing.T) {
	seg := testSegment(t, 1<<20)
	a, err := New(seg, 4096, 64<<10)
	require.NoError(t, err)

	_, _, err = a.Allocate(8000, 64)
	assert.True(t, tensor.IsCode(err, tensor.CodeAllocationFailure))

	_, _, err = a.Allocate(4096, 8192)
	assert.True(t, tensor.IsCode(err, tensor.CodeAllocationFailure), "alignment above class granularity")
}

func TestAllocateHonorsAlignment(t *testing.T) {
	// a class of 1000-byte objects cannot place every slot on a
	// 64-byte boundary; such requests must fail, not hand back the
	// occasional aligned offset
	odd, err := New(testSegment(t, 1<<20), 1000, 100000)
	require.NoError(t, err)
	_, _, err = odd.Allocate(512, 64)
	assert.True(t, tensor.IsCode(err, tensor.CodeAllocationFailure))
	off, _, err := odd.Allocate(512, 1)
	require.NoError(t, err)
	assert.Zero(t, off%1000)

	a, err := New(testSegment(t, 1<<20), 4096, 64<<10)
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		off, _, err := a.Allocate(512, 64)
		require.NoError(t, err)
		assert.Zero(t, off%64, "offset %d not 64-byte aligned", off)
	}
}

func TestAllocateFailsWhenSegmentExhausted(t *testing.T) {
	seg := testSegment(t, 64<<10)
	a, err := New(seg, 1024, 64<<10)
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		_, _, err := a.Allocate(1024, 1)
		require.NoError(t, err)
	}
	_, _, err = a.Allocate(1024, 1)
	assert.True(t, tensor.IsCode(err, tensor.CodeAllocationFailure))
}

func TestDoubleFreeDetected(t *testing.T) {
	seg := testSegment(t, 1<<20)
	a, err := New(seg, 1024, 64<<10)
	require.NoError(t, err)

	off, _, err := a.Allocate(1024, 1)
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(off))

	err = a.Deallocate(off)
	assert.True(t, tensor.IsCode(err, tensor.CodeConcurrency))

	err = a.Deallocate(99 * 1024)
	assert.True(t, tensor.IsCode(err, tensor.CodeConcurrency), "never-allocated offset")
}

func TestReallocate(t *testing.T) {
	seg := testSegment(t, 1<<20)
	a, err := New(seg, 1024, 64<<10)
	require.NoError(t, err)

	off, s, err := a.Allocate(512, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write(off, []byte("hello")))

	// still fits the class: same offset back
	same, err := a.Reallocate(off, 512, 900)
	require.NoError(t, err)
	assert.Equal(t, off, same)

	// growth past the class is unsupported by a fixed-size allocator
	_, err = a.Reallocate(off, 512, 4096)
	assert.True(t, tensor.IsCode(err, tensor.CodeAllocationFailure))
}

func TestUtilizationAndFragmentation(t *testing.T) {
	seg := testSegment(t, 1<<20)
	a, err := New(seg, 1024, 64<<10) // 64 objects per slab
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		_, _, err := a.Allocate(1024, 1)
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.25, a.Utilization(), 1e-9)
	assert.InDelta(t, 1.0, a.Fragmentation(), 1e-9)
}

func TestReclaimCoversEmptySlabs(t *testing.T) {
	seg := testSegment(t, 256<<10)
	a, err := New(seg, 1024, 64<<10)
	require.NoError(t, err)

	// force a second slab, then empty both
	offsets := make([]int64, 0, 65)
	for i := 0; i < 65; i++ {
		off, _, err := a.Allocate(1024, 1)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	for _, off := range offsets {
		require.NoError(t, a.Deallocate(off))
	}

	assert.Equal(t, int64(128<<10), a.Reclaim())

	// reclaimed slabs remain allocatable
	_, _, err = a.Allocate(1024, 1)
	assert.NoError(t, err)
}

func TestConcurrentAllocateDeallocate(t *testing.T) {
	seg := testSegment(t, 4<<20)
	a, err := New(seg, 1024, 1<<20)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				off, _, err := a.Allocate(1024, 64)
				if !assert.NoError(t, err) {
					return
				}
				if !assert.NoError(t, a.Deallocate(off)) {
					return
				}
			}
		}()
	}
	wg.Wait()

	st := a.Stats()
	assert.Equal(t, st.Allocations, st.Deallocations)
	assert.Zero(t, st.Utilization)
}
