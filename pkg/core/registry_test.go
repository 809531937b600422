package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(RegistryConfig{
		CleanupInterval: time.Hour, // background sweeps stay out of the way
		MaxAge:          time.Hour,
	})
	t.Cleanup(r.Close)
	return r
}

func registerTestRef(t *testing.T, r *Registry, shape []int) *Reference {
	t.Helper()
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	buf, err := tensor.FromFloat32(shape, make([]float32, n))
	require.NoError(t, err)
	ref, _ := newTestReference(t, buf)
	require.NoError(t, r.Register(ref))
	return ref
}

func TestRegisterGetRemove(t *testing.T) {
	r := testRegistry(t)
	ref := registerTestRef(t, r, []int{4, 4})

	got, ok := r.Get(ref.ID())
	require.True(t, ok)
	assert.Same(t, ref, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Get(uuid.New())
	assert.False(t, ok)

	removed, ok := r.Remove(ref.ID())
	require.True(t, ok)
	assert.Same(t, ref, removed)
	assert.Zero(t, r.Len())

	_, ok = r.Remove(ref.ID())
	assert.False(t, ok)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := testRegistry(t)
	ref := registerTestRef(t, r, []int{4})

	err := r.Register(ref)
	assert.True(t, tensor.IsCode(err, tensor.CodeConcurrency))
}

func TestGetRefreshesAccessTime(t *testing.T) {
	r := testRegistry(t)
	ref := registerTestRef(t, r, []int{4})

	before := ref.AccessCount()
	_, ok := r.Get(ref.ID())
	require.True(t, ok)
	assert.Equal(t, before+1, ref.AccessCount())
}

func TestFindByCriteria(t *testing.T) {
	r := testRegistry(t)
	a := registerTestRef(t, r, []int{8, 8})
	b := registerTestRef(t, r, []int{8, 8})
	c := registerTestRef(t, r, []int{2, 2})

	found := r.FindByCriteria(Criteria{Shape: []int{8, 8}})
	assert.Len(t, found, 2)

	found = r.FindByCriteria(Criteria{Shape: []int{2, 2}})
	require.Len(t, found, 1)
	assert.Same(t, c, found[0])

	found = r.FindByCriteria(Criteria{DType: tensor.Float32})
	assert.Len(t, found, 3)

	found = r.FindByCriteria(Criteria{Shape: []int{8, 8}, DType: tensor.Float64})
	assert.Empty(t, found)

	found = r.FindByCriteria(Criteria{Device: "cpu"})
	assert.Len(t, found, 3)

	found = r.FindByCriteria(Criteria{})
	assert.Len(t, found, 3)

	// terminal references drop out of criteria results
	a.detach()
	found = r.FindByCriteria(Criteria{Shape: []int{8, 8}})
	require.Len(t, found, 1)
	assert.Same(t, b, found[0])
}

func TestCleanupExpiresIdleReferences(t *testing.T) {
	r := testRegistry(t)
	idle := registerTestRef(t, r, []int{4})
	busy := registerTestRef(t, r, []int{4})

	// busy keeps a holder, so it stays active
	idle.releaseHolder()
	require.Equal(t, StateCached, idle.State())
	require.Equal(t, StateActive, busy.State())

	time.Sleep(10 * time.Millisecond)
	expired := r.Cleanup(time.Nanosecond)

	assert.Equal(t, 1, expired)
	assert.Equal(t, StateExpired, idle.State())
	_, ok := r.Get(idle.ID())
	assert.False(t, ok)

	assert.Equal(t, StateActive, busy.State())
	_, ok = r.Get(busy.ID())
	assert.True(t, ok)
}

func TestCleanupKeepsFreshReferences(t *testing.T) {
	r := testRegistry(t)
	ref := registerTestRef(t, r, []int{4})
	ref.releaseHolder()

	expired := r.Cleanup(time.Hour)
	assert.Zero(t, expired)
	_, ok := r.Get(ref.ID())
	assert.True(t, ok)
}

func TestInlineCleanupPastThreshold(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		CleanupThreshold: 4,
		CleanupInterval:  time.Hour,
		MaxAge:           time.Nanosecond,
	})
	t.Cleanup(r.Close)

	refs := make([]*Reference, 0, 8)
	for i := 0; i < 8; i++ {
		buf, err := tensor.FromFloat32([]int{4}, make([]float32, 4))
		require.NoError(t, err)
		ref, _ := newTestReference(t, buf)
		ref.releaseHolder()
		refs = append(refs, ref)
		time.Sleep(time.Millisecond)
		require.NoError(t, r.Register(ref))
	}

	// the queue crossed the threshold, so idle early registrations are
	// already gone
	assert.Less(t, r.Len(), 8)
}

func TestRegistryStats(t *testing.T) {
	r := testRegistry(t)
	active := registerTestRef(t, r, []int{16, 16})
	cached := registerTestRef(t, r, []int{16, 16})
	cached.releaseHolder()

	_, _ = r.Get(active.ID())
	_, _ = r.Get(uuid.New())

	st := r.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRatio, 1e-9)
	assert.Equal(t, 1, st.PerState[StateActive.String()])
	assert.Equal(t, 1, st.PerState[StateCached.String()])
	assert.Equal(t, active.Descriptor().AlignedByteSize(), st.ActiveBytes)
	assert.Equal(t, cached.Descriptor().AlignedByteSize(), st.CachedBytes)
	assert.Equal(t, st.ActiveBytes+st.CachedBytes, st.TotalBytes)
}

func TestRegistryCloseDetachesAll(t *testing.T) {
	r := NewRegistry(RegistryConfig{CleanupInterval: time.Hour, MaxAge: time.Hour})
	a := registerTestRef(t, r, []int{4})
	b := registerTestRef(t, r, []int{4})

	r.Close()
	assert.Equal(t, StateDetached, a.State())
	assert.Equal(t, StateDetached, b.State())
	assert.Zero(t, r.Len())

	// double close is safe
	r.Close()
}
