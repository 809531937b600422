package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/tensoroptim/tensoroptim/pkg/segment"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

type ManagerSuite struct {
	suite.Suite
	m *Manager
}

func (s *ManagerSuite) SetupTest() {
	m, err := New(Options{
		Backend:          segment.MmapPrivate,
		MaxMemory:        4 << 20,
		ObjectSize:       64 << 10,
		SlabSize:         256 << 10,
		Adaptive:         true,
		MaintainInterval: time.Hour,
		CleanupInterval:  time.Hour,
		MaxAge:           time.Hour,
	})
	s.Require().NoError(err)
	s.m = m
}

func (s *ManagerSuite) TearDownTest() {
	s.Require().NoError(s.m.Close())
}

func (s *ManagerSuite) share() (*SharedTensor, *tensor.Dense) {
	values := make([]float32, 256)
	for i := range values {
		values[i] = float32(i) * 0.5
	}
	buf, err := tensor.FromFloat32([]int{16, 16}, values)
	s.Require().NoError(err)
	st, err := s.m.Share(context.Background(), buf)
	s.Require().NoError(err)
	return st, buf
}

func (s *ManagerSuite) TestShareAndGet() {
	st, buf := s.share()
	s.Equal(StateActive, st.State())

	got, err := s.m.Get(context.Background(), st.ID())
	s.Require().NoError(err)

	materialized, err := got.Materialize()
	s.Require().NoError(err)
	s.Equal(buf.Bytes(), materialized.Bytes())
	got.Release()
}

func (s *ManagerSuite) TestGetUnknownID() {
	_, err := s.m.Get(context.Background(), uuid.New())
	s.True(tensor.IsCode(err, tensor.CodeNotFound))
}

func (s *ManagerSuite) TestGetByCriteria() {
	st, _ := s.share()
	s.share()

	found, err := s.m.GetByCriteria(context.Background(), Criteria{Shape: []int{16, 16}})
	s.Require().NoError(err)
	s.Len(found, 2)

	found, err = s.m.GetByCriteria(context.Background(), Criteria{Shape: []int{3}})
	s.Require().NoError(err)
	s.Empty(found)

	s.Require().NoError(s.m.Detach(context.Background(), st.ID()))
	found, err = s.m.GetByCriteria(context.Background(), Criteria{Shape: []int{16, 16}})
	s.Require().NoError(err)
	s.Len(found, 1)
}

func (s *ManagerSuite) TestDetach() {
	st, _ := s.share()

	s.Require().NoError(s.m.Detach(context.Background(), st.ID()))
	s.Equal(StateDetached, st.State())

	_, err := s.m.Get(context.Background(), st.ID())
	s.True(tensor.IsCode(err, tensor.CodeNotFound))

	err = s.m.Detach(context.Background(), st.ID())
	s.True(tensor.IsCode(err, tensor.CodeNotFound))
}

func (s *ManagerSuite) TestShareAsync() {
	values := make([]float32, 64)
	buf, err := tensor.FromFloat32([]int{8, 8}, values)
	s.Require().NoError(err)

	results := make([]<-chan ShareResult, 8)
	for i := range results {
		results[i] = s.m.ShareAsync(context.Background(), buf)
	}
	for _, ch := range results {
		res := <-ch
		s.Require().NoError(res.Err)
		s.Equal(StateActive, res.Tensor.State())
	}
	s.Equal(8, s.m.Stats().Registry.Total)
}

func (s *ManagerSuite) TestStats() {
	s.share()
	s.share()

	st := s.m.Stats()
	s.Equal(2, st.Registry.Total)
	s.Require().Len(st.Pools, 1)
	s.Equal(uint64(2), st.Pools[0].Shares)
	s.Equal("mmap_private", st.Pools[0].Backend)
}

func (s *ManagerSuite) TestCleanupAndOptimize() {
	st, _ := s.share()
	st.Release()

	// fresh tensors survive a sweep at the configured max age
	s.Zero(s.m.CleanupExpired())
	s.GreaterOrEqual(s.m.OptimizeNow(), int64(0))
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func TestManagerClosedRejectsEverything(t *testing.T) {
	m, err := New(Options{
		Backend:          segment.MmapPrivate,
		MaintainInterval: time.Hour,
		CleanupInterval:  time.Hour,
	})
	require.NoError(t, err)

	buf, err := tensor.FromFloat32([]int{4}, make([]float32, 4))
	require.NoError(t, err)
	st, err := m.Share(context.Background(), buf)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	assert.Equal(t, StateDetached, st.State(), "close detaches outstanding tensors")

	_, err = m.Share(context.Background(), buf)
	assert.True(t, tensor.IsCode(err, tensor.CodeClosed))
	_, err = m.Get(context.Background(), st.ID())
	assert.True(t, tensor.IsCode(err, tensor.CodeClosed))
	err = m.Detach(context.Background(), st.ID())
	assert.True(t, tensor.IsCode(err, tensor.CodeClosed))
	_, err = m.GetByCriteria(context.Background(), Criteria{})
	assert.True(t, tensor.IsCode(err, tensor.CodeClosed))
}

func TestManagerDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.NotZero(t, opts.Backend)
	assert.Equal(t, int64(256<<20), opts.MaxMemory)
	assert.Equal(t, int64(1<<20), opts.ObjectSize)
	assert.InDelta(t, 0.7, opts.HighWater, 1e-9)
	assert.NotNil(t, opts.Meter)
	assert.NotNil(t, opts.Tracer)

	// odd size classes round up so pool slots stay 64-byte aligned
	odd := Options{ObjectSize: 1000, SlabSize: 100000}.withDefaults()
	assert.Equal(t, int64(1024), odd.ObjectSize)
	assert.Zero(t, odd.SlabSize%tensor.DefaultAlignment)
}

func TestCollectorExposesMetrics(t *testing.T) {
	m, err := New(Options{
		Backend:          segment.MmapPrivate,
		MaintainInterval: time.Hour,
		CleanupInterval:  time.Hour,
	})
	require.NoError(t, err)
	defer m.Close()

	buf, err := tensor.FromFloat32([]int{8, 8}, make([]float32, 64))
	require.NoError(t, err)
	_, err = m.Share(context.Background(), buf)
	require.NoError(t, err)
	_, err = m.Get(context.Background(), uuid.New())
	require.Error(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(m)))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	require.Contains(t, byName, "tensoroptim_registry_tensors")
	require.Contains(t, byName, "tensoroptim_pool_shares_total")

	lookups := byName["tensoroptim_registry_lookups_total"]
	require.NotNil(t, lookups)
	var misses float64
	for _, metric := range lookups.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetValue() == "miss" {
				misses = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, misses)

	shares := byName["tensoroptim_pool_shares_total"]
	require.Len(t, shares.GetMetric(), 1)
	assert.Equal(t, 1.0, shares.GetMetric()[0].GetCounter().GetValue())
}

func TestHealthEndpoints(t *testing.T) {
	m, err := New(Options{
		Backend:          segment.MmapPrivate,
		MaintainInterval: time.Hour,
		CleanupInterval:  time.Hour,
	})
	require.NoError(t, err)

	h := m.Health()

	rec := httptest.NewRecorder()
	h.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, m.Close())

	rec = httptest.NewRecorder()
	h.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
