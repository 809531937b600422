package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/internal/sysinfo"
	"github.com/tensoroptim/tensoroptim/pkg/codec"
	"github.com/tensoroptim/tensoroptim/pkg/segment"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

// Options configures a Manager. Zero values fall back to the defaults
// in DefaultOptions.
type Options struct {
	// Backend is the segment facility for new pools. When it is left
	// unset the manager probes the host and prefers POSIX shared
	// memory, degrading to a private buffer where /dev/shm is absent.
	Backend segment.Backend

	// MaxMemory caps each pool's backing segment.
	MaxMemory int64
	// ObjectSize is the slab size class; every shared tensor occupies
	// one object slot.
	ObjectSize int64
	SlabSize   int64

	// Compression fixes the codec policy when Adaptive is false.
	Compression tensor.Compression
	// Adaptive picks LZ4 or raw per tensor from a sampled ratio
	// estimate.
	Adaptive bool

	// NUMAAware spreads pools across NUMA nodes once the first node's
	// pool passes HighWater utilization.
	NUMAAware bool
	HighWater float64

	MaintainInterval time.Duration
	CleanupInterval  time.Duration
	CleanupThreshold int
	// MaxAge is how long an idle, non-active tensor survives before
	// expiry reclaims its slot.
	MaxAge time.Duration

	// AsyncWorkers bounds the goroutine pool serving ShareAsync and
	// prefetch.
	AsyncWorkers int

	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultOptions returns the settings used by Default().
func DefaultOptions() Options {
	return Options{
		MaxMemory:        256 << 20,
		ObjectSize:       1 << 20,
		SlabSize:         16 << 20,
		Adaptive:         true,
		NUMAAware:        true,
		HighWater:        0.7,
		MaintainInterval: 30 * time.Second,
		CleanupInterval:  5 * time.Minute,
		MaxAge:           2 * time.Hour,
		AsyncWorkers:     runtime.NumCPU(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Backend == 0 {
		caps := sysinfo.Detect()
		switch {
		case caps.ShmAvailable:
			o.Backend = segment.PosixShm
		default:
			o.Backend = segment.MmapPrivate
		}
	}
	if o.MaxMemory <= 0 {
		o.MaxMemory = d.MaxMemory
	}
	if o.ObjectSize <= 0 {
		o.ObjectSize = d.ObjectSize
	}
	if o.SlabSize <= 0 {
		o.SlabSize = d.SlabSize
	}
	// Pools request tensor.DefaultAlignment for every slot, so the size
	// classes must be multiples of it or the allocator would refuse.
	o.ObjectSize = alignUp(o.ObjectSize, tensor.DefaultAlignment)
	o.SlabSize = alignUp(o.SlabSize, tensor.DefaultAlignment)
	if o.HighWater <= 0 || o.HighWater > 1 {
		o.HighWater = d.HighWater
	}
	if o.MaintainInterval <= 0 {
		o.MaintainInterval = d.MaintainInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	if o.MaxAge <= 0 {
		o.MaxAge = d.MaxAge
	}
	if o.AsyncWorkers <= 0 {
		o.AsyncWorkers = d.AsyncWorkers
	}
	if o.Meter == nil {
		o.Meter = metricnoop.NewMeterProvider().Meter("tensoroptim")
	}
	if o.Tracer == nil {
		o.Tracer = tracenoop.NewTracerProvider().Tracer("tensoroptim")
	}
	return o
}

// ShareResult carries the outcome of an asynchronous share.
type ShareResult struct {
	Tensor *SharedTensor
	Err    error
}

// ManagerStats aggregates registry and per-pool snapshots.
type ManagerStats struct {
	Registry RegistryStats
	Pools    []PoolStats
	Workers  int
	NUMANode int
}

// Manager is the top-level entry point: it places tensors on pools,
// resolves lookups through the registry, and runs background
// maintenance. All methods are safe for concurrent use.
type Manager struct {
	opts     Options
	codec    *codec.Codec
	registry *Registry
	pools    cmap.ConcurrentMap[string, *Pool]
	poolMu   sync.Mutex

	workers *ants.Pool
	rr      atomic.Uint64
	nodes   int

	tracer      trace.Tracer
	sharesTotal metric.Int64Counter
	getsTotal   metric.Int64Counter
	bytesShared metric.Int64Counter

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New builds a manager and starts its maintenance goroutine.
func New(opts Options) (*Manager, error) {
	opts = opts.withDefaults()

	c, err := codec.New()
	if err != nil {
		return nil, err
	}
	workers, err := ants.NewPool(opts.AsyncWorkers, ants.WithNonblocking(false))
	if err != nil {
		c.Close()
		return nil, err
	}

	nodes := len(sysinfo.Detect().NUMANodes)
	if nodes == 0 {
		nodes = 1
	}

	m := &Manager{
		opts:  opts,
		codec: c,
		registry: NewRegistry(RegistryConfig{
			CleanupThreshold: opts.CleanupThreshold,
			CleanupInterval:  opts.CleanupInterval,
			MaxAge:           opts.MaxAge,
		}),
		pools:   cmap.New[*Pool](),
		workers: workers,
		nodes:   nodes,
		tracer:  opts.Tracer,
		stop:    make(chan struct{}),
	}

	if m.sharesTotal, err = opts.Meter.Int64Counter("tensoroptim.shares.total"); err != nil {
		m.teardown()
		return nil, err
	}
	if m.getsTotal, err = opts.Meter.Int64Counter("tensoroptim.gets.total"); err != nil {
		m.teardown()
		return nil, err
	}
	if m.bytesShared, err = opts.Meter.Int64Counter("tensoroptim.shared.bytes"); err != nil {
		m.teardown()
		return nil, err
	}

	m.wg.Add(1)
	go m.maintainLoop()
	return m, nil
}

// Share stores buf in shared memory and returns a materialized handle.
func (m *Manager) Share(ctx context.Context, buf api.Buffer) (*SharedTensor, error) {
	if m.closed.Load() {
		return nil, tensor.Errf(tensor.CodeClosed, "manager.Share", "manager is closed")
	}
	ctx, span := m.tracer.Start(ctx, "tensoroptim.Share")
	defer span.End()

	pool, err := m.pool(m.opts.Backend, m.selectNode())
	if err != nil {
		return nil, err
	}
	st, err := pool.Share(buf)
	if err != nil {
		return nil, err
	}
	m.sharesTotal.Add(ctx, 1)
	m.bytesShared.Add(ctx, st.Descriptor().StoredSize)
	return st, nil
}

// ShareAsync queues the share on the worker pool and returns a
// single-delivery channel. When the pool rejects the task the share
// runs inline instead.
func (m *Manager) ShareAsync(ctx context.Context, buf api.Buffer) <-chan ShareResult {
	ch := make(chan ShareResult, 1)
	submit := m.workers.Submit(func() {
		st, err := m.Share(ctx, buf)
		ch <- ShareResult{Tensor: st, Err: err}
	})
	if submit != nil {
		st, err := m.Share(ctx, buf)
		ch <- ShareResult{Tensor: st, Err: err}
	}
	return ch
}

// Get resolves id to a handle without materializing it; a decode is
// kicked off in the background so the common follow-up Materialize
// finds the buffer warm.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*SharedTensor, error) {
	if m.closed.Load() {
		return nil, tensor.Errf(tensor.CodeClosed, "manager.Get", "manager is closed")
	}
	ctx, span := m.tracer.Start(ctx, "tensoroptim.Get")
	defer span.End()

	ref, ok := m.registry.Get(id)
	if !ok {
		return nil, tensor.Errf(tensor.CodeNotFound, "manager.Get", "tensor %s not found", id).WithID(id)
	}
	if st := ref.State(); st.Terminal() {
		return nil, tensor.Errf(tensor.CodeNotFound, "manager.Get", "tensor %s is %s", id, st).WithID(id)
	}
	m.getsTotal.Add(ctx, 1)
	_ = m.workers.Submit(ref.prefetch)
	return newSharedTensor(ref, 0), nil
}

// GetByCriteria returns handles for every live tensor matching c.
func (m *Manager) GetByCriteria(ctx context.Context, c Criteria) ([]*SharedTensor, error) {
	if m.closed.Load() {
		return nil, tensor.Errf(tensor.CodeClosed, "manager.GetByCriteria", "manager is closed")
	}
	_, span := m.tracer.Start(ctx, "tensoroptim.GetByCriteria")
	defer span.End()

	refs := m.registry.FindByCriteria(c)
	out := make([]*SharedTensor, 0, len(refs))
	for _, ref := range refs {
		out = append(out, newSharedTensor(ref, 0))
	}
	return out, nil
}

// Detach unregisters id and releases its storage slot. Outstanding
// handles observe the detached state on their next operation.
func (m *Manager) Detach(ctx context.Context, id uuid.UUID) error {
	if m.closed.Load() {
		return tensor.Errf(tensor.CodeClosed, "manager.Detach", "manager is closed")
	}
	_, span := m.tracer.Start(ctx, "tensoroptim.Detach")
	defer span.End()

	ref, ok := m.registry.Remove(id)
	if !ok {
		return tensor.Errf(tensor.CodeNotFound, "manager.Detach", "tensor %s not found", id).WithID(id)
	}
	ref.detach()
	return nil
}

// CleanupExpired sweeps the registry immediately.
func (m *Manager) CleanupExpired() int {
	return m.registry.CleanupExpired()
}

// OptimizeNow runs a maintenance pass over every pool and returns the
// bytes reclaimed.
func (m *Manager) OptimizeNow() int64 {
	var reclaimed int64
	for item := range m.pools.IterBuffered() {
		reclaimed += item.Val.Maintain()
	}
	return reclaimed
}

// Stats snapshots the registry and all pools.
func (m *Manager) Stats() ManagerStats {
	st := ManagerStats{
		Registry: m.registry.Stats(),
		Workers:  m.workers.Running(),
		NUMANode: m.nodes,
	}
	for item := range m.pools.IterBuffered() {
		st.Pools = append(st.Pools, item.Val.Stats())
	}
	return st
}

// selectNode places the next tensor: node 0 while its pool has
// headroom, round-robin across all nodes once it is hot.
func (m *Manager) selectNode() int {
	if !m.opts.NUMAAware || m.nodes <= 1 {
		return 0
	}
	key := poolKey(m.opts.Backend, 0)
	if p, ok := m.pools.Get(key); !ok || p.Utilization() < m.opts.HighWater {
		return 0
	}
	return int(m.rr.Add(1) % uint64(m.nodes))
}

// pool returns the (backend, node) pool, creating it on first use.
func (m *Manager) pool(backend segment.Backend, node int) (*Pool, error) {
	key := poolKey(backend, node)
	if p, ok := m.pools.Get(key); ok {
		return p, nil
	}

	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	if p, ok := m.pools.Get(key); ok {
		return p, nil
	}
	p, err := NewPool(PoolConfig{
		Backend:     backend,
		Name:        fmt.Sprintf("tensoroptim_%s_%d", backend, node),
		NUMANode:    node,
		SegmentSize: m.opts.MaxMemory,
		ObjectSize:  m.opts.ObjectSize,
		SlabSize:    m.opts.SlabSize,
		Compression: m.opts.Compression,
		Adaptive:    m.opts.Adaptive,
	}, m.codec, m.registry)
	if err != nil {
		return nil, err
	}
	m.pools.Set(key, p)
	return p, nil
}

func alignUp(n, a int64) int64 {
	if rem := n % a; rem != 0 {
		n += a - rem
	}
	return n
}

func poolKey(backend segment.Backend, node int) string {
	return fmt.Sprintf("%s/%d", backend, node)
}

func (m *Manager) maintainLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.MaintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if reclaimed := m.OptimizeNow(); reclaimed > 0 {
				maintLogger.debugf("maintenance reclaimed %d bytes across %d pools", reclaimed, m.pools.Count())
			}
		}
	}
}

// teardown releases partially constructed resources from New.
func (m *Manager) teardown() {
	m.registry.Close()
	m.workers.Release()
	m.codec.Close()
}

// Close detaches every tensor and releases all pools. It is idempotent
// and safe to call with handles still outstanding.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stop)
	m.wg.Wait()
	m.workers.Release()

	// Registry close detaches every reference, returning slot bookkeeping
	// to the allocators before their segments go away.
	m.registry.Close()

	var g errgroup.Group
	for item := range m.pools.IterBuffered() {
		pool := item.Val
		g.Go(pool.Close)
	}
	err := g.Wait()
	m.pools.Clear()
	m.codec.Close()
	return err
}
