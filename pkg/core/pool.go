package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/pkg/segment"
	"github.com/tensoroptim/tensoroptim/pkg/slab"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

// adaptiveRatioCutoff is the estimated compressed/raw ratio below which
// adaptive pools bother compressing. Data that barely shrinks is stored
// raw so materialize stays a plain copy.
const adaptiveRatioCutoff = 0.8

// PoolConfig describes one pool: a single segment on one backend and
// NUMA node, carved by a slab allocator of one object size class.
type PoolConfig struct {
	Backend     segment.Backend
	Name        string
	NUMANode    int
	SegmentSize int64
	ObjectSize  int64
	SlabSize    int64

	// Compression is the fixed codec policy. Ignored when Adaptive is
	// set, in which case the pool picks LZ4 or raw per tensor from the
	// codec's ratio estimate.
	Compression tensor.Compression
	Adaptive    bool
}

// PoolStats snapshots one pool's counters.
type PoolStats struct {
	Backend    string
	NUMANode   int
	Shares     uint64
	Failures   uint64
	Allocator  api.AllocatorStats
	SegmentLen int64
	PageFaults uint64
}

// Pool owns a segment and allocator pair and turns tensor buffers into
// registered references. Pools are cheap; the manager keeps one per
// (backend, NUMA node) it has placed a tensor on.
type Pool struct {
	cfg      PoolConfig
	seg      api.Segment
	alloc    api.Allocator
	codec    api.Codec
	registry *Registry

	shares   atomic.Uint64
	failures atomic.Uint64
	closed   atomic.Bool
}

// NewPool creates the backing segment and its allocator. The codec and
// registry are shared across pools.
func NewPool(cfg PoolConfig, c api.Codec, reg *Registry) (*Pool, error) {
	seg, err := segment.New(segment.Config{
		Backend:  cfg.Backend,
		Name:     cfg.Name,
		Size:     cfg.SegmentSize,
		NUMANode: cfg.NUMANode,
		Create:   true,
	})
	if err != nil {
		return nil, err
	}
	alloc, err := slab.New(seg, cfg.ObjectSize, cfg.SlabSize)
	if err != nil {
		seg.Close()
		return nil, err
	}
	return &Pool{cfg: cfg, seg: seg, alloc: alloc, codec: c, registry: reg}, nil
}

// Key identifies the pool within the manager's pool map.
func (p *Pool) Key() string {
	return fmt.Sprintf("%s/%d", p.cfg.Backend, p.cfg.NUMANode)
}

// Share encodes buf into pool storage and returns a handle that starts
// out materialized. The descriptor records the exact stored byte count
// and a checksum over those stored bytes.
func (p *Pool) Share(buf api.Buffer) (*SharedTensor, error) {
	if p.closed.Load() {
		return nil, tensor.Errf(tensor.CodeClosed, "pool.Share", "pool %s is closed", p.Key())
	}

	desc, err := tensor.NewDescriptor(buf.Shape(), buf.DType(), "cpu", tensor.DefaultAlignment)
	if err != nil {
		p.failures.Add(1)
		return nil, err
	}
	desc = desc.WithNUMANode(p.cfg.NUMANode)

	compression := p.cfg.Compression
	if p.cfg.Adaptive {
		if p.codec.EstimateRatio(buf) < adaptiveRatioCutoff {
			compression = tensor.CompressionLZ4
		} else {
			compression = tensor.CompressionNone
		}
	}

	encoded, err := p.codec.Encode(buf, compression)
	if err != nil {
		p.failures.Add(1)
		return nil, err
	}
	// The LZ4 frame of incompressible data can outgrow the raw slot, so
	// fall back to storing it uncompressed.
	if int64(len(encoded)) > desc.AlignedByteSize() && compression != tensor.CompressionNone {
		compression = tensor.CompressionNone
		if encoded, err = p.codec.Encode(buf, compression); err != nil {
			p.failures.Add(1)
			return nil, err
		}
	}

	if desc.AlignedByteSize() > p.cfg.ObjectSize {
		p.failures.Add(1)
		return nil, tensor.Errf(tensor.CodeAllocationFailure, "pool.Share",
			"tensor needs %d bytes, pool object size is %d", desc.AlignedByteSize(), p.cfg.ObjectSize).WithID(desc.ID)
	}

	offset, seg, err := p.allocateWithRetry(desc.AlignedByteSize(), desc.Alignment)
	if err != nil {
		p.failures.Add(1)
		if tensor.IsCode(err, tensor.CodeAllocationFailure) {
			// Reclaim and expiry could not free a slot: the pool's
			// capacity ceiling, not transient pressure.
			return nil, tensor.Wrap(tensor.CodePoolExhausted, "pool.Share", err).WithID(desc.ID)
		}
		return nil, err
	}

	desc = desc.WithStorage(p.codec.Checksum(encoded), compression, int64(len(encoded)))
	if err := seg.Write(offset, encoded); err != nil {
		_ = p.alloc.Deallocate(offset)
		p.failures.Add(1)
		return nil, err
	}

	ref := newReference(desc, seg, offset, p.codec)
	// The sharing caller already holds the buffer, so the reference is
	// born active with one holder and skips the first decode.
	ref.cached = buf
	ref.holders = 1
	ref.state = StateActive
	ref.reclaim = func() { _ = p.alloc.Deallocate(offset) }

	if err := p.registry.Register(ref); err != nil {
		ref.detach()
		p.failures.Add(1)
		return nil, err
	}
	p.shares.Add(1)
	return newSharedTensor(ref, 1), nil
}

// allocateWithRetry backs off on capacity failures, expiring idle
// references and reclaiming empty slabs between attempts so the retry
// has something to win.
func (p *Pool) allocateWithRetry(size int64, alignment int) (int64, api.Segment, error) {
	var (
		offset int64
		seg    api.Segment
	)
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(50*time.Millisecond),
	), 3)
	err := backoff.Retry(func() error {
		var err error
		offset, seg, err = p.alloc.Allocate(size, alignment)
		if err == nil {
			return nil
		}
		if !tensor.IsCode(err, tensor.CodeAllocationFailure) {
			return backoff.Permanent(err)
		}
		p.registry.CleanupExpired()
		p.alloc.Reclaim()
		return err
	}, policy)
	if err != nil {
		return 0, nil, err
	}
	return offset, seg, nil
}

// Maintain reclaims empty slabs and flushes dirty pages asynchronously.
func (p *Pool) Maintain() int64 {
	if p.closed.Load() {
		return 0
	}
	reclaimed := p.alloc.Reclaim()
	_ = p.seg.Sync(api.SyncAsync)
	return reclaimed
}

// Utilization reports the allocator's live-object fraction.
func (p *Pool) Utilization() float64 {
	return p.alloc.Utilization()
}

// Stats snapshots the pool.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Backend:    p.cfg.Backend.String(),
		NUMANode:   p.cfg.NUMANode,
		Shares:     p.shares.Load(),
		Failures:   p.failures.Load(),
		Allocator:  p.alloc.Stats(),
		SegmentLen: p.seg.Size(),
		PageFaults: p.seg.PageFaults(),
	}
}

// Close releases the backing segment. References still pointing into
// it must be detached first; the manager's Close does both in order.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.seg.Close()
}
