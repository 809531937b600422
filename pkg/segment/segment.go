// Package segment implements the memory-segment abstraction over OS
// sharing facilities: hugepage-backed anonymous mappings, named POSIX
// shared-memory objects, System V segments, NUMA-bound mappings, and a
// process-local aligned buffer used as the portable fallback.
package segment

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

// Backend selects the OS facility backing a segment.
type Backend int

const (
	// MmapPrivate is a process-local aligned buffer. Private,
	// alignment-guaranteed, available on every platform.
	MmapPrivate Backend = iota + 1
	// MmapShared is a file-backed shared mapping under the temp dir.
	MmapShared
	// PosixShm is a named object on the POSIX shared-memory mount,
	// reattachable by name from other processes.
	PosixShm
	// SysvShm is a System V shared-memory segment keyed by name hash.
	SysvShm
	// CudaIPC is an unimplemented placeholder.
	CudaIPC
	// Hugepages is an anonymous mapping on explicit huge pages.
	Hugepages
	// NumaAware is an anonymous shared mapping bound to a NUMA node
	// after creation; the bind is best-effort.
	NumaAware
)

func (b Backend) String() string {
	switch b {
	case MmapPrivate:
		return "mmap_private"
	case MmapShared:
		return "mmap_shared"
	case PosixShm:
		return "posix_shm"
	case SysvShm:
		return "sysv_shm"
	case CudaIPC:
		return "cuda_ipc"
	case Hugepages:
		return "hugepages"
	case NumaAware:
		return "numa_aware"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// Config describes a segment to create or attach.
type Config struct {
	Backend Backend
	// Name identifies the backing object for name-addressable
	// backends. Derived from the pid when empty.
	Name string
	Size int64
	// NUMANode requests page placement for NumaAware segments; -1
	// leaves placement to the kernel.
	NUMANode int
	// HugepageSize overrides the probed default hugepage size.
	HugepageSize int
	// Create makes the backing object; false attaches to an existing
	// one by name.
	Create bool
}

// New creates a segment for the configured backend. It fails with a
// backend error when the facility's prerequisite is unavailable on
// this host.
func New(cfg Config) (api.Segment, error) {
	if cfg.Size <= 0 {
		return nil, tensor.Errf(tensor.CodeInvalidState, "segment.New", "non-positive size %d", cfg.Size)
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("tensoroptim_%d_%s", os.Getpid(), cfg.Backend)
	}
	switch cfg.Backend {
	case CudaIPC:
		return nil, tensor.Errf(tensor.CodeNotImplemented, "segment.New", "cuda_ipc backend is a placeholder")
	case MmapPrivate:
		return newHeapSegment(cfg), nil
	case MmapShared, PosixShm, SysvShm, Hugepages, NumaAware:
		return newOSSegment(cfg)
	default:
		return nil, tensor.Errf(tensor.CodeBackend, "segment.New", "unknown backend %v", cfg.Backend)
	}
}

func checkBounds(op string, size, offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > size {
		return tensor.Errf(tensor.CodeOutOfBounds, op,
			"range [%d, %d) outside segment of %d bytes", offset, offset+length, size)
	}
	return nil
}

// heapSegment is the in-process fallback: a private buffer sliced at
// a page-aligned boundary. Kernel hints are no-ops.
type heapSegment struct {
	name     string
	raw      []byte // keeps the unaligned allocation reachable
	data     []byte
	numaNode int
	closed   atomic.Bool
}

const heapAlignment = 4096

func newHeapSegment(cfg Config) *heapSegment {
	raw := make([]byte, cfg.Size+heapAlignment)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	off := (heapAlignment - int(addr%heapAlignment)) % heapAlignment
	return &heapSegment{
		name:     cfg.Name,
		raw:      raw,
		data:     raw[off : off+int(cfg.Size)],
		numaNode: cfg.NUMANode,
	}
}

func (s *heapSegment) Read(offset, size int64) ([]byte, error) {
	if s.closed.Load() {
		return nil, tensor.Errf(tensor.CodeClosed, "segment.Read", "segment %s closed", s.name)
	}
	if err := checkBounds("segment.Read", int64(len(s.data)), offset, size); err != nil {
		return nil, err
	}
	return s.data[offset : offset+size : offset+size], nil
}

func (s *heapSegment) Write(offset int64, p []byte) error {
	if s.closed.Load() {
		return tensor.Errf(tensor.CodeClosed, "segment.Write", "segment %s closed", s.name)
	}
	if err := checkBounds("segment.Write", int64(len(s.data)), offset, int64(len(p))); err != nil {
		return err
	}
	copy(s.data[offset:], p)
	return nil
}

func (s *heapSegment) Prefetch(offset, size int64) error {
	if s.closed.Load() {
		return tensor.Errf(tensor.CodeClosed, "segment.Prefetch", "segment %s closed", s.name)
	}
	return checkBounds("segment.Prefetch", int64(len(s.data)), offset, size)
}

func (s *heapSegment) Advise(_ api.AdviseMode, offset, size int64) error {
	if s.closed.Load() {
		return tensor.Errf(tensor.CodeClosed, "segment.Advise", "segment %s closed", s.name)
	}
	return checkBounds("segment.Advise", int64(len(s.data)), offset, size)
}

func (s *heapSegment) Sync(api.SyncMode) error { return nil }

func (s *heapSegment) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *heapSegment) Name() string       { return s.name }
func (s *heapSegment) Size() int64        { return int64(len(s.data)) }
func (s *heapSegment) NUMANode() int      { return s.numaNode }
func (s *heapSegment) PageFaults() uint64 { return 0 }
