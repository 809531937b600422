//go:build linux

package segment

import (
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/internal/sysinfo"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

// MPOL_BIND from linux/mempolicy.h; x/sys/unix exposes the syscall
// number but not the policy constants.
const mpolBind = 2

type mmapSegment struct {
	name       string
	backend    Backend
	data       []byte
	numaNode   int
	fd         int    // -1 for anonymous and SysV mappings
	path       string // backing file, removed on close when owned
	removePath bool
	sysvID     int
	fileBacked bool
	baseFaults uint64

	mu     sync.Mutex
	closed atomic.Bool
}

func newOSSegment(cfg Config) (api.Segment, error) {
	caps := sysinfo.Detect()
	s := &mmapSegment{
		name:     cfg.Name,
		backend:  cfg.Backend,
		numaNode: cfg.NUMANode,
		fd:       -1,
		sysvID:   -1,
	}

	switch cfg.Backend {
	case Hugepages:
		hp := cfg.HugepageSize
		if hp == 0 {
			hp = sysinfo.DefaultHugepageSize()
		}
		if hp == 0 {
			return nil, tensor.Errf(tensor.CodeBackend, "segment.New", "host has no hugepage support")
		}
		size := (cfg.Size + int64(hp) - 1) / int64(hp) * int64(hp)
		flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_HUGETLB
		flags |= bits.TrailingZeros(uint(hp)) << unix.MAP_HUGE_SHIFT
		data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
		if err != nil {
			return nil, tensor.Wrap(tensor.CodeBackend, "segment.New", err)
		}
		s.data = data

	case PosixShm:
		if !caps.ShmAvailable {
			return nil, tensor.Errf(tensor.CodeBackend, "segment.New", "%s not mounted", sysinfo.ShmMountPoint)
		}
		path := filepath.Join(sysinfo.ShmMountPoint, cfg.Name)
		if cfg.Create && !sysinfo.CanCreateOnShm(uint64(cfg.Size), path) {
			return nil, tensor.Errf(tensor.CodeAllocationFailure, "segment.New",
				"insufficient space on %s for %d bytes", sysinfo.ShmMountPoint, cfg.Size)
		}
		if err := s.mapFile(path, cfg.Size, cfg.Create); err != nil {
			return nil, err
		}

	case MmapShared:
		path := filepath.Join(os.TempDir(), cfg.Name+".map")
		if err := s.mapFile(path, cfg.Size, cfg.Create); err != nil {
			return nil, err
		}

	case NumaAware:
		data, err := unix.Mmap(-1, 0, int(cfg.Size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, tensor.Wrap(tensor.CodeBackend, "segment.New", err)
		}
		// Binding happens after creation and is best-effort: a host
		// without the node still gets a usable segment.
		_ = bindToNode(data, cfg.NUMANode)
		s.data = data

	case SysvShm:
		key := int(int32(xxhash.Sum64String(cfg.Name)))
		flag := 0o600
		if cfg.Create {
			flag |= unix.IPC_CREAT
		}
		id, err := unix.SysvShmGet(key, int(cfg.Size), flag)
		if err != nil {
			return nil, tensor.Wrap(tensor.CodeBackend, "segment.New", err)
		}
		data, err := unix.SysvShmAttach(id, 0, 0)
		if err != nil {
			return nil, tensor.Wrap(tensor.CodeBackend, "segment.New", err)
		}
		s.sysvID = id
		s.data = data
	}

	s.baseFaults = sysinfo.ProcessPageFaults()
	return s, nil
}

func (s *mmapSegment) mapFile(path string, size int64, create bool) error {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return tensor.Wrap(tensor.CodeBackend, "segment.New", err)
	}
	if create {
		if err := unix.Ftruncate(fd, size); err != nil {
			_ = unix.Close(fd)
			return tensor.Wrap(tensor.CodeBackend, "segment.New", err)
		}
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return tensor.Wrap(tensor.CodeBackend, "segment.New", err)
	}
	s.fd = fd
	s.path = path
	s.removePath = create
	s.fileBacked = true
	s.data = data
	return nil
}

func bindToNode(data []byte, node int) error {
	if node < 0 || len(data) == 0 {
		return nil
	}
	mask := uint64(1) << uint(node)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)),
		mpolBind, uintptr(unsafe.Pointer(&mask)), 64, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *mmapSegment) Read(offset, size int64) ([]byte, error) {
	if s.closed.Load() {
		return nil, tensor.Errf(tensor.CodeClosed, "segment.Read", "segment %s closed", s.name)
	}
	if err := checkBounds("segment.Read", int64(len(s.data)), offset, size); err != nil {
		return nil, err
	}
	return s.data[offset : offset+size : offset+size], nil
}

func (s *mmapSegment) Write(offset int64, p []byte) error {
	if s.closed.Load() {
		return tensor.Errf(tensor.CodeClosed, "segment.Write", "segment %s closed", s.name)
	}
	if err := checkBounds("segment.Write", int64(len(s.data)), offset, int64(len(p))); err != nil {
		return err
	}
	copy(s.data[offset:], p)
	return nil
}

func (s *mmapSegment) Prefetch(offset, size int64) error {
	return s.Advise(api.AdviseWillNeed, offset, size)
}

func (s *mmapSegment) Advise(mode api.AdviseMode, offset, size int64) error {
	if s.closed.Load() {
		return tensor.Errf(tensor.CodeClosed, "segment.Advise", "segment %s closed", s.name)
	}
	if err := checkBounds("segment.Advise", int64(len(s.data)), offset, size); err != nil {
		return err
	}
	var advice int
	switch mode {
	case api.AdviseSequential:
		advice = unix.MADV_SEQUENTIAL
	case api.AdviseRandom:
		advice = unix.MADV_RANDOM
	case api.AdviseWillNeed:
		advice = unix.MADV_WILLNEED
	case api.AdviseDontNeed:
		advice = unix.MADV_DONTNEED
	default:
		return nil
	}
	// madvise wants a page-aligned start; widen the window to the
	// containing pages.
	page := int64(os.Getpagesize())
	start := offset - offset%page
	end := offset + size
	if rem := end % page; rem != 0 {
		end += page - rem
	}
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	if err := unix.Madvise(s.data[start:end], advice); err != nil {
		return tensor.Wrap(tensor.CodeBackend, "segment.Advise", err)
	}
	return nil
}

func (s *mmapSegment) Sync(mode api.SyncMode) error {
	if s.closed.Load() {
		return tensor.Errf(tensor.CodeClosed, "segment.Sync", "segment %s closed", s.name)
	}
	if !s.fileBacked {
		return nil
	}
	flags := unix.MS_ASYNC
	if mode == api.SyncWait {
		flags = unix.MS_SYNC
	}
	if err := unix.Msync(s.data, flags); err != nil {
		return tensor.Wrap(tensor.CodeBackend, "segment.Sync", err)
	}
	return nil
}

func (s *mmapSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil
	}
	s.closed.Store(true)

	var first error
	if s.sysvID >= 0 {
		if err := unix.SysvShmDetach(s.data); err != nil && first == nil {
			first = err
		}
		if _, err := unix.SysvShmCtl(s.sysvID, unix.IPC_RMID, nil); err != nil && first == nil {
			first = err
		}
	} else if s.data != nil {
		if err := unix.Munmap(s.data); err != nil && first == nil {
			first = err
		}
	}
	s.data = nil
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil && first == nil {
			first = err
		}
		s.fd = -1
	}
	if s.removePath && s.path != "" {
		if err := os.Remove(s.path); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return tensor.Wrap(tensor.CodeBackend, "segment.Close", first)
	}
	return nil
}

func (s *mmapSegment) Name() string  { return s.name }
func (s *mmapSegment) Size() int64   { return int64(len(s.data)) }
func (s *mmapSegment) NUMANode() int { return s.numaNode }

func (s *mmapSegment) PageFaults() uint64 {
	now := sysinfo.ProcessPageFaults()
	if now < s.baseFaults {
		return 0
	}
	return now - s.baseFaults
}
