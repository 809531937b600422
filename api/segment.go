// Package api defines the public contracts of the tensor engine: the
// memory segment, allocator, codec, and host-buffer boundaries. The
// implementations form a closed set; no plugin registration exists.
package api

// AdviseMode is a kernel access-pattern hint for a segment range.
type AdviseMode int

const (
	AdviseSequential AdviseMode = iota
	AdviseRandom
	AdviseWillNeed
	AdviseDontNeed
)

// SyncMode selects blocking behavior when flushing a segment to its
// backing object.
type SyncMode int

const (
	// SyncAsync schedules the flush and returns immediately.
	SyncAsync SyncMode = iota
	// SyncWait blocks until the flush completes.
	SyncWait
)

// Segment is a contiguous byte region backed by an OS sharing
// facility, addressable by offset. All bounds violations fail with an
// out-of-bounds error, never a silent truncation. Close is idempotent.
//
// Segments do not lock: concurrent reads and writes at disjoint offsets
// are safe to the extent the OS facility guarantees; access to one
// tensor's bytes is serialized by its reference.
type Segment interface {
	// Read returns a view borrowed from the segment. The view is only
	// valid until the segment is closed and must not be written to.
	Read(offset, size int64) ([]byte, error)
	Write(offset int64, p []byte) error
	Prefetch(offset, size int64) error
	Advise(mode AdviseMode, offset, size int64) error
	Sync(mode SyncMode) error
	Close() error

	Name() string
	Size() int64
	NUMANode() int
	PageFaults() uint64
}
