package core

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

// Reference binds a descriptor to its physical storage location and
// owns the lifecycle state machine. Each reference has its own mutex,
// so operations on independent tensors never block each other, and a
// persist that completes before a materialize begins is guaranteed
// visible: encode, checksum, and write all happen inside the critical
// section before the replaced descriptor is published.
//
// A reference holds at most one cached materialized buffer. The cache
// is holder-counted at the handle layer: when the last SharedTensor
// holding the buffer releases it, an ACTIVE reference drops to CACHED
// and the next materialize re-decodes from storage.
type Reference struct {
	mu     sync.Mutex
	desc   tensor.Descriptor
	seg    api.Segment
	offset int64
	codec  api.Codec
	state  State

	cached  api.Buffer
	holders int

	// reclaim returns the storage slot to its allocator; it runs at
	// most once, during detach.
	reclaim func()

	accessCount uint64
	lastAccess  time.Time
}

func newReference(desc tensor.Descriptor, seg api.Segment, offset int64, c api.Codec) *Reference {
	return &Reference{
		desc:       desc,
		seg:        seg,
		offset:     offset,
		codec:      c,
		state:      StateAllocated,
		lastAccess: time.Now(),
	}
}

// ID returns the bound tensor id.
func (r *Reference) ID() uuid.UUID {
	return r.desc.ID
}

// Descriptor returns the current descriptor value.
func (r *Reference) Descriptor() tensor.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desc
}

// State returns the current lifecycle state.
func (r *Reference) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AccessCount returns how many times the reference was materialized
// or persisted.
func (r *Reference) AccessCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accessCount
}

// LastAccess returns the time of the most recent access.
func (r *Reference) LastAccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccess
}

func (r *Reference) touchLocked() {
	r.accessCount++
	r.lastAccess = time.Now()
}

// materialize returns the decoded buffer, re-reading and validating
// the stored bytes unless a live decoded copy exists. Every returned
// buffer adds one holder; the caller must balance it with a release.
func (r *Reference) materialize() (api.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked()

	if r.cached != nil {
		r.state = StateActive
		r.holders++
		return r.cached, nil
	}

	switch r.state {
	case StateDetaching, StateDetached:
		return nil, tensor.Errf(tensor.CodeInvalidState, "core.Materialize",
			"reference is detached").WithID(r.desc.ID)
	case StateCorrupted:
		return nil, tensor.Errf(tensor.CodeCorruption, "core.Materialize",
			"reference was marked corrupted").WithID(r.desc.ID)
	case StateExpired:
		return nil, tensor.Errf(tensor.CodeInvalidState, "core.Materialize",
			"reference has expired").WithID(r.desc.ID)
	}

	prev := r.state
	r.state = StateMaterializing

	// Access-pattern hints never gate correctness.
	_ = r.seg.Advise(api.AdviseWillNeed, r.offset, r.desc.AlignedByteSize())

	data, err := r.seg.Read(r.offset, r.desc.StoredSize)
	if err != nil {
		r.state = prev
		return nil, err
	}
	if r.codec.Checksum(data) != r.desc.Checksum {
		r.state = StateCorrupted
		return nil, tensor.Errf(tensor.CodeCorruption, "core.Materialize",
			"stored bytes fail checksum validation").WithID(r.desc.ID)
	}
	buf, err := r.codec.Decode(data, r.desc)
	if err != nil {
		if tensor.IsCode(err, tensor.CodeCorruption) {
			r.state = StateCorrupted
		} else {
			r.state = prev
		}
		return nil, err
	}
	r.cached = buf
	r.holders++
	r.state = StateActive
	return buf, nil
}

// persist encodes buf into the bound storage slot, replacing the
// descriptor with the fresh checksum and stored size.
func (r *Reference) persist(buf api.Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateDetaching, StateDetached:
		return tensor.Errf(tensor.CodeInvalidState, "core.Persist",
			"cannot persist to a detached reference").WithID(r.desc.ID)
	case StateCorrupted:
		return tensor.Errf(tensor.CodeCorruption, "core.Persist",
			"reference was marked corrupted").WithID(r.desc.ID)
	case StateExpired:
		return tensor.Errf(tensor.CodeInvalidState, "core.Persist",
			"reference has expired").WithID(r.desc.ID)
	}

	prev := r.state
	r.state = StatePersisting

	encoded, err := r.codec.Encode(buf, r.desc.Compression)
	if err != nil {
		r.state = prev
		return err
	}
	if int64(len(encoded)) > r.desc.AlignedByteSize() {
		r.state = prev
		return tensor.Errf(tensor.CodeOutOfBounds, "core.Persist",
			"encoded %d bytes exceed allocated %d", len(encoded), r.desc.AlignedByteSize()).WithID(r.desc.ID)
	}
	sum := r.codec.Checksum(encoded)
	if err := r.seg.Write(r.offset, encoded); err != nil {
		r.state = prev
		return err
	}
	r.desc = r.desc.WithStorage(sum, r.desc.Compression, int64(len(encoded)))
	r.cached = buf
	if r.holders == 0 {
		r.holders = 1
	}
	r.state = StateActive
	r.touchLocked()
	return nil
}

// detach releases the reference. Safe to call repeatedly; only the
// first call has an effect. The storage-reclaim hook runs once and the
// kernel is advised the bytes are no longer needed, best-effort.
func (r *Reference) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDetached {
		return
	}
	r.state = StateDetaching
	r.cached = nil
	r.holders = 0
	if hook := r.reclaim; hook != nil {
		r.reclaim = nil
		hook()
	}
	_ = r.seg.Advise(api.AdviseDontNeed, r.offset, r.desc.AlignedByteSize())
	r.state = StateDetached
}

// releaseHolder drops one external holder of the cached buffer. When
// the last holder goes, an ACTIVE reference transitions to CACHED:
// still valid on storage, no live decoded copy.
func (r *Reference) releaseHolder() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holders == 0 {
		return
	}
	r.holders--
	if r.holders == 0 && r.state == StateActive {
		r.cached = nil
		r.state = StateCached
	}
}

// expire marks the reference expired during registry cleanup and
// returns its storage slot, like detach for a reference nobody asked
// to keep.
func (r *Reference) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.cached = nil
	r.holders = 0
	if hook := r.reclaim; hook != nil {
		r.reclaim = nil
		hook()
	}
	_ = r.seg.Advise(api.AdviseDontNeed, r.offset, r.desc.AlignedByteSize())
	r.state = StateExpired
}

// touch refreshes the access statistics on a registry hit.
func (r *Reference) touch() {
	r.mu.Lock()
	r.touchLocked()
	r.mu.Unlock()
}

// prefetch hints that the stored bytes will be needed soon.
func (r *Reference) prefetch() {
	r.mu.Lock()
	offset, size := r.offset, r.desc.AlignedByteSize()
	seg := r.seg
	r.mu.Unlock()
	_ = seg.Prefetch(offset, size)
}
