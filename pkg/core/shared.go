package core

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tensoroptim/tensoroptim/api"
	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

// SharedTensor is the caller-facing handle to a registered tensor.
// Handles are non-owning: the registry entry owns the reference, and
// any number of handles may point at it concurrently.
//
// Each Materialize adds one holder to the reference's cached buffer;
// Release drops every holder this handle accumulated. Callers release
// a handle when done with the decoded data so the cache can collapse
// to its stored form.
type SharedTensor struct {
	ref *Reference

	mu   sync.Mutex
	held int
}

// ID returns the tensor id.
func (s *SharedTensor) ID() uuid.UUID { return s.ref.ID() }

// Descriptor returns the current descriptor value.
func (s *SharedTensor) Descriptor() tensor.Descriptor { return s.ref.Descriptor() }

// State returns the reference's lifecycle state.
func (s *SharedTensor) State() State { return s.ref.State() }

// Materialize decodes the stored bytes (or returns the live cached
// copy) after checksum validation.
func (s *SharedTensor) Materialize() (api.Buffer, error) {
	buf, err := s.ref.materialize()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.held++
	s.mu.Unlock()
	return buf, nil
}

// Persist writes buf into the tensor's storage slot, refreshing the
// checksum, and leaves the handle holding the new cached copy.
func (s *SharedTensor) Persist(buf api.Buffer) error {
	if err := s.ref.persist(buf); err != nil {
		return err
	}
	s.mu.Lock()
	if s.held == 0 {
		s.held = 1
	}
	s.mu.Unlock()
	return nil
}

// Release drops every cached-buffer holder this handle accumulated.
// Safe to call repeatedly.
func (s *SharedTensor) Release() {
	s.mu.Lock()
	held := s.held
	s.held = 0
	s.mu.Unlock()
	for ; held > 0; held-- {
		s.ref.releaseHolder()
	}
}

// newSharedTensor wraps ref holding `held` cache holders already
// accounted on the reference.
func newSharedTensor(ref *Reference, held int) *SharedTensor {
	return &SharedTensor{ref: ref, held: held}
}
