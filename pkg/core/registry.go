package core

import (
	"sync"
	"sync/atomic"
	"time"

	wq "github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"

	"github.com/tensoroptim/tensoroptim/pkg/tensor"
)

const (
	defaultCleanupThreshold = 10000
	defaultCleanupInterval  = 5 * time.Minute
	defaultMaxAge           = 2 * time.Hour
)

// expiryItem orders references by the time they become eligible for
// cleanup inspection. Oldest first.
type expiryItem struct {
	at time.Time
	id uuid.UUID
}

func (e expiryItem) Compare(other wq.Item) int {
	o := other.(expiryItem)
	switch {
	case e.at.Before(o.at):
		return -1
	case e.at.After(o.at):
		return 1
	default:
		return 0
	}
}

// Criteria selects references by structural properties. Zero-valued
// fields match anything.
type Criteria struct {
	Shape  []int
	DType  tensor.DType
	Device string
}

// RegistryConfig tunes lookup and expiry behavior.
type RegistryConfig struct {
	// CleanupThreshold triggers an inline sweep when the expiry queue
	// grows past this many entries.
	CleanupThreshold int
	// CleanupInterval is the period of the background sweep.
	CleanupInterval time.Duration
	// MaxAge is how long an idle, non-active reference survives.
	MaxAge time.Duration
}

// RegistryStats is a point-in-time snapshot of registry contents.
type RegistryStats struct {
	Total       int
	Hits        uint64
	Misses      uint64
	HitRatio    float64
	PerState    map[string]int
	ActiveBytes int64
	CachedBytes int64
	TotalBytes  int64
	QueueLen    int
	CleanupRuns uint64
	LastCleanup time.Time
}

// Registry maps tensor IDs to live references and keeps secondary
// indices for criteria lookups. Expiry runs on a background goroutine
// and inline when the queue backs up.
type Registry struct {
	mu       sync.RWMutex
	refs     map[uuid.UUID]*Reference
	byShape  map[string]map[uuid.UUID]struct{}
	byDType  map[tensor.DType]map[uuid.UUID]struct{}
	byDevice map[string]map[uuid.UUID]struct{}
	queue    *wq.PriorityQueue

	threshold int
	maxAge    time.Duration

	hits        atomic.Uint64
	misses      atomic.Uint64
	cleanupRuns atomic.Uint64
	lastCleanup atomic.Int64
	sweepMu     sync.Mutex

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRegistry builds a registry and starts its cleanup goroutine.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.CleanupThreshold <= 0 {
		cfg.CleanupThreshold = defaultCleanupThreshold
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	r := &Registry{
		refs:      make(map[uuid.UUID]*Reference),
		byShape:   make(map[string]map[uuid.UUID]struct{}),
		byDType:   make(map[tensor.DType]map[uuid.UUID]struct{}),
		byDevice:  make(map[string]map[uuid.UUID]struct{}),
		queue:     wq.NewPriorityQueue(64, true),
		threshold: cfg.CleanupThreshold,
		maxAge:    cfg.MaxAge,
		stop:      make(chan struct{}),
	}
	r.lastCleanup.Store(time.Now().UnixNano())
	r.wg.Add(1)
	go r.cleanupLoop(cfg.CleanupInterval)
	return r
}

// Register indexes a reference. IDs are unique; registering the same
// ID twice is a caller bug.
func (r *Registry) Register(ref *Reference) error {
	id := ref.ID()
	desc := ref.Descriptor()

	r.mu.Lock()
	if _, ok := r.refs[id]; ok {
		r.mu.Unlock()
		return tensor.Errf(tensor.CodeConcurrency, "registry.register", "reference %s already registered", id)
	}
	r.refs[id] = ref
	addIndex(r.byShape, desc.ShapeKey(), id)
	addIndex(r.byDType, desc.DType, id)
	addIndex(r.byDevice, desc.Device, id)
	r.mu.Unlock()

	if err := r.queue.Put(expiryItem{at: time.Now(), id: id}); err != nil {
		return tensor.Wrap(tensor.CodeConcurrency, "registry.register", err)
	}
	if r.queue.Len() > r.threshold {
		r.Cleanup(r.maxAge)
	}
	return nil
}

// Get returns the reference for id and refreshes its access time.
func (r *Registry) Get(id uuid.UUID) (*Reference, bool) {
	r.mu.RLock()
	ref, ok := r.refs[id]
	r.mu.RUnlock()
	if !ok {
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	ref.touch()
	return ref, true
}

// Remove drops id from the primary map and every secondary index in
// one step. The reference itself is untouched; detaching is up to the
// caller.
func (r *Registry) Remove(id uuid.UUID) (*Reference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[id]
	if !ok {
		return nil, false
	}
	r.removeLocked(id, ref)
	return ref, true
}

func (r *Registry) removeLocked(id uuid.UUID, ref *Reference) {
	desc := ref.Descriptor()
	delete(r.refs, id)
	dropIndex(r.byShape, desc.ShapeKey(), id)
	dropIndex(r.byDType, desc.DType, id)
	dropIndex(r.byDevice, desc.Device, id)
}

// FindByCriteria returns all non-terminal references matching every
// supplied criterion. Empty criteria match the whole registry.
func (r *Registry) FindByCriteria(c Criteria) []*Reference {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.candidateLocked(c)
	out := make([]*Reference, 0, len(candidates))
	for id := range candidates {
		ref := r.refs[id]
		if ref.State().Terminal() {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// candidateLocked intersects the secondary indices named by c, or
// falls back to the full primary map.
func (r *Registry) candidateLocked(c Criteria) map[uuid.UUID]struct{} {
	var sets []map[uuid.UUID]struct{}
	if len(c.Shape) > 0 {
		sets = append(sets, r.byShape[tensor.ShapeKey(c.Shape)])
	}
	if c.DType != 0 {
		sets = append(sets, r.byDType[c.DType])
	}
	if c.Device != "" {
		sets = append(sets, r.byDevice[c.Device])
	}
	if len(sets) == 0 {
		all := make(map[uuid.UUID]struct{}, len(r.refs))
		for id := range r.refs {
			all[id] = struct{}{}
		}
		return all
	}
	smallest := sets[0]
	for _, s := range sets[1:] {
		if len(s) < len(smallest) {
			smallest = s
		}
	}
	out := make(map[uuid.UUID]struct{}, len(smallest))
next:
	for id := range smallest {
		for _, s := range sets {
			if _, ok := s[id]; !ok {
				continue next
			}
		}
		out[id] = struct{}{}
	}
	return out
}

// Cleanup expires references idle longer than maxAge, skipping any
// reference currently active. Returns the number expired.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	// One sweep at a time; Peek and Get are not atomic together.
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-maxAge)
	expired := 0

	for {
		head, ok := r.queue.Peek().(expiryItem)
		if !ok || !head.at.Before(cutoff) {
			break
		}
		items, err := r.queue.Get(1)
		if err != nil || len(items) == 0 {
			break
		}
		item := items[0].(expiryItem)

		r.mu.Lock()
		ref, ok := r.refs[item.id]
		if !ok {
			// removed through Remove; nothing to requeue
			r.mu.Unlock()
			continue
		}
		last := ref.LastAccess()
		if last.Before(cutoff) && ref.State() != StateActive {
			r.removeLocked(item.id, ref)
			r.mu.Unlock()
			ref.expire()
			expired++
			continue
		}
		r.mu.Unlock()

		// Still in use or recently touched; revisit no earlier than
		// the cutoff so this sweep terminates.
		next := last
		if next.Before(cutoff) {
			next = now
		}
		_ = r.queue.Put(expiryItem{at: next, id: item.id})
	}

	r.cleanupRuns.Add(1)
	r.lastCleanup.Store(now.UnixNano())
	return expired
}

func (r *Registry) cleanupLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if n := r.Cleanup(r.maxAge); n > 0 {
				maintLogger.debugf("registry cleanup expired %d references", n)
			}
		}
	}
}

// CleanupExpired sweeps with the registry's configured max age.
func (r *Registry) CleanupExpired() int {
	return r.Cleanup(r.maxAge)
}

// LastCleanup reports when the most recent sweep finished.
func (r *Registry) LastCleanup() time.Time {
	return time.Unix(0, r.lastCleanup.Load())
}

// Len returns the number of registered references.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// Stats walks the registry once and aggregates counts and byte
// estimates per lifecycle state.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RegistryStats{
		Total:       len(r.refs),
		Hits:        r.hits.Load(),
		Misses:      r.misses.Load(),
		PerState:    make(map[string]int),
		QueueLen:    r.queue.Len(),
		CleanupRuns: r.cleanupRuns.Load(),
		LastCleanup: time.Unix(0, r.lastCleanup.Load()),
	}
	if lookups := st.Hits + st.Misses; lookups > 0 {
		st.HitRatio = float64(st.Hits) / float64(lookups)
	}
	for _, ref := range r.refs {
		state := ref.State()
		st.PerState[state.String()]++
		size := ref.Descriptor().AlignedByteSize()
		st.TotalBytes += size
		switch state {
		case StateActive:
			st.ActiveBytes += size
		case StateCached:
			st.CachedBytes += size
		}
	}
	return st
}

// Close stops the cleanup goroutine and detaches everything still
// registered.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()

		r.mu.Lock()
		refs := make([]*Reference, 0, len(r.refs))
		for _, ref := range r.refs {
			refs = append(refs, ref)
		}
		r.refs = make(map[uuid.UUID]*Reference)
		r.byShape = make(map[string]map[uuid.UUID]struct{})
		r.byDType = make(map[tensor.DType]map[uuid.UUID]struct{})
		r.byDevice = make(map[string]map[uuid.UUID]struct{})
		r.mu.Unlock()

		for _, ref := range refs {
			ref.detach()
		}
	})
}

func addIndex[K comparable](idx map[K]map[uuid.UUID]struct{}, key K, id uuid.UUID) {
	set, ok := idx[key]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex[K comparable](idx map[K]map[uuid.UUID]struct{}, key K, id uuid.UUID) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}
