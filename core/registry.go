package core

import (
	"sync"
)

// freeSlot is a released pool slot available for reuse: its index will
// be handed back by the next Alloc, stamped with epoch+1 so any ID a
// caller is still holding against the old epoch is rejected rather than
// silently resolving to whatever got allocated into the recycled slot.
type freeSlot struct {
	index Index
	epoch Epoch
}

// identityManager allocates and epoch-tracks the IDs backing a
// Registry. Alloc/Release never touch the stored item itself - that is
// Storage's job - this only owns the index+epoch bookkeeping, so a
// Frame pool slot released and reused gets a fresh epoch instead of
// aliasing the live one.
//
// Thread-safe for concurrent use.
type identityManager[T Marker] struct {
	mu        sync.Mutex
	free      []freeSlot
	nextIndex Index
	count     uint64
}

func newIdentityManager[T Marker]() *identityManager[T] {
	return &identityManager[T]{free: make([]freeSlot, 0, 64)}
}

// alloc returns a fresh ID, reusing a released index (with its epoch
// incremented) in preference to growing nextIndex. Epoch starts at 1 so
// the zero ID is never valid.
func (m *identityManager[T]) alloc() ID[T] {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.count++

	if n := len(m.free); n > 0 {
		slot := m.free[n-1]
		m.free = m.free[:n-1]
		return NewID[T](slot.index, slot.epoch+1)
	}

	index := m.nextIndex
	m.nextIndex++
	return NewID[T](index, 1)
}

// release returns id's index to the free list. Any ID still referencing
// this (index, epoch) pair becomes invalid the instant a later alloc
// reuses the index.
func (m *identityManager[T]) release(id ID[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index, epoch := id.Unzip()
	m.free = append(m.free, freeSlot{index: index, epoch: epoch})
	m.count--
}

func (m *identityManager[T]) Count() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// NextIndex reports the index the next fresh alloc would use (no
// released slots available). Exposed for pool-sizing tests.
func (m *identityManager[T]) NextIndex() Index {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextIndex
}

// FreeCount reports how many released slots are waiting for reuse.
func (m *identityManager[T]) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}

// item is one stored value plus the epoch it was inserted under, so a
// lookup by a stale ID (recycled index, old epoch) is rejected.
type item[T any] struct {
	value T
	epoch Epoch
	valid bool
}

// storage is the indexed array half of a Registry: O(1) access to a
// value by its ID's index, with epoch validation guarding against
// use-after-free across Frame-pool slot reuse.
//
// Thread-safe for concurrent use.
type storage[T any, M Marker] struct {
	mu    sync.RWMutex
	items []item[T]
}

func newStorage[T any, M Marker](capacity int) *storage[T, M] {
	if capacity <= 0 {
		capacity = 64
	}
	return &storage[T, M]{items: make([]item[T], 0, capacity)}
}

func (s *storage[T, M]) insert(id ID[M], value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, epoch := id.Unzip()
	s.ensureCapacity(index + 1)
	s.items[index] = item[T]{value: value, epoch: epoch, valid: true}
}

func (s *storage[T, M]) get(id ID[M]) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, epoch := id.Unzip()
	if int(index) >= len(s.items) {
		var zero T
		return zero, false
	}

	it := &s.items[index]
	if !it.valid || it.epoch != epoch {
		var zero T
		return zero, false
	}
	return it.value, true
}

func (s *storage[T, M]) getMut(id ID[M], fn func(*T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, epoch := id.Unzip()
	if int(index) >= len(s.items) {
		return false
	}

	it := &s.items[index]
	if !it.valid || it.epoch != epoch {
		return false
	}
	fn(&it.value)
	return true
}

func (s *storage[T, M]) remove(id ID[M]) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, epoch := id.Unzip()
	if int(index) >= len(s.items) {
		var zero T
		return zero, false
	}

	it := &s.items[index]
	if !it.valid || it.epoch != epoch {
		var zero T
		return zero, false
	}

	value := it.value
	var zero T
	it.value = zero
	it.valid = false
	// epoch is left as-is: the next insert at this index carries a
	// higher epoch from identityManager.alloc, never this one again.
	return value, true
}

func (s *storage[T, M]) contains(id ID[M]) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, epoch := id.Unzip()
	if int(index) >= len(s.items) {
		return false
	}
	it := &s.items[index]
	return it.valid && it.epoch == epoch
}

func (s *storage[T, M]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for i := range s.items {
		if s.items[i].valid {
			n++
		}
	}
	return n
}

func (s *storage[T, M]) capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *storage[T, M]) forEach(fn func(ID[M], T) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.items {
		it := &s.items[i]
		if it.valid {
			//nolint:gosec // G115: i is a storage index, always < 2^32
			id := NewID[M](Index(i), it.epoch)
			if !fn(id, it.value) {
				break
			}
		}
	}
}

// ensureCapacity grows items to hold needed slots. Must be called with
// the write lock held.
func (s *storage[T, M]) ensureCapacity(needed Index) {
	//nolint:gosec // G115: len(s.items) stays well under 2^32 in practice
	current := Index(len(s.items))
	if needed <= current {
		return
	}

	newCap := current * 2
	if newCap < needed {
		newCap = needed
	}
	if newCap < 64 {
		newCap = 64
	}

	grown := make([]item[T], needed, newCap)
	copy(grown, s.items)
	s.items = grown
}

// Registry manages the lifecycle of resources of a specific type,
// pairing identityManager (ID allocation) with storage (value
// storage).
//
// Used by the Frame pool (each display's fixed-size pool of ≈10 Frame
// slots), which needs epoch-checked handles so a stale reference past
// release is rejected instead of silently aliasing a recycled slot.
// BufferManager does not use it: it keys its ManagedBuffer records by
// allocator handle in a plain map.
//
// Thread-safe for concurrent use.
type Registry[T any, M Marker] struct {
	identity *identityManager[M]
	storage  *storage[T, M]
}

// NewRegistry creates a new registry for the given types.
func NewRegistry[T any, M Marker]() *Registry[T, M] {
	return &Registry[T, M]{
		identity: newIdentityManager[M](),
		storage:  newStorage[T, M](64),
	}
}

// Register allocates a new ID and stores the item.
func (r *Registry[T, M]) Register(value T) ID[M] {
	id := r.identity.alloc()
	r.storage.insert(id, value)
	return id
}

// Get retrieves an item by ID.
func (r *Registry[T, M]) Get(id ID[M]) (T, error) {
	if id.IsZero() {
		var zero T
		return zero, ErrInvalidID
	}

	value, ok := r.storage.get(id)
	if !ok {
		var zero T
		if r.storage.capacity() > int(id.Index()) {
			return zero, ErrEpochMismatch
		}
		return zero, ErrResourceNotFound
	}

	return value, nil
}

// GetMut retrieves an item by ID for mutation.
func (r *Registry[T, M]) GetMut(id ID[M], fn func(*T)) error {
	if id.IsZero() {
		return ErrInvalidID
	}

	if !r.storage.getMut(id, fn) {
		if r.storage.capacity() > int(id.Index()) {
			return ErrEpochMismatch
		}
		return ErrResourceNotFound
	}

	return nil
}

// Unregister removes an item by ID and releases the ID for reuse.
func (r *Registry[T, M]) Unregister(id ID[M]) (T, error) {
	if id.IsZero() {
		var zero T
		return zero, ErrInvalidID
	}

	value, ok := r.storage.remove(id)
	if !ok {
		var zero T
		if r.storage.capacity() > int(id.Index()) {
			return zero, ErrEpochMismatch
		}
		return zero, ErrResourceNotFound
	}

	r.identity.release(id)
	return value, nil
}

// Contains checks if an item exists at the given ID.
func (r *Registry[T, M]) Contains(id ID[M]) bool {
	if id.IsZero() {
		return false
	}
	return r.storage.contains(id)
}

// Count returns the number of registered items.
func (r *Registry[T, M]) Count() uint64 {
	return r.identity.Count()
}

// ForEach iterates over all registered items. Return false from the
// callback to stop iteration early.
func (r *Registry[T, M]) ForEach(fn func(ID[M], T) bool) {
	r.storage.forEach(fn)
}
