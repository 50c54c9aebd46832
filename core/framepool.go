package core

// FramePool is a Registry fixed to the Frame-pool marker, exposed so
// package compositor (which owns the concrete Frame type) can get
// epoch-checked handles without needing to name core's unexported
// marker type. Per spec.md §3: "A Frame is drawn from a fixed-size
// per-display pool (≈10 entries)" - the size limit itself is enforced
// by the caller (compositor.DisplayQueue), not by FramePool, which
// grows its backing Storage like any Registry.
type FramePool[T any] struct {
	reg *Registry[T, frameMarker]
}

// NewFramePool creates an empty FramePool for frame type T.
func NewFramePool[T any]() *FramePool[T] {
	return &FramePool[T]{reg: NewRegistry[T, frameMarker]()}
}

// Register allocates a new FrameID and stores item.
func (p *FramePool[T]) Register(item T) FrameID {
	return p.reg.Register(item)
}

// Get retrieves the item at id.
func (p *FramePool[T]) Get(id FrameID) (T, error) {
	return p.reg.Get(id)
}

// GetMut retrieves the item at id for in-place mutation.
func (p *FramePool[T]) GetMut(id FrameID, fn func(*T)) error {
	return p.reg.GetMut(id, fn)
}

// Unregister removes and returns the item at id, freeing its slot for reuse.
func (p *FramePool[T]) Unregister(id FrameID) (T, error) {
	return p.reg.Unregister(id)
}

// Contains reports whether id currently names a live item.
func (p *FramePool[T]) Contains(id FrameID) bool {
	return p.reg.Contains(id)
}

// Count returns the number of live items in the pool.
func (p *FramePool[T]) Count() uint64 {
	return p.reg.Count()
}

// ForEach iterates all live items in index order.
func (p *FramePool[T]) ForEach(fn func(FrameID, T) bool) {
	p.reg.ForEach(fn)
}
