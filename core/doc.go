// Package core provides the display-agnostic synchronisation primitives
// shared by every PhysicalDisplay: the release-fence Timeline, the
// cancellable Fence/FenceReference pair, and the BufferManager that maps
// opaque graphics-allocator handles to display-controller framebuffer
// ids.
//
// This package knows nothing about DisplayQueue, PageFlipHandler or
// kernel ioctls - those live in the compositor and hal packages. core
// is the layer both of them call into for fence bookkeeping and buffer
// lookup.
//
// ID System:
//
// Frame-pool slots are identified by type-safe, epoch-checked handles:
//
//	id := registry.Register(buf)
//	buf, err := registry.Get(id) // ErrEpochMismatch if the slot was recycled
//
// Thread Safety:
//
// All exported types in this package are safe for concurrent use unless
// explicitly documented otherwise.
package core
