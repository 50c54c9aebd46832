package core

import (
	"sync/atomic"

	"github.com/gogpu/hwc/types"
)

// ManagedBuffer is BufferManager's record for one allocator handle
// (spec.md §3). It is returned wrapped as *ManagedBuffer from
// BufferManager.AcquireBuffer; multiple frames may hold a reference to
// the same ManagedBuffer concurrently (the spec's `sp<T>`-style shared
// ownership, re-architected per spec.md §9 as a plain refcounted
// pointer instead of an intrusive smart pointer).
type ManagedBuffer struct {
	Handle types.BufferHandle

	// GPUObject is the display-controller "bo" (buffer object) backing
	// this handle. Nothing in this module sets it; it stays zero.
	GPUObject uint32

	// FBBlend/FBOpaque are the two possible framebuffer ids for this
	// buffer - created lazily and independently because "blending alpha
	// requires a fb format variant that preserves alpha" (spec.md §4.B).
	FBBlend  types.DeviceFBID
	FBOpaque types.DeviceFBID

	Details types.BufferDetails

	// SurfaceFlingerDisplay is set when SetSurfaceFlingerRT tagged this
	// buffer as a display's host-compositor render target; -1 if unset.
	SurfaceFlingerDisplay int32

	// LastUsedFrame is the most recent display frame counter this
	// buffer appeared in, used by Purge/Realize to only operate on
	// buffers that have gone idle.
	LastUsedFrame uint32

	// UsageBits accumulates BufferUsageHint values across a frame,
	// flushed to the allocator by BufferManager.OnEndOfFrame.
	UsageBits uint32

	purged   atomic.Bool
	orphaned atomic.Bool
	refCount atomic.Int32
}

// Purged reports whether this buffer's backing memory has been
// released via Purge.
func (b *ManagedBuffer) Purged() bool {
	return b.purged.Load()
}

// Orphaned reports whether the allocator has freed the handle. The
// record stays reachable through AcquireBuffer, which still hands out
// new references to it, and every *ManagedBuffer pointer to it remains
// valid until its refcount drops to zero
// (spec.md §3: "destroyed asynchronously after the allocator 'free'
// notification *and* ref_count == 0").
func (b *ManagedBuffer) Orphaned() bool {
	return b.orphaned.Load()
}

// RefCount returns the current reference count.
func (b *ManagedBuffer) RefCount() int32 {
	return b.refCount.Load()
}
