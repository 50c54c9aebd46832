package compositor

import (
	"golang.org/x/sys/unix"

	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/types"
)

// LayerInput is how a producer describes one layer of a frame before
// it is queued. AcquireFenceFD is borrowed: NewLayerSnapshot dup()s it,
// the caller remains responsible for its own fd. ReleaseFenceRef is the
// producer's own fence slot/Fence per spec.md §3 FenceReference; if it
// is the extended kind, the snapshot retains it (spec.md §4.F) so the
// release signal can reach the renderer independently of timeline
// position.
type LayerInput struct {
	Handle                types.BufferHandle
	SrcRect               types.RectF
	DstRect               types.RectI
	Transform             types.Transform
	BlendMode             types.BlendMode
	PlaneAlpha            float32
	IsVideo               bool
	IsEncrypted           bool
	IsFrontBufferRendered bool
	AcquireFenceFD        int // -1 if none
	ReleaseFenceRef       core.FenceReference
}

// Layer is the immutable, queue-held snapshot form of a layer
// (spec.md §3). It owns its acquire fence and, for extended release
// references, its retained FenceReference; both must be released when
// the owning Frame is dropped or retired.
type Layer struct {
	Handle                types.BufferHandle
	DeviceID              types.DeviceFBID
	SrcRect               types.RectF
	DstRect               types.RectI
	Transform             types.Transform
	BlendMode             types.BlendMode
	PlaneAlpha            float32
	IsVideo               bool
	IsEncrypted           bool
	IsFrontBufferRendered bool

	acquireFence    *core.Fence
	releaseFenceRef core.FenceReference // zero value if the producer used a native ref
	managed         *core.ManagedBuffer
}

// LayerStack is an ordered sequence of Layers; z-order is index.
type LayerStack []Layer

// IsBlank reports whether l has no backing buffer at all, per
// SPEC_FULL.md's recovered blanking-frame short-circuit (spec.md §8
// boundary behaviour 11): a nil handle skips buffer-manager lookup
// entirely and flips with device id 0 on every plane.
func (l Layer) IsBlank() bool {
	return l.Handle.IsNil()
}

// AcquireFence returns the layer's owned acquire fence (may be nil).
func (l Layer) AcquireFence() *core.Fence {
	return l.acquireFence
}

// ManagedBuffer returns the refcounted buffer record this layer holds
// a reference to, or nil for a blank layer.
func (l Layer) ManagedBuffer() *core.ManagedBuffer {
	return l.managed
}

// NewLayerSnapshot takes a deep, queue-owned snapshot of in, per
// spec.md §4.F: dup() the acquire fence, acquire a BufferManager
// refcount, retain the release reference only if it is the extended
// (out-of-order composition buffer) kind.
func NewLayerSnapshot(in LayerInput, bm *core.BufferManager) (Layer, error) {
	l := Layer{
		Handle:                in.Handle,
		SrcRect:               in.SrcRect,
		DstRect:               in.DstRect,
		Transform:             in.Transform,
		BlendMode:             in.BlendMode,
		PlaneAlpha:            in.PlaneAlpha,
		IsVideo:               in.IsVideo,
		IsEncrypted:           in.IsEncrypted,
		IsFrontBufferRendered: in.IsFrontBufferRendered,
	}

	if in.AcquireFenceFD >= 0 {
		dup, err := unix.Dup(in.AcquireFenceFD)
		if err != nil {
			return Layer{}, err
		}
		l.acquireFence = core.NewNativeFence(dup)
	} else {
		l.acquireFence = core.NewUnsetFence()
	}

	if in.ReleaseFenceRef.Kind() == core.FenceReferenceExtended {
		l.releaseFenceRef = in.ReleaseFenceRef
	}

	if l.IsBlank() {
		return l, nil
	}

	l.managed = bm.AcquireBuffer(in.Handle)
	if l.managed != nil {
		l.DeviceID = bm.ImportForBlend(l.managed, l.BlendMode)
	}
	return l, nil
}

// Release closes the layer's acquire fence and cancels (does not
// signal) its retained release reference, then drops the
// BufferManager refcount. Called when a Frame holding this layer is
// dropped or recycled back to the pool.
func (l *Layer) Release(bm *core.BufferManager) {
	l.acquireFence.Cancel()
	l.releaseFenceRef.Cancel()
	if l.managed != nil {
		bm.ReleaseBuffer(l.managed)
		l.managed = nil
	}
}

// SignalRelease publishes fd as this layer's release signal, if it
// retained an extended release reference. Native references rely
// solely on the timeline advance, per spec.md §4.F.
func (l *Layer) SignalRelease(fd int) {
	if l.releaseFenceRef.Kind() == core.FenceReferenceExtended {
		l.releaseFenceRef.Signal(fd)
		return
	}
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
