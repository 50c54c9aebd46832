package core

import (
	"log/slog"
	"sync"

	"github.com/gogpu/hwc/types"
)

// Importer creates/destroys display-controller framebuffer ids from a
// buffer handle. BufferManager calls into it lazily, on first display
// use of a handle, separately for blended and opaque interpretations
// (spec.md §4.B). It is the subset of hal.Controller BufferManager
// needs; hal.Controller itself satisfies this interface.
type Importer interface {
	ImportFramebuffer(handle types.BufferHandle, blend types.BlendMode, details types.BufferDetails) (types.DeviceFBID, error)
	DestroyFramebuffer(id types.DeviceFBID) error
}

// AllocatorQuery is the read side of the buffer-allocator contract
// BufferManager depends on (spec.md §6): per-buffer metadata lookup and
// usage-hint push.
type AllocatorQuery interface {
	QueryBufferDetails(handle types.BufferHandle) (types.BufferDetails, bool)
	SetBufferUsageHint(handle types.BufferHandle, hint types.BufferUsageHint)
	Purge(handle types.BufferHandle) error
	Realize(handle types.BufferHandle) error
}

// BufferManager is the cache mapping opaque allocator handles to
// ManagedBuffer records (spec.md §3/§4.B).
type BufferManager struct {
	log       *slog.Logger
	importer  Importer
	allocator AllocatorQuery

	mu       sync.Mutex
	buffers  map[types.BufferHandle]*ManagedBuffer
	trackers []Tracker

	// frameCounter increments on OnEndOfFrame, used as the
	// LastUsedFrame clock for Purge/Realize staleness checks.
	frameCounter uint32

	// purgeCursor is allocated but not consulted: Purge/Realize-
	// SurfaceFlingerRTs handle at most one buffer per call (spec.md
	// §4.B) by taking the first match nextSurfaceFlingerRT finds in map
	// iteration order.
	purgeCursor map[int32]types.BufferHandle
}

// NewBufferManager creates a BufferManager backed by importer for
// framebuffer id creation and allocator for metadata/hints.
func NewBufferManager(importer Importer, allocator AllocatorQuery, log *slog.Logger) *BufferManager {
	return &BufferManager{
		log:         defaultLogger(log),
		importer:    importer,
		allocator:   allocator,
		buffers:     make(map[types.BufferHandle]*ManagedBuffer),
		purgeCursor: make(map[int32]types.BufferHandle),
	}
}

// RegisterTracker adds t to the list notified of allocator add/free
// events (spec.md §4.B).
func (m *BufferManager) RegisterTracker(t Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers = append(m.trackers, t)
}

// OnBufferAllocated is the allocator "allocate" callback: it creates a
// ManagedBuffer record (fb ids created lazily later) and forwards the
// event to every registered Tracker.
func (m *BufferManager) OnBufferAllocated(handle types.BufferHandle, details types.BufferDetails) {
	m.mu.Lock()
	if existing, ok := m.buffers[handle]; ok && !existing.Orphaned() {
		m.mu.Unlock()
		return
	}
	mb := &ManagedBuffer{Handle: handle, Details: details, SurfaceFlingerDisplay: -1}
	m.buffers[handle] = mb
	trackers := append([]Tracker(nil), m.trackers...)
	m.mu.Unlock()

	for _, t := range trackers {
		t.OnBufferAllocated(handle)
	}
}

// OnBufferFreed is the allocator "free" callback: it marks the record
// orphaned but leaves storage intact until RefCount reaches zero, per
// spec.md §3. Until then the record stays in the map, and AcquireBuffer
// still finds it and hands out new references to it. Forwards to
// trackers.
func (m *BufferManager) OnBufferFreed(handle types.BufferHandle) {
	m.mu.Lock()
	mb, ok := m.buffers[handle]
	if !ok {
		m.mu.Unlock()
		return
	}
	mb.orphaned.Store(true)
	if mb.RefCount() == 0 {
		m.destroyLocked(handle, mb)
	}
	trackers := append([]Tracker(nil), m.trackers...)
	m.mu.Unlock()

	for _, t := range trackers {
		t.OnBufferFreed(handle)
	}
}

// destroyLocked removes the record and releases its framebuffer ids.
// Caller must hold m.mu.
func (m *BufferManager) destroyLocked(handle types.BufferHandle, mb *ManagedBuffer) {
	if mb.FBBlend.IsValid() {
		_ = m.importer.DestroyFramebuffer(mb.FBBlend)
	}
	if mb.FBOpaque.IsValid() {
		_ = m.importer.DestroyFramebuffer(mb.FBOpaque)
	}
	delete(m.buffers, handle)
}

// GetLayerBufferDetails returns cached metadata for handle. Always safe
// to call, including for handles this manager has never seen: in that
// case the allocator is queried synchronously and the result cached.
func (m *BufferManager) GetLayerBufferDetails(handle types.BufferHandle) (types.BufferDetails, bool) {
	m.mu.Lock()
	if mb, ok := m.buffers[handle]; ok {
		d := mb.Details
		m.mu.Unlock()
		return d, true
	}
	m.mu.Unlock()

	details, ok := m.allocator.QueryBufferDetails(handle)
	if !ok {
		return types.BufferDetails{}, false
	}
	m.OnBufferAllocated(handle, details)
	return details, true
}

// AcquireBuffer increments handle's refcount so it survives even if the
// allocator frees it mid-use; the result is orphaned rather than
// destroyed once freed (spec.md §4.B). If handle is unknown, a
// just-in-time orphaned record is created so callers never observe a
// nil *ManagedBuffer for a handle a Layer actually references.
func (m *BufferManager) AcquireBuffer(handle types.BufferHandle) *ManagedBuffer {
	if handle.IsNil() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mb, ok := m.buffers[handle]
	if !ok {
		mb = &ManagedBuffer{Handle: handle, SurfaceFlingerDisplay: -1}
		if details, ok := m.allocator.QueryBufferDetails(handle); ok {
			mb.Details = details
		} else {
			mb.orphaned.Store(true)
		}
		m.buffers[handle] = mb
	}
	mb.refCount.Add(1)
	return mb
}

// ReleaseBuffer decrements handle's refcount; if it reaches zero and
// the allocator has already freed the handle, the record is destroyed.
func (m *BufferManager) ReleaseBuffer(mb *ManagedBuffer) {
	if mb == nil {
		return
	}
	remaining := mb.refCount.Add(-1)
	if remaining > 0 {
		return
	}
	if remaining < 0 {
		mb.refCount.Store(0)
	}
	if !mb.Orphaned() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.buffers[mb.Handle]; ok && current == mb {
		m.destroyLocked(mb.Handle, mb)
	}
}

// ImportForBlend returns (creating lazily if necessary) the framebuffer
// id for mb under the given blend mode. A failure to import (e.g. an
// unsupported YUV layout) is not propagated as an error: device_id
// stays zero, signalling the layer must be composed upstream first
// (spec.md §4.B / §7 BufferImportFailure).
func (m *BufferManager) ImportForBlend(mb *ManagedBuffer, blend types.BlendMode) types.DeviceFBID {
	if mb == nil {
		return 0
	}

	m.mu.Lock()
	var existing types.DeviceFBID
	if blend == types.BlendNone {
		existing = mb.FBOpaque
	} else {
		existing = mb.FBBlend
	}
	m.mu.Unlock()
	if existing.IsValid() {
		return existing
	}

	id, err := m.importer.ImportFramebuffer(mb.Handle, blend, mb.Details)
	if err != nil {
		m.log.Warn("framebuffer import failed, layer requires composition",
			"handle", mb.Handle, "blend", blend, "err", err)
		return 0
	}

	m.mu.Lock()
	if blend == types.BlendNone {
		mb.FBOpaque = id
	} else {
		mb.FBBlend = id
	}
	m.mu.Unlock()
	return id
}

// SetBufferUsage records a usage hint, flushed to the allocator on the
// next OnEndOfFrame (spec.md §4.B, supplemented by SPEC_FULL.md's
// recovered end-of-frame coalescing: multiple SetBufferUsage calls
// within a frame collapse into one allocator round trip).
func (m *BufferManager) SetBufferUsage(mb *ManagedBuffer, hint types.BufferUsageHint) {
	if mb == nil {
		return
	}
	m.mu.Lock()
	mb.UsageBits |= uint32(hint)
	m.mu.Unlock()
}

// SetSurfaceFlingerRT marks mb as displayIndex's host-compositor render
// target.
func (m *BufferManager) SetSurfaceFlingerRT(mb *ManagedBuffer, displayIndex int32) {
	if mb == nil {
		return
	}
	m.mu.Lock()
	mb.SurfaceFlingerDisplay = displayIndex
	m.mu.Unlock()
}

// TouchLastUsed stamps mb with the current frame counter. Called by the
// compositor package's DisplayQueue for each layer's ManagedBuffer when
// a frame is taken off the head of the queue.
func (m *BufferManager) TouchLastUsed(mb *ManagedBuffer) {
	if mb == nil {
		return
	}
	m.mu.Lock()
	mb.LastUsedFrame = m.frameCounter
	m.mu.Unlock()
}

// idleAgeFrames is how many frames must have passed since a
// SurfaceFlinger-RT buffer's last use before Purge/Realize will touch
// it.
const idleAgeFrames = 3

// PurgeSurfaceFlingerRTs releases the physical backing of at most one
// buffer tagged as displayIndex's SurfaceFlinger render target whose
// last-used frame is at least idleAgeFrames in the past, per spec.md
// §4.B ("asked when the host compositor's output goes unused ... at
// most one buffer per call, to smear cost across frames").
func (m *BufferManager) PurgeSurfaceFlingerRTs(displayIndex int32) {
	mb := m.nextSurfaceFlingerRT(displayIndex, true)
	if mb == nil {
		return
	}
	if err := m.allocator.Purge(mb.Handle); err != nil {
		m.log.Warn("purge failed", "handle", mb.Handle, "err", err)
		return
	}
	mb.purged.Store(true)
}

// RealizeSurfaceFlingerRTs restores the physical backing of at most one
// previously-purged buffer tagged as displayIndex's SurfaceFlinger
// render target.
func (m *BufferManager) RealizeSurfaceFlingerRTs(displayIndex int32) {
	mb := m.nextSurfaceFlingerRT(displayIndex, false)
	if mb == nil {
		return
	}
	if err := m.allocator.Realize(mb.Handle); err != nil {
		m.log.Warn("realize failed", "handle", mb.Handle, "err", err)
		return
	}
	mb.purged.Store(false)
}

func (m *BufferManager) nextSurfaceFlingerRT(displayIndex int32, wantUnpurged bool) *ManagedBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mb := range m.buffers {
		if mb.SurfaceFlingerDisplay != displayIndex {
			continue
		}
		if mb.Purged() != !wantUnpurged {
			continue
		}
		if m.frameCounter-mb.LastUsedFrame < idleAgeFrames {
			continue
		}
		return mb
	}
	return nil
}

// OnEndOfFrame sweeps accumulated usage bits and pushes compression
// hints to the allocator, then advances the frame counter used by
// Purge/Realize staleness checks.
func (m *BufferManager) OnEndOfFrame() {
	type pending struct {
		handle types.BufferHandle
		bits   uint32
	}

	m.mu.Lock()
	touched := make([]pending, 0, len(m.buffers))
	for _, mb := range m.buffers {
		if mb.UsageBits != 0 {
			touched = append(touched, pending{handle: mb.Handle, bits: mb.UsageBits})
			mb.UsageBits = 0
		}
	}
	m.frameCounter++
	m.mu.Unlock()

	for _, p := range touched {
		m.allocator.SetBufferUsageHint(p.handle, types.BufferUsageHint(p.bits))
	}
}

// BufferCount returns the number of tracked buffers (test/diagnostic use).
func (m *BufferManager) BufferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}
