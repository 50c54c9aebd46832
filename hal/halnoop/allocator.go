package halnoop

import (
	"sync"

	"github.com/gogpu/hwc/types"
)

// Allocator is a fake hal.Allocator holding metadata in a map. Tests
// call Allocate/Free directly to drive allocate/free events into
// whatever was passed to Subscribe.
type Allocator struct {
	mu          sync.Mutex
	details     map[types.BufferHandle]types.BufferDetails
	hints       map[types.BufferHandle]types.BufferUsageHint
	purged      map[types.BufferHandle]bool
	onAllocated func(types.BufferHandle, types.BufferDetails)
	onFreed     func(types.BufferHandle)
}

// NewAllocator creates an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		details: make(map[types.BufferHandle]types.BufferDetails),
		hints:   make(map[types.BufferHandle]types.BufferUsageHint),
		purged:  make(map[types.BufferHandle]bool),
	}
}

func (a *Allocator) Subscribe(onAllocated func(types.BufferHandle, types.BufferDetails), onFreed func(types.BufferHandle)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAllocated = onAllocated
	a.onFreed = onFreed
}

// Allocate records handle with details and, if Subscribe was called,
// notifies the subscriber. Mirrors the allocator-driven side channel
// real buffer allocators use to announce new gralloc handles.
func (a *Allocator) Allocate(handle types.BufferHandle, details types.BufferDetails) {
	a.mu.Lock()
	a.details[handle] = details
	cb := a.onAllocated
	a.mu.Unlock()

	if cb != nil {
		cb(handle, details)
	}
}

// Free removes handle's record and notifies the subscriber.
func (a *Allocator) Free(handle types.BufferHandle) {
	a.mu.Lock()
	delete(a.details, handle)
	cb := a.onFreed
	a.mu.Unlock()

	if cb != nil {
		cb(handle)
	}
}

func (a *Allocator) QueryBufferDetails(handle types.BufferHandle) (types.BufferDetails, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.details[handle]
	return d, ok
}

func (a *Allocator) SetBufferUsageHint(handle types.BufferHandle, hint types.BufferUsageHint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hints[handle] = hint
}

func (a *Allocator) Purge(handle types.BufferHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.purged[handle] = true
	return nil
}

func (a *Allocator) Realize(handle types.BufferHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.purged[handle] = false
	return nil
}

// UsageHint returns the last hint recorded for handle, for test
// assertions.
func (a *Allocator) UsageHint(handle types.BufferHandle) types.BufferUsageHint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hints[handle]
}

// IsPurged reports whether handle is currently purged.
func (a *Allocator) IsPurged(handle types.BufferHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.purged[handle]
}
