// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package hal

import "github.com/gogpu/hwc/types"

// Allocator is the buffer-allocator collaborator of spec.md §6: "query
// per-buffer metadata ... accept usage/compression/PAVP-session hints
// ... optionally purge/realize physical backing for idle render
// targets." core.BufferManager holds one through the narrower
// core.AllocatorQuery interface; Allocator is the full contract a hal
// backend implements.
type Allocator interface {
	// QueryBufferDetails returns the metadata for handle, or ok=false if
	// the allocator has no record of it (freed or never allocated).
	QueryBufferDetails(handle types.BufferHandle) (types.BufferDetails, bool)

	// SetBufferUsageHint informs the allocator how handle was used this
	// frame, allowing it to pick a tiling/compression layout.
	SetBufferUsageHint(handle types.BufferHandle, hint types.BufferUsageHint)

	// Purge releases handle's physical backing while keeping the handle
	// valid; a subsequent Realize restores it. Implementations that do
	// not support this (most do not need to) should return nil and do
	// nothing.
	Purge(handle types.BufferHandle) error

	// Realize restores the physical backing of a handle previously
	// passed to Purge.
	Realize(handle types.BufferHandle) error

	// Subscribe registers a callback pair invoked on every allocate/free
	// event the allocator observes, regardless of which display
	// requested the allocation. A hal backend typically wires this to
	// core.BufferManager.OnBufferAllocated/OnBufferFreed at startup.
	Subscribe(onAllocated func(types.BufferHandle, types.BufferDetails), onFreed func(types.BufferHandle))
}
