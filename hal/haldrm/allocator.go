// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

//go:build linux

package haldrm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gogpu/hwc/types"
)

// Allocator is a dumb-buffer hal.Allocator backed by
// DRM_IOCTL_MODE_CREATE_DUMB/MAP_DUMB. It has no access to a real GPU
// memory manager's compression/tiling negotiation, so SetBufferUsageHint
// is recorded but otherwise inert and Purge/Realize are no-ops - dumb
// buffers have no physical-backing lifecycle to manage.
type Allocator struct {
	fd int

	mu      sync.Mutex
	buffers map[types.BufferHandle]*dumbBuffer

	onAllocated func(types.BufferHandle, types.BufferDetails)
	onFreed     func(types.BufferHandle)

	nextHandle types.BufferHandle
}

type dumbBuffer struct {
	gemHandle uint32
	details   types.BufferDetails
}

// NewAllocator opens no new fd of its own; it shares the DRM master fd
// the Controller owns, since dumb-buffer ioctls and mode-setting
// ioctls are both scoped to the same device node.
func NewAllocator(fd int) *Allocator {
	return &Allocator{fd: fd, buffers: make(map[types.BufferHandle]*dumbBuffer)}
}

// CreateDumb allocates a linear dumb buffer of width x height at bpp
// bits per pixel and returns the BufferHandle a Layer can reference.
func (a *Allocator) CreateDumb(width, height, bpp uint32) (types.BufferHandle, error) {
	req := modeCreateDumb{Height: height, Width: width, Bpp: bpp}
	if err := ioctl(a.fd, ioctlModeCreateDumb, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("hwc: haldrm: CreateDumb: %w", err)
	}

	a.mu.Lock()
	a.nextHandle++
	h := a.nextHandle
	details := types.BufferDetails{
		Width: width, Height: height, Format: fourccXRGB8888,
		Pitch: req.Pitch, SizeBytes: req.Size,
		AllocWidth: width, AllocHeight: height,
	}
	a.buffers[h] = &dumbBuffer{gemHandle: req.Handle, details: details}
	cb := a.onAllocated
	a.mu.Unlock()

	if cb != nil {
		cb(h, details)
	}
	return h, nil
}

// MapDumb returns an mmap of handle's backing store for CPU writes.
func (a *Allocator) MapDumb(handle types.BufferHandle) ([]byte, error) {
	a.mu.Lock()
	buf, ok := a.buffers[handle]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("hwc: haldrm: MapDumb: unknown handle %d", handle)
	}

	mreq := modeMapDumb{Handle: buf.gemHandle}
	if err := ioctl(a.fd, ioctlModeMapDumb, unsafe.Pointer(&mreq)); err != nil {
		return nil, fmt.Errorf("hwc: haldrm: MapDumb ioctl: %w", err)
	}
	data, err := unix.Mmap(a.fd, int64(mreq.Offset), int(buf.details.SizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hwc: haldrm: mmap: %w", err)
	}
	return data, nil
}

// DestroyDumb frees handle's GEM object and notifies the subscriber.
func (a *Allocator) DestroyDumb(handle types.BufferHandle) error {
	a.mu.Lock()
	buf, ok := a.buffers[handle]
	delete(a.buffers, handle)
	cb := a.onFreed
	a.mu.Unlock()
	if !ok {
		return nil
	}

	req := modeDestroyDumb{Handle: buf.gemHandle}
	if err := ioctl(a.fd, ioctlModeDestroyDumb, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("hwc: haldrm: DestroyDumb: %w", err)
	}
	if cb != nil {
		cb(handle)
	}
	return nil
}

func (a *Allocator) gemHandleOf(handle types.BufferHandle) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[handle]
	if !ok {
		return 0, false
	}
	return buf.gemHandle, true
}

func (a *Allocator) QueryBufferDetails(handle types.BufferHandle) (types.BufferDetails, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[handle]
	if !ok {
		return types.BufferDetails{}, false
	}
	return buf.details, true
}

func (a *Allocator) SetBufferUsageHint(types.BufferHandle, types.BufferUsageHint) {}

func (a *Allocator) Purge(types.BufferHandle) error  { return nil }
func (a *Allocator) Realize(types.BufferHandle) error { return nil }

func (a *Allocator) Subscribe(onAllocated func(types.BufferHandle, types.BufferDetails), onFreed func(types.BufferHandle)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAllocated = onAllocated
	a.onFreed = onFreed
}

const fourccXRGB8888 = 0x34325258 // 'XR24', little-endian fourcc for DRM_FORMAT_XRGB8888
