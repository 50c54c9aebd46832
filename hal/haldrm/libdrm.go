// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

//go:build linux

package haldrm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/goffi/ffi"
	"github.com/go-webgpu/goffi/types"
)

// libdrm optionally fast-paths three hot calls (add a framebuffer, set
// the CRTC, queue a page flip) through libdrm.so.2 instead of raw
// ioctl syscalls, mirroring the dynamic-library-loading pattern
// hal/gles/egl uses for libEGL: load the library, resolve symbols,
// prepare a CallInterface once, then CallFunction per invocation. When
// the library is absent this type is left nil and every caller falls
// back to the raw ioctl path in controller.go/allocator.go.
type libdrm struct {
	lib unsafe.Pointer

	symAddFB2    unsafe.Pointer
	symSetCrtc   unsafe.Pointer
	symPageFlip  unsafe.Pointer

	cifAddFB2   types.CallInterface
	cifSetCrtc  types.CallInterface
	cifPageFlip types.CallInterface
}

var (
	libdrmOnce     sync.Once
	libdrmInstance *libdrm
)

// loadLibdrm returns the shared fast-path handle, or nil if
// libdrm.so.2 could not be loaded/resolved. Failure here is never
// fatal: every caller has a raw-ioctl fallback.
func loadLibdrm() *libdrm {
	libdrmOnce.Do(func() {
		l, err := newLibdrm()
		if err != nil {
			libdrmInstance = nil
			return
		}
		libdrmInstance = l
	})
	return libdrmInstance
}

func newLibdrm() (*libdrm, error) {
	lib, err := ffi.LoadLibrary("libdrm.so.2")
	if err != nil {
		lib, err = ffi.LoadLibrary("libdrm.so")
		if err != nil {
			return nil, fmt.Errorf("hwc: haldrm: libdrm.so not found: %w", err)
		}
	}

	l := &libdrm{lib: lib}
	if l.symAddFB2, err = ffi.GetSymbol(lib, "drmModeAddFB2"); err != nil {
		return nil, err
	}
	if l.symSetCrtc, err = ffi.GetSymbol(lib, "drmModeSetCrtc"); err != nil {
		return nil, err
	}
	if l.symPageFlip, err = ffi.GetSymbol(lib, "drmModePageFlip"); err != nil {
		return nil, err
	}

	if err := ffi.PrepareCallInterface(&l.cifAddFB2, types.DefaultCall,
		types.SInt32TypeDescriptor, // int return
		[]*types.TypeDescriptor{
			types.SInt32TypeDescriptor,  // fd
			types.UInt32TypeDescriptor,  // width
			types.UInt32TypeDescriptor,  // height
			types.UInt32TypeDescriptor,  // pixel_format
			types.PointerTypeDescriptor, // handles[4]
			types.PointerTypeDescriptor, // pitches[4]
			types.PointerTypeDescriptor, // offsets[4]
			types.PointerTypeDescriptor, // buf_id* (out)
			types.UInt32TypeDescriptor,  // flags
		}); err != nil {
		return nil, err
	}

	if err := ffi.PrepareCallInterface(&l.cifSetCrtc, types.DefaultCall,
		types.SInt32TypeDescriptor,
		[]*types.TypeDescriptor{
			types.SInt32TypeDescriptor,  // fd
			types.UInt32TypeDescriptor,  // crtc_id
			types.UInt32TypeDescriptor,  // buffer_id
			types.UInt32TypeDescriptor,  // x
			types.UInt32TypeDescriptor,  // y
			types.PointerTypeDescriptor, // connectors*
			types.UInt32TypeDescriptor,  // count
			types.PointerTypeDescriptor, // mode*
		}); err != nil {
		return nil, err
	}

	if err := ffi.PrepareCallInterface(&l.cifPageFlip, types.DefaultCall,
		types.SInt32TypeDescriptor,
		[]*types.TypeDescriptor{
			types.SInt32TypeDescriptor,  // fd
			types.UInt32TypeDescriptor,  // crtc_id
			types.UInt32TypeDescriptor,  // fb_id
			types.UInt32TypeDescriptor,  // flags
			types.PointerTypeDescriptor, // user_data
		}); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *libdrm) addFB2(fd int, width, height, format uint32, handles, pitches, offsets *[4]uint32) (uint32, error) {
	var result int32
	var bufID uint32
	args := [9]unsafe.Pointer{
		unsafe.Pointer(&fd), unsafe.Pointer(&width), unsafe.Pointer(&height),
		unsafe.Pointer(&format), unsafe.Pointer(handles), unsafe.Pointer(pitches),
		unsafe.Pointer(offsets), unsafe.Pointer(&bufID), nil,
	}
	if err := ffi.CallFunction(&l.cifAddFB2, l.symAddFB2, unsafe.Pointer(&result), args[:]); err != nil {
		return 0, err
	}
	if result != 0 {
		return 0, fmt.Errorf("hwc: haldrm: drmModeAddFB2 = %d", result)
	}
	return bufID, nil
}

func (l *libdrm) setCrtc(fd int, crtcID, fbID uint32, connectors *uint32, mode *modeModeInfo) error {
	var result int32
	x, y, count := uint32(0), uint32(0), uint32(1)
	args := [8]unsafe.Pointer{
		unsafe.Pointer(&fd), unsafe.Pointer(&crtcID), unsafe.Pointer(&fbID),
		unsafe.Pointer(&x), unsafe.Pointer(&y), unsafe.Pointer(connectors),
		unsafe.Pointer(&count), unsafe.Pointer(mode),
	}
	if err := ffi.CallFunction(&l.cifSetCrtc, l.symSetCrtc, unsafe.Pointer(&result), args[:]); err != nil {
		return err
	}
	if result != 0 {
		return fmt.Errorf("hwc: haldrm: drmModeSetCrtc = %d", result)
	}
	return nil
}

func (l *libdrm) pageFlip(fd int, crtcID, fbID uint32, flags uint32) error {
	var result int32
	args := [5]unsafe.Pointer{
		unsafe.Pointer(&fd), unsafe.Pointer(&crtcID), unsafe.Pointer(&fbID),
		unsafe.Pointer(&flags), nil,
	}
	if err := ffi.CallFunction(&l.cifPageFlip, l.symPageFlip, unsafe.Pointer(&result), args[:]); err != nil {
		return err
	}
	if result != 0 {
		return fmt.Errorf("hwc: haldrm: drmModePageFlip = %d", result)
	}
	return nil
}
