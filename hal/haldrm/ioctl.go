// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

//go:build linux

// Package haldrm is a Linux DRM/KMS hal.Controller and dumb-buffer
// hal.Allocator. It is the real backend behind hal/halnoop's in-memory
// fake: ImportFramebuffer becomes DRM_IOCTL_MODE_ADDFB2, SetCRTC becomes
// DRM_IOCTL_MODE_SETCRTC, Commit becomes a legacy PAGE_FLIP (each through
// libdrm's wrapper when the shared library is present), and the
// flip-complete event is read off the DRM fd's event stream.
package haldrm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM ioctl numbers, grounded in other_examples/...drm-flipper's
// raw-syscall fallback path (the same numbers libdrm's wrapper
// functions resolve to internally).
const (
	ioctlModeGetResources  = 0xc04064a0
	ioctlModeGetConnector  = 0xc05064a7
	ioctlModeGetCrtc       = 0xc06864a1
	ioctlModeSetCrtc       = 0xc06864a2
	ioctlModeCreateDumb    = 0xc02064b2
	ioctlModeMapDumb       = 0xc01064b3
	ioctlModeDestroyDumb   = 0xc00464b4
	ioctlModeAddFb2        = 0xc06064b8
	ioctlModeRmFb          = 0xc00464af
	ioctlModePageFlip      = 0xc01064b0
	ioctlModeObjGetProps   = 0xc01064b9
	ioctlModeObjSetProp    = 0xc01864ba
	ioctlModeGetProperty   = 0xc04064aa
	ioctlSetMaster         = 0x641e
	ioctlDropMaster        = 0x641f

	drmModePageFlipEvent = 0x01

	drmModeConnected        = 1
	drmModeObjectConnector  = 0xc0c0c0c0
	drmModeObjectCrtc       = 0xcccccccc
)

type modeResources struct {
	FbIDPtr, CrtcIDPtr, ConnectorIDPtr, EncoderIDPtr uint64
	CountFbs, CountCrtcs, CountConnectors, CountEncoders uint32
	MinWidth, MaxWidth, MinHeight, MaxHeight uint32
}

type modeGetConnector struct {
	EncodersPtr, ModesPtr, PropsPtr, PropValuesPtr uint64
	CountModes, CountProps, CountEncoders          uint32
	EncoderID, ConnectorID, ConnectorType, ConnectorTypeID uint32
	Connection, MmWidth, MmHeight, Subpixel uint32
	Pad uint32
}

type modeModeInfo struct {
	Clock                                  uint32
	Hdisplay, HsyncStart, HsyncEnd, Htotal, Hskew uint16
	Vdisplay, VsyncStart, VsyncEnd, Vtotal, Vscan uint16
	Vrefresh                               uint32
	Flags, Type                            uint32
	Name                                   [32]byte
}

type modeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FbID             uint32
	X, Y             uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             modeModeInfo
}

type modeCreateDumb struct {
	Height, Width uint32
	Bpp, Flags    uint32
	Handle        uint32
	Pitch         uint32
	Size          uint64
}

type modeMapDumb struct {
	Handle, Pad uint32
	Offset      uint64
}

type modeDestroyDumb struct {
	Handle uint32
}

type modeFB2 struct {
	FbID                 uint32
	Width, Height        uint32
	PixelFormat          uint32
	Flags                uint32
	Handles              [4]uint32
	Pitches              [4]uint32
	Offsets              [4]uint32
	Modifier             [4]uint64
}

type modePageFlip struct {
	CrtcID   uint32
	FbID     uint32
	Flags    uint32
	Reserved uint32
	UserData uint64
}

// drmEventHeader is the common prefix of every struct drm_event read
// off the DRM fd, used by the flip-event reader to dispatch without
// any string parsing (spec.md's Non-goals: typed connector-state
// changes only).
type drmEventHeader struct {
	Type   uint32
	Length uint32
}

type drmEventVblank struct {
	Base        drmEventHeader
	UserData    uint64
	TvSec       uint32
	TvUsec      uint32
	SequenceLo  uint32
	Crtc        uint32
	SequenceHi  uint32
}

const drmEventFlipComplete = 0x03

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return fmt.Errorf("hwc: haldrm: ioctl(0x%x): %w", req, errno)
	}
	return nil
}
