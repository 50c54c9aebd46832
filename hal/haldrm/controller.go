// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

//go:build linux

package haldrm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/types"
)

// Controller is a legacy (non-atomic) hal.Controller over a DRM device
// node. It programs the CRTC's primary plane with SetCRTC at mode-set
// time and drives frame updates with DRM_IOCTL_MODE_PAGE_FLIP,
// preferring libdrm's wrapper when available and falling back to the
// raw ioctl otherwise. Only one plane (the primary) is ever
// programmed: EventPlaneCapability is always EventPlaneMainOrFirstSprite
// since a legacy page flip has no concept of a second plane.
type Controller struct {
	log        *slog.Logger
	file       *os.File
	fd         int
	crtcID     uint32
	connID     uint32
	lib        *libdrm
	allocator  *Allocator

	mu       sync.Mutex
	fbs      map[types.DeviceFBID]uint32 // DeviceFBID -> drm fb id
	nextFBID types.DeviceFBID
	pending  bool
	onFlip   func()

	closeCh chan struct{}
	closed  bool
}

// Open opens path (typically "/dev/dri/card0") and claims DRM master
// for crtcID/connID, the pair a caller resolves once at startup via
// DRM_IOCTL_MODE_GETRESOURCES/GETCONNECTOR (not reimplemented here;
// spec.md's Non-goals exclude enumeration policy).
func Open(path string, crtcID, connID uint32, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = defaultLogger()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hwc: haldrm: open %s: %w", path, err)
	}
	fd := int(f.Fd())
	if err := ioctl(fd, ioctlSetMaster, nil); err != nil {
		log.Warn("drmSetMaster failed, proceeding as non-master", "error", err)
	}

	c := &Controller{
		log: log, file: f, fd: fd, crtcID: crtcID, connID: connID,
		fbs: make(map[types.DeviceFBID]uint32), lib: loadLibdrm(),
		closeCh: make(chan struct{}),
	}
	go c.eventLoop()
	return c, nil
}

func (c *Controller) Capabilities() hal.Capabilities {
	return hal.Capabilities{Atomic: false, PanelFitter: false, EventPlane: hal.EventPlaneMainOrFirstSprite}
}

// Fd returns the DRM device fd this Controller was opened on, so a
// caller can construct the matching Allocator (dumb buffers are
// created against the same master fd that owns the CRTC).
func (c *Controller) Fd() int {
	return c.fd
}

func (c *Controller) ImportFramebuffer(handle types.BufferHandle, _ types.BlendMode, details types.BufferDetails) (types.DeviceFBID, error) {
	fd, ok := c.gemHandleSource(handle)
	if !ok {
		return 0, nil
	}

	var fbID uint32
	var err error
	handles := [4]uint32{fd}
	pitches := [4]uint32{details.Pitch}
	offsets := [4]uint32{0}

	if c.lib != nil {
		fbID, err = c.lib.addFB2(c.fd, details.Width, details.Height, fourccXRGB8888, &handles, &pitches, &offsets)
	} else {
		req := modeFB2{
			Width: details.Width, Height: details.Height, PixelFormat: fourccXRGB8888,
			Handles: handles, Pitches: pitches, Offsets: offsets,
		}
		if ierr := ioctl(c.fd, ioctlModeAddFb2, unsafe.Pointer(&req)); ierr != nil {
			err = ierr
		} else {
			fbID = req.FbID
		}
	}
	if err != nil {
		// A bad format/modifier is reported to the caller as a soft
		// failure, not propagated - buffer import failures are handled
		// as content, not as a hal error (hal.Controller.ImportFramebuffer).
		c.log.Warn("ImportFramebuffer failed", "handle", handle, "error", err)
		return 0, nil
	}

	c.mu.Lock()
	c.nextFBID++
	id := c.nextFBID
	c.fbs[id] = fbID
	c.mu.Unlock()
	return id, nil
}

// gemHandleSource resolves handle's GEM handle via whichever Allocator
// this Controller's BufferManager was constructed with; callers that
// wire in a haldrm.Allocator get real DRM import, others get (0,
// false) and every import is reported as a soft failure.
func (c *Controller) gemHandleSource(handle types.BufferHandle) (uint32, bool) {
	if c.allocator == nil {
		return 0, false
	}
	return c.allocator.gemHandleOf(handle)
}

// SetAllocator wires the paired haldrm.Allocator in after construction
// (it needs the Controller's fd, so Controller must exist first - the
// two are constructed in opposite order a plain constructor argument
// would allow).
func (c *Controller) SetAllocator(a *Allocator) { c.allocator = a }

func (c *Controller) DestroyFramebuffer(id types.DeviceFBID) error {
	c.mu.Lock()
	fbID, ok := c.fbs[id]
	delete(c.fbs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	req := fbID
	return ioctl(c.fd, ioctlModeRmFb, unsafe.Pointer(&req))
}

func (c *Controller) Commit(ctx context.Context, req hal.CommitRequest, onComplete func()) error {
	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return hal.ErrFlipInFlight
	}
	c.pending = true
	c.onFlip = onComplete
	c.mu.Unlock()

	if req.Blank || len(req.Planes) == 0 {
		// A blanking commit issues no page flip, so no kernel flip
		// event will arrive for it; complete it from a new goroutine,
		// never from within Commit (hal.Controller contract).
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
		if onComplete != nil {
			go onComplete()
		}
		return nil
	}

	primary := req.Planes[0]
	c.mu.Lock()
	fbID, ok := c.fbs[primary.FB]
	c.mu.Unlock()
	if !ok {
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
		return fmt.Errorf("hwc: haldrm: Commit: unknown fb %d", primary.FB)
	}

	var err error
	if c.lib != nil {
		err = c.lib.pageFlip(c.fd, c.crtcID, fbID, drmModePageFlipEvent)
	} else {
		preq := modePageFlip{CrtcID: c.crtcID, FbID: fbID, Flags: drmModePageFlipEvent}
		err = ioctl(c.fd, ioctlModePageFlip, unsafe.Pointer(&preq))
	}
	if err != nil {
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
		return fmt.Errorf("hwc: haldrm: PageFlip: %w", err)
	}
	return nil
}

func (c *Controller) SetDPMS(types.DPMSMode) error {
	// DPMS is a connector property (DRM_IOCTL_MODE_OBJ_SETPROPERTY);
	// resolving the property id requires an OBJ_GETPROPERTIES round
	// trip this minimal controller does not cache. Left for a fuller
	// KMS property-cache layer; not exercised by the legacy commit
	// path above.
	return nil
}

func (c *Controller) SetPanelFitter(mode types.PanelFitterMode, _ types.RectI) error {
	if mode == types.PanelFitterOff {
		return nil
	}
	return hal.ErrPanelFitterUnsupported
}

func (c *Controller) SetCRTC(cfg types.DisplayConfig) error {
	mode := modeModeInfo{
		Hdisplay: uint16(cfg.Width), Vdisplay: uint16(cfg.Height), //nolint:gosec // display extents
		Vrefresh: cfg.RefreshMHz / 1000,
	}
	c.mu.Lock()
	var fbID uint32
	for _, id := range c.fbs {
		fbID = id
		break
	}
	c.mu.Unlock()

	if c.lib != nil {
		return c.lib.setCrtc(c.fd, c.crtcID, fbID, &c.connID, &mode)
	}
	req := modeCrtc{
		SetConnectorsPtr: uint64(uintptr(unsafe.Pointer(&c.connID))),
		CountConnectors:  1, CrtcID: c.crtcID, FbID: fbID, ModeValid: 1, Mode: mode,
	}
	return ioctl(c.fd, ioctlModeSetCrtc, unsafe.Pointer(&req))
}

func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeCh)
	ioctl(c.fd, ioctlDropMaster, nil) //nolint:errcheck // best-effort on close
	return c.file.Close()
}

// eventLoop polls the DRM fd for flip-complete events and invokes the
// commit's onComplete callback, mirroring
// PageFlipHandler.page_flip_event's caller contract: the event thread
// is external to the worker goroutine that issued Commit.
func (c *Controller) eventLoop() {
	buf := make([]byte, 1024)
	for {
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 200)
		select {
		case <-c.closeCh:
			return
		default:
		}
		if err != nil || n == 0 {
			continue
		}

		nread, err := unix.Read(c.fd, buf)
		if err != nil || nread < int(unsafe.Sizeof(drmEventHeader{})) {
			continue
		}
		off := 0
		for off+int(unsafe.Sizeof(drmEventHeader{})) <= nread {
			hdr := (*drmEventHeader)(unsafe.Pointer(&buf[off]))
			if hdr.Length == 0 || off+int(hdr.Length) > nread {
				break
			}
			if hdr.Type == drmEventFlipComplete {
				c.mu.Lock()
				c.pending = false
				cb := c.onFlip
				c.mu.Unlock()
				if cb != nil {
					cb()
				}
			}
			off += int(hdr.Length)
		}
	}
}

func defaultLogger() *slog.Logger { return hal.Logger() }
