package halnoop

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/types"
)

// Controller is a fake hal.Controller backed entirely by in-process
// state. It never touches a kernel: ImportFramebuffer mints sequential
// ids, Commit records the request and defers completion until the
// test (or demo driver) calls FireVblank, matching the single
// flip-in-flight discipline real page-flip hardware enforces.
type Controller struct {
	caps hal.Capabilities

	mu         sync.Mutex
	nextFB     uint32
	fbs        map[types.DeviceFBID]fbRecord
	dpms       types.DPMSMode
	pfMode     types.PanelFitterMode
	pfDst      types.RectI
	crtc       types.DisplayConfig
	lastCommit hal.CommitRequest
	pending    func()
	closed     bool

	commitCount atomic.Int64
}

type fbRecord struct {
	handle types.BufferHandle
	blend  types.BlendMode
}

// NewController creates a Controller with the given capability set.
func NewController(caps hal.Capabilities) *Controller {
	return &Controller{
		caps: caps,
		fbs:  make(map[types.DeviceFBID]fbRecord),
	}
}

func (c *Controller) Capabilities() hal.Capabilities {
	return c.caps
}

func (c *Controller) ImportFramebuffer(handle types.BufferHandle, blend types.BlendMode, _ types.BufferDetails) (types.DeviceFBID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextFB++
	id := types.DeviceFBID(c.nextFB)
	c.fbs[id] = fbRecord{handle: handle, blend: blend}
	return id, nil
}

func (c *Controller) DestroyFramebuffer(id types.DeviceFBID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fbs, id)
	return nil
}

// Commit records req as the in-flight commit. onComplete is invoked by
// a later FireVblank call, never from within Commit itself, so callers
// can assert on the "flip issued but not yet confirmed" state.
func (c *Controller) Commit(_ context.Context, req hal.CommitRequest, onComplete func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return hal.ErrFlipInFlight
	}
	c.lastCommit = req
	c.pending = onComplete
	c.commitCount.Add(1)
	return nil
}

// FireVblank completes the in-flight commit, if any, invoking its
// onComplete callback outside the Controller's lock so the callback
// may itself call back into the Controller. Returns false if no
// commit is pending.
func (c *Controller) FireVblank() bool {
	c.mu.Lock()
	cb := c.pending
	c.pending = nil
	c.mu.Unlock()

	if cb == nil {
		return false
	}
	cb()
	return true
}

// HasPendingFlip reports whether a commit has been issued but not yet
// confirmed via FireVblank.
func (c *Controller) HasPendingFlip() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// LastCommit returns the most recently issued CommitRequest, for test
// assertions.
func (c *Controller) LastCommit() hal.CommitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCommit
}

// CommitCount returns the total number of Commit calls accepted.
func (c *Controller) CommitCount() int64 {
	return c.commitCount.Load()
}

func (c *Controller) SetDPMS(mode types.DPMSMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dpms = mode
	return nil
}

func (c *Controller) DPMS() types.DPMSMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dpms
}

func (c *Controller) SetPanelFitter(mode types.PanelFitterMode, dst types.RectI) error {
	if mode == types.PanelFitterManual && !c.caps.PanelFitter {
		return hal.ErrPanelFitterUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pfMode = mode
	c.pfDst = dst
	return nil
}

// PanelFitterMode returns the mode from the most recent SetPanelFitter
// call, for test assertions.
func (c *Controller) PanelFitterMode() types.PanelFitterMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pfMode
}

func (c *Controller) SetCRTC(cfg types.DisplayConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crtc = cfg
	return nil
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
