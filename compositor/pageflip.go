package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/hal"
)

// flipWatchdog is how long PageFlipHandler waits for a flip-complete
// event before assuming the controller lost it, per spec.md §4.C/§5:
// "a watchdog (1 s) force-completes on timeout (policy: assume the
// controller lost the event; log, release, continue)."
const flipWatchdog = 1 * time.Second

// PageFlipHandler holds the single-flip-in-flight invariant demanded
// by the controller (spec.md §4.C): at any time, at most one frame's
// commit is outstanding.
type PageFlipHandler struct {
	log        *slog.Logger
	controller hal.Controller
	timeline   *core.Timeline
	crtcID     uint32

	// releaseFrame returns a retired Frame's pool slot to the owning
	// DisplayQueue; set by the queue at construction (spec.md §4.D
	// "release_frame(frame) ... called by the page-flip handler").
	releaseFrame func(*Frame)

	mu            sync.Mutex
	current       *Frame
	lastFlipped   *Frame
	flipIssuedAt  time.Time
	bufferManager *core.BufferManager
}

// NewPageFlipHandler creates a handler for one display's controller
// and timeline. releaseFrame is called once per retired frame.
func NewPageFlipHandler(controller hal.Controller, timeline *core.Timeline, crtcID uint32, releaseFrame func(*Frame), log *slog.Logger) *PageFlipHandler {
	return &PageFlipHandler{
		log:          defaultLogger(log),
		controller:   controller,
		timeline:     timeline,
		crtcID:       crtcID,
		releaseFrame: releaseFrame,
	}
}

// RegisterNextFutureFrame allocates a new timeline slot and retire
// fence, called before enqueue so the producer receives a retire fence
// (spec.md §4.C).
func (h *PageFlipHandler) RegisterNextFutureFrame() (*core.Fence, uint32, error) {
	return h.timeline.CreateFence()
}

// RegisterRepeatFutureFrame returns a fence on the most recently
// allocated slot, for dropped frames (spec.md §4.C/§4.D queue_drop).
func (h *PageFlipHandler) RegisterRepeatFutureFrame() (*core.Fence, uint32, error) {
	return h.timeline.RepeatFence()
}

// ReadyForFlip reports whether a new flip may be issued: false while a
// previous commit is outstanding. A watchdog force-completes an
// overdue flip as a side effect of this check, per spec.md §4.C.
func (h *PageFlipHandler) ReadyForFlip() bool {
	h.mu.Lock()
	overdue := h.lastFlipped != nil && time.Since(h.flipIssuedAt) > flipWatchdog
	lf := h.lastFlipped
	h.mu.Unlock()

	if overdue {
		h.log.Warn("flip watchdog fired, forcing completion", "display", h.timeline.Name(), "frame", lf.ID)
		h.PageFlipEvent()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFlipped == nil
}

// Flip synchronises with any prior outstanding flip, then programs the
// controller with frame's layers. Returns true iff a flip-complete
// event has been validly requested (spec.md §4.C).
func (h *PageFlipHandler) Flip(ctx context.Context, frame *Frame) (bool, error) {
	for !h.ReadyForFlip() {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	req := buildCommitRequest(h.crtcID, frame.Content)
	if err := h.controller.Commit(ctx, req, h.PageFlipEvent); err != nil {
		return false, fmt.Errorf("hwc: PageFlipHandler(%s).Flip: %w", h.timeline.Name(), err)
	}

	h.mu.Lock()
	h.lastFlipped = frame
	h.flipIssuedAt = time.Now()
	h.mu.Unlock()
	frame.State = FrameLockedForDisplay
	return true, nil
}

// Retire advances the timeline to frame's slot without flipping it,
// used when the queue decides to skip a frame (spec.md §4.C).
func (h *PageFlipHandler) Retire(frame *Frame) error {
	if err := h.timeline.AdvanceTo(frame.retireSlot); err != nil {
		return err
	}
	frame.Content.Release(h.bufferManagerOf())
	frame.State = FrameFree
	if h.releaseFrame != nil {
		h.releaseFrame(frame)
	}
	return nil
}

// bufferManagerOf is a seam for Content.Release; PageFlipHandler does
// not itself own a BufferManager reference (it only touches layers
// through Content.Release, which only needs the pointer to drop
// refcounts). Display wires the real BufferManager in via
// SetBufferManager before any frame is queued.
func (h *PageFlipHandler) bufferManagerOf() *core.BufferManager {
	return h.bufferManager
}

// SetBufferManager installs the BufferManager used to release layer
// buffer references on retire/page-flip-event.
func (h *PageFlipHandler) SetBufferManager(bm *core.BufferManager) {
	h.bufferManager = bm
}

// PageFlipEvent is called from an external event thread when the
// controller signals commit-complete (spec.md §4.C):
//  1. validate lastFlipped is set;
//  2. retire current (release its buffers) and release the timeline up
//     to lastFlipped.ID.TimelineIndex, lastFlipped's own retire slot, so
//     its retire fence signals and all earlier inserted-but-not-flipped
//     work also retires;
//  3. current = lastFlipped; lastFlipped = nil;
//  4. signal ReadyForFlip (implicit: lastFlipped == nil).
func (h *PageFlipHandler) PageFlipEvent() {
	h.mu.Lock()
	lf := h.lastFlipped
	if lf == nil {
		h.mu.Unlock()
		h.log.Warn("page_flip_event with no outstanding flip", "display", h.timeline.Name())
		return
	}
	prev := h.current
	h.current = lf
	h.lastFlipped = nil
	h.mu.Unlock()

	if prev != nil {
		prev.Content.Release(h.bufferManager)
		prev.State = FrameFree
		if h.releaseFrame != nil {
			h.releaseFrame(prev)
		}
	}

	if lf.ID.TimelineIndex > 0 {
		if err := h.timeline.AdvanceTo(lf.ID.TimelineIndex); err != nil {
			h.log.Warn("timeline release on page_flip_event failed", "display", h.timeline.Name(), "err", err)
		}
	}
}

// buildCommitRequest maps a Content's LayerStack onto the controller's
// plane list. Plane assignment itself (which layer goes on which
// hardware plane) is the composition-policy collaborator spec.md §1
// excludes from the core; this maps z-order directly to plane index,
// the identity assignment a policy layer above may override.
func buildCommitRequest(crtcID uint32, content Content) hal.CommitRequest {
	req := hal.CommitRequest{CRTCID: crtcID, Blank: content.IsBlank()}
	req.Planes = make([]hal.PlaneCommit, 0, len(content.Layers))
	for i, l := range content.Layers {
		req.Planes = append(req.Planes, hal.PlaneCommit{
			PlaneID:   uint32(i), //nolint:gosec // plane index, bounded by layer count
			FB:        l.DeviceID,
			SrcRect:   l.SrcRect,
			DstRect:   l.DstRect,
			Transform: l.Transform,
			Alpha:     l.PlaneAlpha,
			ZOrder:    i,
			Enabled:   !l.IsBlank(),
		})
	}
	return req
}
