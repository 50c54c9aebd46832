package compositor

import (
	"context"
	"testing"
	"time"

	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/hal/halnoop"
)

// newTestFrame snapshots a single blank layer into a pool-registered
// Frame, mimicking what DisplayQueue.QueueFrame does internally, so
// PageFlipHandler can be exercised without going through the queue's
// bounded-drop machinery.
func newTestFrame(t *testing.T, pool *core.FramePool[Frame], bm *core.BufferManager, tl *core.Timeline, timelineIndex uint32) *Frame {
	t.Helper()
	layer, err := NewLayerSnapshot(LayerInput{AcquireFenceFD: -1}, bm)
	if err != nil {
		t.Fatalf("NewLayerSnapshot: %v", err)
	}
	f := Frame{
		ID:         FrameID{TimelineIndex: timelineIndex, Valid: true},
		Content:    Content{Layers: LayerStack{layer}},
		State:      FrameQueued,
		Valid:      true,
		retireSlot: timelineIndex,
	}
	poolID := pool.Register(f)
	got, err := pool.Get(poolID)
	if err != nil {
		t.Fatalf("pool.Get: %v", err)
	}
	got.poolID = poolID
	return &got
}

func newTestHandler(t *testing.T) (*PageFlipHandler, *halnoop.Controller, *core.FramePool[Frame], *core.BufferManager, *core.Timeline, chan *Frame) {
	t.Helper()
	ctrl := halnoop.NewController(hal.Capabilities{Atomic: true})
	alloc := halnoop.NewAllocator()
	bm := core.NewBufferManager(ctrl, alloc, nil)
	tl := core.NewTimeline(t.Name(), core.NewMemSyncDriver(), nil)
	pool := core.NewFramePool[Frame]()

	released := make(chan *Frame, 16)
	flip := NewPageFlipHandler(ctrl, tl, 1, func(f *Frame) { released <- f }, nil)
	flip.SetBufferManager(bm)
	return flip, ctrl, pool, bm, tl, released
}

func TestPageFlipHandler_FlipThenPageFlipEventRetiresPrevious(t *testing.T) {
	flip, ctrl, pool, bm, tl, released := newTestHandler(t)

	f1 := newTestFrame(t, pool, bm, tl, 0)
	ok, err := flip.Flip(context.Background(), f1)
	if err != nil || !ok {
		t.Fatalf("Flip f1: ok=%v err=%v", ok, err)
	}
	if flip.ReadyForFlip() {
		t.Fatalf("ReadyForFlip = true while a flip is outstanding")
	}
	if !ctrl.HasPendingFlip() {
		t.Fatalf("controller has no pending commit after Flip")
	}

	ctrl.FireVblank()
	if f1.State != FrameLockedForDisplay {
		// PageFlipEvent only frees the *previous* current frame; f1 is
		// now "current" and stays locked until superseded.
		t.Fatalf("f1.State = %v, want LockedForDisplay (still current)", f1.State)
	}
	if !flip.ReadyForFlip() {
		t.Fatalf("ReadyForFlip = false after vblank fired")
	}

	f2 := newTestFrame(t, pool, bm, tl, 1)
	ok, err = flip.Flip(context.Background(), f2)
	if err != nil || !ok {
		t.Fatalf("Flip f2: ok=%v err=%v", ok, err)
	}
	ctrl.FireVblank()

	select {
	case got := <-released:
		if got.ID.TimelineIndex != f1.ID.TimelineIndex {
			t.Fatalf("released frame %v, want f1 %v", got.ID, f1.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("f1 was never released after f2 superseded it")
	}
}

func TestPageFlipHandler_ReadyForFlipWatchdogForcesCompletion(t *testing.T) {
	flip, ctrl, pool, bm, tl, released := newTestHandler(t)
	f1 := newTestFrame(t, pool, bm, tl, 0)

	if ok, err := flip.Flip(context.Background(), f1); err != nil || !ok {
		t.Fatalf("Flip: ok=%v err=%v", ok, err)
	}

	flip.mu.Lock()
	flip.flipIssuedAt = time.Now().Add(-2 * flipWatchdog)
	flip.mu.Unlock()

	if !flip.ReadyForFlip() {
		t.Fatalf("ReadyForFlip = false, want the watchdog to have force-completed the stale flip")
	}

	f2 := newTestFrame(t, pool, bm, tl, 1)
	if ok, err := flip.Flip(context.Background(), f2); err != nil || !ok {
		t.Fatalf("Flip f2 after watchdog recovery: ok=%v err=%v", ok, err)
	}
	ctrl.FireVblank()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatalf("watchdog-forced frame was never released")
	}
}

func TestPageFlipHandler_RetireAdvancesTimelineWithoutFlipping(t *testing.T) {
	flip, ctrl, pool, bm, tl, released := newTestHandler(t)
	f := newTestFrame(t, pool, bm, tl, 0)

	if err := flip.Retire(f); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if f.State != FrameFree {
		t.Fatalf("f.State = %v, want Free", f.State)
	}
	if ctrl.CommitCount() != 0 {
		t.Fatalf("CommitCount = %d, want 0 (Retire must never commit)", ctrl.CommitCount())
	}

	select {
	case got := <-released:
		if got != f {
			t.Fatalf("released wrong frame")
		}
	case <-time.After(time.Second):
		t.Fatalf("Retire never called releaseFrame")
	}

	if got := tl.Current(); got != f.retireSlot {
		t.Fatalf("Timeline.Current() = %d, want %d", got, f.retireSlot)
	}
}
