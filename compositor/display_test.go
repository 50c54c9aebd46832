package compositor

import (
	"context"
	"testing"
	"time"

	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/hal/halnoop"
	"github.com/gogpu/hwc/types"
)

func newTestDisplay(t *testing.T) (*PhysicalDisplay, *DisplayQueue, *halnoop.Controller) {
	t.Helper()
	ctrl := halnoop.NewController(hal.Capabilities{Atomic: true, PanelFitter: true})
	alloc := halnoop.NewAllocator()
	bm := core.NewBufferManager(ctrl, alloc, nil)
	tl := core.NewTimeline(t.Name(), core.NewMemSyncDriver(), nil)

	pool := core.NewFramePool[Frame]()
	flip := NewPageFlipHandler(ctrl, tl, 1, nil, nil)
	flip.SetBufferManager(bm)
	queue := NewDisplayQueue(t.Name(), pool, bm, flip, nil)

	display := NewPhysicalDisplay(t.Name(), ctrl, queue, tl, nil, "", nil)
	return display, queue, ctrl
}

// newTestDisplayWithFitter is newTestDisplay plus a real
// PanelFitterArbiter shared under family, for tests exercising
// producer/consumer panel-fitter contention.
func newTestDisplayWithFitter(t *testing.T, family string) (*PhysicalDisplay, *DisplayQueue, *halnoop.Controller) {
	t.Helper()
	ctrl := halnoop.NewController(hal.Capabilities{Atomic: true, PanelFitter: true})
	alloc := halnoop.NewAllocator()
	bm := core.NewBufferManager(ctrl, alloc, nil)
	tl := core.NewTimeline(t.Name(), core.NewMemSyncDriver(), nil)

	pool := core.NewFramePool[Frame]()
	flip := NewPageFlipHandler(ctrl, tl, 1, nil, nil)
	flip.SetBufferManager(bm)
	queue := NewDisplayQueue(t.Name(), pool, bm, flip, nil)

	fitter := NewPanelFitterArbiter()
	display := NewPhysicalDisplay(t.Name(), ctrl, queue, tl, fitter, family, nil)
	return display, queue, ctrl
}

func TestPhysicalDisplay_StartupReachesPendingStart(t *testing.T) {
	display, queue, _ := newTestDisplay(t)
	queue.QueueEvent(Event{
		Kind:       EventStartup,
		Connection: Connection{ConnectorID: 1, CRTCID: 1, HasPipe: true, Connected: true},
		IsNew:      true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)
	defer queue.Close()

	if ok, err := queue.Flush(context.Background(), FrameID{}, time.Second); !ok || err != nil {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}
	if got := display.Status(); got != StatusPendingStart {
		t.Fatalf("status = %v, want PendingStart", got)
	}
}

func TestPhysicalDisplay_ShutdownReleasesAndBlanksController(t *testing.T) {
	display, queue, ctrl := newTestDisplay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)
	defer queue.Close()

	queue.QueueEvent(Event{Kind: EventShutdown, ReleaseTo: 0})
	if ok, err := queue.Flush(context.Background(), FrameID{}, time.Second); !ok || err != nil {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}

	if display.Status() != StatusShutdown {
		t.Fatalf("status = %v, want Shutdown", display.Status())
	}
	if !ctrl.LastCommit().Blank {
		t.Fatalf("expected a blanking commit on shutdown")
	}
	if ctrl.DPMS() != types.DPMSOff {
		t.Fatalf("DPMS = %v, want Off", ctrl.DPMS())
	}
}

func TestPhysicalDisplay_MaybeRecoverFromESDRunsOnlyOncePerEpisode(t *testing.T) {
	display, _, ctrl := newTestDisplay(t)
	display.RequestRecovery()

	if err := display.MaybeRecoverFromESD(types.DisplayConfig{}); err != nil {
		t.Fatalf("MaybeRecoverFromESD: %v", err)
	}
	if display.RecoveryEpoch() != 1 {
		t.Fatalf("RecoveryEpoch = %d, want 1", display.RecoveryEpoch())
	}
	if ctrl.DPMS() != types.DPMSOn {
		t.Fatalf("DPMS = %v, want On after recovery", ctrl.DPMS())
	}

	// No recovery pending: second call is a no-op.
	if err := display.MaybeRecoverFromESD(types.DisplayConfig{}); err != nil {
		t.Fatalf("MaybeRecoverFromESD (no-op): %v", err)
	}
	if display.RecoveryEpoch() != 1 {
		t.Fatalf("RecoveryEpoch = %d, want still 1", display.RecoveryEpoch())
	}
}

func TestPhysicalDisplay_HandleHotplugDisconnectRetiresInFlightFrames(t *testing.T) {
	display, queue, ctrl := newTestDisplay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)
	defer queue.Close()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctrl.FireVblank()
			case <-ctx.Done():
				return
			}
		}
	}()

	var fds []int
	for i := 0; i < 3; i++ {
		fd, err := queue.QueueFrame([]LayerInput{{AcquireFenceFD: -1}}, types.DisplayConfig{})
		if err != nil {
			t.Fatalf("QueueFrame: %v", err)
		}
		fds = append(fds, fd)
	}

	if err := display.HandleHotplugDisconnect(context.Background(), 0, 2*time.Second); err != nil {
		t.Fatalf("HandleHotplugDisconnect: %v", err)
	}
	if display.Status() != StatusShutdown {
		t.Fatalf("status = %v, want Shutdown", display.Status())
	}
	_ = fds
	cancel()
	<-pumpDone
}
