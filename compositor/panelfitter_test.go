package compositor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/hal/halnoop"
	"github.com/gogpu/hwc/types"
)

func TestPanelFitterArbiter_SameFamilyContends(t *testing.T) {
	a := NewPanelFitterArbiter()
	if err := a.TryAcquire("family-a"); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	if err := a.TryAcquire("family-a"); !errors.Is(err, ErrPanelFitterBusy) {
		t.Fatalf("second TryAcquire = %v, want ErrPanelFitterBusy", err)
	}
	a.Release("family-a")
	if err := a.TryAcquire("family-a"); err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
}

func TestPanelFitterArbiter_DifferentFamiliesDoNotContend(t *testing.T) {
	a := NewPanelFitterArbiter()
	if err := a.TryAcquire("family-a"); err != nil {
		t.Fatalf("TryAcquire family-a: %v", err)
	}
	if err := a.TryAcquire("family-b"); err != nil {
		t.Fatalf("TryAcquire family-b should not contend with family-a: %v", err)
	}
}

func TestAcquirePanelFitterFor_DisabledNeverReserves(t *testing.T) {
	arb := NewPanelFitterArbiter()
	if acquired := AcquirePanelFitterFor(arb, "fam", types.GlobalScaling{Enabled: false}); acquired {
		t.Fatalf("AcquirePanelFitterFor(disabled) = true, want false")
	}
	// Nothing was reserved, so another display's acquisition for the
	// same family must still succeed.
	if err := arb.TryAcquire("fam"); err != nil {
		t.Fatalf("fitter held after a disabled-scaling acquisition attempt: %v", err)
	}
}

func TestAcquirePanelFitterFor_BusyReturnsFalseNotError(t *testing.T) {
	arb := NewPanelFitterArbiter()
	if err := arb.TryAcquire("fam"); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	acquired := AcquirePanelFitterFor(arb, "fam", types.GlobalScaling{Enabled: true, DstW: 100, DstH: 100})
	if acquired {
		t.Fatalf("AcquirePanelFitterFor() = true while another display holds the fitter")
	}
}

func TestApplyPanelFitter_DisabledTurnsFitterOff(t *testing.T) {
	ctrl := halnoop.NewController(hal.Capabilities{PanelFitter: true})
	arb := NewPanelFitterArbiter()

	if err := ApplyPanelFitter(context.Background(), ctrl, arb, "fam", types.GlobalScaling{Enabled: false}, false); err != nil {
		t.Fatalf("ApplyPanelFitter: %v", err)
	}
	if ctrl.PanelFitterMode() != types.PanelFitterOff {
		t.Fatalf("PanelFitterMode() = %v, want Off", ctrl.PanelFitterMode())
	}
}

func TestApplyPanelFitter_NotAcquiredTurnsFitterOffWithoutBlocking(t *testing.T) {
	// A frame whose QueueFrame call lost the per-family race still
	// reaches ApplyPanelFitter with acquired=false; it must turn the
	// fitter off rather than error or contend for the semaphore itself.
	ctrl := halnoop.NewController(hal.Capabilities{PanelFitter: true})
	arb := NewPanelFitterArbiter()
	if err := arb.TryAcquire("fam"); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	if err := ApplyPanelFitter(context.Background(), ctrl, arb, "fam", types.GlobalScaling{Enabled: true, DstW: 100, DstH: 100}, false); err != nil {
		t.Fatalf("ApplyPanelFitter: %v", err)
	}
	if ctrl.PanelFitterMode() != types.PanelFitterOff {
		t.Fatalf("PanelFitterMode() = %v, want Off", ctrl.PanelFitterMode())
	}
	// The held reservation is untouched - ApplyPanelFitter must not
	// have released a lock it never acquired.
	if err := arb.TryAcquire("fam"); !errors.Is(err, ErrPanelFitterBusy) {
		t.Fatalf("TryAcquire after ApplyPanelFitter(acquired=false) = %v, want ErrPanelFitterBusy", err)
	}
}

func TestApplyPanelFitter_AcquiredProgramsAndReleases(t *testing.T) {
	ctrl := halnoop.NewController(hal.Capabilities{PanelFitter: true})
	arb := NewPanelFitterArbiter()
	scaling := types.GlobalScaling{Enabled: true, DstW: 100, DstH: 100}
	acquired := AcquirePanelFitterFor(arb, "fam", scaling)
	if !acquired {
		t.Fatalf("AcquirePanelFitterFor() = false, want true (uncontended)")
	}

	if err := ApplyPanelFitter(context.Background(), ctrl, arb, "fam", scaling, acquired); err != nil {
		t.Fatalf("ApplyPanelFitter: %v", err)
	}
	if ctrl.PanelFitterMode() != types.PanelFitterManual {
		t.Fatalf("PanelFitterMode() = %v, want Manual", ctrl.PanelFitterMode())
	}
	// ApplyPanelFitter must release the reservation once programmed.
	if err := arb.TryAcquire("fam"); err != nil {
		t.Fatalf("fitter left held after ApplyPanelFitter: %v", err)
	}
}

// TestPanelFitter_QueueFrameAcquiresOnProducerThread exercises the full
// QueueFrame -> preFlip -> Flip path under fitter contention: a second
// display sharing the same controller family already holds the fitter
// when QueueFrame runs, so the frame's producer-thread reservation is
// lost; the frame must still flip, just without hardware scaling,
// never retire, spec.md §4.E/§7.
func TestPanelFitter_QueueFrameAcquiresOnProducerThread(t *testing.T) {
	display, queue, ctrl := newTestDisplayWithFitter(t, "shared-family")
	arb, family := display.fitter, display.family

	if err := arb.TryAcquire(family); err != nil {
		t.Fatalf("seed TryAcquire: %v", err)
	}
	t.Cleanup(func() { arb.Release(family) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpVblank(ctx, ctrl)
	go queue.Run(ctx)
	defer queue.Close()

	fd, err := queue.QueueFrame([]LayerInput{{AcquireFenceFD: -1}}, types.DisplayConfig{
		GlobalScaling: types.GlobalScaling{Enabled: true, DstW: 100, DstH: 100},
	})
	if err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}

	if ok, err := queue.Flush(context.Background(), FrameID{}, 2*time.Second); !ok || err != nil {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}
	if signalled, err := waitFD(fd, time.Second); err != nil || !signalled {
		t.Fatalf("retire fence signalled=%v err=%v, want true", signalled, err)
	}

	if got := ctrl.CommitCount(); got != 1 {
		t.Fatalf("CommitCount() = %d, want 1 (contention must not retire the frame)", got)
	}
	if got := ctrl.PanelFitterMode(); got != types.PanelFitterOff {
		t.Fatalf("PanelFitterMode() = %v, want Off (lost the producer-side race)", got)
	}
}
