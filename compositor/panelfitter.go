package compositor

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/gogpu/hwc/types"
)

// PanelFitterArbiter serialises panel-fitter (hardware scaler)
// acquisition across displays, keyed per controller family rather
// than globally: only displays sharing the same physical scaler
// hardware contend, SUPPLEMENTED FEATURES #5. Each family gets its own
// weighted semaphore of size 1.
type PanelFitterArbiter struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewPanelFitterArbiter creates an empty arbiter; families are created
// lazily on first use.
func NewPanelFitterArbiter() *PanelFitterArbiter {
	return &PanelFitterArbiter{sems: make(map[string]*semaphore.Weighted)}
}

func (a *PanelFitterArbiter) familySem(family string) *semaphore.Weighted {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sems[family]
	if !ok {
		s = semaphore.NewWeighted(1)
		a.sems[family] = s
	}
	return s
}

// TryAcquire attempts to acquire family's panel fitter without
// blocking. Returns ErrPanelFitterBusy if another display in the same
// family currently holds it, per spec.md §8 boundary behaviour: a busy
// fitter must fail the requesting display without stalling any other
// display.
func (a *PanelFitterArbiter) TryAcquire(family string) error {
	if !a.familySem(family).TryAcquire(1) {
		return ErrPanelFitterBusy
	}
	return nil
}

// Release releases family's panel fitter, previously acquired via
// TryAcquire.
func (a *PanelFitterArbiter) Release(family string) {
	a.familySem(family).Release(1)
}

// AcquirePanelFitterFor reserves arbiter's family slot for a frame
// carrying scaling, on the producer thread, spec.md §4.E: "acquired on
// the producer thread and applied on the consumer thread". Returns
// false - not an error - when scaling is disabled (nothing to reserve)
// or another display in the family already holds the fitter; either
// way the frame still queues and is flipped later without hardware
// scaling (spec.md §7: a busy fitter is not fatal, the frame must
// instead be pre-scaled by a renderer).
func AcquirePanelFitterFor(arbiter *PanelFitterArbiter, family string, scaling types.GlobalScaling) bool {
	if arbiter == nil || !scaling.Enabled {
		return false
	}
	return arbiter.TryAcquire(family) == nil
}

// ApplyPanelFitter programs controller's panel fitter on the consumer
// thread from a reservation already won in AcquirePanelFitterFor.
// acquired=false (scaling disabled, or the producer-side reservation
// was lost to another display) just turns the fitter off instead of
// erroring - contention is resolved entirely at queue time, so there is
// nothing left to wait for here.
func ApplyPanelFitter(ctx context.Context, controller interface {
	SetPanelFitter(mode types.PanelFitterMode, dst types.RectI) error
}, arbiter *PanelFitterArbiter, family string, scaling types.GlobalScaling, acquired bool) error {
	if !acquired {
		return controller.SetPanelFitter(types.PanelFitterOff, types.RectI{})
	}
	defer arbiter.Release(family)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dst := types.RectI{
		X: scaling.DstX, Y: scaling.DstY,
		W: int32(scaling.DstW), H: int32(scaling.DstH), //nolint:gosec // display extents, bounded
	}
	return controller.SetPanelFitter(types.PanelFitterManual, dst)
}
