package compositor

import "errors"

// Sentinel errors for the compositor package, matched with errors.Is
// per spec.md §7's error taxonomy.
var (
	// ErrNoFreeFrame is spec.md §7's ResourceExhaustion: the frame pool
	// is at capacity and every frame is locked for display, so
	// queue_frame cannot even drop an older one to make room.
	ErrNoFreeFrame = errors.New("compositor: no free frame slot")

	// ErrConsumerBlocked is spec.md §7's ConsumerBlocked: Flush was
	// called while the consumer is in an uninterruptible critical
	// section (e.g. mode-setting).
	ErrConsumerBlocked = errors.New("compositor: consumer blocked")

	// ErrWorkerMustNotFlush is returned by Flush when called from the
	// queue's own worker goroutine, per spec.md §9 open question 2: the
	// worker may never flush itself.
	ErrWorkerMustNotFlush = errors.New("compositor: worker goroutine may not call Flush on its own queue")

	// ErrPanelFitterBusy is returned by PanelFitterArbiter.TryAcquire
	// when another display in the same controller family already holds it
	// (spec.md §8 boundary behaviour 12).
	ErrPanelFitterBusy = errors.New("compositor: panel fitter already acquired by another display in this family")

	// ErrDisplayNotAvailable is returned by
	// PhysicalDisplay.HandleHotplugDisconnect when the flush after its
	// Shutdown event times out before the queue drains.
	ErrDisplayNotAvailable = errors.New("compositor: display not available")
)
