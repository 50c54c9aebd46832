package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/types"
)

// Status is a PhysicalDisplay's lifecycle state, spec.md §4.E:
// "Unknown -> PendingStart; first frame completes the mode-set and
// moves to Available" plus the Shutdown and Suspended states, which a
// later Startup or Resume event leaves again.
type Status int

const (
	StatusUnknown Status = iota
	StatusPendingStart
	StatusAvailable
	StatusShutdown
	StatusSuspended
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusPendingStart:
		return "PendingStart"
	case StatusAvailable:
		return "Available"
	case StatusShutdown:
		return "Shutdown"
	case StatusSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// PhysicalDisplay drives one DisplayQueue's lifecycle: Startup,
// Shutdown, Suspend, Resume, hotplug-driven re-prepare, and
// ESD-triggered controller recovery, per spec.md §4.E.
type PhysicalDisplay struct {
	log        *slog.Logger
	name       string
	controller hal.Controller
	fitter     *PanelFitterArbiter
	family     string

	queue    *DisplayQueue
	timeline *core.Timeline

	status    atomic.Int32
	conn      atomic.Pointer[Connection]
	recovery  atomic.Bool
	recoveryN atomic.Uint64
}

// NewPhysicalDisplay wires queue's event consumer to this display's
// lifecycle handler. family identifies the controller family for
// PanelFitterArbiter acquisition (spec.md SUPPLEMENTED FEATURES #5);
// fitter may be nil if the display has no panel fitter.
func NewPhysicalDisplay(name string, controller hal.Controller, queue *DisplayQueue, timeline *core.Timeline, fitter *PanelFitterArbiter, family string, log *slog.Logger) *PhysicalDisplay {
	d := &PhysicalDisplay{
		log:        defaultLogger(log),
		name:       name,
		controller: controller,
		fitter:     fitter,
		family:     family,
		queue:      queue,
		timeline:   timeline,
	}
	d.status.Store(int32(StatusUnknown))
	queue.SetEventConsumer(d.consumeEvent)
	queue.SetAcquireFitterHook(d.acquireFitter)
	queue.SetPreFlipHook(d.preFlip)
	queue.SetPostFlipHook(func(*Frame) { d.NotifyModeSetComplete() })
	return d
}

// Status returns the display's current lifecycle status.
func (d *PhysicalDisplay) Status() Status {
	return Status(d.status.Load())
}

// Connection returns the display's current connection, or the zero
// value if never started.
func (d *PhysicalDisplay) Connection() Connection {
	c := d.conn.Load()
	if c == nil {
		return Connection{}
	}
	return *c
}

// RequestRecovery sets the edge-triggered ESD-recovery flag from an
// external ESD-event thread, SUPPLEMENTED FEATURES #6: the worker
// clears it exactly once per episode on its next consume, so a second
// ESD event mid-recovery starts a new episode rather than collapsing
// into the first.
func (d *PhysicalDisplay) RequestRecovery() {
	d.recovery.Store(true)
}

// RecoveryEpoch returns the number of recovery episodes completed so
// far, for test observability only.
func (d *PhysicalDisplay) RecoveryEpoch() uint64 {
	return d.recoveryN.Load()
}

// consumeEvent is the display-specific handler wired via
// DisplayQueue.SetEventConsumer, implementing the state table of
// spec.md §4.E.
func (d *PhysicalDisplay) consumeEvent(ctx context.Context, e Event) {
	switch e.Kind {
	case EventStartup:
		d.handleStartup(ctx, e)
	case EventShutdown:
		d.handleShutdown(ctx, e)
	case EventSuspend:
		d.handleSuspend(ctx, e)
	case EventResume:
		d.handleResume(ctx, e)
	default:
		d.log.Warn("unknown event kind", "display", d.name, "kind", e.Kind)
	}
}

// handleStartup records the event's connection; it does not touch the
// controller or the page-flip handler. Status becomes Available only
// once the first frame completes the mode-set, so here it only reaches
// PendingStart (spec.md §4.E).
func (d *PhysicalDisplay) handleStartup(_ context.Context, e Event) {
	conn := e.Connection
	d.conn.Store(&conn)
	d.status.Store(int32(StatusPendingStart))
	d.log.Info("display startup", "display", d.name, "connector", conn.ConnectorID, "crtc", conn.CRTCID, "is_new", e.IsNew)
}

// NotifyModeSetComplete advances status PendingStart -> Available once
// the first frame's commit has landed; called by the worker after the
// first successful flip following Startup (spec.md §4.E "first frame
// completes the mode-set and moves to Available").
func (d *PhysicalDisplay) NotifyModeSetComplete() {
	d.status.CompareAndSwap(int32(StatusPendingStart), int32(StatusAvailable))
}

// handleShutdown flips blanking, releases all prior frames' retire
// fences, turns DPMS off, and marks the stored connection as having no
// pipe and as disconnected, spec.md §4.E. It issues no controller
// reset: hal.Controller has no reset operation.
func (d *PhysicalDisplay) handleShutdown(_ context.Context, e Event) {
	if err := d.controller.Commit(context.Background(), hal.CommitRequest{CRTCID: d.crtcID(), Blank: true}, func() {}); err != nil {
		d.log.Warn("shutdown blank commit failed", "display", d.name, "err", err)
	}
	if err := d.timeline.AdvanceTo(e.ReleaseTo); err != nil {
		d.log.Warn("shutdown release failed", "display", d.name, "err", err)
	}
	if err := d.controller.SetDPMS(types.DPMSOff); err != nil {
		d.log.Warn("shutdown dpms off failed", "display", d.name, "err", err)
	}
	if c := d.conn.Load(); c != nil {
		released := *c
		released.HasPipe = false
		released.Connected = false
		d.conn.Store(&released)
	}
	d.status.Store(int32(StatusShutdown))
	d.log.Info("display shutdown", "display", d.name)
}

// handleSuspend flips blanking, releases to release_to, and
// optionally turns DPMS off, spec.md §4.E. Buffer-resource release
// ("optionally release dbuf") is left to the caller's BufferManager
// policy; PhysicalDisplay only drives controller/timeline state.
func (d *PhysicalDisplay) handleSuspend(_ context.Context, e Event) {
	if err := d.controller.Commit(context.Background(), hal.CommitRequest{CRTCID: d.crtcID(), Blank: true}, func() {}); err != nil {
		d.log.Warn("suspend blank commit failed", "display", d.name, "err", err)
	}
	if err := d.timeline.AdvanceTo(e.ReleaseTo); err != nil {
		d.log.Warn("suspend release failed", "display", d.name, "err", err)
	}
	if e.UseDPMS {
		if err := d.controller.SetDPMS(types.DPMSOff); err != nil {
			d.log.Warn("suspend dpms off failed", "display", d.name, "err", err)
		}
	}
	d.status.Store(int32(StatusSuspended))
	d.log.Info("display suspend", "display", d.name, "deactivate", e.Deactivate)
}

// handleResume re-establishes the mode and turns DPMS on, spec.md
// §4.E.
func (d *PhysicalDisplay) handleResume(_ context.Context, _ Event) {
	if err := d.controller.SetDPMS(types.DPMSOn); err != nil {
		d.log.Warn("resume dpms on failed", "display", d.name, "err", err)
	}
	d.status.Store(int32(StatusAvailable))
	d.log.Info("display resume", "display", d.name)
}

func (d *PhysicalDisplay) crtcID() uint32 {
	if c := d.conn.Load(); c != nil {
		return c.CRTCID
	}
	return 0
}

// HandleHotplugDisconnect synthesises the Shutdown event spec.md §4.E
// and §8 scenario S5 require on hot-unplug, then flushes the whole
// queue (FrameID{}), waiting at most flushTimeout, so all in-flight
// frames are consumed before it returns. A flush that times out yields
// ErrDisplayNotAvailable.
func (d *PhysicalDisplay) HandleHotplugDisconnect(ctx context.Context, releaseTo uint32, flushTimeout time.Duration) error {
	d.queue.QueueEvent(Event{Kind: EventShutdown, ReleaseTo: releaseTo})
	ok, err := d.queue.Flush(ctx, FrameID{}, flushTimeout)
	if err != nil {
		return fmt.Errorf("hwc: PhysicalDisplay(%s).HandleHotplugDisconnect: %w", d.name, err)
	}
	if !ok {
		return fmt.Errorf("hwc: PhysicalDisplay(%s).HandleHotplugDisconnect: %w", d.name, ErrDisplayNotAvailable)
	}
	return nil
}

// MaybeRecoverFromESD performs the edge-triggered ESD-recovery dance
// (DPMS off -> set_display -> DPMS on) exactly once per pending
// episode, before the next frame is flipped, spec.md §8 scenario S6 /
// SUPPLEMENTED FEATURES #6. Called by the worker immediately before
// PageFlipHandler.Flip for the next frame; a no-op if no recovery is
// pending.
func (d *PhysicalDisplay) MaybeRecoverFromESD(cfg types.DisplayConfig) error {
	if !d.recovery.CompareAndSwap(true, false) {
		return nil
	}

	d.log.Warn("ESD recovery starting", "display", d.name)
	if err := d.controller.SetDPMS(types.DPMSOff); err != nil {
		return fmt.Errorf("hwc: PhysicalDisplay(%s) ESD recovery: dpms off: %w", d.name, err)
	}
	if err := d.controller.SetCRTC(cfg); err != nil {
		return fmt.Errorf("hwc: PhysicalDisplay(%s) ESD recovery: set_crtc: %w", d.name, err)
	}
	if err := d.controller.SetDPMS(types.DPMSOn); err != nil {
		return fmt.Errorf("hwc: PhysicalDisplay(%s) ESD recovery: dpms on: %w", d.name, err)
	}
	d.recoveryN.Add(1)
	d.log.Info("ESD recovery complete", "display", d.name, "epoch", d.recoveryN.Load())
	return nil
}

// acquireFitter is the DisplayQueue producer-thread hook: it reserves
// the panel fitter for frame, if it carries scaling, at QueueFrame time
// rather than at flip time (spec.md §4.E). The outcome travels with the
// frame to preFlip, which only ever applies it.
func (d *PhysicalDisplay) acquireFitter(frame *Frame, cfg types.DisplayConfig) {
	if d.fitter == nil {
		return
	}
	frame.fitterAcquired = AcquirePanelFitterFor(d.fitter, d.family, cfg.GlobalScaling)
}

// preFlip is the DisplayQueue consumer-thread pre-flip hook: it runs
// any pending ESD recovery, then programs the panel fitter using the
// reservation frame's QueueFrame call already won via acquireFitter -
// it never itself contends for the fitter. A programming failure logs
// and falls through to flipping without hardware scaling rather than
// retiring the frame (spec.md §7: fitter problems are not fatal).
func (d *PhysicalDisplay) preFlip(cfg types.DisplayConfig, frame *Frame) error {
	if err := d.MaybeRecoverFromESD(cfg); err != nil {
		return err
	}
	if d.fitter == nil {
		return nil
	}
	if err := ApplyPanelFitter(context.Background(), d.controller, d.fitter, d.family, cfg.GlobalScaling, frame.fitterAcquired); err != nil {
		d.log.Warn("panel fitter apply failed, flipping without hardware scaling", "display", d.name, "err", err)
	}
	return nil
}
