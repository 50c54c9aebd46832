package compositor

import "github.com/gogpu/hwc/core"

// FrameState is a Frame's position in its lifecycle, spec.md §3.
type FrameState int

const (
	// FrameQueued: sitting in the DisplayQueue, not yet the display
	// target.
	FrameQueued FrameState = iota
	// FrameLockedForDisplay: the current flip target; at most one Frame
	// may hold this state at a time (spec.md §8 property 5).
	FrameLockedForDisplay
	// FrameFree: returned to the pool, available for reuse.
	FrameFree
)

func (s FrameState) String() string {
	switch s {
	case FrameQueued:
		return "Queued"
	case FrameLockedForDisplay:
		return "LockedForDisplay"
	case FrameFree:
		return "Free"
	default:
		return "Unknown"
	}
}

// Frame is one entry in a display's fixed-size frame pool, spec.md §3:
// "{ id, z_order, layers, config, state, valid }". poolID is the
// internal core.FrameID slot handle; ID is the producer-visible
// (timeline_index, hwc_index, received_time) identity.
type Frame struct {
	poolID core.FrameID

	ID      FrameID
	ZOrder  int
	Content Content
	State   FrameState
	Valid   bool

	// retireSlot is the Timeline slot this frame's retire fence is
	// bound to; released (timeline advanced past it) when the frame is
	// retired or flipped-and-superseded.
	retireSlot uint32

	// fitterAcquired records whether this frame's producer-thread
	// QueueFrame call won the per-family panel fitter reservation
	// (spec.md §4.E: acquired on the producer thread, applied on the
	// consumer thread). The consumer thread only ever applies; it never
	// contends for the fitter itself.
	fitterAcquired bool
}

// Invalidate marks the frame invalid: the worker will retire it
// (advance the timeline) rather than flip it, per spec.md §7
// ConsumerBlocked / cancellation policy.
func (f *Frame) Invalidate() {
	f.Valid = false
	f.ID.Valid = false
}
