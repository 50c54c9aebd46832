package compositor

import "github.com/gogpu/hwc/core"

// EventKind enumerates the PhysicalDisplay lifecycle events (spec.md
// §3 Event / §4.E).
type EventKind int

const (
	EventStartup EventKind = iota
	EventShutdown
	EventSuspend
	EventResume
)

func (k EventKind) String() string {
	switch k {
	case EventStartup:
		return "Startup"
	case EventShutdown:
		return "Shutdown"
	case EventSuspend:
		return "Suspend"
	case EventResume:
		return "Resume"
	default:
		return "Unknown"
	}
}

// Event is the tagged-variant lifecycle event, spec.md §3:
// "{ Startup{connection, is_new}, Shutdown{release_timeline},
// Suspend{release_timeline, use_dpms, deactivate}, Resume }".
type Event struct {
	Kind EventKind

	// Startup fields.
	Connection Connection
	IsNew      bool

	// Shutdown/Suspend fields.
	ReleaseTo uint32 // timeline slot to release to

	// Suspend fields.
	UseDPMS    bool
	Deactivate bool
}

// Connection describes the kernel connector/crtc/pipe a display is
// bound to, spec.md §3: "Ownership: the display exclusively owns its
// active connection; hotplug thread owns a shadow copy used for change
// detection."
type Connection struct {
	ConnectorID uint32
	CRTCID      uint32
	PipeIndex   int
	HasPipe     bool
	Connected   bool
}

// WorkItem is the queue's unit of work, spec.md §3: tagged variant
// {Frame, Event} plus an EffectiveFrame (the FrameID reached once this
// item is consumed - used to coalesce dropped frames into earlier
// items, spec.md §4.D queue_drop).
type WorkItem struct {
	IsFrame  bool
	PoolSlot core.FrameID // frame-pool slot handle, valid iff IsFrame
	Event    Event        // valid iff !IsFrame

	EffectiveFrame FrameID
}
