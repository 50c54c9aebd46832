package compositor

import "fmt"

// FrameID is the producer-visible frame identity, spec.md §3:
// "(timeline_index, hwc_index, received_time, valid)". Distinct from
// core.FrameID, which is the internal Frame-pool slot handle.
type FrameID struct {
	TimelineIndex  uint32
	HWCIndex       uint32
	ReceivedTimeNs int64
	Valid          bool
}

// Compare orders two FrameIDs by signed 32-bit wraparound subtraction
// on TimelineIndex, per spec.md §8 boundary behaviour 10 and
// SPEC_FULL.md supplemented feature 2 ("the original compares FIDs
// with signed 32-bit wraparound subtraction, not plain <"). Returns a
// negative number if a precedes b, zero if equal, positive if a
// follows b.
func (a FrameID) Compare(b FrameID) int {
	return int(int32(a.TimelineIndex - b.TimelineIndex))
}

// Before reports whether a was queued strictly before b.
func (a FrameID) Before(b FrameID) bool {
	return a.Compare(b) < 0
}

// String renders the FrameID for logging.
func (a FrameID) String() string {
	return fmt.Sprintf("FrameID(timeline=%d, hwc=%d, valid=%t)", a.TimelineIndex, a.HWCIndex, a.Valid)
}
