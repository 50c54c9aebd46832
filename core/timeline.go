package core

import (
	"fmt"
	"log/slog"
	"sync"
)

// Timeline is the per-display monotonic release-fence slot allocator
// described in spec.md §3/§4.A. `current` only ever increases; each
// call to CreateFence (or RepeatFence) mints a Fence against a
// `next_future` slot, and Advance/AdvanceTo is the only way any of
// those fences becomes signalled.
type Timeline struct {
	name string
	log  *slog.Logger

	mu         sync.Mutex
	current    uint32
	nextFuture uint32
	lastMinted uint32 // the most recently allocated slot, for RepeatFence
	haveMinted bool
	driver     SyncDriver
}

// NewTimeline creates a Timeline named name (used only for logging),
// backed by driver. The caller owns driver and must Close it only after
// the Timeline is no longer in use.
func NewTimeline(name string, driver SyncDriver, log *slog.Logger) *Timeline {
	return &Timeline{name: name, driver: driver, log: defaultLogger(log)}
}

// Name returns the timeline's name.
func (t *Timeline) Name() string {
	return t.name
}

// Current returns the most recently signalled slot.
func (t *Timeline) Current() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// CreateFence allocates a new future slot and returns a Fence bound to
// it: `next_future` increments. The slot is returned alongside the
// Fence so callers (DisplayQueue) can stash it in a FrameID.
func (t *Timeline) CreateFence() (*Fence, uint32, error) {
	t.mu.Lock()
	t.nextFuture++
	slot := t.nextFuture
	t.lastMinted = slot
	t.haveMinted = true
	t.mu.Unlock()

	return t.fenceForSlot(slot)
}

// RepeatFence returns a Fence on the most-recently-allocated slot
// without incrementing next_future. Used to give a dropped frame
// (spec.md §4.D queue_drop) the same retire fence as whatever frame
// precedes it in the queue.
func (t *Timeline) RepeatFence() (*Fence, uint32, error) {
	t.mu.Lock()
	if !t.haveMinted {
		// Nothing has ever been allocated: behave like CreateFence.
		t.nextFuture++
		t.lastMinted = t.nextFuture
		t.haveMinted = true
	}
	slot := t.lastMinted
	t.mu.Unlock()

	return t.fenceForSlot(slot)
}

func (t *Timeline) fenceForSlot(slot uint32) (*Fence, uint32, error) {
	fd, err := t.driver.CreateFenceAt(slot)
	if err != nil {
		return nil, 0, fmt.Errorf("hwc: Timeline(%s).CreateFence: %w", t.name, err)
	}
	return newNativeFence(fd), slot, nil
}

// Advance signals every fence allocated on slots (current, current+n].
// Per spec.md §4.A this is the only way a retire fence becomes
// signalled.
func (t *Timeline) Advance(n uint32) error {
	if n == 0 {
		return nil
	}
	t.mu.Lock()
	t.current += n
	cur := t.current
	t.mu.Unlock()

	if err := t.driver.Advance(n); err != nil {
		return fmt.Errorf("hwc: Timeline(%s).Advance: %w", t.name, err)
	}
	t.log.Debug("timeline advanced", "timeline", t.name, "current", cur)
	return nil
}

// AdvanceTo advances so that Current() == absolute. Calling AdvanceTo
// with absolute < Current() is a programming error; ErrOrderingViolation
// is returned rather than panicking, so a caller can log and continue.
func (t *Timeline) AdvanceTo(absolute uint32) error {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()

	if int32(absolute-cur) < 0 {
		return fmt.Errorf("%w: Timeline(%s).AdvanceTo(%d) with current=%d",
			ErrOrderingViolation, t.name, absolute, cur)
	}
	return t.Advance(absolute - cur)
}

// Close releases the underlying SyncDriver.
func (t *Timeline) Close() error {
	return t.driver.Close()
}
