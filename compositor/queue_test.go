package compositor

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/hal/halnoop"
	"github.com/gogpu/hwc/types"
)

func newTestQueue(t *testing.T) (*DisplayQueue, *halnoop.Controller) {
	t.Helper()
	ctrl := halnoop.NewController(hal.Capabilities{Atomic: true})
	alloc := halnoop.NewAllocator()
	bm := core.NewBufferManager(ctrl, alloc, nil)
	tl := core.NewTimeline(t.Name(), core.NewMemSyncDriver(), nil)
	pool := core.NewFramePool[Frame]()
	flip := NewPageFlipHandler(ctrl, tl, 1, nil, nil)
	flip.SetBufferManager(bm)
	return NewDisplayQueue(t.Name(), pool, bm, flip, nil), ctrl
}

func pumpVblank(ctx context.Context, ctrl *halnoop.Controller) {
	ticker := time.NewTicker(time.Millisecond)
	go func() {
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
}

// TestDisplayQueue_S1BasicSequence submits five frames with no
// pressure and expects all five retire fences to signal.
func TestDisplayQueue_S1BasicSequence(t *testing.T) {
	q, ctrl := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpVblank(ctx, ctrl)
	go q.Run(ctx)
	defer q.Close()

	var fds []int
	for i := 0; i < 5; i++ {
		fd, err := q.QueueFrame([]LayerInput{{AcquireFenceFD: -1}}, types.DisplayConfig{})
		if err != nil {
			t.Fatalf("QueueFrame %d: %v", i, err)
		}
		fds = append(fds, fd)
	}

	if ok, err := q.Flush(context.Background(), FrameID{}, 2*time.Second); !ok || err != nil {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}

	for i, fd := range fds {
		signalled, err := waitFD(fd, time.Second)
		if err != nil {
			t.Fatalf("fd %d: %v", i, err)
		}
		if !signalled {
			t.Fatalf("retire fence %d did not signal", i)
		}
		unix.Close(fd)
	}
}

// TestDisplayQueue_S3QueueDropCoalescing follows spec.md §8 scenario
// S3: a producer-side drop between two frames merges forward onto the
// first frame's effective retire point.
func TestDisplayQueue_S3QueueDropCoalescing(t *testing.T) {
	q, ctrl := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpVblank(ctx, ctrl)
	go q.Run(ctx)
	defer q.Close()

	fd1, err := q.QueueFrame([]LayerInput{{AcquireFenceFD: -1}}, types.DisplayConfig{})
	if err != nil {
		t.Fatalf("QueueFrame F1: %v", err)
	}
	if _, err := q.QueueDrop(); err != nil {
		t.Fatalf("QueueDrop: %v", err)
	}
	fd2, err := q.QueueFrame([]LayerInput{{AcquireFenceFD: -1}}, types.DisplayConfig{})
	if err != nil {
		t.Fatalf("QueueFrame F2: %v", err)
	}

	if ok, err := q.Flush(context.Background(), FrameID{}, 2*time.Second); !ok || err != nil {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}

	for i, fd := range []int{fd1, fd2} {
		signalled, err := waitFD(fd, time.Second)
		if err != nil {
			t.Fatalf("fd %d: %v", i, err)
		}
		if !signalled {
			t.Fatalf("retire fence %d did not signal", i)
		}
		unix.Close(fd)
	}
}

// TestDisplayQueue_S4FlushTimeoutInvalidatesQueuedFrames follows
// spec.md §8 scenario S4: with the display permanently "not ready",
// Flush must time out and mark every queued frame invalid so the
// worker retires (rather than flips) them once ready again.
func TestDisplayQueue_S4FlushTimeoutInvalidatesQueuedFrames(t *testing.T) {
	q, ctrl := newTestQueue(t)
	ready := make(chan struct{})
	q.SetReadyPredicate(func() bool {
		select {
		case <-ready:
			return true
		default:
			return false
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpVblank(ctx, ctrl)
	go q.Run(ctx)
	defer q.Close()

	var fds []int
	for i := 0; i < 7; i++ {
		fd, err := q.QueueFrame([]LayerInput{{AcquireFenceFD: -1}}, types.DisplayConfig{})
		if err != nil {
			t.Fatalf("QueueFrame %d: %v", i, err)
		}
		fds = append(fds, fd)
	}

	ok, err := q.Flush(context.Background(), FrameID{}, 50*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("Flush = (%v, %v), want (false, nil)", ok, err)
	}

	close(ready)

	for i, fd := range fds {
		signalled, werr := waitFD(fd, 200*time.Millisecond)
		if werr != nil {
			t.Fatalf("fd %d: %v", i, werr)
		}
		if !signalled {
			t.Fatalf("retire fence %d did not signal within 200ms of becoming ready", i)
		}
		unix.Close(fd)
	}
}

// pipeFenceFD returns a readable fd suitable for LayerInput.AcquireFenceFD
// plus a signal func that closes the write end, making the read end
// pollable-readable (the acquire-fence-signalled convention). The test
// keeps its own copy of the read fd open until cleanup, independent of
// whatever NewLayerSnapshot dup()s into the queued Layer.
func pipeFenceFD(t *testing.T) (int, func()) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[0]) })
	signalled := false
	return fds[0], func() {
		if !signalled {
			signalled = true
			unix.Close(fds[1])
		}
	}
}

// TestDisplayQueue_S2DropRedundantDuringWait follows spec.md §8
// scenario S2: F1 is still rendering (unsignalled) when the worker
// reaches the head of the queue; F2 and F3 complete while F1's
// unlocked GPU-render wait is outstanding, and F4 - the newest frame -
// completes first of all. Only F4 may ever reach the controller; F1,
// F2 and F3 must be dropped as redundant and their retire fences still
// signal (merged forward onto F4).
func TestDisplayQueue_S2DropRedundantDuringWait(t *testing.T) {
	q, ctrl := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumpVblank(ctx, ctrl)
	go q.Run(ctx)
	defer q.Close()

	readFDs := make([]int, 4)
	signals := make([]func(), 4)
	for i := range readFDs {
		readFDs[i], signals[i] = pipeFenceFD(t)
	}

	var fds []int
	for i := 0; i < 4; i++ {
		fd, err := q.QueueFrame([]LayerInput{{
			Handle:         types.BufferHandle(100 + i), //nolint:gosec // small test range
			AcquireFenceFD: readFDs[i],
		}}, types.DisplayConfig{})
		if err != nil {
			t.Fatalf("QueueFrame F%d: %v", i+1, err)
		}
		fds = append(fds, fd)
	}

	// F4, F3, F2 complete while F1 is still the unlocked queue head;
	// F1 completes last, so its in-progress wait returns only after
	// the others have already made it redundant.
	go func() {
		time.Sleep(20 * time.Millisecond)
		signals[3]()
		signals[2]()
		signals[1]()
		time.Sleep(20 * time.Millisecond)
		signals[0]()
	}()

	if ok, err := q.Flush(context.Background(), FrameID{}, 2*time.Second); !ok || err != nil {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}

	for i, fd := range fds {
		signalled, err := waitFD(fd, time.Second)
		if err != nil {
			t.Fatalf("fd %d: %v", i, err)
		}
		if !signalled {
			t.Fatalf("retire fence %d did not signal", i)
		}
		unix.Close(fd)
	}

	if got := ctrl.CommitCount(); got != 1 {
		t.Fatalf("CommitCount() = %d, want 1 (only F4 should ever reach the controller)", got)
	}
	if got := ctrl.LastCommit().Planes[0].FB; got != 4 {
		t.Fatalf("LastCommit FB = %d, want 4 (F4, not the slow-rendering F1)", got)
	}
}

// waitFD polls fd for readability (the sw_sync-backed retire fence
// convention: signalled means readable) up to timeout.
func waitFD(fd int, timeout time.Duration) (bool, error) {
	if fd < 0 {
		return true, nil
	}
	deadline := time.Now().Add(timeout)
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 5)
		if err != nil && err != unix.EINTR {
			return false, err
		}
		if n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
	}
}
