package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/types"
	"golang.org/x/sys/unix"
)

const (
	// frameSoftLimit is the queue depth at which queue_frame starts
	// waiting for drain before it resorts to dropping, spec.md §4.D.
	frameSoftLimit = 5
	// frameHardCap is the absolute pool size, spec.md §2/§3: "a
	// fixed-size per-display pool (≈10 entries)".
	frameHardCap = 10
	// drainWait is how long queue_frame waits for the pool to drain
	// below the soft limit before dropping the oldest frame, spec.md §4.D.
	drainWait = 2 * time.Second
	// layerRenderTimeout bounds each layer's GPU-completion wait,
	// spec.md §5.
	layerRenderTimeout = 3 * time.Second
	// dropLogEvery throttles pool-exhaustion drop logging, SPEC_FULL.md
	// supplemented feature 1 ("log at most once per N drops").
	dropLogEvery = 16
)

type workerCtxKey struct{}

func withWorkerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, true)
}

func isWorkerContext(ctx context.Context) bool {
	v, _ := ctx.Value(workerCtxKey{}).(bool)
	return v
}

// DisplayQueue is the bounded, ordered, per-display work queue of
// spec.md §4.D: a FIFO of WorkItems consumed by a single worker
// goroutine, with drop/coalesce policy and flush/invalidate semantics.
type DisplayQueue struct {
	log         *slog.Logger
	name        string
	pool        *core.FramePool[Frame]
	bm          *core.BufferManager
	flipHandler *PageFlipHandler

	// eventConsumer is display-specific event handling, wired by
	// PhysicalDisplay (spec.md §4.D "Event -> call consume_event(e)
	// (display-specific)").
	eventConsumer func(context.Context, Event)
	// readyForNextWork reports whether the display may present its head
	// item right now (e.g. vsync-gated); defaults to always-ready.
	readyForNextWork func() bool

	// acquireFitter runs on the producer thread, inside QueueFrame,
	// before the frame is appended to the queue; used by PhysicalDisplay
	// to reserve the shared panel fitter up front (spec.md §4.E). No-op
	// if unset.
	acquireFitter func(*Frame, types.DisplayConfig)

	// preFlip runs immediately before a frame is flipped (not retired);
	// used by PhysicalDisplay to perform ESD recovery and apply the
	// panel-fitter reservation acquireFitter already won, spec.md §8
	// scenario S6. No-op if unset.
	preFlip func(types.DisplayConfig, *Frame) error
	// postFlip runs after a frame has been successfully flipped; used
	// by PhysicalDisplay to advance PendingStart -> Available on the
	// first completed mode-set, spec.md §4.E. No-op if unset.
	postFlip func(*Frame)

	mu              sync.Mutex
	items           []WorkItem
	lastQueued      FrameID
	lastIssued      FrameID
	consumerBlocked bool

	hwcIndex  atomic.Uint32
	dropCount atomic.Uint64

	notifyCh chan struct{}
	closeCh  chan struct{}
	closed   atomic.Bool
}

// NewDisplayQueue creates a queue named name, backed by pool for Frame
// storage, bm for layer snapshot refcounting, and flipHandler for
// retire-fence minting and presentation.
func NewDisplayQueue(name string, pool *core.FramePool[Frame], bm *core.BufferManager, flipHandler *PageFlipHandler, log *slog.Logger) *DisplayQueue {
	q := &DisplayQueue{
		log:              defaultLogger(log),
		name:             name,
		pool:             pool,
		bm:               bm,
		flipHandler:      flipHandler,
		readyForNextWork: func() bool { return true },
		notifyCh:         make(chan struct{}, 1),
		closeCh:          make(chan struct{}),
	}
	flipHandler.releaseFrame = q.releaseFrame
	return q
}

// SetEventConsumer wires the display-specific event handler.
func (q *DisplayQueue) SetEventConsumer(fn func(context.Context, Event)) {
	q.eventConsumer = fn
}

// SetReadyPredicate overrides the default always-ready "display not
// ready" gate the worker loop polls, spec.md §4.D worker loop.
func (q *DisplayQueue) SetReadyPredicate(fn func() bool) {
	q.readyForNextWork = fn
}

// SetAcquireFitterHook installs fn to run on the producer thread for
// every queued frame, before it is appended to the queue.
func (q *DisplayQueue) SetAcquireFitterHook(fn func(*Frame, types.DisplayConfig)) {
	q.acquireFitter = fn
}

// SetPreFlipHook installs fn to run immediately before each flip.
func (q *DisplayQueue) SetPreFlipHook(fn func(types.DisplayConfig, *Frame) error) {
	q.preFlip = fn
}

// SetPostFlipHook installs fn to run immediately after each successful
// flip.
func (q *DisplayQueue) SetPostFlipHook(fn func(*Frame)) {
	q.postFlip = fn
}

func (q *DisplayQueue) notify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// QueueFrame snapshots inputs into a Content, acquires a retire fence,
// and appends a Frame work item. Fails with ErrNoFreeFrame only if the
// pool is full and no droppable frame exists, per spec.md §4.D. The
// returned fd is the caller's own retire fence; the caller owns it and
// must dup/close it per spec.md §6.
func (q *DisplayQueue) QueueFrame(inputs []LayerInput, cfg types.DisplayConfig) (int, error) {
	if err := q.makeRoom(); err != nil {
		return -1, err
	}

	layers := make(LayerStack, len(inputs))
	for i, in := range inputs {
		l, err := NewLayerSnapshot(in, q.bm)
		if err != nil {
			return -1, fmt.Errorf("hwc: DisplayQueue(%s).QueueFrame: layer %d: %w", q.name, i, err)
		}
		layers[i] = l
	}

	fence, slot, err := q.flipHandler.RegisterNextFutureFrame()
	if err != nil {
		return -1, err
	}
	fd, err := dupAndClose(fence)
	if err != nil {
		return -1, err
	}

	id := FrameID{
		TimelineIndex:  slot,
		HWCIndex:       q.hwcIndex.Add(1),
		ReceivedTimeNs: time.Now().UnixNano(),
		Valid:          true,
	}
	frame := Frame{ID: id, Content: Content{Layers: layers, Config: cfg}, State: FrameQueued, Valid: true, retireSlot: slot}
	if q.acquireFitter != nil {
		q.acquireFitter(&frame, cfg)
	}

	q.mu.Lock()
	frame.poolID = q.pool.Register(frame)
	q.items = append(q.items, WorkItem{IsFrame: true, PoolSlot: frame.poolID, EffectiveFrame: id})
	q.lastQueued = id
	q.mu.Unlock()
	q.notify()

	return fd, nil
}

// dupAndClose returns a caller-owned duplicate of fence's native fd and
// releases the queue's own reference; the underlying timeline slot
// remains the sole source of truth for when the fence signals.
func dupAndClose(fence *core.Fence) (int, error) {
	nfd := fence.NativeFD()
	if nfd < 0 {
		fence.Cancel()
		return -1, nil
	}
	dup, err := unix.Dup(nfd)
	fence.Cancel()
	if err != nil {
		return -1, fmt.Errorf("hwc: dup retire fence: %w", err)
	}
	return dup, nil
}

// makeRoom enforces the bounded-pool policy: if the pool is at or
// above the soft limit, wait up to drainWait for it to drain; if still
// at the hard cap, drop the oldest non-locked frame to make room.
func (q *DisplayQueue) makeRoom() error {
	if q.pool.Count() < frameSoftLimit {
		return nil
	}

	deadline := time.Now().Add(drainWait)
	for q.pool.Count() >= frameSoftLimit && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pool.Count() < frameHardCap {
		return nil
	}

	idx := q.oldestDroppableLocked()
	if idx < 0 {
		return ErrNoFreeFrame
	}
	q.dropAtLocked(idx)

	if n := q.dropCount.Add(1); n%dropLogEvery == 1 {
		q.log.Warn("frame pool under pressure, dropping oldest frame",
			"display", q.name, "drops_total", n)
	}
	return nil
}

func (q *DisplayQueue) oldestDroppableLocked() int {
	for i, it := range q.items {
		if !it.IsFrame {
			continue
		}
		frame, err := q.pool.Get(it.PoolSlot)
		if err != nil || frame.State == FrameLockedForDisplay {
			continue
		}
		return i
	}
	return -1
}

// dropAtLocked removes items[idx] (must be a Frame item), releasing
// its snapshot resources and merging its retire obligation forward
// onto the next item so its retire fence still signals in order,
// spec.md §8 scenario S2.
func (q *DisplayQueue) dropAtLocked(idx int) {
	it := q.items[idx]
	frame, err := q.pool.Get(it.PoolSlot)
	if err == nil {
		frame.Content.Release(q.bm)
		_, _ = q.pool.Unregister(it.PoolSlot)
	}

	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.mergeEffectiveForwardLocked(idx, it.EffectiveFrame)
}

func (q *DisplayQueue) mergeEffectiveForwardLocked(idx int, carry FrameID) {
	if idx < len(q.items) {
		if carry.Compare(q.items[idx].EffectiveFrame) > 0 {
			q.items[idx].EffectiveFrame = carry
		}
		return
	}
	q.releaseEffectiveLocked(carry)
}

func (q *DisplayQueue) releaseEffectiveLocked(id FrameID) {
	if err := q.flipHandler.timeline.AdvanceTo(id.TimelineIndex); err != nil {
		q.log.Warn("release effective frame failed", "display", q.name, "err", err)
	}
	if id.Compare(q.lastIssued) > 0 {
		q.lastIssued = id
	}
}

// QueueEvent appends an event item whose EffectiveFrame is the last
// queued frame, spec.md §4.D.
func (q *DisplayQueue) QueueEvent(e Event) {
	q.mu.Lock()
	q.items = append(q.items, WorkItem{IsFrame: false, Event: e, EffectiveFrame: q.lastQueued})
	q.mu.Unlock()
	q.notify()
}

// QueueDrop is a producer-side drop, spec.md §4.D: mints a repeat
// retire fence on the previous slot; if no work is queued, the
// "issued" bookkeeping advances immediately, otherwise the last queued
// item's EffectiveFrame is bumped so it retires when that item is
// consumed.
func (q *DisplayQueue) QueueDrop() (FrameID, error) {
	_, slot, err := q.flipHandler.RegisterRepeatFutureFrame()
	if err != nil {
		return FrameID{}, err
	}
	id := FrameID{
		TimelineIndex:  slot,
		HWCIndex:       q.hwcIndex.Add(1),
		ReceivedTimeNs: time.Now().UnixNano(),
		Valid:          true,
	}

	q.mu.Lock()
	if len(q.items) == 0 {
		q.releaseEffectiveLocked(id)
	} else {
		last := &q.items[len(q.items)-1]
		if id.Compare(last.EffectiveFrame) > 0 {
			last.EffectiveFrame = id
		}
	}
	q.lastQueued = id
	q.mu.Unlock()
	q.notify()
	return id, nil
}

// DropAllFrames removes all non-locked Frame items from the queue,
// releasing each one's snapshot resources, spec.md §4.D.
func (q *DisplayQueue) DropAllFrames() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		idx := q.oldestDroppableLocked()
		if idx < 0 {
			return
		}
		q.dropAtLocked(idx)
	}
}

// dropRedundantFrames walks newest-to-oldest; once a frame's GPU
// rendering is observed complete, every still-queued older frame not
// LockedForDisplay is dropped, spec.md §4.D.
func (q *DisplayQueue) dropRedundantFrames() {
	q.mu.Lock()
	defer q.mu.Unlock()

	completeAt := -1
	for i := len(q.items) - 1; i >= 0; i-- {
		it := q.items[i]
		if !it.IsFrame {
			continue
		}
		frame, err := q.pool.Get(it.PoolSlot)
		if err != nil || frame.State == FrameLockedForDisplay {
			continue
		}
		if layersRenderingComplete(frame.Content) {
			completeAt = i
			break
		}
	}
	if completeAt < 0 {
		return
	}

	for i := 0; i < completeAt; {
		it := q.items[i]
		if !it.IsFrame {
			i++
			continue
		}
		frame, err := q.pool.Get(it.PoolSlot)
		if err != nil || frame.State == FrameLockedForDisplay {
			i++
			continue
		}
		q.dropAtLocked(i)
		completeAt--
	}
}

func layersRenderingComplete(c Content) bool {
	for _, l := range c.Layers {
		if l.IsBlank() {
			continue
		}
		signalled, err := l.acquireFence.Check()
		if err != nil || !signalled {
			return false
		}
	}
	return true
}

// ConsumerBlocked marks the consumer as being in an uninterruptible
// critical section; while set, Flush returns ErrConsumerBlocked and
// producers must skip synchronous rendezvous, spec.md §4.D/§5.
func (q *DisplayQueue) ConsumerBlocked() {
	q.mu.Lock()
	q.consumerBlocked = true
	q.mu.Unlock()
}

// ConsumerUnblocked clears the blocked state set by ConsumerBlocked.
func (q *DisplayQueue) ConsumerUnblocked() {
	q.mu.Lock()
	q.consumerBlocked = false
	q.mu.Unlock()
	q.notify()
}

// Flush blocks until lastIssued reaches frameIndex (or, when frameIndex
// is the zero FrameID, until all queued work is consumed), spec.md
// §4.D. Fails if the consumer is blocked or ctx belongs to the queue's
// own worker goroutine (spec.md §9 open question 2: the worker may
// never flush itself). When the consumer is blocked or the timeout
// expires, every queued frame is marked invalid; a call from the worker
// context or a cancelled ctx leaves the queued frames untouched.
func (q *DisplayQueue) Flush(ctx context.Context, frameIndex FrameID, timeout time.Duration) (bool, error) {
	if isWorkerContext(ctx) {
		return false, ErrWorkerMustNotFlush
	}

	q.mu.Lock()
	if q.consumerBlocked {
		q.mu.Unlock()
		q.invalidateAll()
		return false, ErrConsumerBlocked
	}
	q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	waitAll := frameIndex == (FrameID{})
	for {
		q.mu.Lock()
		blocked := q.consumerBlocked
		var done bool
		if waitAll {
			done = len(q.items) == 0
		} else {
			done = q.lastIssued.Compare(frameIndex) >= 0
		}
		q.mu.Unlock()

		if blocked {
			q.invalidateAll()
			return false, ErrConsumerBlocked
		}
		if done {
			return true, nil
		}
		if time.Now().After(deadline) {
			q.invalidateAll()
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// invalidateAll marks every queued frame invalid so the worker retires
// (rather than flips) each one, spec.md §7 ConsumerBlocked policy.
func (q *DisplayQueue) invalidateAll() {
	q.mu.Lock()
	items := append([]WorkItem(nil), q.items...)
	q.mu.Unlock()

	for _, it := range items {
		if !it.IsFrame {
			continue
		}
		_ = q.pool.GetMut(it.PoolSlot, func(f *Frame) { f.Invalidate() })
	}
}

// releaseFrame returns frame's pool slot for reuse; wired as
// PageFlipHandler's release callback, spec.md §4.D.
func (q *DisplayQueue) releaseFrame(frame *Frame) {
	q.mu.Lock()
	_, _ = q.pool.Unregister(frame.poolID)
	q.mu.Unlock()
	q.notify()
}

// Run executes the worker loop until ctx is cancelled or Close is
// called, spec.md §4.D:
//
//	forever:
//	  drop_redundant_frames()
//	  if not ready: wait(10ms, signalled by notify_ready)
//	  elif empty: wait (signalled by queue ops)
//	  else: consume_next()
func (q *DisplayQueue) Run(ctx context.Context) {
	ctx = withWorkerContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeCh:
			return
		default:
		}

		q.dropRedundantFrames()

		if !q.readyForNextWork() {
			q.wait(10 * time.Millisecond)
			continue
		}

		item, ok := q.peekFront()
		if !ok {
			q.wait(-1)
			continue
		}
		q.consume(ctx, item)
	}
}

func (q *DisplayQueue) wait(timeout time.Duration) {
	if timeout < 0 {
		select {
		case <-q.notifyCh:
		case <-q.closeCh:
		}
		return
	}
	select {
	case <-q.notifyCh:
	case <-q.closeCh:
	case <-time.After(timeout):
	}
}

// peekFront returns the head item without removing it, so a frame item
// can be waited on while still visible to dropRedundantFrames.
func (q *DisplayQueue) peekFront() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return WorkItem{}, false
	}
	return q.items[0], true
}

// popFront unconditionally removes and returns the head item.
func (q *DisplayQueue) popFront() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return WorkItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// consume implements spec.md §4.D's consume policy. Events are popped
// and handled immediately. A frame is left at the queue head, unlocked,
// for the whole of its GPU-rendering wait - spec.md §4.D / §8 scenario
// S2 requires a slow-rendering frame not to block flipping one that
// becomes ready behind it - so dropRedundantFrames is re-run once the
// wait completes and the (possibly different, possibly already-popped)
// head is re-fetched before anything is locked or presented.
func (q *DisplayQueue) consume(ctx context.Context, item WorkItem) {
	if !item.IsFrame {
		q.popFront()
		if q.eventConsumer != nil {
			q.eventConsumer(ctx, item.Event)
		}
		q.advanceIssued(item.EffectiveFrame)
		return
	}

	frame, err := q.pool.Get(item.PoolSlot)
	if err != nil {
		// Already dropped out from under us between peek and here;
		// whichever drop removed it also carried its retire obligation
		// forward, so there is nothing left to pop or advance.
		return
	}

	if !layersRenderingComplete(frame.Content) {
		for _, l := range frame.Content.Layers {
			if l.IsBlank() {
				continue
			}
			if _, err := l.acquireFence.Wait(layerRenderTimeout); err != nil {
				q.log.Warn("layer render wait failed", "display", q.name, "err", err)
			}
		}
	}

	q.dropRedundantFrames()

	head, ok := q.popFront()
	if !ok {
		return
	}
	if !head.IsFrame {
		// dropRedundantFrames can expose an event item that was sitting
		// immediately behind the dropped frames as the new head; consume
		// it like any other event.
		if q.eventConsumer != nil {
			q.eventConsumer(ctx, head.Event)
		}
		q.advanceIssued(head.EffectiveFrame)
		return
	}

	frame, err = q.pool.Get(head.PoolSlot)
	if err != nil {
		q.advanceIssued(head.EffectiveFrame)
		return
	}
	for _, l := range frame.Content.Layers {
		q.bm.TouchLastUsed(l.ManagedBuffer())
	}
	_ = q.pool.GetMut(head.PoolSlot, func(f *Frame) { f.State = FrameLockedForDisplay })
	frame.State = FrameLockedForDisplay

	if !frame.Valid {
		if err := q.flipHandler.Retire(&frame); err != nil {
			q.log.Warn("retire failed", "display", q.name, "frame", frame.ID, "err", err)
		}
	} else if err := q.preFlipLocked(frame.Content.Config, &frame); err != nil {
		q.log.Warn("pre-flip hook failed, retiring instead", "display", q.name, "frame", frame.ID, "err", err)
		if rerr := q.flipHandler.Retire(&frame); rerr != nil {
			q.log.Warn("retire after failed pre-flip failed", "display", q.name, "err", rerr)
		}
	} else if ok, err := q.flipHandler.Flip(ctx, &frame); err != nil || !ok {
		if err != nil {
			q.log.Warn("flip failed, retiring instead", "display", q.name, "frame", frame.ID, "err", err)
		}
		if rerr := q.flipHandler.Retire(&frame); rerr != nil {
			q.log.Warn("retire after failed flip failed", "display", q.name, "err", rerr)
		}
	} else if q.postFlip != nil {
		q.postFlip(&frame)
	}

	q.advanceIssued(head.EffectiveFrame)
}

func (q *DisplayQueue) preFlipLocked(cfg types.DisplayConfig, frame *Frame) error {
	if q.preFlip == nil {
		return nil
	}
	return q.preFlip(cfg, frame)
}

func (q *DisplayQueue) advanceIssued(id FrameID) {
	q.mu.Lock()
	if id.Compare(q.lastIssued) > 0 {
		q.lastIssued = id
	}
	q.mu.Unlock()
}

// Close stops the worker loop started by Run.
func (q *DisplayQueue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.closeCh)
	}
}

// LastIssued returns the FrameID of the most recently consumed item.
func (q *DisplayQueue) LastIssued() FrameID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastIssued
}

// LastQueued returns the FrameID of the most recently queued item.
func (q *DisplayQueue) LastQueued() FrameID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastQueued
}

// Len returns the number of pending work items.
func (q *DisplayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
