package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Fence layers a "bound reference count" on top of a native fd-backed
// sync primitive (spec.md §3/§4.A). A fence that is still being waited
// on by one subsystem can be Cancel()'d by another without waiting for
// it to signal - the case spec.md calls out explicitly: "critical when
// a composition buffer is reused before its display-side consumer has
// retired it".
//
// States: unset (native < 0, refs == 0), bound (refs >= 1, not
// signalled), signalled. Fence is safe for concurrent use.
type Fence struct {
	native    int32 // fd, or -1 if unset
	fds       []int // additional native fds, for a fence produced by Merge
	boundRefs int32 // atomic
	signalled atomic.Bool
}

// newNativeFence wraps an existing native fd (ownership transferred to
// the Fence) with a single bound reference.
func newNativeFence(fd int) *Fence {
	f := &Fence{native: int32(fd)}
	if fd >= 0 {
		f.boundRefs = 1
	}
	return f
}

// NewUnsetFence returns a Fence in the unset state: no native fd, zero
// bound references. Used as the zero value for layers that never
// received an acquire fence.
func NewUnsetFence() *Fence {
	return &Fence{native: -1}
}

// NewNativeFence wraps an existing native fd (ownership transferred to
// the returned Fence) with a single bound reference. fd < 0 yields an
// unset Fence, equivalent to NewUnsetFence.
func NewNativeFence(fd int) *Fence {
	return newNativeFence(fd)
}

// NativeFD returns the underlying fd, or -1 if unset.
func (f *Fence) NativeFD() int {
	if f == nil {
		return -1
	}
	return int(atomic.LoadInt32(&f.native))
}

// IsSignalled reports whether the fence has been observed signalled.
// A Fence whose bound refcount has reached zero without signalling is
// also treated as non-blocking but IsSignalled will report false for
// it; callers checking "may I proceed" should use Check, not
// IsSignalled, when cancellation is possible.
func (f *Fence) IsSignalled() bool {
	if f == nil {
		return true
	}
	return f.signalled.Load()
}

// Merge combines f with other into a single Fence that resolves when
// both resolve, incrementing the bound reference count. Per spec.md
// §4.A this is how two upstream producer fences for the same layer are
// combined into one wait. The returned Fence owns a dup of both native
// fds (an epoll-style "wait on N fds" fence); the originals are
// untouched.
func (f *Fence) Merge(other *Fence) (*Fence, error) {
	if f == nil || f.IsSignalled() {
		return other.bind()
	}
	if other == nil || other.IsSignalled() {
		return f.bind()
	}

	// Merged fence owns dup()'d copies so its own Cancel/closeNative
	// never races the close of either operand's original fd.
	merged := &Fence{native: -1}
	for _, src := range []*Fence{f, other} {
		dup, err := unix.Dup(src.NativeFD())
		if err != nil {
			merged.closeNative()
			return nil, fmt.Errorf("hwc: Fence.Merge: dup: %w", err)
		}
		merged.fds = append(merged.fds, dup)
	}
	atomic.AddInt32(&merged.boundRefs, 1)
	return merged, nil
}

func (f *Fence) bind() (*Fence, error) {
	if f == nil {
		return NewUnsetFence(), nil
	}
	atomic.AddInt32(&f.boundRefs, 1)
	return f, nil
}

// Cancel decrements the bound reference count. When it reaches zero
// without the fence having signalled, the fence becomes non-blocking
// and its native fd(s) are closed - spec.md §3: "cancel() decrements;
// when bound_refs reaches 0 without signalling, the fence becomes
// non-blocking and may be closed."
func (f *Fence) Cancel() {
	if f == nil {
		return
	}
	remaining := atomic.AddInt32(&f.boundRefs, -1)
	if remaining < 0 {
		atomic.StoreInt32(&f.boundRefs, 0)
		remaining = 0
	}
	if remaining == 0 && !f.signalled.Load() {
		f.closeNative()
	}
}

// Check performs a non-blocking poll. Returns (true, nil) if the fence
// is signalled or has zero bound references (not blocking); (false,
// nil) if still pending; a non-nil error only on a poll syscall
// failure.
func (f *Fence) Check() (bool, error) {
	if f == nil {
		return true, nil
	}
	if f.signalled.Load() {
		return true, nil
	}
	if atomic.LoadInt32(&f.boundRefs) == 0 {
		return true, nil
	}
	return f.wait(0)
}

// Wait blocks until the fence signals, all bound references are
// cancelled, or timeout elapses. Per spec.md §5, GPU-rendering waits
// are individually bounded (3s per layer in the DisplayQueue, 1s for
// flip completion in PageFlipHandler) - this method itself has no
// built-in bound, callers must pass one.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	if f == nil {
		return true, nil
	}
	if f.signalled.Load() {
		return true, nil
	}
	if atomic.LoadInt32(&f.boundRefs) == 0 {
		return true, nil
	}
	return f.wait(timeout)
}

func (f *Fence) wait(timeout time.Duration) (bool, error) {
	fds := f.pollFDs()
	if len(fds) == 0 {
		f.signalled.Store(true)
		return true, nil
	}

	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	timeoutMs := -1
	if timeout >= 0 {
		timeoutMs = int(timeout.Milliseconds())
	}

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("hwc: Fence.Wait: poll: %w", err)
	}
	if n == 0 {
		return false, nil // timeout
	}

	for _, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			return false, nil
		}
	}
	f.signalled.Store(true)
	f.closeNative()
	return true, nil
}

func (f *Fence) pollFDs() []int {
	out := make([]int, 0, 1+len(f.fds))
	if nfd := f.NativeFD(); nfd >= 0 {
		out = append(out, nfd)
	}
	out = append(out, f.fds...)
	return out
}

func (f *Fence) closeNative() {
	if nfd := int(atomic.SwapInt32(&f.native, -1)); nfd >= 0 {
		_ = unix.Close(nfd)
	}
	for _, fd := range f.fds {
		_ = unix.Close(fd)
	}
	f.fds = nil
}
