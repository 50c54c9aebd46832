package core

import (
	"golang.org/x/sys/unix"
)

// FenceReferenceKind tags which representation a FenceReference holds.
type FenceReferenceKind int

const (
	// FenceReferenceUnspecified is the zero value: no fence published yet.
	FenceReferenceUnspecified FenceReferenceKind = iota
	// FenceReferenceNative borrows a raw fd slot owned by the caller.
	FenceReferenceNative
	// FenceReferenceExtended borrows a *Fence.
	FenceReferenceExtended
)

// FenceReference is a write-through alias over either a native fd slot
// or an extended Fence, per spec.md §3/§4.A: "a producer publishes a
// pointer to a fence slot, the queue later dups into or merges with
// that slot. The two representations ... share one API so consumers
// need not care which kind of fence their upstream uses."
type FenceReference struct {
	kind FenceReferenceKind

	nativeSlot *int   // pointer to caller-owned fd slot
	extended   *Fence // pointer to caller-owned Fence
}

// NewNativeFenceReference wraps a pointer to a caller-owned fd slot.
// Writing to the reference closes the existing fd (if any) and stores
// the replacement.
func NewNativeFenceReference(slot *int) FenceReference {
	return FenceReference{kind: FenceReferenceNative, nativeSlot: slot}
}

// NewExtendedFenceReference wraps a pointer to a caller-owned Fence.
func NewExtendedFenceReference(fence *Fence) FenceReference {
	return FenceReference{kind: FenceReferenceExtended, extended: fence}
}

// Kind reports which representation, if any, this reference holds.
func (r FenceReference) Kind() FenceReferenceKind {
	return r.kind
}

// IsSet reports whether the reference points at a live slot/Fence.
func (r FenceReference) IsSet() bool {
	return r.kind != FenceReferenceUnspecified
}

// Signal publishes fd as the release fence for this reference,
// replacing (and closing) whatever was previously there. For a native
// reference this closes the old fd and stores fd directly; for an
// extended reference it wraps fd as the new underlying Fence.
func (r FenceReference) Signal(fd int) {
	switch r.kind {
	case FenceReferenceNative:
		if r.nativeSlot == nil {
			_ = unix.Close(fd)
			return
		}
		if *r.nativeSlot >= 0 {
			_ = unix.Close(*r.nativeSlot)
		}
		*r.nativeSlot = fd
	case FenceReferenceExtended:
		if r.extended == nil {
			_ = unix.Close(fd)
			return
		}
		r.extended.closeNative()
		r.extended.native = int32(fd)
		if fd >= 0 {
			r.extended.boundRefs = 1
		}
		r.extended.signalled.Store(false)
	default:
		_ = unix.Close(fd)
	}
}

// Merge combines fence into whatever this reference currently holds,
// publishing the result back through the reference. For a native
// reference, fence's native fd is dup()'d in (the caller retains
// ownership of fence); for an extended reference, the two Fences are
// merged via Fence.Merge.
func (r FenceReference) Merge(fence *Fence) error {
	if fence == nil {
		return nil
	}
	switch r.kind {
	case FenceReferenceNative:
		fd := fence.NativeFD()
		if fd < 0 {
			return nil
		}
		dup, err := unix.Dup(fd)
		if err != nil {
			return err
		}
		r.Signal(dup)
		return nil
	case FenceReferenceExtended:
		merged, err := r.extended.Merge(fence)
		if err != nil {
			return err
		}
		r.extended.closeNative()
		r.extended.native = merged.native
		r.extended.fds = merged.fds
		r.extended.boundRefs = merged.boundRefs
		r.extended.signalled.Store(merged.signalled.Load())
		return nil
	default:
		return nil
	}
}

// Cancel releases whatever this reference holds without signalling it,
// mirroring Fence.Cancel for the native-fd case (closes the fd) and
// delegating to Fence.Cancel for the extended case.
func (r FenceReference) Cancel() {
	switch r.kind {
	case FenceReferenceNative:
		if r.nativeSlot != nil && *r.nativeSlot >= 0 {
			_ = unix.Close(*r.nativeSlot)
			*r.nativeSlot = -1
		}
	case FenceReferenceExtended:
		if r.extended != nil {
			r.extended.Cancel()
		}
	}
}
