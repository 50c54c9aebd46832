package core

import (
	"testing"

	"github.com/gogpu/hwc/types"
)

type fakeImporter struct {
	fail  bool
	next  types.DeviceFBID
	freed []types.DeviceFBID
}

func (f *fakeImporter) ImportFramebuffer(types.BufferHandle, types.BlendMode, types.BufferDetails) (types.DeviceFBID, error) {
	if f.fail {
		return 0, errTestImportFailed
	}
	f.next++
	return f.next, nil
}

func (f *fakeImporter) DestroyFramebuffer(id types.DeviceFBID) error {
	f.freed = append(f.freed, id)
	return nil
}

var errTestImportFailed = &ValidationError{Resource: "test", Message: "import failed"}

type fakeAllocator struct {
	details map[types.BufferHandle]types.BufferDetails
	hints   map[types.BufferHandle]types.BufferUsageHint
	purged  map[types.BufferHandle]bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{
		details: make(map[types.BufferHandle]types.BufferDetails),
		hints:   make(map[types.BufferHandle]types.BufferUsageHint),
		purged:  make(map[types.BufferHandle]bool),
	}
}

func (a *fakeAllocator) QueryBufferDetails(h types.BufferHandle) (types.BufferDetails, bool) {
	d, ok := a.details[h]
	return d, ok
}

func (a *fakeAllocator) SetBufferUsageHint(h types.BufferHandle, hint types.BufferUsageHint) {
	a.hints[h] = hint
}

func (a *fakeAllocator) Purge(h types.BufferHandle) error {
	a.purged[h] = true
	return nil
}

func (a *fakeAllocator) Realize(h types.BufferHandle) error {
	a.purged[h] = false
	return nil
}

func TestBufferManager_AcquireUnknownHandleIsOrphaned(t *testing.T) {
	bm := NewBufferManager(&fakeImporter{}, newFakeAllocator(), nil)

	mb := bm.AcquireBuffer(types.BufferHandle(42))
	if mb == nil {
		t.Fatal("AcquireBuffer returned nil for unknown handle")
	}
	if !mb.Orphaned() {
		t.Fatal("just-in-time record for unknown handle should be orphaned")
	}
	if mb.RefCount() != 1 {
		t.Fatalf("RefCount = %d, want 1", mb.RefCount())
	}
}

func TestBufferManager_RefcountSurvivesFree(t *testing.T) {
	bm := NewBufferManager(&fakeImporter{}, newFakeAllocator(), nil)
	h := types.BufferHandle(1)
	bm.OnBufferAllocated(h, types.BufferDetails{Width: 100})

	mb := bm.AcquireBuffer(h)
	bm.OnBufferFreed(h)

	if mb.Orphaned() != true {
		t.Fatal("buffer should be orphaned after allocator free")
	}
	if bm.BufferCount() != 1 {
		t.Fatal("buffer record should still exist while refcount > 0")
	}

	bm.ReleaseBuffer(mb)
	if bm.BufferCount() != 0 {
		t.Fatal("buffer record should be destroyed once refcount reaches 0 after orphaning")
	}
}

func TestBufferManager_ImportForBlendIsCachedAndDistinct(t *testing.T) {
	bm := NewBufferManager(&fakeImporter{}, newFakeAllocator(), nil)
	h := types.BufferHandle(7)
	bm.OnBufferAllocated(h, types.BufferDetails{})
	mb := bm.AcquireBuffer(h)

	opaque1 := bm.ImportForBlend(mb, types.BlendNone)
	opaque2 := bm.ImportForBlend(mb, types.BlendNone)
	blend := bm.ImportForBlend(mb, types.BlendPremultiplied)

	if opaque1 != opaque2 {
		t.Fatal("ImportForBlend should cache the opaque fb id")
	}
	if opaque1 == blend {
		t.Fatal("opaque and blend fb ids must differ")
	}
}

func TestBufferManager_ImportFailureLeavesZeroDeviceID(t *testing.T) {
	bm := NewBufferManager(&fakeImporter{fail: true}, newFakeAllocator(), nil)
	h := types.BufferHandle(9)
	bm.OnBufferAllocated(h, types.BufferDetails{})
	mb := bm.AcquireBuffer(h)

	id := bm.ImportForBlend(mb, types.BlendNone)
	if id.IsValid() {
		t.Fatal("ImportForBlend should return invalid id on failure")
	}
}

func TestBufferManager_OnEndOfFrameCoalescesHints(t *testing.T) {
	alloc := newFakeAllocator()
	bm := NewBufferManager(&fakeImporter{}, alloc, nil)
	h := types.BufferHandle(3)
	bm.OnBufferAllocated(h, types.BufferDetails{})
	mb := bm.AcquireBuffer(h)

	bm.SetBufferUsage(mb, types.BufferUsageGL)
	bm.SetBufferUsage(mb, types.BufferUsageDisplay)
	bm.OnEndOfFrame()

	got := alloc.hints[h]
	want := types.BufferUsageGL | types.BufferUsageDisplay
	if got != want {
		t.Fatalf("coalesced hint = %v, want %v", got, want)
	}
}

func TestBufferManager_PurgeSkipsRecentlyUsed(t *testing.T) {
	alloc := newFakeAllocator()
	bm := NewBufferManager(&fakeImporter{}, alloc, nil)
	h := types.BufferHandle(5)
	bm.OnBufferAllocated(h, types.BufferDetails{})
	mb := bm.AcquireBuffer(h)
	bm.SetSurfaceFlingerRT(mb, 0)
	bm.TouchLastUsed(mb)

	bm.PurgeSurfaceFlingerRTs(0)
	if alloc.purged[h] {
		t.Fatal("PurgeSurfaceFlingerRTs purged a buffer used this frame")
	}

	for i := 0; i < idleAgeFrames; i++ {
		bm.OnEndOfFrame()
	}
	bm.PurgeSurfaceFlingerRTs(0)
	if !alloc.purged[h] {
		t.Fatal("PurgeSurfaceFlingerRTs should purge once the buffer is idle")
	}
}
