package halnoop

import (
	"context"
	"testing"

	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/types"
)

func TestController_CommitRejectsSecondWhileInFlight(t *testing.T) {
	c := NewController(hal.Capabilities{Atomic: true})

	if err := c.Commit(context.Background(), hal.CommitRequest{}, func() {}); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	err := c.Commit(context.Background(), hal.CommitRequest{}, func() {})
	if err != hal.ErrFlipInFlight {
		t.Fatalf("second Commit = %v, want ErrFlipInFlight", err)
	}

	if !c.FireVblank() {
		t.Fatal("FireVblank should complete the pending commit")
	}
	if c.HasPendingFlip() {
		t.Fatal("no commit should be pending after FireVblank")
	}
	if err := c.Commit(context.Background(), hal.CommitRequest{}, func() {}); err != nil {
		t.Fatalf("Commit after FireVblank: %v", err)
	}
}

func TestController_FireVblankInvokesCallback(t *testing.T) {
	c := NewController(hal.Capabilities{})
	called := false
	_ = c.Commit(context.Background(), hal.CommitRequest{CRTCID: 1}, func() { called = true })

	if !c.FireVblank() {
		t.Fatal("FireVblank returned false with a commit pending")
	}
	if !called {
		t.Fatal("onComplete was not invoked")
	}
	if c.FireVblank() {
		t.Fatal("FireVblank should return false with nothing pending")
	}
}

func TestController_SetPanelFitterRequiresCapability(t *testing.T) {
	c := NewController(hal.Capabilities{PanelFitter: false})
	err := c.SetPanelFitter(types.PanelFitterManual, types.RectI{W: 100, H: 100})
	if err != hal.ErrPanelFitterUnsupported {
		t.Fatalf("SetPanelFitter = %v, want ErrPanelFitterUnsupported", err)
	}

	withCap := NewController(hal.Capabilities{PanelFitter: true})
	if err := withCap.SetPanelFitter(types.PanelFitterManual, types.RectI{W: 100, H: 100}); err != nil {
		t.Fatalf("SetPanelFitter: %v", err)
	}
}

func TestController_ImportFramebufferYieldsDistinctIDs(t *testing.T) {
	c := NewController(hal.Capabilities{})
	id1, _ := c.ImportFramebuffer(types.BufferHandle(1), types.BlendNone, types.BufferDetails{})
	id2, _ := c.ImportFramebuffer(types.BufferHandle(1), types.BlendPremultiplied, types.BufferDetails{})
	if id1 == id2 {
		t.Fatal("distinct blend-mode imports should yield distinct ids")
	}
	if err := c.DestroyFramebuffer(id1); err != nil {
		t.Fatalf("DestroyFramebuffer: %v", err)
	}
}

func TestAllocator_SubscribeReceivesAllocateAndFree(t *testing.T) {
	a := NewAllocator()
	var allocated, freed types.BufferHandle
	a.Subscribe(
		func(h types.BufferHandle, _ types.BufferDetails) { allocated = h },
		func(h types.BufferHandle) { freed = h },
	)

	a.Allocate(types.BufferHandle(5), types.BufferDetails{Width: 64})
	if allocated != 5 {
		t.Fatalf("allocated = %v, want 5", allocated)
	}
	if d, ok := a.QueryBufferDetails(5); !ok || d.Width != 64 {
		t.Fatalf("QueryBufferDetails = %v, %v", d, ok)
	}

	a.Free(5)
	if freed != 5 {
		t.Fatalf("freed = %v, want 5", freed)
	}
	if _, ok := a.QueryBufferDetails(5); ok {
		t.Fatal("QueryBufferDetails should miss after Free")
	}
}
