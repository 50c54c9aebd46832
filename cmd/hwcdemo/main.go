// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Command hwcdemo wires a single PhysicalDisplay end to end - Timeline,
// BufferManager, PageFlipHandler, DisplayQueue - against either the
// in-memory halnoop backend (default) or a real Linux DRM/KMS node
// (-drm-node), and drives it through startup, a short sequence of
// frames, a producer-side drop, and shutdown. It exists to demonstrate
// spec.md §8 scenarios S1-S3 and S6 end to end, not as a production
// compositor entry point (spec.md §1 explicitly excludes the
// SurfaceFlinger-facing shim and service/CLI surfaces; this is a
// diagnostic harness only).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/hwc/compositor"
	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/hal"
	"github.com/gogpu/hwc/hal/haldrm"
	"github.com/gogpu/hwc/hal/halnoop"
	"github.com/gogpu/hwc/types"
)

func main() {
	drmNode := flag.String("drm-node", "", "path to a DRM device node (e.g. /dev/dri/card0); uses the in-memory halnoop backend if empty")
	crtcID := flag.Uint("crtc", 1, "CRTC id to drive (haldrm only)")
	connID := flag.Uint("connector", 1, "connector id to drive (haldrm only)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*drmNode, uint32(*crtcID), uint32(*connID), logger); err != nil {
		log.Fatalf("hwcdemo: %v", err)
	}
}

// demoBackend bundles the hal.Controller/hal.Allocator pair plus
// whatever driving a vblank needs - for halnoop that's an explicit
// FireVblank call from a ticking goroutine; for haldrm it's the real
// kernel page-flip event, already wired by haldrm.Controller's own
// event loop.
type demoBackend struct {
	controller hal.Controller
	allocator  hal.Allocator
	runVblank  func(ctx context.Context)
	close      func() error
}

func openBackend(drmNode string, crtcID, connID uint32, logger *slog.Logger) (*demoBackend, error) {
	if drmNode == "" {
		ctrl := halnoop.NewController(hal.Capabilities{Atomic: true, PanelFitter: true})
		alloc := halnoop.NewAllocator()
		return &demoBackend{
			controller: ctrl,
			allocator:  alloc,
			runVblank: func(ctx context.Context) {
				ticker := time.NewTicker(16 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						ctrl.FireVblank()
					}
				}
			},
			close: func() error { return ctrl.Close() },
		}, nil
	}

	ctrl, err := haldrm.Open(drmNode, crtcID, connID, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", drmNode, err)
	}
	alloc := haldrm.NewAllocator(ctrl.Fd())
	ctrl.SetAllocator(alloc)
	return &demoBackend{
		controller: ctrl,
		allocator:  alloc,
		runVblank:  func(context.Context) {}, // real page-flip events drive completion
		close:      ctrl.Close,
	}, nil
}

func run(drmNode string, crtcID, connID uint32, logger *slog.Logger) error {
	backend, err := openBackend(drmNode, crtcID, connID, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	bm := core.NewBufferManager(backend.controller, backend.allocator, logger)
	timeline := core.NewTimeline("hwcdemo", core.NewMemSyncDriver(), logger)
	defer timeline.Close()

	pool := core.NewFramePool[compositor.Frame]()
	flip := compositor.NewPageFlipHandler(backend.controller, timeline, crtcID, nil, logger)
	flip.SetBufferManager(bm)
	queue := compositor.NewDisplayQueue("hwcdemo", pool, bm, flip, logger)
	fitter := compositor.NewPanelFitterArbiter()
	display := compositor.NewPhysicalDisplay("hwcdemo", backend.controller, queue, timeline, fitter, "family0", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go queue.Run(ctx)
	defer queue.Close()
	go backend.runVblank(ctx)

	cfg := types.DisplayConfig{Width: 1920, Height: 1080, RefreshMHz: 60000}

	fmt.Println("1. Startup...")
	queue.QueueEvent(compositor.Event{
		Kind:       compositor.EventStartup,
		Connection: compositor.Connection{ConnectorID: connID, CRTCID: crtcID, HasPipe: true, Connected: true},
		IsNew:      true,
	})
	if ok, err := queue.Flush(ctx, compositor.FrameID{}, 2*time.Second); !ok || err != nil {
		return fmt.Errorf("startup flush: ok=%v err=%w", ok, err)
	}
	fmt.Printf("   status = %s\n", display.Status())

	backend.allocator.Subscribe(bm.OnBufferAllocated, bm.OnBufferFreed)

	fmt.Println("2. Submitting frames F1..F5 (spec.md S1)...")
	// Buffer handles here are demo-only placeholders (spec.md §1 excludes
	// a specific allocator ABI): against halnoop they resolve to
	// just-in-time orphaned ManagedBuffer records; against a real
	// haldrm node, import a dumb buffer via allocator.CreateDumb first
	// so ImportFramebuffer has real GEM-backed memory to scan out.
	var lastFD int
	for i := 0; i < 5; i++ {
		handle := types.BufferHandle(100 + i) //nolint:gosec // demo buffer handle range
		fd, err := queue.QueueFrame([]compositor.LayerInput{{
			Handle:         handle,
			DstRect:        types.RectI{W: int32(cfg.Width), H: int32(cfg.Height)},
			SrcRect:        types.RectF{W: float32(cfg.Width), H: float32(cfg.Height)},
			BlendMode:      types.BlendNone,
			PlaneAlpha:     1,
			AcquireFenceFD: -1,
		}}, cfg)
		if err != nil {
			return fmt.Errorf("queue frame %d: %w", i, err)
		}
		lastFD = fd
		fmt.Printf("   F%d queued, retire_fd=%d\n", i+1, fd)
	}

	fmt.Println("3. Producer-side drop (spec.md S3)...")
	dropID, err := queue.QueueDrop()
	if err != nil {
		return fmt.Errorf("queue drop: %w", err)
	}
	fmt.Printf("   dropped, coalesced FrameID=%s\n", dropID)

	if ok, err := queue.Flush(ctx, compositor.FrameID{}, 2*time.Second); !ok || err != nil {
		return fmt.Errorf("drain flush: ok=%v err=%w", ok, err)
	}
	fmt.Printf("   last_issued = %s\n", queue.LastIssued())
	if lastFD >= 0 {
		_ = os.NewFile(uintptr(lastFD), "retire").Close()
	}

	fmt.Println("4. Simulating ESD event, next frame triggers recovery (spec.md S6)...")
	display.RequestRecovery()
	if fd, err := queue.QueueFrame([]compositor.LayerInput{{
		Handle:         types.BufferHandle(200),
		DstRect:        types.RectI{W: int32(cfg.Width), H: int32(cfg.Height)},
		SrcRect:        types.RectF{W: float32(cfg.Width), H: float32(cfg.Height)},
		BlendMode:      types.BlendNone,
		PlaneAlpha:     1,
		AcquireFenceFD: -1,
	}}, cfg); err != nil {
		return fmt.Errorf("queue recovery frame: %w", err)
	} else if fd >= 0 {
		defer os.NewFile(uintptr(fd), "retire").Close()
	}
	if ok, err := queue.Flush(ctx, compositor.FrameID{}, 2*time.Second); !ok || err != nil {
		return fmt.Errorf("recovery flush: ok=%v err=%w", ok, err)
	}
	fmt.Printf("   recovery epoch = %d\n", display.RecoveryEpoch())

	fmt.Println("5. Shutdown...")
	queue.QueueEvent(compositor.Event{Kind: compositor.EventShutdown, ReleaseTo: queue.LastIssued().TimelineIndex})
	if ok, err := queue.Flush(ctx, compositor.FrameID{}, 2*time.Second); !ok || err != nil {
		return fmt.Errorf("shutdown flush: ok=%v err=%w", ok, err)
	}
	fmt.Printf("   status = %s\n", display.Status())

	return nil
}
