// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package hal

import (
	"context"

	"github.com/gogpu/hwc/types"
)

// Controller is the kernel display controller collaborator specified
// in spec.md §6: "enumerate connectors ... create/destroy framebuffer
// id ... either a legacy API ... or an atomic API ... vblank-event
// subscription ... property get/set for DPMS {...} and
// PanelFitter {...}." The core package only ever calls through this
// interface - it never assumes a specific kernel API version, per
// spec.md's Non-goals.
type Controller interface {
	// Capabilities reports what this Controller instance supports:
	// atomic commit, per-plane event capability, panel fitter presence.
	Capabilities() Capabilities

	// ImportFramebuffer creates a framebuffer id from handle's backing
	// memory, interpreted under blend. Returns an error only for
	// resource exhaustion; an unsupported format/modifier combination
	// is reported via (0, nil) so the caller treats it as
	// BufferImportFailure (spec.md §7), not a hard error.
	ImportFramebuffer(handle types.BufferHandle, blend types.BlendMode, details types.BufferDetails) (types.DeviceFBID, error)

	// DestroyFramebuffer releases a previously imported framebuffer id.
	DestroyFramebuffer(id types.DeviceFBID) error

	// Commit programs one frame's worth of plane state. onComplete is
	// invoked from an external event thread when the controller
	// confirms the commit (spec.md §4.C PageFlipHandler.page_flip_event
	// caller). Commit returns once the commit has been *issued*. An
	// atomic Controller may program all planes in one call; a legacy
	// Controller programs each plane and must itself pick the
	// event-carrying plane per Capabilities.EventPlane.
	Commit(ctx context.Context, req CommitRequest, onComplete func()) error

	// SetDPMS sets the connector's power-management mode.
	SetDPMS(mode types.DPMSMode) error

	// SetPanelFitter sets the panel-fitter mode and destination
	// rectangle (only meaningful when mode == types.PanelFitterManual).
	SetPanelFitter(mode types.PanelFitterMode, dst types.RectI) error

	// SetCRTC performs a blocking mode-set (used at Startup/Resume and
	// to re-establish the mode after ESD recovery).
	SetCRTC(cfg types.DisplayConfig) error

	// Close releases the controller's kernel resources (fd, event
	// subscriptions).
	Close() error
}

// Capabilities describes what a Controller implementation supports,
// re-architected per spec.md §9 note 3: "several targets support event
// from any sprite ... reimplementers should expose it as a capability
// bit rather than hard-coding."
type Capabilities struct {
	Atomic      bool
	PanelFitter bool
	EventPlane  EventPlaneCapability
}

// EventPlaneCapability selects which plane, in a legacy (non-atomic)
// commit, is tagged to produce the flip-complete event.
type EventPlaneCapability int

const (
	EventPlaneMainOrFirstSprite EventPlaneCapability = iota
	EventPlaneAnySprite
)

// PlaneCommit is one plane's state within a CommitRequest.
type PlaneCommit struct {
	PlaneID    uint32
	FB         types.DeviceFBID
	SrcRect    types.RectF
	DstRect    types.RectI
	Transform  types.Transform
	Alpha      float32
	ZOrder     int
	Enabled    bool
}

// CommitRequest is the plane program for a single frame, handed to
// Controller.Commit by the PageFlipHandler.
type CommitRequest struct {
	CRTCID uint32
	Planes []PlaneCommit
	Blank  bool // true for a modeset-only / blanking commit
}
