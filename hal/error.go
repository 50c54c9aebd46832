package hal

import "errors"

// Common hal errors shared by every backend (halnoop, haldrm).
var (
	// ErrBackendNotFound indicates the requested backend is not registered.
	ErrBackendNotFound = errors.New("hal: backend not found")

	// ErrFlipInFlight is returned by Controller.Commit when a previous
	// commit has been issued but not yet confirmed. Per spec.md §4.C, a
	// display has at most one flip in flight; the caller
	// (PageFlipHandler) is responsible for queuing, not the Controller.
	ErrFlipInFlight = errors.New("hal: commit already in flight")

	// ErrPanelFitterUnsupported is returned by Controller.SetPanelFitter
	// when the controller's Capabilities report no panel-fitter plane
	// and a non-Off mode was requested.
	ErrPanelFitterUnsupported = errors.New("hal: panel fitter not supported")

	// ErrDisplayDisconnected indicates the connector backing this
	// Controller reported disconnected, e.g. during hotplug or ESD
	// recovery. Operations besides Close should fail with this until
	// the display reconnects.
	ErrDisplayDisconnected = errors.New("hal: display disconnected")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("hal: timeout")
)
