// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package hal defines the kernel display controller and buffer
// allocator interfaces the compositor package programs against:
// Controller (connector/CRTC/plane commit, DPMS, panel fitter) and
// Allocator (buffer metadata, usage hints, purge/realize). Two
// implementations exist: halnoop, an in-memory fake for tests and
// demos, and haldrm, a real Linux DRM/KMS backend.
//
// # Design principles
//
// hal prioritizes portability over safety, delegating validation to
// compositor. A Controller method returns an error only for conditions
// the caller could not have prevented (resource exhaustion, a
// disconnected display); a malformed request (unsupported format,
// overlapping plane) is the caller's responsibility to avoid.
//
// # Thread safety
//
// Controller.Commit's onComplete callback is invoked from an
// implementation-owned event thread, never from within Commit itself.
// Every other Controller/Allocator method may be called concurrently
// with that event thread; implementations are responsible for their
// own internal locking.
package hal
