// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package halnoop is an in-memory hal.Controller/hal.Allocator pair
// for tests and demos, adapted from the teacher's hal/noop backend:
// calls fail only where the hal contract says they must (Commit while a
// commit is in flight, a non-Off panel fitter without the capability),
// state lives in maps, and completion events are
// driven explicitly by the caller instead of real hardware interrupts.
package halnoop
