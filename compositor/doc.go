// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package compositor implements the per-display frame presentation
// pipeline: DisplayQueue, PageFlipHandler, and PhysicalDisplay
// lifecycle, built on the Timeline/Fence/BufferManager primitives in
// package core and the Controller/Allocator collaborators in package
// hal.
//
// Everything here is owned exclusively by one PhysicalDisplay; the
// only cross-display coordination is panel-fitter acquisition
// (panelfitter.go), which is exclusive per controller family.
package compositor
