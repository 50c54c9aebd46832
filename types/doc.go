// Package types defines the display-agnostic data model shared by
// core, hal and compositor: buffer handles and their metadata, layer
// geometry/blending, display configuration, and the power/scaling enums
// the kernel display controller exposes.
//
// These are plain data structures with no logic, mirroring the
// teacher's own types/core/hal split (types = data, core = validation +
// state tracking, hal = hardware abstraction).
package types
