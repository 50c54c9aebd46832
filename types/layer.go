package types

// RectF is a floating-point rectangle, used for a layer's source crop.
type RectF struct {
	X, Y, W, H float32
}

// RectI is an integer rectangle, used for a layer's destination
// placement in display space.
type RectI struct {
	X, Y, W, H int32
}

// Transform enumerates the orientation transforms a plane can apply.
type Transform int

const (
	TransformNone Transform = iota
	TransformFlipH
	TransformFlipV
	TransformRot90
	TransformRot180
	TransformRot270
)

// BlendMode selects whether a plane honours per-pixel source alpha.
type BlendMode int

const (
	// BlendNone: opaque, source alpha ignored.
	BlendNone BlendMode = iota
	// BlendPremultiplied: source alpha blended against the framebuffer below.
	BlendPremultiplied
	// BlendCoverage: straight (non-premultiplied) alpha blend.
	BlendCoverage
)

// DeviceFBID is the display-controller-side framebuffer id produced by
// importing a BufferHandle for a given BlendMode (spec.md glossary:
// "Framebuffer id"). Zero means the handle has not been (or could not
// be) imported for the blend mode the layer requires - spec.md §4.B:
// "such buffers are still tracked but have device_id = 0, signalling to
// the page-flip handler that the layer must be composed first."
type DeviceFBID uint32

// IsValid reports whether the framebuffer id is usable for scanout.
func (id DeviceFBID) IsValid() bool {
	return id != 0
}
