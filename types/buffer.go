package types

// BufferHandle is the opaque graphics-allocator handle a producer
// attaches to a Layer (spec.md §3, Layer.handle). It is never
// dereferenced by this module - it is only ever looked up in the
// BufferManager or passed to a hal.Allocator/hal.Controller call.
type BufferHandle uint64

// IsNil reports whether the handle is the zero handle, used by
// blanking frames per spec.md §8 boundary behaviour #11.
func (h BufferHandle) IsNil() bool {
	return h == 0
}

// TilingMode describes the memory tiling of a buffer's backing store.
type TilingMode int

const (
	TilingLinear TilingMode = iota
	TilingXMajor
	TilingYMajor
)

// CompressionState describes the allocator's current compression
// encoding for a buffer, negotiated via BufferUsageHint.
type CompressionState int

const (
	CompressionNone CompressionState = iota
	CompressionRenderCompressed
	CompressionMediaCompressed
)

// BufferUsageHint is the hint BufferManager.SetBufferUsage forwards to
// the allocator so it can choose a compression format, per spec.md
// §4.B: "used to negotiate compression format with the allocator at
// end-of-frame."
type BufferUsageHint uint32

const (
	BufferUsageGL BufferUsageHint = 1 << iota
	BufferUsageVPP
	BufferUsageDisplay
)

// PAVPSession describes protected-audio-video-path session state for
// an encrypted buffer (spec.md glossary: PAVP).
type PAVPSession struct {
	SessionID  uint32
	InstanceID uint32
}

// BufferDetails is the cached, always-safe-to-call metadata BufferManager
// returns from GetLayerBufferDetails (spec.md §4.B).
type BufferDetails struct {
	Width, Height uint32
	Format        uint32 // fourcc
	Usage         uint32
	Pitch         uint32
	SizeBytes     uint64
	AllocWidth    uint32
	AllocHeight   uint32
	PrimeFD       int
	Tiling        TilingMode
	Compression   CompressionState
	PAVP          PAVPSession
	IsEncrypted   bool
	IsKeyFrame    bool
}
