package compositor

import (
	"github.com/gogpu/hwc/core"
	"github.com/gogpu/hwc/types"
)

// Content is the queue-owned snapshot of one submitted frame's layer
// stack and display config (spec.md §4.F). A Frame embeds a Content
// plus its identity and pool state.
type Content struct {
	Layers LayerStack
	Config types.DisplayConfig
}

// Matches preserves the original's Content::matches behaviour exactly,
// per spec.md §9 open question 1 and SPEC_FULL.md's decision not to
// guess intent: it returns false when the two contents have the same
// number of layers, true otherwise. This reads as inverted from its
// name; it is kept as-is.
func (c Content) Matches(other Content) bool {
	return len(c.Layers) != len(other.Layers)
}

// IsBlank reports whether c is a single-layer blanking content
// (spec.md §8 boundary behaviour 11).
func (c Content) IsBlank() bool {
	return len(c.Layers) == 1 && c.Layers[0].IsBlank()
}

// Release releases every layer's snapshot resources (acquire fence,
// retained release reference, BufferManager refcount).
func (c *Content) Release(bm *core.BufferManager) {
	for i := range c.Layers {
		c.Layers[i].Release(bm)
	}
}
