package graph

import (
	"sync/atomic"
)

// HotSwap publishes the current tree. Readers take a snapshot with Load and
// keep using it for the whole operation; a reload builds a new tree off to
// the side and publishes it with Swap.
type HotSwap struct {
	current atomic.Pointer[Tree]
}

func NewHotSwap(initial *Tree) *HotSwap {
	h := &HotSwap{}
	if initial != nil {
		h.current.Store(initial)
	}
	return h
}

// Load returns the current tree, or nil before the first Swap.
func (h *HotSwap) Load() *Tree {
	return h.current.Load()
}

// Swap atomically replaces the current tree and returns the previous one.
func (h *HotSwap) Swap(t *Tree) *Tree {
	return h.current.Swap(t)
}

// Root delegates to the current tree.
func (h *HotSwap) Root() *Node {
	t := h.current.Load()
	if t == nil {
		return nil
	}
	return t.Root()
}

// GetNode delegates to the current tree.
func (h *HotSwap) GetNode(dn string) (*Node, error) {
	t := h.current.Load()
	if t == nil {
		return nil, ErrNotFound
	}
	return t.GetNode(dn)
}
