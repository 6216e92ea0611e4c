package graph

import (
	"errors"
	"sort"

	"github.com/agentic-research/dirtree/api"
)

var ErrNotFound = errors.New("node not found")

// Ref is a recipe for lazily resolving an entry's attributes from its
// source file. It never holds the attributes themselves: the cache owns
// materialized data and a Ref only knows the key it is stored under.
type Ref struct {
	DN      string // Canonical DN
	Source  string // Owning source file
	Ordinal int    // Record position within the file
	Locator string // JSONPath expression selecting the record
	Key     string // Cache slot key

	slots Slots
}

// Slots is the view of the cache a Ref needs to report its state.
type Slots interface {
	Contains(key string) bool
	SizeOf(key string) int64
	Remove(key string) bool
}

// NewRef binds a reference to the cache that will hold its attributes.
func NewRef(dn, source string, ordinal int, locator, key string, slots Slots) *Ref {
	return &Ref{DN: dn, Source: source, Ordinal: ordinal, Locator: locator, Key: key, slots: slots}
}

// IsLoaded reports whether the attributes are currently cached.
func (r *Ref) IsLoaded() bool {
	return r.slots != nil && r.slots.Contains(r.Key)
}

// MemorySize is the estimated footprint of the cached attributes, or 0.
func (r *Ref) MemorySize() int64 {
	if r.slots == nil {
		return 0
	}
	return r.slots.SizeOf(r.Key)
}

// Unload drops the cached attributes. The next access re-reads the source.
func (r *Ref) Unload() {
	if r.slots != nil {
		r.slots.Remove(r.Key)
	}
}

// Materializer turns a Ref into attributes. Implementations must not fail:
// unreadable records resolve to an empty set.
type Materializer interface {
	Materialize(ref *Ref) api.Attributes
}

// Node is one entry of the directory tree.
// A node carries either inline attributes or a lazy Ref, never both.
type Node struct {
	dn        string
	rdn       string
	children  map[string]*Node
	attrs     api.Attributes
	ref       *Ref
	synthetic bool
	tree      *Tree
}

// DN returns the node's full path. The root has the empty DN.
func (n *Node) DN() string { return n.dn }

// RDN returns the node's leading component (its label under the parent).
func (n *Node) RDN() string { return n.rdn }

// IsSynthetic reports whether the node was inferred to connect a record
// to the root rather than loaded from a source.
func (n *Node) IsSynthetic() bool { return n.synthetic }

// IsLazy reports whether attributes are resolved on demand.
func (n *Node) IsLazy() bool { return n.ref != nil }

// Ref returns the lazy reference, or nil for inline nodes.
func (n *Node) Ref() *Ref { return n.ref }

// Attributes returns a copy of the node's attributes, materializing them
// through the tree's resolver when the node is lazy.
func (n *Node) Attributes() api.Attributes {
	if n.ref != nil {
		if n.tree == nil || n.tree.mat == nil {
			return api.Attributes{}
		}
		return n.tree.mat.Materialize(n.ref).Clone()
	}
	if n.attrs == nil {
		return api.Attributes{}
	}
	return n.attrs.Clone()
}

// Child returns the immediate child with the given label.
func (n *Node) Child(label string) (*Node, bool) {
	c, ok := n.children[label]
	return c, ok
}

// Children returns the immediate children sorted by label.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rdn < out[j].rdn })
	return out
}

func (n *Node) addChild(c *Node) {
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	n.children[c.rdn] = c
}

type record struct {
	dn    string
	comps []string
}

// Tree is an immutable, fully built directory tree. It is published once
// and only ever replaced as a whole.
type Tree struct {
	root    *Node
	byDN    map[string]*Node
	records []record // record-backed nodes in build order
	skipped int
	mat     Materializer
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// GetNode looks up a node by DN.
func (t *Tree) GetNode(dn string) (*Node, error) {
	if dn == "" {
		return t.root, nil
	}
	n, ok := t.byDN[CanonicalDN(dn)]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

// Len returns the number of record-backed nodes.
func (t *Tree) Len() int { return len(t.records) }

// Skipped returns how many input records were dropped for unparseable DNs.
func (t *Tree) Skipped() int { return t.skipped }

// RecordDNs returns the record-backed DNs in build order.
func (t *Tree) RecordDNs() []string {
	out := make([]string, len(t.records))
	for i, r := range t.records {
		out[i] = r.dn
	}
	return out
}

// Walk visits every node depth-first, parents before children.
// Returning false from fn prunes the subtree.
func (t *Tree) Walk(fn func(*Node) bool) {
	var visit func(*Node)
	visit = func(n *Node) {
		if !fn(n) {
			return
		}
		for _, c := range n.Children() {
			visit(c)
		}
	}
	visit(t.root)
}
