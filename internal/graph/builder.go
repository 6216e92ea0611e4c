package graph

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/agentic-research/dirtree/api"
)

// Item is one builder input: a DN with either inline attributes or a lazy
// reference.
type Item struct {
	DN         string
	Attributes api.Attributes
	Ref        *Ref
}

// Builder turns a flat, merged record list into a Tree.
type Builder struct {
	Logger       *slog.Logger
	Materializer Materializer // required when items carry Refs
}

// objectClasses maps recognized component keys to the structural class
// given to synthetic parents. Other keys only get "top".
var objectClasses = map[string]string{
	"dc": "domain",
	"ou": "organizationalUnit",
	"cn": "organizationalRole",
}

// Build creates a tree from items. Items are processed shallowest first;
// within one depth the input order is kept. Items whose DN cannot be
// parsed are logged and skipped.
func (b *Builder) Build(items []Item) *Tree {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tree{
		byDN: make(map[string]*Node, len(items)),
		mat:  b.Materializer,
	}
	t.root = &Node{tree: t}

	type parsed struct {
		item  Item
		comps []string
	}
	list := make([]parsed, 0, len(items))
	for _, it := range items {
		comps, err := ParseDN(it.DN)
		if err != nil {
			logger.Warn("skipping entry with unparseable dn", "dn", it.DN, "error", err)
			t.skipped++
			continue
		}
		list = append(list, parsed{item: it, comps: comps})
	}
	sort.SliceStable(list, func(i, j int) bool {
		return len(list[i].comps) < len(list[j].comps)
	})

	for _, p := range list {
		dn := JoinDN(p.comps)
		parent := t.ensure(p.comps[1:])
		if existing, ok := parent.Child(p.comps[0]); ok {
			if !existing.synthetic {
				logger.Warn("skipping duplicate entry", "dn", dn)
				t.skipped++
				continue
			}
			existing.synthetic = false
			existing.attrs = p.item.Attributes
			existing.ref = p.item.Ref
			t.records = append(t.records, record{dn: dn, comps: p.comps})
			continue
		}
		n := &Node{
			dn:    dn,
			rdn:   p.comps[0],
			attrs: p.item.Attributes,
			ref:   p.item.Ref,
			tree:  t,
		}
		parent.addChild(n)
		t.byDN[dn] = n
		t.records = append(t.records, record{dn: dn, comps: p.comps})
	}
	return t
}

// ensure returns the node for comps, synthesizing it and any missing
// ancestors.
func (t *Tree) ensure(comps []string) *Node {
	if len(comps) == 0 {
		return t.root
	}
	dn := JoinDN(comps)
	if n, ok := t.byDN[dn]; ok {
		return n
	}
	parent := t.ensure(comps[1:])
	n := &Node{
		dn:        dn,
		rdn:       comps[0],
		attrs:     SyntheticAttributes(comps[0]),
		synthetic: true,
		tree:      t,
	}
	parent.addChild(n)
	t.byDN[dn] = n
	return n
}

// SyntheticAttributes infers the minimal attribute set for a component
// that has no record of its own.
func SyntheticAttributes(rdn string) api.Attributes {
	key, value := SplitRDN(rdn)
	classes := []string{"top"}
	if class, ok := objectClasses[strings.ToLower(key)]; ok {
		classes = append(classes, class)
	}
	return api.Attributes{
		"objectClass": classes,
		key:           {value},
	}
}
