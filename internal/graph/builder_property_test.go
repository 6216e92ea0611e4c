package graph

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/agentic-research/dirtree/api"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBuilder_LeafRecoveryProperty checks that building a tree and listing
// its record-backed DNs returns exactly the valid input DNs.
func TestBuilder_LeafRecoveryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	properties.Property("record DNs are preserved", prop.ForAll(
		func(names []string, groups []int, escapes []string, withInvalid bool) bool {
			want := map[string]struct{}{}
			var items []Item
			for i, name := range names {
				g := 0
				if i < len(groups) {
					g = groups[i]
				}
				esc := ""
				if i < len(escapes) {
					esc = escapes[i]
				}
				dn := fmt.Sprintf("cn=%s%s,ou=g%d,dc=example,dc=com", name, esc, g)
				want[dn] = struct{}{}
				items = append(items, Item{DN: dn, Attributes: api.Attributes{"cn": {name}}})
			}
			if withInvalid {
				items = append(items, Item{DN: ""}, Item{DN: "cn=x,,dc=com"})
			}

			tree := (&Builder{Logger: quiet}).Build(items)

			got := tree.RecordDNs()
			if len(got) != len(want) {
				return false
			}
			for _, dn := range got {
				if _, ok := want[dn]; !ok {
					return false
				}
			}
			if withInvalid && tree.Skipped() < 2 {
				return false
			}

			// Every record is reachable from the root by walking children.
			var reached []string
			tree.Walk(func(n *Node) bool {
				if n.DN() != "" && !n.IsSynthetic() {
					reached = append(reached, n.DN())
				}
				return true
			})
			sort.Strings(reached)
			sort.Strings(got)
			if fmt.Sprint(reached) != fmt.Sprint(got) {
				return false
			}
			return pathsConsistent(tree.Root(), "")
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.OneConstOf("", `\,`, `\ `, `\\`, `\=`, `\+`)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// pathsConsistent checks that every node's DN is its RDN joined to its
// parent's DN.
func pathsConsistent(n *Node, parent string) bool {
	for _, c := range n.Children() {
		want := c.RDN()
		if parent != "" {
			want += "," + parent
		}
		if c.DN() != want || !pathsConsistent(c, c.DN()) {
			return false
		}
	}
	return true
}
