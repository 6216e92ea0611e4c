package ingest

import (
	"fmt"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/graph"
)

// Policy decides which record wins when a DN appears more than once.
type Policy string

const (
	FirstWins       Policy = "first_wins"
	LastWins        Policy = "last_wins"
	ErrorOnConflict Policy = "error"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case FirstWins, LastWins, ErrorOnConflict:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q (want first_wins, last_wins or error)", ErrUnknownPolicy, s)
	}
}

// Merged is the winning record for one DN and the file it came from.
type Merged struct {
	Attributes api.Attributes
	Source     string
}

// MergeResult is the flattened record set after conflict resolution.
type MergeResult struct {
	Order     []string // DNs in first-insertion order
	Entries   map[string]Merged
	Conflicts int
	PerFile   map[string]int // winning records per source
}

// Items converts the result to builder input in insertion order.
func (r *MergeResult) Items() []graph.Item {
	items := make([]graph.Item, 0, len(r.Order))
	for _, dn := range r.Order {
		items = append(items, graph.Item{DN: dn, Attributes: r.Entries[dn].Attributes})
	}
	return items
}

// Merger combines sources under one policy.
type Merger struct {
	policy Policy
}

// NewMerger validates p up front so that a bad policy fails at
// construction rather than at merge time.
func NewMerger(p Policy) (*Merger, error) {
	if _, err := ParsePolicy(string(p)); err != nil {
		return nil, err
	}
	return &Merger{policy: p}, nil
}

// Policy returns the merger's policy.
func (m *Merger) Policy() Policy { return m.policy }

// Merge iterates sources in listed order, records in document order.
// DNs are compared in canonical form. Under ErrorOnConflict the first
// duplicate aborts the merge and no partial result is returned.
func (m *Merger) Merge(sources []*Source) (*MergeResult, error) {
	res := &MergeResult{
		Entries: make(map[string]Merged),
		PerFile: make(map[string]int, len(sources)),
	}
	for _, src := range sources {
		for _, rec := range src.Records {
			dn := graph.CanonicalDN(rec.DN)
			prev, seen := res.Entries[dn]
			if !seen {
				res.Order = append(res.Order, dn)
				res.Entries[dn] = Merged{Attributes: rec.Attributes, Source: src.Path}
				res.PerFile[src.Path]++
				continue
			}
			switch m.policy {
			case FirstWins:
				res.Conflicts++
			case LastWins:
				res.Conflicts++
				res.PerFile[prev.Source]--
				res.PerFile[src.Path]++
				res.Entries[dn] = Merged{Attributes: rec.Attributes, Source: src.Path}
			default:
				return nil, &MergeConflictError{DN: dn, Source: src.Path}
			}
		}
	}
	return res, nil
}
