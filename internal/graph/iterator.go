package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentic-research/dirtree/api"
)

// ErrInvalidPageSize is returned for page sizes below one.
var ErrInvalidPageSize = errors.New("page size must be positive")

// Entry is a materialized record returned by a search.
type Entry struct {
	DN         string         `json:"dn"`
	Attributes api.Attributes `json:"attributes"`
}

// Page is one slice of a paginated search.
type Page struct {
	Entries     []Entry `json:"entries"`
	PageNum     int     `json:"page"`
	PageSize    int     `json:"page_size"`
	TotalCount  int     `json:"total_count"`
	TotalPages  int     `json:"total_pages"`
	HasNext     bool    `json:"has_next"`
	HasPrevious bool    `json:"has_previous"`
}

// SearchIterator pages through the records at or below a base DN.
// The matching DN list is derived once and reused for every page; only the
// entries of the requested page are materialized.
type SearchIterator struct {
	tree     *Tree
	base     []string
	pageSize int

	once sync.Once
	dns  []string

	mu      sync.Mutex
	current int
}

// NewSearchIterator creates an iterator over t. An empty base matches every
// record.
func NewSearchIterator(t *Tree, base string, pageSize int) (*SearchIterator, error) {
	if pageSize < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}
	var comps []string
	if base != "" {
		var err error
		if comps, err = ParseDN(base); err != nil {
			return nil, err
		}
	}
	return &SearchIterator{tree: t, base: comps, pageSize: pageSize}, nil
}

// DNs returns the matching DNs sorted by depth, then lexically.
func (it *SearchIterator) DNs() []string {
	it.once.Do(func() {
		matched := make([]record, 0)
		for _, r := range it.tree.records {
			if IsUnder(r.comps, it.base) {
				matched = append(matched, r)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			if len(matched[i].comps) != len(matched[j].comps) {
				return len(matched[i].comps) < len(matched[j].comps)
			}
			return matched[i].dn < matched[j].dn
		})
		it.dns = make([]string, len(matched))
		for i, r := range matched {
			it.dns[i] = r.dn
		}
	})
	return it.dns
}

// TotalCount returns the number of matching records.
func (it *SearchIterator) TotalCount() int { return len(it.DNs()) }

// TotalPages returns the number of pages, zero when nothing matches.
func (it *SearchIterator) TotalPages() int {
	return (it.TotalCount() + it.pageSize - 1) / it.pageSize
}

// Page returns page n (0-based) and makes it the current page.
// Out-of-range pages have no entries but report correct totals.
func (it *SearchIterator) Page(n int) *Page {
	dns := it.DNs()
	total := len(dns)
	pages := it.TotalPages()

	it.mu.Lock()
	it.current = n
	it.mu.Unlock()

	p := &Page{
		Entries:     []Entry{},
		PageNum:     n,
		PageSize:    it.pageSize,
		TotalCount:  total,
		TotalPages:  pages,
		HasNext:     n+1 < pages,
		HasPrevious: n > 0 && pages > 0,
	}
	if n < 0 || n >= pages {
		return p
	}
	start := n * it.pageSize
	end := min(start+it.pageSize, total)
	for _, dn := range dns[start:end] {
		node, ok := it.tree.byDN[dn]
		if !ok {
			continue
		}
		p.Entries = append(p.Entries, Entry{DN: dn, Attributes: node.Attributes()})
	}
	return p
}

// Current returns the page last requested.
func (it *SearchIterator) Current() *Page {
	it.mu.Lock()
	n := it.current
	it.mu.Unlock()
	return it.Page(n)
}

// Next advances to the following page. It returns false at the end.
func (it *SearchIterator) Next() (*Page, bool) {
	it.mu.Lock()
	n := it.current + 1
	it.mu.Unlock()
	if n >= it.TotalPages() {
		return nil, false
	}
	return it.Page(n), true
}

// Previous steps back one page. It returns false at the start.
func (it *SearchIterator) Previous() (*Page, bool) {
	it.mu.Lock()
	n := it.current - 1
	it.mu.Unlock()
	if n < 0 {
		return nil, false
	}
	return it.Page(n), true
}

// CountUnder returns the number of records at or below base without
// materializing anything.
func (t *Tree) CountUnder(base string) int {
	if base == "" {
		return len(t.records)
	}
	comps, err := ParseDN(base)
	if err != nil {
		return 0
	}
	n := 0
	for _, r := range t.records {
		if IsUnder(r.comps, comps) {
			n++
		}
	}
	return n
}
