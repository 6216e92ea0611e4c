package ingest

import (
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/graph"
)

// FileIndex maps each DN in one source file to the locator of its record.
// Building it parses the file once; attribute payloads are not kept.
type FileIndex struct {
	Path       string
	Shape      api.Shape
	Duplicates int // repeated DNs inside this file

	order    []string
	locators map[string]Locator
}

// IndexFile parses path and indexes its records. Records are fully
// validated so that a lazy load rejects the same files an eager one does.
// Repeated DNs inside the file are resolved with policy.
func IndexFile(path string, policy Policy) (*FileIndex, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", path, err)
	}
	list, shape, err := parseList(path, content)
	if err != nil {
		return nil, err
	}

	idx := &FileIndex{
		Path:     path,
		Shape:    shape,
		locators: make(map[string]Locator, len(list)),
	}
	for i, v := range list {
		rec, err := decodeRecord(path, i, v)
		if err != nil {
			return nil, err
		}
		dn := graph.CanonicalDN(rec.DN)
		if _, seen := idx.locators[dn]; seen {
			idx.Duplicates++
			switch policy {
			case FirstWins:
				continue
			case LastWins:
				idx.locators[dn] = NewLocator(shape, i)
				continue
			default:
				return nil, &MergeConflictError{DN: dn, Source: path}
			}
		}
		idx.order = append(idx.order, dn)
		idx.locators[dn] = NewLocator(shape, i)
	}
	return idx, nil
}

// Len returns the number of distinct DNs.
func (f *FileIndex) Len() int { return len(f.order) }

// DNs returns the distinct DNs in document order.
func (f *FileIndex) DNs() []string {
	return append([]string(nil), f.order...)
}

// Resolve returns the locator for dn.
func (f *FileIndex) Resolve(dn string) (Locator, bool) {
	l, ok := f.locators[graph.CanonicalDN(dn)]
	return l, ok
}

// EntryAt returns the DN and locator at position i of the distinct DN list.
func (f *FileIndex) EntryAt(i int) (string, Locator, bool) {
	if i < 0 || i >= len(f.order) {
		return "", Locator{}, false
	}
	dn := f.order[i]
	return dn, f.locators[dn], true
}

// LazyEntry is the reference selected for one DN.
type LazyEntry struct {
	DN      string
	Source  string
	Locator Locator
}

// LazyResult is the lazy counterpart of MergeResult.
type LazyResult struct {
	Order     []string
	Entries   map[string]LazyEntry
	Conflicts int
	PerFile   map[string]int
}

// LazyMerge selects one reference per DN across indexes.
//
// DNs are interned to integer ids and each file becomes a bitmap. Files
// are visited forward for first_wins and error, backward for last_wins;
// a file claims the ids it holds that no earlier-visited file claimed.
// Under error any overlap fails the load, so uniqueness is validated at
// index time rather than on first access.
func LazyMerge(indexes []*FileIndex, policy Policy) (*LazyResult, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}

	ids := make(map[string]uint32)
	var names []string
	bitmaps := make([]*roaring.Bitmap, len(indexes))
	res := &LazyResult{
		Entries: make(map[string]LazyEntry),
		PerFile: make(map[string]int, len(indexes)),
	}

	for i, idx := range indexes {
		bm := roaring.New()
		for _, dn := range idx.order {
			id, ok := ids[dn]
			if !ok {
				id = uint32(len(names))
				ids[dn] = id
				names = append(names, dn)
			}
			bm.Add(id)
		}
		bitmaps[i] = bm
		res.Conflicts += idx.Duplicates
	}
	res.Order = names

	visit := make([]int, len(indexes))
	for i := range visit {
		visit[i] = i
	}
	if policy == LastWins {
		for l, r := 0, len(visit)-1; l < r; l, r = l+1, r-1 {
			visit[l], visit[r] = visit[r], visit[l]
		}
	}

	claimed := roaring.New()
	for _, i := range visit {
		idx, bm := indexes[i], bitmaps[i]
		overlap := roaring.And(bm, claimed)
		if !overlap.IsEmpty() {
			if policy == ErrorOnConflict {
				return nil, &MergeConflictError{DN: names[overlap.Minimum()], Source: idx.Path}
			}
			res.Conflicts += int(overlap.GetCardinality())
		}

		won := roaring.AndNot(bm, claimed)
		it := won.Iterator()
		for it.HasNext() {
			dn := names[it.Next()]
			res.Entries[dn] = LazyEntry{DN: dn, Source: idx.Path, Locator: idx.locators[dn]}
		}
		res.PerFile[idx.Path] = int(won.GetCardinality())
		claimed.Or(bm)
	}
	return res, nil
}
