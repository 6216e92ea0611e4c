package store

import (
	"slices"
	"time"

	"github.com/agentic-research/dirtree/internal/graph"
	"github.com/agentic-research/dirtree/internal/ingest"
	"golang.org/x/sync/errgroup"
)

// Reload rebuilds the tree from the current source set. On failure the
// previous tree stays published.
func (s *Store) Reload() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.reload(true)
}

func (s *Store) reload(strict bool) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.reloadLocked(s.Sources(), strict)
}

// reloadLocked builds a tree from sources and, on success, publishes it
// together with sources as the new source set. Callers hold reloadMu.
//
// A lenient load, used when opening with several sources, skips
// unreadable or invalid files with a warning. A strict load fails when a
// file that backs the published tree, or one new to the source set, is
// invalid; files the published tree already skipped are skipped again
// until they become valid. With a single source every failure is fatal.
// Missing files are always skipped.
func (s *Store) reloadLocked(sources []string, strict bool) error {
	start := time.Now()
	gen := s.generation.Load() + 1

	tree, state, err := s.build(sources, gen, s.tolerance(sources, strict))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveReload(time.Since(start), err)
	}
	if err != nil {
		return err
	}
	state.duration = time.Since(start)
	state.at = time.Now()

	s.mu.Lock()
	s.sources = sources
	s.state = state
	s.mu.Unlock()

	s.tree.Swap(tree)
	s.generation.Store(gen)
	if s.resolver != nil {
		// Entries keyed by the previous generation are unreachable now.
		s.resolver.Advance(gen)
	}

	s.logger.Debug("tree published",
		"generation", gen,
		"entries", tree.Len(),
		"files", len(state.loaded),
		"conflicts", state.conflicts,
		"duration", state.duration,
	)
	return nil
}

// tolerance reports, per source, whether a load failure is skipped
// rather than failing the reload.
func (s *Store) tolerance(sources []string, strict bool) func(path string) bool {
	if len(sources) == 1 {
		return func(string) bool { return false }
	}
	if !strict {
		return func(string) bool { return true }
	}
	s.mu.RLock()
	prevSources := slices.Clone(s.sources)
	prevLoaded := slices.Clone(s.state.loaded)
	s.mu.RUnlock()
	return func(path string) bool {
		return slices.Contains(prevSources, path) && !slices.Contains(prevLoaded, path)
	}
}

func (s *Store) build(sources []string, gen uint64, tolerate func(string) bool) (*graph.Tree, loadState, error) {
	if s.cfg.Lazy.Enabled {
		return s.buildLazy(sources, gen, tolerate)
	}
	return s.buildEager(sources, tolerate)
}

// loadAll runs fn for every source in parallel and keeps results in source
// order. Missing files, and invalid ones that tolerate accepts, leave a nil
// slot.
func loadAll[T any](s *Store, sources []string, tolerate func(string) bool, fn func(path string) (T, error)) ([]T, []bool, error) {
	results := make([]T, len(sources))
	ok := make([]bool, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	for i, path := range sources {
		g.Go(func() error {
			v, err := fn(path)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = v
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	loaded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			loaded++
		case isMissing(err):
			s.logger.Warn("source file not found, skipping", "source", sources[i])
		case !tolerate(sources[i]):
			return nil, nil, err
		default:
			s.logger.Warn("skipping invalid source file", "source", sources[i], "error", err)
		}
	}
	if loaded == 0 {
		return nil, nil, &MissingSourceError{Files: sources}
	}
	return results, ok, nil
}

func (s *Store) buildEager(sources []string, tolerate func(string) bool) (*graph.Tree, loadState, error) {
	loaded, ok, err := loadAll(s, sources, tolerate, ingest.LoadFile)
	if err != nil {
		return nil, loadState{}, err
	}
	var srcs []*ingest.Source
	var names []string
	for i, src := range loaded {
		if ok[i] {
			srcs = append(srcs, src)
			names = append(names, src.Path)
		}
	}

	res, err := s.merger.Merge(srcs)
	if err != nil {
		return nil, loadState{}, err
	}

	items := res.Items()
	if transform := s.passwordTransform(); transform != nil {
		for i := range items {
			items[i].Attributes = transform(items[i].DN, items[i].Attributes)
		}
	}

	winners := make(map[string]string, len(res.Entries))
	for dn, m := range res.Entries {
		winners[dn] = m.Source
	}

	b := graph.Builder{Logger: s.logger}
	tree := b.Build(items)
	return tree, loadState{
		loaded:    names,
		perFile:   res.PerFile,
		winners:   winners,
		conflicts: res.Conflicts,
	}, nil
}

func (s *Store) buildLazy(sources []string, gen uint64, tolerate func(string) bool) (*graph.Tree, loadState, error) {
	policy := s.merger.Policy()
	indexes, ok, err := loadAll(s, sources, tolerate, func(path string) (*ingest.FileIndex, error) {
		return ingest.IndexFile(path, policy)
	})
	if err != nil {
		return nil, loadState{}, err
	}
	var idx []*ingest.FileIndex
	var names []string
	for i, fi := range indexes {
		if ok[i] {
			idx = append(idx, fi)
			names = append(names, fi.Path)
		}
	}

	res, err := ingest.LazyMerge(idx, policy)
	if err != nil {
		return nil, loadState{}, err
	}

	winners := make(map[string]string, len(res.Entries))
	for dn, e := range res.Entries {
		winners[dn] = e.Source
	}

	b := graph.Builder{Logger: s.logger, Materializer: s.resolver}
	tree := b.Build(res.Refs(gen, s.cache))
	return tree, loadState{
		loaded:    names,
		perFile:   res.PerFile,
		winners:   winners,
		conflicts: res.Conflicts,
	}, nil
}
