package store

import (
	"maps"
	"slices"
	"time"

	"github.com/agentic-research/dirtree/internal/cache"
	"github.com/agentic-research/dirtree/internal/metrics"
)

// Stats describes the published tree and the store's configuration.
type Stats struct {
	TotalEntries    int            `json:"total_entries"`
	FilesLoaded     int            `json:"files_loaded"`
	FilesConfigured int            `json:"files_configured"`
	SourceFiles     []string       `json:"source_files"`
	EntriesByFile   map[string]int `json:"entries_by_file"`
	MergeConflicts  int            `json:"merge_conflicts"`
	MergePolicy     string         `json:"merge_policy"`
	LoadDuration    time.Duration  `json:"load_duration"`
	LastLoad        time.Time      `json:"last_load"`
	Generation      uint64         `json:"generation"`
	LazyLoading     bool           `json:"lazy_loading"`
	ReadOnly        bool           `json:"read_only"`
	Watching        bool           `json:"watching"`
	Cache           cache.Stats    `json:"cache"`
}

// Stats returns a snapshot of store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	sources := slices.Clone(s.sources)
	st := s.state
	s.mu.RUnlock()

	out := Stats{
		FilesLoaded:     len(st.loaded),
		FilesConfigured: len(sources),
		SourceFiles:     sources,
		EntriesByFile:   maps.Clone(st.perFile),
		MergeConflicts:  st.conflicts,
		MergePolicy:     string(s.merger.Policy()),
		LoadDuration:    st.duration,
		LastLoad:        st.at,
		Generation:      s.generation.Load(),
		LazyLoading:     s.cfg.Lazy.Enabled,
		ReadOnly:        s.cfg.ReadOnly,
		Watching:        s.watcher != nil && !s.closed.Load(),
	}
	if t := s.tree.Load(); t != nil {
		out.TotalEntries = t.Len()
	}
	if s.cache != nil {
		out.Cache = s.cache.Stats()
	}
	return out
}

// MetricsSnapshot adapts Stats to the gauges exported by metrics.
func (s *Store) MetricsSnapshot() metrics.Snapshot {
	st := s.Stats()
	return metrics.Snapshot{
		Entries:        st.TotalEntries,
		FilesLoaded:    st.FilesLoaded,
		MergeConflicts: st.MergeConflicts,
		Generation:     st.Generation,
		CacheEntries:   st.Cache.Entries,
		CacheBytes:     st.Cache.MemoryBytes,
		CacheHits:      st.Cache.Hits,
		CacheMisses:    st.Cache.Misses,
		CacheEvictions: st.Cache.Evictions,
	}
}
