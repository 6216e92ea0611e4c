// Package store serves a directory tree merged from one or more JSON source
// files. The tree is rebuilt from disk on every change and published
// atomically, so readers never observe a partial reload.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/cache"
	"github.com/agentic-research/dirtree/internal/graph"
	"github.com/agentic-research/dirtree/internal/ingest"
	"github.com/agentic-research/dirtree/internal/passwd"
	"github.com/agentic-research/dirtree/internal/watcher"
	"github.com/agentic-research/dirtree/internal/writeback"
)

// Defaults applied by Open to zero-valued Config fields.
const (
	DefaultMaxEntries     = 1000
	DefaultMaxMemoryBytes = 100 << 20
	DefaultPasswordCost   = 12
)

// Recorder receives store activity. *metrics.Collector implements it.
type Recorder interface {
	ObserveReload(d time.Duration, err error)
	ObserveWrite(op string, err error)
}

// LazyConfig enables lazy loading. Records are indexed at load time and
// their attributes read on first access into a bounded cache.
type LazyConfig struct {
	Enabled        bool
	MaxEntries     int
	MaxMemoryBytes int64
}

// Config configures a Store.
type Config struct {
	Sources     []string
	MergePolicy ingest.Policy
	ReadOnly    bool

	Watch    bool
	Debounce time.Duration

	Lazy LazyConfig

	Backups     bool
	LockTimeout time.Duration

	// HashPlainPasswords replaces plaintext userPassword values with
	// bcrypt hashes.
	HashPlainPasswords bool
	PasswordCost       int

	Logger  *slog.Logger
	Metrics Recorder
}

// loadState describes the tree currently published.
type loadState struct {
	loaded    []string
	perFile   map[string]int
	winners   map[string]string // canonical DN to defining source
	conflicts int
	duration  time.Duration
	at        time.Time
}

// Store is safe for concurrent use.
type Store struct {
	cfg      Config
	logger   *slog.Logger
	merger   *ingest.Merger
	tree     *graph.HotSwap
	cache    *cache.LRU
	resolver *ingest.Resolver

	// reloadMu serializes reloads and source-set changes.
	reloadMu sync.Mutex
	// writeMu serializes in-process writes so that the existence check
	// and the file update see the same tree.
	writeMu sync.Mutex

	mu      sync.RWMutex
	sources []string
	state   loadState

	generation atomic.Uint64

	watcher *watcher.Watcher
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// Open loads the configured sources and, when enabled, starts watching
// them. Construction fails if the merge policy is unknown or nothing
// could be loaded.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MergePolicy == "" {
		cfg.MergePolicy = ingest.LastWins
	}
	merger, err := ingest.NewMerger(cfg.MergePolicy)
	if err != nil {
		return nil, err
	}
	if cfg.PasswordCost == 0 {
		cfg.PasswordCost = DefaultPasswordCost
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = writeback.DefaultLockTimeout
	}

	sources, err := normalize(cfg.Sources)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, &MissingSourceError{}
	}

	s := &Store{
		cfg:     cfg,
		logger:  cfg.Logger,
		merger:  merger,
		tree:    graph.NewHotSwap(nil),
		sources: sources,
	}

	if cfg.Lazy.Enabled {
		if s.cfg.Lazy.MaxEntries == 0 {
			s.cfg.Lazy.MaxEntries = DefaultMaxEntries
		}
		if s.cfg.Lazy.MaxMemoryBytes == 0 {
			s.cfg.Lazy.MaxMemoryBytes = DefaultMaxMemoryBytes
		}
		s.cache, err = cache.New(s.cfg.Lazy.MaxEntries, s.cfg.Lazy.MaxMemoryBytes)
		if err != nil {
			return nil, err
		}
		s.resolver = ingest.NewResolver(s.cache, s.passwordTransform(), s.logger)
	}

	if cfg.HashPlainPasswords && !cfg.ReadOnly {
		s.persistPasswordUpgrade()
	}

	if err := s.reload(false); err != nil {
		return nil, err
	}

	if cfg.Watch {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}

	st := s.Stats()
	s.logger.Info("store opened",
		"entries", st.TotalEntries,
		"files_loaded", st.FilesLoaded,
		"files_configured", st.FilesConfigured,
		"merge_policy", st.MergePolicy,
		"lazy", st.LazyLoading,
		"read_only", st.ReadOnly,
		"watching", st.Watching,
	)
	return s, nil
}

func normalize(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve source %s: %w", p, err)
		}
		if !slices.Contains(out, abs) {
			out = append(out, abs)
		}
	}
	return out, nil
}

func (s *Store) startWatcher() error {
	w, err := watcher.New(watcher.Config{
		Debounce: s.cfg.Debounce,
		Filter:   watcher.SourceFilter(s.Sources),
		Handler:  s.onChange,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}
	for _, src := range s.Sources() {
		if err := w.AddFile(src); err != nil {
			s.logger.Warn("cannot watch source directory", "source", src, "error", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	s.watcher = w
	s.cancel = cancel
	return nil
}

// onChange is the watcher callback. A failed reload keeps the current
// tree.
func (s *Store) onChange(changed []string) {
	if s.closed.Load() {
		return
	}
	s.logger.Info("source files changed, reloading", "files", changed)
	if err := s.reload(true); err != nil {
		s.logger.Error("reload failed, keeping previous tree", "error", err)
	}
}

// Sources returns the current source set in merge order.
func (s *Store) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sources)
}

// Root returns the root of the current tree.
func (s *Store) Root() *graph.Node {
	return s.tree.Root()
}

// Tree returns the current tree snapshot.
func (s *Store) Tree() *graph.Tree {
	return s.tree.Load()
}

// Lookup returns the node for dn, synthetic or record-backed.
func (s *Store) Lookup(dn string) (*graph.Node, bool) {
	n, err := s.tree.GetNode(dn)
	if err != nil {
		return nil, false
	}
	return n, true
}

// EntryCount returns the number of record-backed entries at or under base
// without materializing any of them.
func (s *Store) EntryCount(base string) int {
	return s.tree.Load().CountUnder(base)
}

// NewSearchIterator pages through the entries at or under base in the
// current tree. The iterator keeps its snapshot across later reloads.
func (s *Store) NewSearchIterator(base string, pageSize int) (*graph.SearchIterator, error) {
	return graph.NewSearchIterator(s.tree.Load(), base, pageSize)
}

// SearchPaginated returns one page of the entries at or under base.
func (s *Store) SearchPaginated(base string, pageSize, pageNum int) (*graph.Page, error) {
	it, err := s.NewSearchIterator(base, pageSize)
	if err != nil {
		return nil, err
	}
	return it.Page(pageNum), nil
}

// Close stops the watcher and drops cached data. It is safe to call more
// than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	s.logger.Debug("store closed")
	return err
}

func (s *Store) passwordTransform() ingest.Transform {
	if !s.cfg.HashPlainPasswords {
		return nil
	}
	return func(dn string, attrs api.Attributes) api.Attributes {
		out, changed, err := passwd.Upgrade(attrs, s.cfg.PasswordCost)
		if err != nil {
			s.logger.Warn("password upgrade failed", "dn", dn, "error", err)
			return attrs
		}
		if changed {
			s.logger.Debug("upgraded plaintext password", "dn", dn)
		}
		return out
	}
}

// persistPasswordUpgrade rewrites source files that hold plaintext
// passwords. Files that cannot be read are left for the load to report.
func (s *Store) persistPasswordUpgrade() {
	for _, src := range s.Sources() {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		upgraded := 0
		err := writeback.Update(src, s.writeOptions(), func(recs []api.Record) ([]api.Record, error) {
			out, n, err := passwd.UpgradeRecords(recs, s.cfg.PasswordCost)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, writeback.ErrNoChange
			}
			upgraded = n
			return out, nil
		})
		switch {
		case err != nil:
			s.logger.Warn("password upgrade skipped", "source", src, "error", err)
		case upgraded > 0:
			s.logger.Info("upgraded plaintext passwords", "source", src, "entries", upgraded)
		}
	}
}

func (s *Store) writeOptions() writeback.Options {
	return writeback.Options{Backups: s.cfg.Backups, LockTimeout: s.cfg.LockTimeout}
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
