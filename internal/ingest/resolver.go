package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/cache"
	"github.com/agentic-research/dirtree/internal/graph"
	"github.com/ohler55/ojg/oj"
	"golang.org/x/sync/singleflight"
)

// Transform rewrites a record's attributes after it is read. It must
// return attrs unchanged when it has nothing to do.
type Transform func(dn string, attrs api.Attributes) api.Attributes

// Resolver materializes lazy references by re-reading the owning source
// file and extracting only the referenced record. Results go into the
// cache; concurrent requests for the same key share one read.
type Resolver struct {
	cache     *cache.LRU
	group     singleflight.Group
	transform Transform
	logger    *slog.Logger

	// mu orders puts against Advance so that no entry of an older
	// generation lands in the cache after it was purged.
	mu         sync.Mutex
	generation uint64
}

// NewResolver creates a resolver backed by c. transform may be nil.
func NewResolver(c *cache.LRU, transform Transform, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cache: c, transform: transform, logger: logger}
}

// Materialize implements graph.Materializer. Failures are logged and
// yield an empty attribute set.
func (r *Resolver) Materialize(ref *graph.Ref) api.Attributes {
	if attrs, ok := r.cache.Get(ref.Key); ok {
		return attrs
	}
	v, err, _ := r.group.Do(ref.Key, func() (any, error) {
		attrs, err := r.fetch(ref)
		if err != nil {
			return nil, err
		}
		r.put(ref.Key, attrs)
		return attrs, nil
	})
	if err != nil {
		r.logger.Warn("failed to materialize entry",
			"dn", ref.DN, "source", ref.Source, "locator", ref.Locator, "error", err)
		return api.Attributes{}
	}
	return v.(api.Attributes)
}

// Advance makes gen the current generation and drops everything cached
// for earlier ones. References of older trees still resolve, but their
// results are no longer cached.
func (r *Resolver) Advance(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation = gen
	r.cache.Purge()
}

func (r *Resolver) put(key string, attrs api.Attributes) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen, ok := keyGeneration(key); ok && gen < r.generation {
		return
	}
	r.cache.Put(key, attrs)
}

func (r *Resolver) fetch(ref *graph.Ref) (api.Attributes, error) {
	content, err := os.ReadFile(ref.Source)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	root, err := oj.Parse(content)
	if err != nil {
		return nil, &ParseError{File: ref.Source, Err: err}
	}
	v, err := Query(root, ref.Locator)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(ref.Source, ref.Ordinal, v)
	if err != nil {
		return nil, err
	}
	if dn := graph.CanonicalDN(rec.DN); dn != ref.DN {
		return nil, fmt.Errorf("record at %s is %q, source changed since indexing", ref.Locator, dn)
	}
	if r.transform != nil {
		rec.Attributes = r.transform(ref.DN, rec.Attributes)
	}
	return rec.Attributes, nil
}

// Refs turns a lazy merge result into builder items whose references are
// bound to c. Cache keys are prefixed with generation so that entries
// cached for an older tree are never served to a newer one.
func (lr *LazyResult) Refs(generation uint64, c *cache.LRU) []graph.Item {
	items := make([]graph.Item, 0, len(lr.Order))
	for _, dn := range lr.Order {
		e, ok := lr.Entries[dn]
		if !ok {
			continue
		}
		key := refKey(generation, dn)
		ref := graph.NewRef(dn, e.Source, e.Locator.Ordinal, e.Locator.String(), key, c)
		items = append(items, graph.Item{DN: dn, Ref: ref})
	}
	return items
}

func refKey(generation uint64, dn string) string {
	return strconv.FormatUint(generation, 10) + ":" + dn
}

func keyGeneration(key string) (uint64, bool) {
	prefix, _, ok := strings.Cut(key, ":")
	if !ok {
		return 0, false
	}
	gen, err := strconv.ParseUint(prefix, 10, 64)
	return gen, err == nil
}
