package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/graph"
	"github.com/agentic-research/dirtree/internal/ingest"
	"github.com/agentic-research/dirtree/internal/passwd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const scenario = `[
  {"dn": "dc=example,dc=com", "attributes": {"objectClass": ["top", "domain"], "dc": ["example"]}},
  {"dn": "ou=users,dc=example,dc=com", "attributes": {"objectClass": ["top", "organizationalUnit"], "ou": ["users"]}}
]`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func open(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func attrsOf(t *testing.T, s *Store, dn string) api.Attributes {
	t.Helper()
	n, ok := s.Lookup(dn)
	require.True(t, ok, "missing %s", dn)
	return n.Attributes()
}

// modes runs fn in eager and lazy mode.
func modes(t *testing.T, fn func(t *testing.T, lazy LazyConfig)) {
	t.Run("eager", func(t *testing.T) { fn(t, LazyConfig{}) })
	t.Run("lazy", func(t *testing.T) { fn(t, LazyConfig{Enabled: true, MaxEntries: 100}) })
}

func TestOpen_Scenario(t *testing.T) {
	modes(t, func(t *testing.T, lazy LazyConfig) {
		path := writeSource(t, t.TempDir(), "dir.json", scenario)
		s := open(t, Config{Sources: []string{path}, Lazy: lazy})

		root := s.Root()
		require.NotNil(t, root)
		assert.Equal(t, "", root.DN())

		com, ok := root.Child("dc=com")
		require.True(t, ok)
		assert.True(t, com.IsSynthetic())
		example, ok := com.Child("dc=example")
		require.True(t, ok)
		assert.Equal(t, "dc=example,dc=com", example.DN())
		users, ok := example.Child("ou=users")
		require.True(t, ok)
		assert.Equal(t, "ou=users,dc=example,dc=com", users.DN())
		assert.Equal(t, lazy.Enabled, users.IsLazy())
		assert.Equal(t, []string{"users"}, users.Attributes()["ou"])

		page, err := s.SearchPaginated("dc=example,dc=com", 10, 0)
		require.NoError(t, err)
		assert.Len(t, page.Entries, 2)
		assert.Equal(t, 1, page.TotalPages)
		assert.Equal(t, 2, page.TotalCount)
		assert.False(t, page.HasNext)
		assert.Equal(t, "dc=example,dc=com", page.Entries[0].DN)

		assert.Equal(t, 2, s.EntryCount(""))
		assert.Equal(t, 1, s.EntryCount("ou=users,dc=example,dc=com"))

		st := s.Stats()
		assert.Equal(t, 2, st.TotalEntries)
		assert.Equal(t, 1, st.FilesLoaded)
		assert.Equal(t, 1, st.FilesConfigured)
		assert.Equal(t, map[string]int{path: 2}, st.EntriesByFile)
		assert.Equal(t, "last_wins", st.MergePolicy)
		assert.Equal(t, uint64(1), st.Generation)
		assert.Equal(t, lazy.Enabled, st.LazyLoading)
		assert.False(t, st.LastLoad.IsZero())
	})
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()
	good := writeSource(t, dir, "good.json", scenario)
	bad := writeSource(t, dir, "bad.json", `[{"dn": "cn=x"`)
	missing := filepath.Join(dir, "missing.json")

	t.Run("unknown policy", func(t *testing.T) {
		_, err := Open(Config{Sources: []string{good}, MergePolicy: "newest", Logger: quietLogger()})
		assert.ErrorIs(t, err, ingest.ErrUnknownPolicy)
	})
	t.Run("no sources", func(t *testing.T) {
		_, err := Open(Config{Logger: quietLogger()})
		var ms *MissingSourceError
		assert.ErrorAs(t, err, &ms)
	})
	t.Run("all missing", func(t *testing.T) {
		_, err := Open(Config{Sources: []string{missing}, Logger: quietLogger()})
		var ms *MissingSourceError
		require.ErrorAs(t, err, &ms)
		assert.Equal(t, []string{missing}, ms.Files)
	})
	t.Run("single invalid source is fatal", func(t *testing.T) {
		_, err := Open(Config{Sources: []string{bad}, Logger: quietLogger()})
		var pe *ingest.ParseError
		assert.ErrorAs(t, err, &pe)
	})
	t.Run("invalid and missing sources are skipped among several", func(t *testing.T) {
		s := open(t, Config{Sources: []string{bad, missing, good}})
		st := s.Stats()
		assert.Equal(t, 1, st.FilesLoaded)
		assert.Equal(t, 3, st.FilesConfigured)
		assert.Equal(t, 2, st.TotalEntries)
	})
}

func TestMergePolicies(t *testing.T) {
	modes(t, func(t *testing.T, lazy LazyConfig) {
		dir := t.TempDir()
		a := writeSource(t, dir, "a.json", `[
			{"dn": "uid=john,dc=com", "attributes": {"mail": ["a@x"]}},
			{"dn": "uid=only-a,dc=com", "attributes": {"uid": ["only-a"]}}
		]`)
		b := writeSource(t, dir, "b.json", `{"entries": [
			{"dn": "uid=john, dc=com", "attributes": {"mail": ["b@x"]}}
		]}`)

		for _, tc := range []struct {
			policy ingest.Policy
			mail   string
		}{
			{ingest.FirstWins, "a@x"},
			{ingest.LastWins, "b@x"},
		} {
			t.Run(string(tc.policy), func(t *testing.T) {
				s := open(t, Config{Sources: []string{a, b}, MergePolicy: tc.policy, Lazy: lazy})
				assert.Equal(t, []string{tc.mail}, attrsOf(t, s, "uid=john,dc=com")["mail"])
				assert.Equal(t, 2, s.EntryCount(""))
				assert.Equal(t, 1, s.Stats().MergeConflicts)
			})
		}

		t.Run("error", func(t *testing.T) {
			_, err := Open(Config{Sources: []string{a, b}, MergePolicy: ingest.ErrorOnConflict, Lazy: lazy, Logger: quietLogger()})
			var mc *ingest.MergeConflictError
			require.ErrorAs(t, err, &mc)
			assert.Equal(t, "uid=john,dc=com", mc.DN)
		})
	})
}

func TestLazy_CacheIsBounded(t *testing.T) {
	path := writeSource(t, t.TempDir(), "dir.json", `[
		{"dn": "uid=a,dc=com", "attributes": {"uid": ["a"]}},
		{"dn": "uid=b,dc=com", "attributes": {"uid": ["b"]}},
		{"dn": "uid=c,dc=com", "attributes": {"uid": ["c"]}},
		{"dn": "uid=d,dc=com", "attributes": {"uid": ["d"]}}
	]`)
	s := open(t, Config{Sources: []string{path}, Lazy: LazyConfig{Enabled: true, MaxEntries: 2}})

	first, ok := s.Lookup("uid=a,dc=com")
	require.True(t, ok)
	assert.False(t, first.Ref().IsLoaded())
	assert.Zero(t, first.Ref().MemorySize())

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, []string{id}, attrsOf(t, s, "uid="+id+",dc=com")["uid"])
	}

	st := s.Stats().Cache
	assert.LessOrEqual(t, st.Entries, 2)
	assert.Equal(t, uint64(2), st.EvictionsByCount)
	assert.False(t, first.Ref().IsLoaded(), "evicted reference reports unloaded")

	last, _ := s.Lookup("uid=d,dc=com")
	assert.True(t, last.Ref().IsLoaded())
	assert.Positive(t, last.Ref().MemorySize())

	// Paging materializes only the requested page.
	_, err := s.SearchPaginated("", 1, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, s.Stats().Cache.Entries, 2)
}

func TestLazy_SourceChangedAfterIndexYieldsEmpty(t *testing.T) {
	path := writeSource(t, t.TempDir(), "dir.json", `[{"dn": "uid=a,dc=com", "attributes": {"uid": ["a"]}}]`)
	s := open(t, Config{Sources: []string{path}, Lazy: LazyConfig{Enabled: true}})

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	assert.Empty(t, attrsOf(t, s, "uid=a,dc=com"))
}

func TestReload_FailureKeepsTree(t *testing.T) {
	modes(t, func(t *testing.T, lazy LazyConfig) {
		path := writeSource(t, t.TempDir(), "dir.json", scenario)
		s := open(t, Config{Sources: []string{path}, Lazy: lazy})
		before := s.Tree()

		require.NoError(t, os.WriteFile(path, []byte(`[{"dn": 1}]`), 0o644))
		err := s.Reload()
		var se *ingest.SchemaError
		require.ErrorAs(t, err, &se)

		assert.Same(t, before, s.Tree())
		assert.Equal(t, uint64(1), s.Stats().Generation)

		require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))
		require.NoError(t, s.Reload())
		assert.Equal(t, 0, s.EntryCount(""))
		assert.Equal(t, uint64(2), s.Stats().Generation)
	})
}

func TestReload_IteratorKeepsSnapshot(t *testing.T) {
	path := writeSource(t, t.TempDir(), "dir.json", scenario)
	s := open(t, Config{Sources: []string{path}})

	it, err := s.NewSearchIterator("", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, it.TotalCount())

	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))
	require.NoError(t, s.Reload())

	p, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "ou=users,dc=example,dc=com", p.Entries[0].DN)
}

func TestSearch_InvalidPageSize(t *testing.T) {
	path := writeSource(t, t.TempDir(), "dir.json", scenario)
	s := open(t, Config{Sources: []string{path}})
	_, err := s.SearchPaginated("", 0, 0)
	assert.ErrorIs(t, err, graph.ErrInvalidPageSize)

	page, err := s.SearchPaginated("", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.Equal(t, 2, page.TotalCount)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	modes(t, func(t *testing.T, lazy LazyConfig) {
		path := writeSource(t, t.TempDir(), "dir.json", scenario)
		s := open(t, Config{Sources: []string{path}, Lazy: lazy, Watch: true, Debounce: 30 * time.Millisecond})
		require.True(t, s.Stats().Watching)

		require.NoError(t, os.WriteFile(path, []byte(`[{"dn": "uid=new,dc=com", "attributes": {"uid": ["new"]}}]`), 0o644))
		require.Eventually(t, func() bool {
			_, ok := s.Lookup("uid=new,dc=com")
			return ok
		}, 3*time.Second, 20*time.Millisecond)

		before := s.Tree()
		require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))
		time.Sleep(200 * time.Millisecond)
		assert.Same(t, before, s.Tree(), "a failed reload keeps the tree")
	})
}

type stubRecorder struct {
	mu      sync.Mutex
	reloads []error
	writes  map[string]int
}

func (r *stubRecorder) ObserveReload(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads = append(r.reloads, err)
}

func (r *stubRecorder) ObserveWrite(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writes == nil {
		r.writes = map[string]int{}
	}
	if err != nil {
		op += ":error"
	}
	r.writes[op]++
}

func TestMetricsRecorder(t *testing.T) {
	path := writeSource(t, t.TempDir(), "dir.json", scenario)
	rec := &stubRecorder{}
	s := open(t, Config{Sources: []string{path}, Metrics: rec})

	require.NoError(t, s.AddEntry("uid=x,dc=com", api.Attributes{"uid": {"x"}}, ""))
	require.ErrorIs(t, s.AddEntry("uid=x,dc=com", api.Attributes{"uid": {"x"}}, ""), ErrEntryExists)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.reloads, 2)
	assert.Equal(t, map[string]int{"add": 1, "add:error": 1}, rec.writes)

	snap := s.MetricsSnapshot()
	assert.Equal(t, 3, snap.Entries)
	assert.Equal(t, uint64(2), snap.Generation)
}

func TestPasswordUpgrade(t *testing.T) {
	content := `[{"dn": "uid=john,dc=com", "attributes": {"userPassword": ["hunter2"]}}]`

	t.Run("writable persists", func(t *testing.T) {
		path := writeSource(t, t.TempDir(), "dir.json", content)
		s := open(t, Config{Sources: []string{path}, HashPlainPasswords: true, PasswordCost: bcrypt.MinCost})

		stored := attrsOf(t, s, "uid=john,dc=com")[passwd.Attribute][0]
		assert.True(t, passwd.Verify("hunter2", stored))

		src, err := ingest.LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, stored, src.Records[0].Attributes[passwd.Attribute][0])
	})

	modes(t, func(t *testing.T, lazy LazyConfig) {
		path := writeSource(t, t.TempDir(), "dir.json", content)
		s := open(t, Config{Sources: []string{path}, ReadOnly: true, Lazy: lazy,
			HashPlainPasswords: true, PasswordCost: bcrypt.MinCost})

		stored := attrsOf(t, s, "uid=john,dc=com")[passwd.Attribute][0]
		assert.True(t, passwd.IsHashed(stored))
		assert.True(t, passwd.Verify("hunter2", stored))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(raw), "read-only store leaves the file alone")
	})
}

func TestClose(t *testing.T) {
	path := writeSource(t, t.TempDir(), "dir.json", scenario)
	s, err := Open(Config{Sources: []string{path}, Watch: true, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Stats().Watching)
	assert.True(t, errors.Is(s.Reload(), ErrClosed))
	assert.ErrorIs(t, s.AddEntry("cn=x", api.Attributes{}, ""), ErrClosed)

	// Reads keep serving the last tree.
	assert.Equal(t, 2, s.EntryCount(""))
}
