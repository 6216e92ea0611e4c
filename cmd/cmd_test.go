package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/cache"
	"github.com/agentic-research/dirtree/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes(`{"uid": ["jane"], "mail": ["a@x", "b@x"]}`)
	require.NoError(t, err)
	assert.Equal(t, api.Attributes{"uid": {"jane"}, "mail": {"a@x", "b@x"}}, attrs)

	attrs, err = parseAttributes(`null`)
	require.NoError(t, err)
	assert.NotNil(t, attrs)
	assert.Empty(t, attrs)

	for _, bad := range []string{`{"uid": "jane"}`, `[1]`, `{`} {
		_, err := parseAttributes(bad)
		assert.ErrorContains(t, err, "JSON object of string lists", bad)
	}
}

func TestPrintStats(t *testing.T) {
	base := store.Stats{
		TotalEntries:    12345,
		FilesLoaded:     1,
		FilesConfigured: 2,
		EntriesByFile:   map[string]int{"/data/b.json": 5, "/data/a.json": 12340},
		MergePolicy:     "last_wins",
		LoadDuration:    1500 * time.Microsecond,
		LastLoad:        time.Now(),
	}

	t.Run("eager", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printStats(&buf, base))
		out := buf.String()
		assert.Contains(t, out, "12,345")
		assert.Contains(t, out, "1 of 2 loaded")
		assert.NotContains(t, out, "Cache")
		assert.Less(t, bytes.Index(buf.Bytes(), []byte("/data/a.json")), bytes.Index(buf.Bytes(), []byte("/data/b.json")))
	})

	t.Run("lazy", func(t *testing.T) {
		lazy := base
		lazy.LazyLoading = true
		lazy.Cache = cache.Stats{Entries: 3, MaxEntries: 10, MemoryBytes: 2048, MaxMemoryBytes: 100 << 20, Hits: 3, Misses: 1, HitRate: 0.75}
		var buf bytes.Buffer
		require.NoError(t, printStats(&buf, lazy))
		out := buf.String()
		assert.Contains(t, out, "3 / 10")
		assert.Contains(t, out, "2.0 KiB / 100 MiB")
		assert.Contains(t, out, "75.0%")
	})
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestCommands_AddThenSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"dn": "dc=example,dc=com", "attributes": {"dc": ["example"]}}
	]`), 0o644))

	run(t, "-s", path, "add", "uid=jane,dc=example,dc=com", `{"uid": ["jane"]}`)

	var page struct {
		Entries    []json.RawMessage `json:"entries"`
		TotalCount int               `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal([]byte(run(t, "-s", path, "search", "dc=example,dc=com")), &page))
	assert.Equal(t, 2, page.TotalCount)
	assert.Len(t, page.Entries, 2)
}
