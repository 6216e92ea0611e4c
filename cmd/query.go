package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/agentic-research/dirtree/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print statistics about the merged tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(false, nil)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		stats := st.Stats()
		if statsJSON {
			return printJSON(cmd.OutOrStdout(), stats)
		}
		return printStats(cmd.OutOrStdout(), stats)
	},
}

func printStats(out io.Writer, s store.Stats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Entries:\t%s\n", humanize.Comma(int64(s.TotalEntries)))
	fmt.Fprintf(w, "Files:\t%d of %d loaded\n", s.FilesLoaded, s.FilesConfigured)
	fmt.Fprintf(w, "Merge policy:\t%s\n", s.MergePolicy)
	fmt.Fprintf(w, "Merge conflicts:\t%d\n", s.MergeConflicts)
	fmt.Fprintf(w, "Load time:\t%s\n", s.LoadDuration.Round(time.Microsecond))
	fmt.Fprintf(w, "Loaded:\t%s\n", humanize.Time(s.LastLoad))
	fmt.Fprintf(w, "Read-only:\t%t\n", s.ReadOnly)
	fmt.Fprintf(w, "Lazy:\t%t\n", s.LazyLoading)
	if s.LazyLoading {
		c := s.Cache
		fmt.Fprintf(w, "Cache entries:\t%d / %d\n", c.Entries, c.MaxEntries)
		fmt.Fprintf(w, "Cache memory:\t%s / %s\n",
			humanize.IBytes(uint64(c.MemoryBytes)), humanize.IBytes(uint64(c.MaxMemoryBytes)))
		fmt.Fprintf(w, "Cache hit rate:\t%.1f%% (%d hits, %d misses)\n", c.HitRate*100, c.Hits, c.Misses)
		fmt.Fprintf(w, "Cache evictions:\t%d (%d by count, %d by memory)\n",
			c.Evictions, c.EvictionsByCount, c.EvictionsByMemory)
	}
	files := make([]string, 0, len(s.EntriesByFile))
	for f := range s.EntriesByFile {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintf(w, "  %s\t%s\n", f, humanize.Comma(int64(s.EntriesByFile[f])))
	}
	return w.Flush()
}

var (
	pageSize int
	pageNum  int
)

var searchCmd = &cobra.Command{
	Use:   "search [base-dn]",
	Short: "Print one page of the entries at or under a base DN as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := ""
		if len(args) == 1 {
			base = args[0]
		}
		st, err := openStore(false, nil)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		page, err := st.SearchPaginated(base, pageSize, pageNum)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), page)
	},
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print statistics as JSON")
	searchCmd.Flags().IntVar(&pageSize, "page-size", 50, "entries per page")
	searchCmd.Flags().IntVar(&pageNum, "page", 0, "page number, starting at 0")
	rootCmd.AddCommand(statsCmd, searchCmd)
}
