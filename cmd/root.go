package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/agentic-research/dirtree/internal/config"
	"github.com/agentic-research/dirtree/internal/store"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	settings *config.Settings

	v        = config.New()
	logLevel = new(slog.LevelVar)
	logger   = newLogger()
)

var rootCmd = &cobra.Command{
	Use:   "dirtree",
	Short: "Serve and edit a directory tree merged from JSON source files",
	Long: `dirtree loads LDAP-style entries from one or more JSON files, merges them
into a single tree keyed by DN, and keeps that tree current as the files change.

Each source file is a JSON array (or an object with an "entries" array) of
{"dn": "...", "attributes": {"name": ["value", ...]}} records.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
		s, err := config.Load(v)
		if err != nil {
			return err
		}
		settings = s
		logLevel.Set(s.LogLevel)
		if s.ConfigFile != "" {
			logger.Debug("using config file", "path", s.ConfigFile)
		}
		return nil
	},
}

func init() {
	slog.SetDefault(logger)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./dirtree.yaml or ~/.config/dirtree/dirtree.yaml)")
	flags.StringSliceP("source", "s", nil, "source JSON file, repeatable; earlier files are merged first")
	flags.String("merge-policy", "last_wins", "conflict policy for duplicate DNs: first_wins, last_wins or error")
	flags.Bool("lazy", false, "index sources and read entry attributes on demand")
	flags.Bool("read-only", false, "reject all write operations")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	_ = v.BindPFlag(config.KeySources, flags.Lookup("source"))
	_ = v.BindPFlag(config.KeyMergePolicy, flags.Lookup("merge-policy"))
	_ = v.BindPFlag(config.KeyLazyEnabled, flags.Lookup("lazy"))
	_ = v.BindPFlag(config.KeyReadOnly, flags.Lookup("read-only"))
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
}

func newLogger() *slog.Logger {
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// openStore opens the configured sources. Only serve keeps the watcher.
func openStore(watch bool, rec store.Recorder) (*store.Store, error) {
	cfg := settings.Store
	cfg.Watch = cfg.Watch && watch
	cfg.Logger = logger
	cfg.Metrics = rec
	return store.Open(cfg)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
