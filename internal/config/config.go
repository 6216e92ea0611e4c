// Package config loads dirtree settings with viper. Values come, highest
// priority first, from bound command-line flags, DIRTREE_* environment
// variables, a YAML config file, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentic-research/dirtree/internal/ingest"
	"github.com/agentic-research/dirtree/internal/store"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix prefixes every environment variable, e.g. DIRTREE_MERGE_POLICY
// or DIRTREE_LAZY_MAX_ENTRIES.
const EnvPrefix = "DIRTREE"

// Keys understood in config files and the environment.
const (
	KeySources         = "sources"
	KeyMergePolicy     = "merge_policy"
	KeyReadOnly        = "read_only"
	KeyWatchEnabled    = "watch.enabled"
	KeyWatchDebounce   = "watch.debounce"
	KeyLazyEnabled     = "lazy.enabled"
	KeyLazyMaxEntries  = "lazy.max_entries"
	KeyLazyMaxMemoryMB = "lazy.max_memory_mb"
	KeyWriteBackups    = "write.backups"
	KeyWriteLockWait   = "write.lock_timeout"
	KeyHashPlain       = "passwords.hash_plain"
	KeyPasswordCost    = "passwords.cost"
	KeyLogLevel        = "log.level"
	KeyMetricsAddr     = "metrics.addr"
)

// Settings is the validated configuration.
type Settings struct {
	Store       store.Config
	LogLevel    slog.Level
	MetricsAddr string
	ConfigFile  string
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyMergePolicy, string(ingest.LastWins))
	v.SetDefault(KeyReadOnly, false)
	v.SetDefault(KeyWatchEnabled, true)
	v.SetDefault(KeyWatchDebounce, "500ms")
	v.SetDefault(KeyLazyEnabled, false)
	v.SetDefault(KeyLazyMaxEntries, store.DefaultMaxEntries)
	v.SetDefault(KeyLazyMaxMemoryMB, 100)
	v.SetDefault(KeyWriteBackups, true)
	v.SetDefault(KeyWriteLockWait, "10s")
	v.SetDefault(KeyHashPlain, false)
	v.SetDefault(KeyPasswordCost, store.DefaultPasswordCost)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	_ = v.BindEnv(KeySources)
	return v
}

// ReadFile reads path, or when path is empty looks for dirtree.yaml in the
// working directory and in $HOME/.config/dirtree. A missing default file is
// not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dirtree")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dirtree"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load builds validated settings from v.
func Load(v *viper.Viper) (*Settings, error) {
	policy, err := ingest.ParsePolicy(v.GetString(KeyMergePolicy))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return nil, fmt.Errorf("invalid configuration: log level: %w", err)
	}

	maxEntries := v.GetInt(KeyLazyMaxEntries)
	if maxEntries < 1 {
		return nil, fmt.Errorf("invalid configuration: %s must be positive, got %d", KeyLazyMaxEntries, maxEntries)
	}
	maxMemoryMB := v.GetInt64(KeyLazyMaxMemoryMB)
	if maxMemoryMB < 0 {
		return nil, fmt.Errorf("invalid configuration: %s must not be negative, got %d", KeyLazyMaxMemoryMB, maxMemoryMB)
	}
	cost := v.GetInt(KeyPasswordCost)
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("invalid configuration: %s must be in [%d, %d], got %d",
			KeyPasswordCost, bcrypt.MinCost, bcrypt.MaxCost, cost)
	}
	debounce := v.GetDuration(KeyWatchDebounce)
	if debounce < 0 {
		return nil, fmt.Errorf("invalid configuration: %s must not be negative", KeyWatchDebounce)
	}

	return &Settings{
		Store: store.Config{
			Sources:     sources(v),
			MergePolicy: policy,
			ReadOnly:    v.GetBool(KeyReadOnly),
			Watch:       v.GetBool(KeyWatchEnabled),
			Debounce:    debounce,
			Lazy: store.LazyConfig{
				Enabled:        v.GetBool(KeyLazyEnabled),
				MaxEntries:     maxEntries,
				MaxMemoryBytes: maxMemoryMB << 20,
			},
			Backups:            v.GetBool(KeyWriteBackups),
			LockTimeout:        v.GetDuration(KeyWriteLockWait),
			HashPlainPasswords: v.GetBool(KeyHashPlain),
			PasswordCost:       cost,
		},
		LogLevel:    level,
		MetricsAddr: v.GetString(KeyMetricsAddr),
		ConfigFile:  v.ConfigFileUsed(),
	}, nil
}

// sources accepts a YAML list, repeated flags, or a comma separated
// environment value.
func sources(v *viper.Viper) []string {
	var out []string
	for _, s := range v.GetStringSlice(KeySources) {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
