// Package watcher turns filesystem events on source files into debounced
// reload callbacks.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentic-research/dirtree/internal/writeback"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when Config leaves Debounce unset.
const DefaultDebounce = 500 * time.Millisecond

// FileFilter reports whether a changed path should trigger a reload.
type FileFilter func(path string) bool

// Handler receives the sorted set of paths that changed during one
// debounce window.
type Handler func(changed []string)

// Config configures a Watcher.
type Config struct {
	Debounce time.Duration
	Filter   FileFilter
	Handler  Handler
	Logger   *slog.Logger
}

// Watcher watches the parent directories of source files. fsnotify is
// directory based, and atomic writers replace files by rename, so watching
// the file itself would lose track of it after the first write.
type Watcher struct {
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	filter    FileFilter
	logger    *slog.Logger

	mu      sync.Mutex
	dirs    map[string]struct{}
	started bool
	closed  bool
	done    chan struct{}
}

// New creates a watcher. Nothing is watched until Add is called, and no
// events are delivered until Start.
func New(cfg Config) (*Watcher, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("watcher: handler is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fs:        fsw,
		debouncer: NewDebouncer(cfg.Debounce, cfg.Handler),
		filter:    cfg.Filter,
		logger:    cfg.Logger,
		dirs:      make(map[string]struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Add watches dir. Adding the same directory twice is a no-op.
func (w *Watcher) Add(dir string) error {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("watcher: closed")
	}
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.dirs[dir] = struct{}{}
	w.logger.Debug("watching directory", "dir", dir)
	return nil
}

// AddFile watches the directory containing path.
func (w *Watcher) AddFile(path string) error {
	return w.Add(filepath.Dir(path))
}

// Dirs returns the watched directories.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	return out
}

// Start delivers events until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started || w.closed {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.debouncer.Stop()
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return
	}
	if writeback.IsScratchFile(filepath.Base(event.Name)) {
		return
	}
	path := filepath.Clean(event.Name)
	if w.filter != nil && !w.filter(path) {
		return
	}
	w.logger.Debug("source changed", "path", path, "op", event.Op.String())
	w.debouncer.Trigger(path)
}

// Close stops watching and cancels any pending callback. It is safe to
// call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	w.debouncer.Stop()
	err := w.fs.Close()
	if started {
		<-w.done
	}
	return err
}

// SourceFilter accepts only paths in the set returned by sources, which is
// consulted on every event so runtime changes to the set apply at once.
func SourceFilter(sources func() []string) FileFilter {
	return func(path string) bool {
		for _, s := range sources() {
			if filepath.Clean(s) == path {
				return true
			}
		}
		return false
	}
}
