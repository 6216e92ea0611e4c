package writeback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/ingest"
)

// DefaultLockTimeout bounds the lock wait when Options leaves it unset.
const DefaultLockTimeout = 10 * time.Second

// ErrNoChange can be returned by an Update callback to skip the write.
var ErrNoChange = errors.New("no change")

// Options controls a write.
type Options struct {
	Backups     bool
	LockTimeout time.Duration
	Now         func() time.Time

	// beforeRename runs after the temp file is complete and before it
	// replaces the target. Tests use it to inject failures.
	beforeRename func(tmp string) error
}

func (o Options) lockTimeout() time.Duration {
	if o.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return o.LockTimeout
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// WriteRecords replaces the content of path with records.
//
// The write holds the lock for path throughout, optionally copies the
// current file to a timestamped backup, writes and fsyncs a temp file in
// the same directory, and renames it over path. Readers see either the old
// or the new content. The lock file is always removed.
func WriteRecords(path string, records []api.Record, shape api.Shape, opts Options) (err error) {
	if err := ValidateRecords(records); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	lock, err := AcquireLock(path, opts.lockTimeout())
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, lock.Unlock()) }()

	return commit(path, records, shape, opts)
}

// Update reads the records currently in path, passes them to fn and writes
// the result, all under one lock so concurrent updates never lose each
// other's changes. A missing file reads as an empty list.
func Update(path string, opts Options, fn func([]api.Record) ([]api.Record, error)) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	lock, err := AcquireLock(path, opts.lockTimeout())
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, lock.Unlock()) }()

	records, shape, err := readCurrent(path)
	if err != nil {
		return err
	}
	out, err := fn(records)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := ValidateRecords(out); err != nil {
		return err
	}
	return commit(path, out, shape, opts)
}

func readCurrent(path string) ([]api.Record, api.Shape, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, api.ShapeList, nil
	}
	if err != nil {
		return nil, api.ShapeList, fmt.Errorf("read %s: %w", path, err)
	}
	return ingest.ParseRecords(path, content)
}

// commit must be called with the lock held.
func commit(path string, records []api.Record, shape api.Shape, opts Options) error {
	data, err := Encode(records, shape)
	if err != nil {
		return err
	}

	info, statErr := os.Stat(path)
	if opts.Backups && statErr == nil {
		if _, err := backup(path, info.Mode(), opts.now()); err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("failed to write json data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("close temp: %w", err)
	}

	// Preserve original file permissions
	if statErr == nil {
		_ = os.Chmod(tmpName, info.Mode()) // best-effort permission sync
	}

	if opts.beforeRename != nil {
		if err := opts.beforeRename(tmpName); err != nil {
			_ = os.Remove(tmpName) // best-effort cleanup
			return fmt.Errorf("failed to write json data: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	syncDir(dir)
	return nil
}

// maxBackupsPerSecond bounds the counter used when backups collide.
const maxBackupsPerSecond = 1000

// backup copies path to <path>.<unix-seconds>.bak, or to
// <path>.<unix-seconds>.<n>.bak when that name is taken. Existing backups
// are never overwritten.
func backup(path string, mode os.FileMode, now time.Time) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for backup: %w", path, err)
	}
	defer func() { _ = src.Close() }()

	var (
		name string
		dst  *os.File
	)
	for n := 0; ; n++ {
		if n == 0 {
			name = fmt.Sprintf("%s.%d%s", path, now.Unix(), BackupSuffix)
		} else {
			name = fmt.Sprintf("%s.%d.%d%s", path, now.Unix(), n, BackupSuffix)
		}
		dst, err = os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode.Perm())
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || n >= maxBackupsPerSecond {
			return "", fmt.Errorf("create backup %s: %w", name, err)
		}
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("copy backup %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close backup %s: %w", name, err)
	}
	return name, nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
