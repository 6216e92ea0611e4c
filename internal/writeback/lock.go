package writeback

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 10 * time.Millisecond

// LockTimeoutError is returned when the lock for Path could not be taken
// within Timeout.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock on %s", e.Timeout, e.Path)
}

// Lock is an exclusive advisory lock on <target>.lock.
type Lock struct {
	path string
	f    *os.File
}

// LockPath returns the lock file used for target.
func LockPath(target string) string {
	return target + lockSuffix
}

// AcquireLock takes an exclusive flock on the sibling lock file of target,
// polling until timeout. The lock file holds the owner's PID.
func AcquireLock(target string, timeout time.Duration) (*Lock, error) {
	path := LockPath(target)
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open lock %s: %w", path, err)
		}
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			// The previous holder unlinks the file on release, so the inode
			// we locked may no longer be the one at path.
			if current(f, path) {
				_ = f.Truncate(0)
				_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
				return &Lock{path: path, f: f}, nil
			}
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			continue
		}
		_ = f.Close()
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if !time.Now().Before(deadline) {
			return nil, &LockTimeoutError{Path: target, Timeout: timeout}
		}
		time.Sleep(lockPollInterval)
	}
}

func current(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

// Unlock removes the lock file and releases the lock. It is safe to call
// more than once.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	unErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	clErr := l.f.Close()
	l.f = nil
	return errors.Join(rmErr, unErr, clErr)
}
