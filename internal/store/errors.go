package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrReadOnly is returned by every write operation on a read-only store.
	ErrReadOnly = errors.New("store is read-only")
	// ErrEntryExists is returned when adding a DN that is already present.
	ErrEntryExists = errors.New("entry already exists")
	// ErrEntryNotFound is returned when modifying or deleting an absent DN.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrUnknownSource is returned when a write targets a file outside the
	// source set.
	ErrUnknownSource = errors.New("not a configured source file")
	// ErrReloadAfterWrite wraps a reload failure that followed a committed
	// write. The write itself is on disk.
	ErrReloadAfterWrite = errors.New("write committed but reload failed")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// MissingSourceError reports that none of the configured files could be
// loaded.
type MissingSourceError struct {
	Files []string
}

func (e *MissingSourceError) Error() string {
	if len(e.Files) == 0 {
		return "no source files configured"
	}
	return fmt.Sprintf("no source file could be loaded (tried %s)", strings.Join(e.Files, ", "))
}
