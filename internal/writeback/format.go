package writeback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentic-research/dirtree/api"
)

const (
	// TempSuffix ends every scratch file the writer creates.
	TempSuffix = ".tmp"
	// BackupSuffix ends every backup copy.
	BackupSuffix = ".bak"
	lockSuffix   = ".lock"
)

// Encode renders records as indented JSON in the given top-level shape.
func Encode(records []api.Record, shape api.Shape) ([]byte, error) {
	if records == nil {
		records = []api.Record{}
	}
	var v any = records
	if shape == api.ShapeEntries {
		v = api.Document{Entries: records}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return buf.Bytes(), nil
}

// IsScratchFile reports whether name is a temp, lock or backup file
// produced by this package.
func IsScratchFile(name string) bool {
	return strings.HasSuffix(name, TempSuffix) ||
		strings.HasSuffix(name, lockSuffix) ||
		strings.HasSuffix(name, BackupSuffix)
}
