package ingest

import (
	"errors"
	"fmt"
)

// ErrUnknownPolicy is returned when a merge policy name is not recognized.
var ErrUnknownPolicy = errors.New("unknown merge policy")

// ParseError reports source content that is not valid JSON.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("parse json: %v", e.Err)
	}
	return fmt.Sprintf("parse json %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError reports well-formed JSON that does not have the record shape.
// Index is the offending record position, or -1 for the document root.
type SchemaError struct {
	File   string
	Index  int
	Reason string
}

func (e *SchemaError) Error() string {
	loc := e.File
	if loc == "" {
		loc = "<input>"
	}
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", loc, e.Reason)
	}
	return fmt.Sprintf("%s: entry %d: %s", loc, e.Index, e.Reason)
}

// MergeConflictError is raised under the error policy when a DN is
// defined more than once.
type MergeConflictError struct {
	DN     string
	Source string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict for dn %q between existing data and %s", e.DN, e.Source)
}
