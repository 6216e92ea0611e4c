package writeback

import (
	"fmt"

	"github.com/agentic-research/dirtree/api"
	"github.com/agentic-research/dirtree/internal/graph"
)

// ValidationError describes a record that cannot be written.
type ValidationError struct {
	Index   int // position in the written list, -1 for a single record
	DN      string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("entry %q: %s", e.DN, e.Message)
	}
	return fmt.Sprintf("entry %d (%q): %s", e.Index, e.DN, e.Message)
}

// ValidateRecord checks that rec would load back: a parseable DN, an
// attribute map, and at least one value per attribute.
func ValidateRecord(rec api.Record) error {
	return validateAt(-1, rec)
}

// ValidateRecords validates every record and reports the first failure.
func ValidateRecords(records []api.Record) error {
	for i, rec := range records {
		if err := validateAt(i, rec); err != nil {
			return err
		}
	}
	return nil
}

func validateAt(i int, rec api.Record) error {
	if _, err := graph.ParseDN(rec.DN); err != nil {
		return &ValidationError{Index: i, DN: rec.DN, Message: err.Error()}
	}
	if rec.Attributes == nil {
		return &ValidationError{Index: i, DN: rec.DN, Message: "missing attributes"}
	}
	for name, values := range rec.Attributes {
		if name == "" {
			return &ValidationError{Index: i, DN: rec.DN, Message: "empty attribute name"}
		}
		if len(values) == 0 {
			return &ValidationError{Index: i, DN: rec.DN, Message: fmt.Sprintf("attribute %q has no values", name)}
		}
	}
	return nil
}
