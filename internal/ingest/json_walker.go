package ingest

import (
	"fmt"

	"github.com/agentic-research/dirtree/api"
	"github.com/ohler55/ojg/jp"
)

// Locator addresses one record inside a parsed source document by its
// position in the record list, expressed as a JSONPath.
type Locator struct {
	Ordinal int
	Expr    jp.Expr
}

// NewLocator builds the locator for the record at ordinal in a file of the
// given shape: $[n] for a bare list, $.entries[n] for the object form.
func NewLocator(shape api.Shape, ordinal int) Locator {
	x := jp.R()
	if shape == api.ShapeEntries {
		x = x.C("entries")
	}
	return Locator{Ordinal: ordinal, Expr: x.N(ordinal)}
}

func (l Locator) String() string {
	return l.Expr.String()
}

// Query evaluates a JSONPath selector against a parsed document and
// expects exactly one match.
func Query(root any, selector string) (any, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}
	results := x.Get(root)
	switch len(results) {
	case 0:
		return nil, fmt.Errorf("jsonpath '%s' matched nothing", selector)
	case 1:
		return results[0], nil
	default:
		return nil, fmt.Errorf("jsonpath '%s' matched %d values, want 1", selector, len(results))
	}
}
