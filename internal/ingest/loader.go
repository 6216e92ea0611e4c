package ingest

import (
	"fmt"
	"os"

	"github.com/agentic-research/dirtree/api"
	"github.com/ohler55/ojg/oj"
)

// Source is one loaded file: its records in document order and the
// top-level shape they were stored in.
type Source struct {
	Path    string
	Records []api.Record
	Shape   api.Shape
}

// ParseRecords decodes file content into records. It accepts a bare list or
// an object with an "entries" list. file is only used in error messages.
func ParseRecords(file string, content []byte) ([]api.Record, api.Shape, error) {
	list, shape, err := parseList(file, content)
	if err != nil {
		return nil, shape, err
	}
	records := make([]api.Record, 0, len(list))
	for i, v := range list {
		rec, err := decodeRecord(file, i, v)
		if err != nil {
			return nil, shape, err
		}
		records = append(records, rec)
	}
	return records, shape, nil
}

// LoadFile reads and parses one source file.
func LoadFile(path string) (*Source, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", path, err)
	}
	records, shape, err := ParseRecords(path, content)
	if err != nil {
		return nil, err
	}
	return &Source{Path: path, Records: records, Shape: shape}, nil
}

// parseList parses content and returns the record list it holds.
func parseList(file string, content []byte) ([]any, api.Shape, error) {
	root, err := oj.Parse(content)
	if err != nil {
		return nil, api.ShapeList, &ParseError{File: file, Err: err}
	}
	switch r := root.(type) {
	case []any:
		return r, api.ShapeList, nil
	case map[string]any:
		entries, ok := r["entries"]
		if !ok {
			return nil, api.ShapeEntries, &SchemaError{File: file, Index: -1, Reason: `object root has no "entries" list`}
		}
		list, ok := entries.([]any)
		if !ok {
			return nil, api.ShapeEntries, &SchemaError{File: file, Index: -1, Reason: `"entries" is not a list`}
		}
		return list, api.ShapeEntries, nil
	default:
		return nil, api.ShapeList, &SchemaError{File: file, Index: -1, Reason: "root must be a list of entries"}
	}
}

// decodeRecord validates one generic JSON value as a record.
func decodeRecord(file string, index int, v any) (api.Record, error) {
	fail := func(format string, args ...any) (api.Record, error) {
		return api.Record{}, &SchemaError{File: file, Index: index, Reason: fmt.Sprintf(format, args...)}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return fail("entry must be an object, got %T", v)
	}
	rawDN, ok := obj["dn"]
	if !ok {
		return fail(`missing "dn"`)
	}
	dn, ok := rawDN.(string)
	if !ok {
		return fail(`"dn" must be a string, got %T`, rawDN)
	}
	rawAttrs, ok := obj["attributes"]
	if !ok {
		return fail(`missing "attributes"`)
	}
	attrMap, ok := rawAttrs.(map[string]any)
	if !ok {
		return fail(`"attributes" must be an object, got %T`, rawAttrs)
	}

	attrs := make(api.Attributes, len(attrMap))
	for name, raw := range attrMap {
		list, ok := raw.([]any)
		if !ok {
			return fail("attribute %q must be a list, got %T", name, raw)
		}
		if len(list) == 0 {
			return fail("attribute %q has no values", name)
		}
		values := make([]string, len(list))
		for j, item := range list {
			s, ok := item.(string)
			if !ok {
				return fail("attribute %q value %d must be a string, got %T", name, j, item)
			}
			values[j] = s
		}
		attrs[name] = values
	}
	return api.Record{DN: dn, Attributes: attrs}, nil
}
