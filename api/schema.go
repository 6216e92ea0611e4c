package api

// Attributes maps an attribute name to its ordered values.
// Values are non-unique; an attribute with no values is invalid.
type Attributes map[string][]string

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Record is one entry of a source file.
type Record struct {
	// DN is the comma-joined path, most-specific component first
	// (e.g. "uid=john,ou=users,dc=example,dc=com").
	DN string `json:"dn"`
	// Attributes holds the entry payload.
	Attributes Attributes `json:"attributes"`
}

// Document is the object form of a source file. A bare JSON array of
// records is accepted as well.
type Document struct {
	Entries []Record `json:"entries"`
}

// Shape records which top-level form a source file used, so that writes
// preserve it.
type Shape int

const (
	// ShapeList is a bare JSON array of records.
	ShapeList Shape = iota
	// ShapeEntries is an object with an "entries" array.
	ShapeEntries
)
