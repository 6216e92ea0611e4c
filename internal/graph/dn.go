package graph

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidDN is returned for paths that cannot be split into components.
var ErrInvalidDN = errors.New("invalid dn")

// ParseDN splits a DN into its components, most-specific first.
// Commas may be escaped with a backslash; escapes are preserved in the
// returned components. Unescaped whitespace around each component is
// trimmed.
func ParseDN(dn string) ([]string, error) {
	if strings.TrimSpace(dn) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDN)
	}

	var (
		comps []string
		cur   strings.Builder
	)
	flush := func() error {
		c := trimUnescaped(cur.String())
		cur.Reset()
		if c == "" {
			return fmt.Errorf("%w: %q has an empty component", ErrInvalidDN, dn)
		}
		if strings.HasPrefix(c, "=") {
			return fmt.Errorf("%w: %q has a component with an empty key", ErrInvalidDN, dn)
		}
		comps = append(comps, c)
		return nil
	}

	for i := 0; i < len(dn); i++ {
		switch ch := dn[i]; ch {
		case '\\':
			if i+1 >= len(dn) {
				return nil, fmt.Errorf("%w: %q ends with an escape", ErrInvalidDN, dn)
			}
			cur.WriteByte(ch)
			cur.WriteByte(dn[i+1])
			i++
		case ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return comps, nil
}

// JoinDN is the inverse of ParseDN.
func JoinDN(comps []string) string {
	return strings.Join(comps, ",")
}

// CanonicalDN returns the normalized form of dn, or dn unchanged if it
// cannot be parsed.
func CanonicalDN(dn string) string {
	comps, err := ParseDN(dn)
	if err != nil {
		return dn
	}
	return JoinDN(comps)
}

// SplitRDN returns the key and unescaped value of one component.
// A component without '=' is treated as a common name.
func SplitRDN(rdn string) (key, value string) {
	for i := 0; i < len(rdn); i++ {
		if rdn[i] == '\\' {
			i++
			continue
		}
		if rdn[i] == '=' {
			return strings.TrimSpace(rdn[:i]), unescape(trimUnescaped(rdn[i+1:]))
		}
	}
	return "cn", unescape(rdn)
}

// IsUnder reports whether comps equals base or lies below it.
func IsUnder(comps, base []string) bool {
	if len(base) > len(comps) {
		return false
	}
	off := len(comps) - len(base)
	for i, b := range base {
		if comps[off+i] != b {
			return false
		}
	}
	return true
}

// trimUnescaped trims surrounding whitespace but keeps an escaped
// trailing space such as the one in `a\ `.
func trimUnescaped(s string) string {
	keep := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			keep = i + 1
		}
	}
	return strings.TrimLeftFunc(s[:keep]+strings.TrimRightFunc(s[keep:], unicode.IsSpace), unicode.IsSpace)
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
