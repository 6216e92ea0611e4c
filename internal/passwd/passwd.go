// Package passwd upgrades plaintext userPassword values to bcrypt hashes
// in the {BCRYPT} storage scheme.
package passwd

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/agentic-research/dirtree/api"
	"golang.org/x/crypto/bcrypt"
)

// Attribute is the attribute holding passwords.
const Attribute = "userPassword"

const (
	schemeBcrypt = "{BCRYPT}"
	schemeSSHA   = "{SSHA}"
)

// Hash returns password as {BCRYPT} followed by the base64 encoded bcrypt
// hash.
func Hash(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return schemeBcrypt + base64.StdEncoding.EncodeToString(h), nil
}

// IsHashed reports whether v already names a storage scheme.
func IsHashed(v string) bool {
	return strings.HasPrefix(v, "{")
}

// Verify checks password against a stored value. {BCRYPT} and {SSHA} are
// understood; any other value is compared as plaintext.
func Verify(password, stored string) bool {
	switch {
	case strings.HasPrefix(stored, schemeBcrypt):
		h, err := base64.StdEncoding.DecodeString(stored[len(schemeBcrypt):])
		if err != nil {
			return false
		}
		return bcrypt.CompareHashAndPassword(h, []byte(password)) == nil
	case strings.HasPrefix(stored, schemeSSHA):
		raw, err := base64.StdEncoding.DecodeString(stored[len(schemeSSHA):])
		if err != nil || len(raw) <= sha1.Size {
			return false
		}
		digest, salt := raw[:sha1.Size], raw[sha1.Size:]
		sum := sha1.Sum(append([]byte(password), salt...))
		return subtle.ConstantTimeCompare(sum[:], digest) == 1
	default:
		return subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1
	}
}

// Upgrade hashes every plaintext password in attrs. It returns attrs
// itself when nothing needed hashing, otherwise a copy.
func Upgrade(attrs api.Attributes, cost int) (api.Attributes, bool, error) {
	values, ok := attrs[Attribute]
	if !ok {
		return attrs, false, nil
	}
	var upgraded []string
	for i, v := range values {
		if IsHashed(v) {
			continue
		}
		if upgraded == nil {
			upgraded = append([]string(nil), values...)
		}
		h, err := Hash(v, cost)
		if err != nil {
			return attrs, false, err
		}
		upgraded[i] = h
	}
	if upgraded == nil {
		return attrs, false, nil
	}
	out := attrs.Clone()
	out[Attribute] = upgraded
	return out, true, nil
}

// UpgradeRecords applies Upgrade to each record and returns how many
// records changed. records is not modified.
func UpgradeRecords(records []api.Record, cost int) ([]api.Record, int, error) {
	out := make([]api.Record, len(records))
	changed := 0
	for i, rec := range records {
		attrs, ok, err := Upgrade(rec.Attributes, cost)
		if err != nil {
			return nil, 0, fmt.Errorf("upgrade %q: %w", rec.DN, err)
		}
		if ok {
			changed++
		}
		out[i] = api.Record{DN: rec.DN, Attributes: attrs}
	}
	return out, changed, nil
}
