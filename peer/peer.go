// Package peer defines the canonical identity used to correlate roster
// entries, subscriber records and dispatch queues.
package peer

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"github.com/ximik/rumpy/errors"
)

// ID is a normalized peer identity. Two IDs refer to the same peer iff they
// are equal strings. Obtain one through Normalize at every ingestion boundary.
type ID string

// String returns the identity as a plain string
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the identity is empty
func (id ID) IsZero() bool {
	return id == ""
}

// Local returns the part before '@', or the whole identity if there is none
func (id ID) Local() string {
	local, _, _ := strings.Cut(string(id), "@")
	return local
}

// Domain returns the part after '@', or "" if there is none
func (id ID) Domain() string {
	_, domain, _ := strings.Cut(string(id), "@")
	return domain
}

// Token encodes the identity as a base64url string safe for use as a NATS
// subject token or a KV key.
func (id ID) Token() string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// FromToken decodes and normalizes an identity produced by Token.
func FromToken(token string) (ID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidPeer, err), "peer", "FromToken", "decode token")
	}
	return Normalize(string(raw))
}

// Normalize canonicalizes a raw address: surrounding whitespace is trimmed,
// a "/resource" suffix is dropped and the result is lowercased.
func Normalize(raw string) (ID, error) {
	s := strings.TrimSpace(raw)
	if bare, _, found := strings.Cut(s, "/"); found {
		s = bare
	}
	s = strings.ToLower(s)

	if s == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidPeer, "peer", "Normalize", fmt.Sprintf("normalize %q", raw))
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", errors.WrapInvalid(errors.ErrInvalidPeer, "peer", "Normalize",
				fmt.Sprintf("normalize %q: contains whitespace", raw))
		}
	}
	if strings.Count(s, "@") > 1 || strings.HasPrefix(s, "@") || strings.HasSuffix(s, "@") {
		return "", errors.WrapInvalid(errors.ErrInvalidPeer, "peer", "Normalize",
			fmt.Sprintf("normalize %q: malformed address", raw))
	}
	return ID(s), nil
}

// MustNormalize is Normalize for identities known to be valid, such as
// constants in tests. It panics on error.
func MustNormalize(raw string) ID {
	id, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return id
}
