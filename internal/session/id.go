// Package session drives the per-pair offer/answer/candidate negotiation
// that turns signaling envelopes into one live peer transport, and keeps
// the registry that guarantees at most one live session per pair.
package session

import (
	"fmt"
	"strings"
)

// ID identifies the session between two endpoints. Both sides derive the
// same ID because the pair is stored in lexicographic order.
type ID struct {
	Low  string
	High string
}

// NewID canonicalizes the pair (a, b).
func NewID(a, b string) ID {
	if b < a {
		a, b = b, a
	}
	return ID{Low: a, High: b}
}

// ParseID is the inverse of ID.String.
func ParseID(s string) (ID, error) {
	a, b, ok := strings.Cut(s, "|")
	if !ok || a == "" || b == "" {
		return ID{}, fmt.Errorf("invalid session id %q", s)
	}
	return NewID(a, b), nil
}

func (id ID) String() string {
	return id.Low + "|" + id.High
}

// Remote returns the endpoint of the pair that is not local.
func (id ID) Remote(local string) string {
	if id.Low == local {
		return id.High
	}
	return id.Low
}

// Valid reports whether the pair names two distinct endpoints.
func (id ID) Valid() bool {
	return id.Low != "" && id.High != "" && id.Low != id.High
}
