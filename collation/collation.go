// Package collation implements the text collations used by CalDAV and
// CardDAV text-match filters.
//
// Collations are defined in RFC 4790. CalDAV and CardDAV servers are
// required to support i;ascii-casemap and i;octet; i;unicode-casemap is
// what most clients actually want for non-ASCII contact data.
package collation

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

const (
	ASCIICasemap   = "i;ascii-casemap"
	UnicodeCasemap = "i;unicode-casemap"
	Octet          = "i;octet"
)

// Default is the collation applied when a text-match element carries no
// collation attribute.
const Default = ASCIICasemap

// MatchType selects how a text-match comparison is performed. The values
// mirror the match-type attribute of RFC 6352 section 10.5.1.
type MatchType string

const (
	MatchEquals     MatchType = "equals"
	MatchContains   MatchType = "contains"
	MatchStartsWith MatchType = "starts-with"
	MatchEndsWith   MatchType = "ends-with"
)

// A Collation normalizes a string before comparison. Two strings are
// considered equal under the collation if their normal forms are equal.
type Collation func(s string) string

// UnknownCollationError is returned when a filter names a collation the
// registry doesn't know about. Callers decide whether that's fatal.
type UnknownCollationError struct {
	Name string
}

func (err *UnknownCollationError) Error() string {
	return fmt.Sprintf("collation: unsupported collation %q", err.Name)
}

// Registry holds named collations. It is passed into the filter evaluators
// explicitly so tests can substitute their own collations.
type Registry struct {
	collations map[string]Collation
}

// NewRegistry returns a registry with the three standard collations.
func NewRegistry() *Registry {
	r := &Registry{collations: make(map[string]Collation)}
	r.Register(Octet, func(s string) string { return s })
	r.Register(ASCIICasemap, asciiLower)
	r.Register(UnicodeCasemap, func(s string) string {
		return cases.Fold().String(s)
	})
	return r
}

// Register adds or replaces a named collation.
func (r *Registry) Register(name string, c Collation) {
	r.collations[name] = c
}

// Get looks up a collation by name. The empty name resolves to Default.
func (r *Registry) Get(name string) (Collation, error) {
	if name == "" {
		name = Default
	}
	c, ok := r.collations[name]
	if !ok {
		return nil, &UnknownCollationError{Name: name}
	}
	return c, nil
}

// Match compares value against text under the named collation.
func (r *Registry) Match(name string, matchType MatchType, value, text string) (bool, error) {
	c, err := r.Get(name)
	if err != nil {
		return false, err
	}

	value, text = c(value), c(text)
	switch matchType {
	case MatchEquals:
		return value == text, nil
	case MatchContains, "":
		return strings.Contains(value, text), nil
	case MatchStartsWith:
		return strings.HasPrefix(value, text), nil
	case MatchEndsWith:
		return strings.HasSuffix(value, text), nil
	}
	return false, fmt.Errorf("collation: unknown match type %q", matchType)
}

func asciiLower(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if 'A' <= ch && ch <= 'Z' {
			ch += 'a' - 'A'
		}
		b.WriteByte(ch)
	}
	return b.String()
}
