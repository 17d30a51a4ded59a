// Package carddav provides a server-side CardDAV implementation: filter
// evaluation (direct and index-backed), address-data projection and the
// REPORT handling that ties them to a backend.
//
// CardDAV is defined in RFC 6352.
package carddav

import (
	"time"

	"github.com/emersion/go-vcard"

	"github.com/davkit/davkit/collation"
)

type AddressBook struct {
	Path            string
	Name            string
	Description     string
	MaxResourceSize int64
}

type AddressObject struct {
	Path          string
	ModTime       time.Time
	ContentLength int64
	ETag          string
	Card          vcard.Card
}

// AddressDataRequest mirrors the CARDDAV:address-data element of a REPORT
// request: which vCard properties to copy into the response.
type AddressDataRequest struct {
	Props   []string
	AllProp bool
}

// FilterTest says how multiple sub-filters combine.
type FilterTest string

const (
	FilterAnyOf FilterTest = "anyof"
	FilterAllOf FilterTest = "allof"
)

// MatchType selects the text-match comparison. The values mirror the
// match-type attribute of RFC 6352 section 10.5.1.
type MatchType = collation.MatchType

const (
	MatchEquals     = collation.MatchEquals
	MatchContains   = collation.MatchContains
	MatchStartsWith = collation.MatchStartsWith
	MatchEndsWith   = collation.MatchEndsWith
)

// AddressBookQuery is a decoded addressbook-query REPORT. The zero
// FilterTest combines prop filters with anyof semantics, as RFC 6352
// prescribes.
type AddressBookQuery struct {
	DataRequest AddressDataRequest

	PropFilters []PropFilter
	FilterTest  FilterTest

	Limit int // <= 0 means unlimited
}

// PropFilter matches on a vCard property. All of its text matches and
// param filters must pass for a property instance to count; the selectable
// anyof/allof test applies across prop filters only.
type PropFilter struct {
	Name         string
	IsNotDefined bool
	TextMatches  []TextMatch
	Params       []ParamFilter
}

// ParamFilter matches on a property parameter.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
}

// TextMatch is a leaf predicate comparing a value against literal text
// under a named collation.
type TextMatch struct {
	Text            string
	NegateCondition bool
	Collation       string
	MatchType       MatchType
}

type AddressBookMultiGet struct {
	Paths       []string
	DataRequest AddressDataRequest
}
