// Package caldav provides a server-side CalDAV implementation: filter
// evaluation, calendar-data projection, availability composition and the
// REPORT handling that ties them to a backend.
//
// CalDAV is defined in RFC 4791.
package caldav

import (
	"time"

	"github.com/emersion/go-ical"
)

// Component names used by this package that go-ical doesn't define.
const (
	CompAvailability = "VAVAILABILITY"
	CompAvailable    = "AVAILABLE"
)

const propBusyType = "BUSYTYPE"

type Calendar struct {
	Path                  string
	Name                  string
	Description           string
	MaxResourceSize       int64
	SupportedComponentSet []string
}

type CalendarObject struct {
	Path          string
	ModTime       time.Time
	ContentLength int64
	ETag          string
	Data          *ical.Calendar
}

// CompFilter matches on calendar component type and contents. A zero Start
// and End means the filter carries no time-range test; a node with
// IsNotDefined set has no other children.
type CompFilter struct {
	Name         string
	IsNotDefined bool
	Start, End   time.Time
	Props        []PropFilter
	Comps        []CompFilter
}

// PropFilter matches on property presence and value within a component.
type PropFilter struct {
	Name         string
	IsNotDefined bool
	Start, End   time.Time
	TextMatch    *TextMatch
	ParamFilter  []ParamFilter
}

// ParamFilter matches on a property parameter.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
}

// TextMatch is a leaf predicate comparing a value against literal text
// under a named collation. CalDAV text matching is substring-based;
// NegateCondition inverts the result.
type TextMatch struct {
	Text            string
	NegateCondition bool
	Collation       string
}

// CalendarCompRequest mirrors the CALDAV:comp element of a calendar-data
// request: which sub-components and properties to copy into the response.
type CalendarCompRequest struct {
	Name string

	AllProps bool
	Props    []string

	AllComps bool
	Comps    []CalendarCompRequest
}

// ExpandRequest asks for recurring components to be materialized into
// concrete instances within [Start, End).
type ExpandRequest struct {
	Start, End time.Time
}

// LimitRecurrenceSet restricts returned overrides to instances within
// [Start, End) without expanding new ones.
type LimitRecurrenceSet struct {
	Start, End time.Time
}

// LimitFreeBusySet restricts FREEBUSY property values to periods
// overlapping [Start, End).
type LimitFreeBusySet struct {
	Start, End time.Time
}

// CalendarDataRequest mirrors the CALDAV:calendar-data element of a REPORT
// request.
type CalendarDataRequest struct {
	Comp               *CalendarCompRequest
	Expand             *ExpandRequest
	LimitRecurrenceSet *LimitRecurrenceSet
	LimitFreeBusySet   *LimitFreeBusySet
}

type CalendarQuery struct {
	CompFilter  CompFilter
	DataRequest CalendarDataRequest
}

type CalendarMultiGet struct {
	Paths       []string
	DataRequest CalendarDataRequest
}

// FreeBusyQuery is a decoded CALDAV:free-busy-query REPORT.
type FreeBusyQuery struct {
	Start, End time.Time
}
