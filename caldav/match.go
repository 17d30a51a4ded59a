package caldav

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/davkit/davkit/collation"
)

// Matcher evaluates calendar-query filters against calendar objects. The
// zero value uses the standard collations and UTC for floating date-time
// values; servers hand in the resource's default timezone instead.
type Matcher struct {
	Collations *collation.Registry
	Location   *time.Location
}

func (m *Matcher) collations() *collation.Registry {
	if m.Collations != nil {
		return m.Collations
	}
	return defaultCollations
}

func (m *Matcher) location() *time.Location {
	if m.Location != nil {
		return m.Location
	}
	return time.UTC
}

var defaultCollations = collation.NewRegistry()

// Filter returns the filtered list of calendar objects matching the
// provided query. A nil query returns the full list.
func Filter(query *CalendarQuery, cos []CalendarObject) ([]CalendarObject, error) {
	if query == nil {
		return cos, nil
	}

	var m Matcher
	var out []CalendarObject
	for _, co := range cos {
		ok, err := m.Match(query.CompFilter, &co)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, co)
	}
	return out, nil
}

// Match reports whether the provided CalendarObject matches the filter.
func Match(filter CompFilter, co *CalendarObject) (bool, error) {
	var m Matcher
	return m.Match(filter, co)
}

// Match reports whether the provided CalendarObject matches the filter. An
// empty filter matches every object without touching its data.
func (m *Matcher) Match(filter CompFilter, co *CalendarObject) (bool, error) {
	if filter.Name == "" && filter.IsNotDefined == false &&
		len(filter.Comps) == 0 && len(filter.Props) == 0 &&
		filter.Start.IsZero() && filter.End.IsZero() {
		return true, nil
	}
	if co.Data == nil || co.Data.Component == nil {
		return false, fmt.Errorf("caldav: request to match an empty calendar object")
	}
	return m.match(filter, co.Data.Component)
}

func (m *Matcher) match(filter CompFilter, comp *ical.Component) (bool, error) {
	if filter.IsNotDefined {
		return !strings.EqualFold(comp.Name, filter.Name), nil
	}
	if !strings.EqualFold(comp.Name, filter.Name) {
		return false, nil
	}

	if !filter.Start.IsZero() || !filter.End.IsZero() {
		match, err := m.compInTimeRange(comp, filter.Start, filter.End)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	for _, compFilter := range filter.Comps {
		match, err := m.matchCompFilter(compFilter, comp)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	for _, propFilter := range filter.Props {
		match, err := m.matchPropFilter(propFilter, comp)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

// matchCompFilter applies a child comp-filter: at least one sub-component
// of the filtered name must match. An is-not-defined filter tests that no
// sub-component of that name exists, regardless of what else does.
func (m *Matcher) matchCompFilter(filter CompFilter, comp *ical.Component) (bool, error) {
	if filter.IsNotDefined {
		return !m.hasChild(comp, filter.Name), nil
	}

	for _, child := range comp.Children {
		match, err := m.match(filter, child)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) hasChild(comp *ical.Component, name string) bool {
	for _, child := range comp.Children {
		if strings.EqualFold(child.Name, name) {
			return true
		}
	}
	return false
}

// matchPropFilter applies a prop-filter against every instance of the
// named property; the filter matches if any instance satisfies all of its
// children.
func (m *Matcher) matchPropFilter(filter PropFilter, comp *ical.Component) (bool, error) {
	props := comp.Props.Values(filter.Name)
	if len(props) == 0 {
		return filter.IsNotDefined, nil
	}
	if filter.IsNotDefined {
		return false, nil
	}

	for i := range props {
		match, err := m.matchPropInstance(filter, &props[i])
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) matchPropInstance(filter PropFilter, prop *ical.Prop) (bool, error) {
	for _, paramFilter := range filter.ParamFilter {
		match, err := m.matchParamFilter(paramFilter, prop)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}

	if !filter.Start.IsZero() || !filter.End.IsZero() {
		return m.matchPropTimeRange(filter.Start, filter.End, prop)
	}
	if filter.TextMatch != nil {
		return m.matchTextMatch(*filter.TextMatch, prop.Value)
	}
	// Empty prop-filter: presence is enough.
	return true, nil
}

func (m *Matcher) matchPropTimeRange(start, end time.Time, prop *ical.Prop) (bool, error) {
	start, end = resolveTimeRange(start, end)
	t, err := prop.DateTime(m.location())
	if err != nil {
		return false, err
	}
	return !t.Before(start) && t.Before(end), nil
}

func (m *Matcher) matchParamFilter(filter ParamFilter, prop *ical.Prop) (bool, error) {
	values := prop.Params[strings.ToUpper(filter.Name)]
	if len(values) == 0 {
		return filter.IsNotDefined, nil
	}
	if filter.IsNotDefined {
		return false, nil
	}
	if filter.TextMatch == nil {
		return true, nil
	}

	for _, value := range values {
		match, err := m.matchTextMatch(*filter.TextMatch, value)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) matchTextMatch(txt TextMatch, value string) (bool, error) {
	// CalDAV text-match elements carry no match-type attribute; matching
	// is substring-based (RFC 4791 section 9.7.5).
	match, err := m.collations().Match(txt.Collation, collation.MatchContains, value, txt.Text)
	if err != nil {
		return false, err
	}
	if txt.NegateCondition {
		match = !match
	}
	return match, nil
}
