package carddav

import (
	"fmt"
	"strings"

	"github.com/emersion/go-vcard"

	"github.com/davkit/davkit/collation"
)

// Matcher evaluates addressbook-query filters against address objects.
// The zero value uses the standard collations.
type Matcher struct {
	Collations *collation.Registry
}

func (m *Matcher) collations() *collation.Registry {
	if m.Collations != nil {
		return m.Collations
	}
	return defaultCollations
}

var defaultCollations = collation.NewRegistry()

// Filter returns the filtered list of address objects matching the
// provided query. A nil query returns the full list.
func Filter(query *AddressBookQuery, aos []AddressObject) ([]AddressObject, error) {
	if query == nil {
		return aos, nil
	}

	var m Matcher
	n := query.Limit
	if n <= 0 {
		n = len(aos)
	}
	out := make([]AddressObject, 0, n)
	for _, ao := range aos {
		ok, err := m.Match(query, ao)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, ao)
		if len(out) >= n {
			break
		}
	}
	return out, nil
}

// Match reports whether the provided AddressObject matches the query.
func Match(query *AddressBookQuery, ao AddressObject) (bool, error) {
	var m Matcher
	return m.Match(query, ao)
}

// Match reports whether the provided AddressObject matches the query. A
// query without prop filters matches every object.
func (m *Matcher) Match(query *AddressBookQuery, ao AddressObject) (bool, error) {
	if query == nil || len(query.PropFilters) == 0 {
		return true, nil
	}

	switch query.FilterTest {
	case FilterAnyOf, "":
		for _, prop := range query.PropFilters {
			ok, err := m.matchPropFilter(prop, fieldsOf(ao.Card, prop.Name))
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case FilterAllOf:
		for _, prop := range query.PropFilters {
			ok, err := m.matchPropFilter(prop, fieldsOf(ao.Card, prop.Name))
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("carddav: unknown query filter test %q", query.FilterTest)
}

func fieldsOf(card vcard.Card, name string) []*vcard.Field {
	return card[strings.ToUpper(name)]
}

// matchPropFilter applies a prop-filter against every instance of the
// named property; the filter matches if any instance satisfies it.
func (m *Matcher) matchPropFilter(prop PropFilter, fields []*vcard.Field) (bool, error) {
	if len(fields) == 0 {
		return prop.IsNotDefined, nil
	}
	if prop.IsNotDefined {
		return false, nil
	}

	for _, field := range fields {
		ok, err := m.matchPropInstance(prop, field)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) matchPropInstance(prop PropFilter, field *vcard.Field) (bool, error) {
	for _, param := range prop.Params {
		ok, err := m.matchParamFilter(param, field)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	// Every text match must pass, like the param filters above; anyof
	// semantics exist across prop filters only.
	for _, txt := range prop.TextMatches {
		ok, err := m.matchTextMatch(txt, field.Value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *Matcher) matchParamFilter(filter ParamFilter, field *vcard.Field) (bool, error) {
	var values []string
	if field.Params != nil {
		values = field.Params[strings.ToUpper(filter.Name)]
	}
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
		ok, err := m.matchTextMatch(*filter.TextMatch, value)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) matchTextMatch(txt TextMatch, value string) (bool, error) {
	ok, err := m.collations().Match(txt.Collation, txt.MatchType, value, txt.Text)
	if err != nil {
		return false, err
	}
	if txt.NegateCondition {
		ok = !ok
	}
	return ok, nil
}
