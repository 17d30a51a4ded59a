package carddav

import (
	"fmt"
	"strings"

	"github.com/emersion/go-vcard"
)

// Index key prefixes. Property keys look like "P=EMAIL", parameter keys
// like "P=TEL/A=TYPE".
const (
	indexPropPrefix  = "P="
	indexParamPrefix = "/A="
)

// IndexEntry is one property instance in a FieldIndex, decoupled from the
// parsed card so storage layers can persist it.
type IndexEntry struct {
	Value  string
	Params map[string][]string
}

// FieldIndex is a precomputed view of a card keyed by property key. It
// answers addressbook-query filters without re-parsing the card, and is
// guaranteed to answer them identically to matching against the card
// itself.
type FieldIndex map[string][]IndexEntry

// PropKey returns the index key covering a property name.
func PropKey(name string) string {
	return indexPropPrefix + strings.ToUpper(name)
}

// ParamKey returns the index key covering a parameter of a property.
func ParamKey(propName, paramName string) string {
	return PropKey(propName) + indexParamPrefix + strings.ToUpper(paramName)
}

// NewFieldIndex builds the index of a card.
func NewFieldIndex(card vcard.Card) FieldIndex {
	idx := make(FieldIndex, len(card))
	for name, fields := range card {
		key := PropKey(name)
		entries := make([]IndexEntry, 0, len(fields))
		for _, field := range fields {
			entry := IndexEntry{Value: field.Value}
			if len(field.Params) > 0 {
				entry.Params = make(map[string][]string, len(field.Params))
				for pname, values := range field.Params {
					entry.Params[strings.ToUpper(pname)] = append([]string(nil), values...)
				}
			}
			entries = append(entries, entry)
		}
		idx[key] = entries
	}
	return idx
}

// IndexKeys returns the index keys a query needs answered. Filters with
// is-not-defined leaves are excluded: absence of an index key cannot be
// distinguished from an unindexed property, so those filters must be
// evaluated against the card directly.
func IndexKeys(query *AddressBookQuery) []string {
	if query == nil {
		return nil
	}
	var keys []string
	seen := make(map[string]struct{})
	add := func(key string) {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	for _, prop := range query.PropFilters {
		if prop.IsNotDefined {
			continue
		}
		add(PropKey(prop.Name))
		for _, param := range prop.Params {
			if param.IsNotDefined {
				continue
			}
			add(ParamKey(prop.Name, param.Name))
		}
	}
	return keys
}

// MatchIndex reports whether the indexed card matches the query. It
// evaluates the same predicate as Matcher.Match.
func (m *Matcher) MatchIndex(query *AddressBookQuery, idx FieldIndex) (bool, error) {
	if query == nil || len(query.PropFilters) == 0 {
		return true, nil
	}

	switch query.FilterTest {
	case FilterAnyOf, "":
		for _, prop := range query.PropFilters {
			ok, err := m.matchPropFilter(prop, indexFields(idx, prop.Name))
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
			ok, err := m.matchPropFilter(prop, indexFields(idx, prop.Name))
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

// MatchIndex reports whether the indexed card matches the query using the
// default matcher.
func MatchIndex(query *AddressBookQuery, idx FieldIndex) (bool, error) {
	var m Matcher
	return m.MatchIndex(query, idx)
}

func indexFields(idx FieldIndex, propName string) []*vcard.Field {
	entries := idx[PropKey(propName)]
	fields := make([]*vcard.Field, len(entries))
	for i, entry := range entries {
		fields[i] = &vcard.Field{
			Value:  entry.Value,
			Params: vcard.Params(entry.Params),
		}
	}
	return fields
}
