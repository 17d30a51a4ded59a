package carddav

import (
	"testing"

	"github.com/emersion/go-vcard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexKeys(t *testing.T) {
	query := &AddressBookQuery{
		PropFilters: []PropFilter{
			{
				Name:        vcard.FieldEmail,
				TextMatches: []TextMatch{{Text: "example.org"}},
				Params: []ParamFilter{
					{Name: vcard.ParamType, TextMatch: &TextMatch{Text: "work"}},
					{Name: "PREF", IsNotDefined: true},
				},
			},
			{
				Name:        vcard.FieldEmail,
				TextMatches: []TextMatch{{Text: "example.net"}},
			},
			{
				Name:         vcard.FieldTelephone,
				IsNotDefined: true,
			},
		},
	}

	// Duplicate property keys collapse; is-not-defined filters and params
	// contribute nothing.
	assert.Equal(t, []string{"P=EMAIL", "P=EMAIL/A=TYPE"}, IndexKeys(query))
	assert.Nil(t, IndexKeys(nil))
}

func TestNewFieldIndex(t *testing.T) {
	alice, _, _ := testCards(t)
	idx := NewFieldIndex(alice.Card)

	entries := idx[PropKey(vcard.FieldEmail)]
	require.Len(t, entries, 2)
	assert.Equal(t, "alice@example.org", entries[0].Value)
	assert.Equal(t, []string{"WORK"}, entries[0].Params["TYPE"])
	assert.Equal(t, "alice@example.net", entries[1].Value)

	fn := idx[PropKey(vcard.FieldFormattedName)]
	require.Len(t, fn, 1)
	assert.Equal(t, "Alice Gopher", fn[0].Value)
	assert.Nil(t, fn[0].Params)
}

// Index matching must agree with direct card matching for every query that
// can be answered from the index.
func TestMatchIndexEquivalence(t *testing.T) {
	alice, bob, carla := testCards(t)
	all := []AddressObject{alice, bob, carla}

	queries := []*AddressBookQuery{
		nil,
		{},
		{
			PropFilters: []PropFilter{{
				Name:        vcard.FieldEmail,
				TextMatches: []TextMatch{{Text: "example.org"}},
			}},
		},
		{
			PropFilters: []PropFilter{{
				Name: vcard.FieldEmail,
			}},
		},
		{
			FilterTest: FilterAllOf,
			PropFilters: []PropFilter{
				{Name: vcard.FieldFormattedName, TextMatches: []TextMatch{{Text: "b"}}},
				{Name: vcard.FieldEmail},
			},
		},
		{
			PropFilters: []PropFilter{{
				Name: vcard.FieldEmail,
				TextMatches: []TextMatch{{
					Text:      "bob@example.org",
					MatchType: MatchEquals,
				}},
			}},
		},
		{
			PropFilters: []PropFilter{{
				Name: vcard.FieldEmail,
				Params: []ParamFilter{{
					Name:      vcard.ParamType,
					TextMatch: &TextMatch{Text: "work"},
				}},
			}},
		},
		{
			PropFilters: []PropFilter{{
				Name: vcard.FieldEmail,
				TextMatches: []TextMatch{{
					Text: "example.net",
				}},
				Params: []ParamFilter{{
					Name:      vcard.ParamType,
					TextMatch: &TextMatch{Text: "work"},
				}},
			}},
		},
		{
			PropFilters: []PropFilter{{
				Name: vcard.FieldFormattedName,
				TextMatches: []TextMatch{{
					Text:            "alice",
					NegateCondition: true,
				}},
			}},
		},
		{
			PropFilters: []PropFilter{{
				Name: vcard.FieldFormattedName,
				TextMatches: []TextMatch{
					{Text: "alice"},
					{Text: "bob"},
				},
			}},
		},
	}

	for _, query := range queries {
		for _, ao := range all {
			direct, err := Match(query, ao)
			require.NoError(t, err)

			indexed, err := MatchIndex(query, NewFieldIndex(ao.Card))
			require.NoError(t, err)

			assert.Equal(t, direct, indexed,
				"query %+v disagrees on card %v", query, ao.Card.Value(vcard.FieldFormattedName))
		}
	}
}
