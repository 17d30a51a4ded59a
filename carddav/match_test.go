package carddav

import (
	"strings"
	"testing"

	"github.com/emersion/go-vcard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davkit/davkit/collation"
)

func newAO(t *testing.T, str string) AddressObject {
	t.Helper()
	card, err := vcard.NewDecoder(strings.NewReader(str)).Decode()
	if err != nil {
		t.Fatal(err)
	}
	return AddressObject{
		Card: card,
	}
}

func testCards(t *testing.T) (alice, bob, carla AddressObject) {
	alice = newAO(t, `BEGIN:VCARD
VERSION:3.0
UID:urn:uuid:9f7d9a2e-1e12-4e0c-8f8f-0a3a5f0d0001
FN:Alice Gopher
N:Gopher;Alice;;;
EMAIL;TYPE=WORK:alice@example.org
EMAIL;TYPE=HOME:alice@example.net
END:VCARD`)
	bob = newAO(t, `BEGIN:VCARD
VERSION:3.0
UID:urn:uuid:9f7d9a2e-1e12-4e0c-8f8f-0a3a5f0d0002
FN:Bob Bassist
N:Bassist;Bob;;;
EMAIL:bob@example.org
TEL;TYPE=CELL:+1-555-0100
END:VCARD`)
	carla = newAO(t, `BEGIN:VCARD
VERSION:3.0
UID:urn:uuid:9f7d9a2e-1e12-4e0c-8f8f-0a3a5f0d0003
FN:Carla Cellist
N:Cellist;Carla;;;
NICKNAME:cc
END:VCARD`)
	return alice, bob, carla
}

func TestFilter(t *testing.T) {
	alice, bob, carla := testCards(t)
	all := []AddressObject{alice, bob, carla}

	for _, tc := range []struct {
		name  string
		query *AddressBookQuery
		want  []AddressObject
	}{
		{
			name:  "nil-query",
			query: nil,
			want:  all,
		},
		{
			name:  "no prop filters",
			query: &AddressBookQuery{},
			want:  all,
		},
		{
			name: "email substring",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldEmail,
					TextMatches: []TextMatch{{
						Text: "example.org",
					}},
				}},
			},
			want: []AddressObject{alice, bob},
		},
		{
			name: "email presence",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldEmail,
				}},
			},
			want: []AddressObject{alice, bob},
		},
		{
			name: "email is-not-defined",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name:         vcard.FieldEmail,
					IsNotDefined: true,
				}},
			},
			want: []AddressObject{carla},
		},
		{
			name: "anyof across prop filters",
			query: &AddressBookQuery{
				FilterTest: FilterAnyOf,
				PropFilters: []PropFilter{
					{
						Name:        vcard.FieldFormattedName,
						TextMatches: []TextMatch{{Text: "carla"}},
					},
					{
						Name:        vcard.FieldEmail,
						TextMatches: []TextMatch{{Text: "bob@"}},
					},
				},
			},
			want: []AddressObject{bob, carla},
		},
		{
			name: "allof across prop filters",
			query: &AddressBookQuery{
				FilterTest: FilterAllOf,
				PropFilters: []PropFilter{
					{
						Name:        vcard.FieldFormattedName,
						TextMatches: []TextMatch{{Text: "b"}},
					},
					{
						Name: vcard.FieldEmail,
					},
				},
			},
			want: []AddressObject{bob},
		},
		{
			name: "multiple text-matches are conjunctive",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldFormattedName,
					TextMatches: []TextMatch{
						{Text: "alice"},
						{Text: "gopher"},
					},
				}},
			},
			want: []AddressObject{alice},
		},
		{
			// One failing text-match rejects the instance even when
			// another passes.
			name: "partial text-match is not enough",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldFormattedName,
					TextMatches: []TextMatch{
						{Text: "alice"},
						{Text: "bob"},
					},
				}},
			},
			want: []AddressObject{},
		},
		{
			name: "equals match",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldEmail,
					TextMatches: []TextMatch{{
						Text:      "bob@example.org",
						MatchType: MatchEquals,
					}},
				}},
			},
			want: []AddressObject{bob},
		},
		{
			name: "starts-with match",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldFormattedName,
					TextMatches: []TextMatch{{
						Text:      "carla",
						MatchType: MatchStartsWith,
					}},
				}},
			},
			want: []AddressObject{carla},
		},
		{
			name: "ends-with match",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldEmail,
					TextMatches: []TextMatch{{
						Text:      "@example.net",
						MatchType: MatchEndsWith,
					}},
				}},
			},
			want: []AddressObject{alice},
		},
		{
			name: "negated match",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldFormattedName,
					TextMatches: []TextMatch{{
						Text:            "alice",
						NegateCondition: true,
					}},
				}},
			},
			want: []AddressObject{bob, carla},
		},
		{
			name: "octet collation",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldFormattedName,
					TextMatches: []TextMatch{{
						Text:      "ALICE",
						Collation: collation.Octet,
					}},
				}},
			},
			want: []AddressObject{},
		},
		{
			name: "param filter",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldEmail,
					Params: []ParamFilter{{
						Name:      vcard.ParamType,
						TextMatch: &TextMatch{Text: "work"},
					}},
				}},
			},
			want: []AddressObject{alice},
		},
		{
			name: "param filter with value match",
			query: &AddressBookQuery{
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
			want: []AddressObject{},
		},
		{
			name: "param is-not-defined",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldEmail,
					Params: []ParamFilter{{
						Name:         vcard.ParamType,
						IsNotDefined: true,
					}},
				}},
			},
			want: []AddressObject{bob},
		},
		{
			name: "limit",
			query: &AddressBookQuery{
				PropFilters: []PropFilter{{
					Name: vcard.FieldFormattedName,
				}},
				Limit: 2,
			},
			want: []AddressObject{alice, bob},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Filter(tc.query, all)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchUnknownCollation(t *testing.T) {
	alice, _, _ := testCards(t)
	query := &AddressBookQuery{
		PropFilters: []PropFilter{{
			Name: vcard.FieldFormattedName,
			TextMatches: []TextMatch{{
				Text:      "alice",
				Collation: "i;klingon",
			}},
		}},
	}

	_, err := Match(query, alice)
	var unknownErr *collation.UnknownCollationError
	require.ErrorAs(t, err, &unknownErr)
}
