package collation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryMatch(t *testing.T) {
	r := NewRegistry()

	for _, tc := range []struct {
		name      string
		collation string
		matchType MatchType
		value     string
		text      string
		want      bool
	}{
		{"ascii-casemap ignores case", ASCIICasemap, MatchEquals, "Alice", "aLiCe", true},
		{"ascii-casemap leaves non-ascii alone", ASCIICasemap, MatchEquals, "Ä", "ä", false},
		{"octet is case-sensitive", Octet, MatchEquals, "Alice", "alice", false},
		{"octet exact", Octet, MatchEquals, "alice", "alice", true},
		{"unicode-casemap folds non-ascii", UnicodeCasemap, MatchEquals, "Ä", "ä", true},
		{"empty name falls back to the default", "", MatchEquals, "Alice", "ALICE", true},
		{"contains", ASCIICasemap, MatchContains, "Alice Cooper", "COOP", true},
		{"empty match type means contains", ASCIICasemap, "", "Alice Cooper", "coop", true},
		{"starts-with", ASCIICasemap, MatchStartsWith, "Alice Cooper", "alice", true},
		{"starts-with mismatch", ASCIICasemap, MatchStartsWith, "Alice Cooper", "cooper", false},
		{"ends-with", ASCIICasemap, MatchEndsWith, "Alice Cooper", "cooper", true},
		{"ends-with mismatch", ASCIICasemap, MatchEndsWith, "Alice Cooper", "alice", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Match(tc.collation, tc.matchType, tc.value, tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRegistryUnknownCollation(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("i;klingon")
	var unknownErr *UnknownCollationError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "i;klingon", unknownErr.Name)

	_, err = r.Match("i;klingon", MatchEquals, "a", "a")
	require.ErrorAs(t, err, &unknownErr)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	r.Register("x;reverse-insensitive", func(s string) string {
		b := []byte(asciiLower(s))
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
		return string(b)
	})

	got, err := r.Match("x;reverse-insensitive", MatchEquals, "ABC", "cba")
	require.NoError(t, err)
	assert.False(t, got, "both sides are normalized, so reversal cancels out")

	got, err = r.Match("x;reverse-insensitive", MatchEquals, "abc", "ABC")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestRegistryUnknownMatchType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Match(ASCIICasemap, "sounds-like", "a", "a")
	require.Error(t, err)
}
