package semver

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected Version
		wantErr  bool
	}{
		{input: "1.0.0", expected: Version{Major: 1}},
		{input: "2.13.4", expected: Version{Major: 2, Minor: 13, Patch: 4}},
		{input: "1.1.0-alpha", expected: Version{Major: 1, Minor: 1, Pre: []string{"alpha"}}},
		{input: "1.1.0-alpha.2", expected: Version{Major: 1, Minor: 1, Pre: []string{"alpha", "2"}}},
		{input: "0.0.1-rc-1", expected: Version{Patch: 1, Pre: []string{"rc-1"}}},
		{input: "", wantErr: true},
		{input: "1", wantErr: true},
		{input: "1.2", wantErr: true},
		{input: "1.2.3.4", wantErr: true},
		{input: "v1.2.3", wantErr: true},
		{input: "01.2.3", wantErr: true},
		{input: "1.2.3-", wantErr: true},
		{input: "1.2.3-a..b", wantErr: true},
		{input: "1.2.3-01", wantErr: true},
		{input: "1.2.3+build", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
			assert.Equal(t, tt.input, v.String())
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.1.0", "1.0.9", 1},
		{"2.0.0", "1.99.99", 1},
		{"1.0.0", "1.0.0-alpha", 1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.0.0-alpha.1", "1.0.0-alpha", 1},
		{"1.0.0-2", "1.0.0-11", -1},
		{"1.0.0-1", "1.0.0-alpha", -1},
		{"1.0.0-alpha.2", "1.0.0-alpha.11", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			a, b := MustParse(tt.a), MustParse(tt.b)
			assert.Equal(t, tt.expected, Compare(a, b))
			assert.Equal(t, -tt.expected, Compare(b, a))
		})
	}
}

// The sort order over a mixed set must match the reference SemVer order.
func TestSortOrder(t *testing.T) {
	input := []string{
		"1.1.0", "1.0.0", "1.1.0-alpha", "2.0.0-rc.1", "2.0.0",
		"1.1.0-alpha.1", "0.9.9", "2.0.0-rc.2",
	}
	expected := []string{
		"0.9.9", "1.0.0", "1.1.0-alpha", "1.1.0-alpha.1", "1.1.0",
		"2.0.0-rc.1", "2.0.0-rc.2", "2.0.0",
	}

	versions := make([]Version, 0, len(input))
	for _, s := range input {
		versions = append(versions, MustParse(s))
	}
	sort.Slice(versions, func(i, j int) bool {
		return Compare(versions[i], versions[j]) < 0
	})

	got := make([]string, 0, len(versions))
	for _, v := range versions {
		got = append(got, v.String())
	}
	assert.Equal(t, expected, got)
}

func TestIsPrerelease(t *testing.T) {
	assert.False(t, MustParse("1.0.0").IsPrerelease())
	assert.True(t, MustParse("1.0.0-alpha").IsPrerelease())
	assert.True(t, GreaterThan(MustParse("1.0.0"), MustParse("1.0.0-alpha")))
	assert.True(t, Equal(MustParse("1.2.3"), MustParse("1.2.3")))
}
