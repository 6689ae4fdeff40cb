// Package semver implements strict semantic version parsing and total
// ordering for model version directories. Only the X.Y.Z[-prerelease]
// form is accepted; build metadata and partial versions are rejected
// because version directories are exact identifiers.
package semver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const numbers = "0123456789"

// Version represents a parsed model version.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64
	Pre   []string
}

// Parse parses version strings like:
//   - 1.0.0
//   - 2.13.4
//   - 1.1.0-alpha
//   - 1.1.0-alpha.2
func Parse(s string) (Version, error) {
	if len(s) == 0 {
		return Version{}, errors.New("version string empty")
	}

	core := s
	var pre []string
	if preIndex := strings.IndexRune(s, '-'); preIndex != -1 {
		core = s[:preIndex]
		pre = strings.Split(s[preIndex+1:], ".")
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q must have exactly major.minor.patch", s)
	}

	major, err := parseNumeric(parts[0], "major")
	if err != nil {
		return Version{}, err
	}
	minor, err := parseNumeric(parts[1], "minor")
	if err != nil {
		return Version{}, err
	}
	patch, err := parseNumeric(parts[2], "patch")
	if err != nil {
		return Version{}, err
	}

	v := Version{Major: major, Minor: minor, Patch: patch}

	for _, id := range pre {
		if len(id) == 0 {
			return Version{}, fmt.Errorf("version %q has an empty prerelease identifier", s)
		}
		if !containsOnly(id, numbers+"abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-") {
			return Version{}, fmt.Errorf("version %q has an invalid prerelease identifier %q", s, id)
		}
		if isNumeric(id) && hasLeadingZeroes(id) {
			return Version{}, fmt.Errorf("numeric prerelease identifier must not have leading zeroes: %q", id)
		}
		v.Pre = append(v.Pre, id)
	}

	return v, nil
}

// MustParse is Parse for known-good literals; it panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsPrerelease reports whether the version carries prerelease identifiers.
func (v Version) IsPrerelease() bool { return len(v.Pre) > 0 }

// String renders the canonical form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if len(v.Pre) > 0 {
		s += "-" + strings.Join(v.Pre, ".")
	}
	return s
}

// Compare compares v to o:
// -1 == v is less than o
// 0 == v is equal to o
// 1 == v is greater than o
//
// A prerelease sorts below the corresponding release. Prerelease
// identifiers compare left to right: numeric identifiers compare
// numerically and sort below non-numeric ones; otherwise ASCII order.
func Compare(v, o Version) int {
	if cmp := compareUint64(v.Major, o.Major); cmp != 0 {
		return cmp
	}
	if cmp := compareUint64(v.Minor, o.Minor); cmp != 0 {
		return cmp
	}
	if cmp := compareUint64(v.Patch, o.Patch); cmp != 0 {
		return cmp
	}

	switch {
	case len(v.Pre) == 0 && len(o.Pre) == 0:
		return 0
	case len(v.Pre) == 0:
		return 1
	case len(o.Pre) == 0:
		return -1
	}

	n := min(len(v.Pre), len(o.Pre))
	for i := 0; i < n; i++ {
		if cmp := comparePreIdentifier(v.Pre[i], o.Pre[i]); cmp != 0 {
			return cmp
		}
	}
	return compareUint64(uint64(len(v.Pre)), uint64(len(o.Pre)))
}

// GreaterThan reports whether v sorts above o.
func GreaterThan(v, o Version) bool { return Compare(v, o) == 1 }

// Equal reports whether v and o denote the same version.
func Equal(v, o Version) bool { return Compare(v, o) == 0 }

func comparePreIdentifier(a, b string) int {
	aNum, bNum := isNumeric(a), isNumeric(b)
	switch {
	case aNum && bNum:
		ai, _ := strconv.ParseUint(a, 10, 64)
		bi, _ := strconv.ParseUint(b, 10, 64)
		return compareUint64(ai, bi)
	case aNum:
		return -1
	case bNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

func containsOnly(s string, set string) bool {
	for _, c := range s {
		if !strings.ContainsRune(set, c) {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool { return containsOnly(s, numbers) }

func hasLeadingZeroes(s string) bool {
	return len(s) > 1 && s[0] == '0'
}

func parseNumeric(s, field string) (uint64, error) {
	if len(s) == 0 || !isNumeric(s) {
		return 0, fmt.Errorf("invalid character(s) in %s number %q", field, s)
	}
	if hasLeadingZeroes(s) {
		return 0, fmt.Errorf("%s must not have leading zeroes: %q", field, s)
	}
	return strconv.ParseUint(s, 10, 64)
}
