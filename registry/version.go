package registry

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// VersionRange is a parsed version range. The syntax follows the interval
// notation commonly used for module manifests:
//
//	""               any version
//	"1.2.0"          1.2.0 or later
//	"[1.0,2.0)"      1.0 inclusive up to 2.0 exclusive
//	"(1.0,2.0]"      above 1.0 up to 2.0 inclusive
type VersionRange struct {
	min, max         string
	minIncl, maxIncl bool
	unbounded        bool
}

// ParseVersionRange parses expr into a VersionRange.
func ParseVersionRange(expr string) (VersionRange, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return VersionRange{unbounded: true}, nil
	}

	first, last := expr[0], expr[len(expr)-1]
	if first != '[' && first != '(' {
		v, err := canonicalVersion(expr)
		if err != nil {
			return VersionRange{}, err
		}
		return VersionRange{min: v, minIncl: true}, nil
	}
	if last != ']' && last != ')' {
		return VersionRange{}, fmt.Errorf("%w: %q: missing closing bracket", ErrInvalidVersionRange, expr)
	}

	parts := strings.Split(expr[1:len(expr)-1], ",")
	if len(parts) != 2 {
		return VersionRange{}, fmt.Errorf("%w: %q: expected two bounds", ErrInvalidVersionRange, expr)
	}
	lo, err := canonicalVersion(parts[0])
	if err != nil {
		return VersionRange{}, err
	}
	hi, err := canonicalVersion(parts[1])
	if err != nil {
		return VersionRange{}, err
	}
	if semver.Compare(lo, hi) > 0 {
		return VersionRange{}, fmt.Errorf("%w: %q: lower bound above upper bound", ErrInvalidVersionRange, expr)
	}
	return VersionRange{
		min:     lo,
		max:     hi,
		minIncl: first == '[',
		maxIncl: last == ']',
	}, nil
}

// Includes reports whether version lies inside the range.
func (r VersionRange) Includes(version string) bool {
	if r.unbounded {
		return true
	}
	v, err := canonicalVersion(version)
	if err != nil {
		return false
	}
	if c := semver.Compare(v, r.min); c < 0 || (c == 0 && !r.minIncl) {
		return false
	}
	if r.max == "" {
		return true
	}
	c := semver.Compare(v, r.max)
	return c < 0 || (c == 0 && r.maxIncl)
}

// compareVersions orders two artifact versions.
func compareVersions(a, b string) int {
	ca, errA := canonicalVersion(a)
	cb, errB := canonicalVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return semver.Compare(ca, cb)
}

func canonicalVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: empty version", ErrInvalidVersionRange)
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("%w: %q is not a semantic version", ErrInvalidVersionRange, v)
	}
	return semver.Canonical(v), nil
}
