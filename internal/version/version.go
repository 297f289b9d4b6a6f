// Package version implements parsing, comparison, and range matching for
// tool versions. It wraps Masterminds semver with the small surface the
// cache needs: parse a version string, test it against a range specifier,
// and pick the best candidate from a set.
//
// Supported range forms:
//   - exact: "1.2.3" (also partial forms like "18", which match 18.x.x)
//   - caret: "^1.2.3" (same major, at least the given minor.patch)
//   - tilde: "~1.2.3" (same major.minor, at least the given patch)
//   - comparator chains: ">=1.2.0 <2.0.0" (conjunctive)
//   - wildcard: "*" or the empty string (any released version)
//
// Pre-release versions order strictly before the same numeric triple
// without a tag, and are only matched when the range itself names a
// pre-release.
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Sentinel errors for version handling failures.
var (
	// ErrInvalid indicates that a version string does not conform to a
	// dotted numeric form with an optional pre-release suffix.
	ErrInvalid = errors.New("invalid version string")

	// ErrInvalidRange indicates that a range specifier could not be parsed.
	ErrInvalidRange = errors.New("invalid version range")
)

// Wildcard is the range specifier that matches every released version.
const Wildcard = "*"

// Parse parses a version string into a semver version.
// Partial forms ("18", "18.4") are coerced to a full triple. A leading "v"
// is tolerated but never appears in normalized output.
func Parse(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return v, nil
}

// Normalize returns the canonical dotted form of a version string, suitable
// for use as a cache directory name (no leading "v", no range operators).
func Normalize(s string) (string, error) {
	v, err := Parse(s)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// IsExact reports whether a range specifier names a single concrete version
// rather than a range. When it does, the normalized version string is
// returned alongside.
func IsExact(rangeSpec string) (string, bool) {
	spec := strings.TrimSpace(rangeSpec)
	if spec == "" || spec == Wildcard {
		return "", false
	}
	if strings.ContainsAny(spec, "^~<>=| ") || strings.Contains(spec, ".x") || strings.Contains(spec, ".*") {
		return "", false
	}
	v, err := semver.StrictNewVersion(strings.TrimPrefix(spec, "v"))
	if err != nil {
		return "", false
	}
	return v.String(), true
}

// newConstraint parses a range specifier, mapping the empty string to the
// wildcard form.
func newConstraint(rangeSpec string) (*semver.Constraints, error) {
	spec := strings.TrimSpace(rangeSpec)
	if spec == "" {
		spec = Wildcard
	}
	c, err := semver.NewConstraint(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, rangeSpec)
	}
	return c, nil
}

// Satisfies reports whether a version satisfies a range specifier.
// It is a pure function: the same inputs always produce the same result.
func Satisfies(v *semver.Version, rangeSpec string) (bool, error) {
	c, err := newConstraint(rangeSpec)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

// Best returns the maximum version among candidates that satisfies the
// range specifier, or nil when none does. Candidates are never mutated.
// Equal candidates cannot occur when callers draw them from distinct cache
// slots; if they do, the later one wins.
func Best(candidates []*semver.Version, rangeSpec string) (*semver.Version, error) {
	c, err := newConstraint(rangeSpec)
	if err != nil {
		return nil, err
	}

	var best *semver.Version
	for _, v := range candidates {
		if v == nil || !c.Check(v) {
			continue
		}
		if best == nil || !v.LessThan(best) {
			best = v
		}
	}
	return best, nil
}
