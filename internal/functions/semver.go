package functions

import (
	"strings"

	"golang.org/x/mod/semver"
)

// canonicalVersion returns the version in the form "v1.2.3[-pre]" used for
// comparison, and whether it is a full MAJOR.MINOR.PATCH semantic version.
// Build metadata is not allowed since it carries no precedence.
func canonicalVersion(v string) (string, bool) {
	if v == "" || strings.Contains(v, "+") {
		return "", false
	}
	sv := "v" + strings.TrimPrefix(v, "v")
	if !semver.IsValid(sv) {
		return "", false
	}
	// Canonical expands shorthand like v1 or v1.2; reject those.
	if semver.Canonical(sv) != sv {
		return "", false
	}
	return sv, true
}

// NormalizeVersion strips a leading "v" from a valid version.
func NormalizeVersion(v string) (string, bool) {
	sv, ok := canonicalVersion(v)
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(sv, "v"), true
}

// CompareVersions orders two valid versions by semantic-version precedence.
// Invalid versions sort before valid ones.
func CompareVersions(a, b string) int {
	sa, _ := canonicalVersion(a)
	sb, _ := canonicalVersion(b)
	return semver.Compare(sa, sb)
}
