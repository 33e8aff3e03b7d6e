package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a package version in the build2-style
// "[epoch:]upstream[-release][+revision]" form.
//
// Ordering is by (Epoch, CanonicalUpstream, CanonicalRelease, Revision).
// Release absent ("final") sorts after every present release for the same
// upstream; an absent Revision and a Revision of 0 compare equal even
// though the textual form retains the distinction.
type Version struct {
	Epoch    uint16
	Upstream string
	Release  *string
	Revision *uint16

	canonicalUpstream string
	canonicalRelease  string
}

// ParseVersion parses a version string. It does not resolve constraints.
func ParseVersion(text string) (Version, error) {
	rest := text

	var epoch uint16
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		n, err := strconv.ParseUint(rest[:i], 10, 16)
		if err != nil {
			return Version{}, fmt.Errorf("parse version %q: invalid epoch: %w", text, err)
		}
		epoch = uint16(n)
		rest = rest[i+1:]
	}

	var revision *uint16
	if i := strings.LastIndexByte(rest, '+'); i >= 0 {
		n, err := strconv.ParseUint(rest[i+1:], 10, 16)
		if err != nil {
			return Version{}, fmt.Errorf("parse version %q: invalid revision: %w", text, err)
		}
		r := uint16(n)
		revision = &r
		rest = rest[:i]
	}

	var release *string
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		r := rest[i+1:]
		release = &r
		rest = rest[:i]
	}

	if rest == "" {
		return Version{}, fmt.Errorf("parse version %q: empty upstream", text)
	}

	v := Version{
		Epoch:    epoch,
		Upstream: rest,
		Release:  release,
		Revision: revision,
	}
	v.canonicalUpstream = canonicalize(rest)
	if release != nil {
		v.canonicalRelease = canonicalize(*release)
	}
	return v, nil
}

// String renders the version back to its textual form.
func (v Version) String() string {
	var b strings.Builder
	if v.Epoch != 0 {
		fmt.Fprintf(&b, "%d:", v.Epoch)
	}
	b.WriteString(v.Upstream)
	if v.Release != nil {
		b.WriteByte('-')
		b.WriteString(*v.Release)
	}
	if v.Revision != nil {
		fmt.Fprintf(&b, "+%d", *v.Revision)
	}
	return b.String()
}

func (v Version) revision() uint16 {
	if v.Revision == nil {
		return 0
	}
	return *v.Revision
}

// CanonicalEqual reports whether two versions share the same
// (epoch, canonical_upstream, canonical_release, revision) identity — the
// basis for the (tenant, name, canonical_version) composite id. An absent
// and a zero revision are identical under this comparison.
func (v Version) CanonicalEqual(o Version) bool {
	return v.Epoch == o.Epoch &&
		v.canonicalUpstream == o.canonicalUpstream &&
		v.canonicalRelease == o.canonicalRelease &&
		(v.Release == nil) == (o.Release == nil) &&
		v.revision() == o.revision()
}

// Compare implements the total order described in spec §8 "Version
// ordering": for all x, y, z, Compare is a total order, and two versions
// with equal (epoch, canonical_upstream, canonical_release, revision)
// compare equal even when one has an absent and the other a zero revision.
func Compare(a, b Version) int {
	if a.Epoch != b.Epoch {
		return cmpUint(a.Epoch, b.Epoch)
	}
	if c := compareCanonical(a.canonicalUpstream, b.canonicalUpstream); c != 0 {
		return c
	}

	// Absent release ("final") sorts after any present release.
	switch {
	case a.Release == nil && b.Release == nil:
		// fall through to revision
	case a.Release == nil:
		return 1
	case b.Release == nil:
		return -1
	default:
		if c := compareCanonical(a.canonicalRelease, b.canonicalRelease); c != 0 {
			return c
		}
	}

	return cmpUint(a.revision(), b.revision())
}

// Less reports whether a sorts strictly before b.
func Less(a, b Version) bool { return Compare(a, b) < 0 }

func cmpUint[T ~uint16](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// canonicalize normalizes a version component for comparison: it splits on
// run boundaries between digits and non-digits and zero-pads numeric runs
// so that, e.g., "9" sorts before "10". Non-numeric runs compare
// lexicographically. This mirrors the observable behavior of build2's
// canonical version string (numeric-aware component comparison) without
// reproducing its full internal representation.
func canonicalize(s string) string {
	var b strings.Builder
	runes := []rune(strings.ToLower(s))
	i := 0
	for i < len(runes) {
		if runes[i] >= '0' && runes[i] <= '9' {
			j := i
			for j < len(runes) && runes[j] >= '0' && runes[j] <= '9' {
				j++
			}
			digits := strings.TrimLeft(string(runes[i:j]), "0")
			if digits == "" {
				digits = "0"
			}
			fmt.Fprintf(&b, "#%020s", digits)
			i = j
			continue
		}
		b.WriteRune(runes[i])
		i++
	}
	return b.String()
}

func compareCanonical(a, b string) int {
	return strings.Compare(a, b)
}
