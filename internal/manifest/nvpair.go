// Package manifest parses the build2-style manifest formats brepd reads
// from disk: loadtab, packages.manifest, and repositories.manifest. These
// are bespoke tab-separated / name-value text formats with no existing
// third-party parser in the example pack (see DESIGN.md) — this is the
// one stdlib-only parsing layer in the port.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// NameValue is a single "name: value" pair within a manifest.
type NameValue struct {
	Name  string
	Value string
	Line  int
}

// Manifest is an ordered sequence of name/value pairs terminated by a
// blank line or end of input. A file may hold several manifests back to
// back (packages.manifest is a concatenation of per-package manifests),
// each separated by exactly one blank line.
type Manifest []NameValue

// Get returns the value of the first pair named name, or ok=false.
func (m Manifest) Get(name string) (string, bool) {
	for _, nv := range m {
		if nv.Name == name {
			return nv.Value, true
		}
	}
	return "", false
}

// All returns every value for pairs named name, in file order — used for
// repeated fields like "depends" or "build-include".
func (m Manifest) All(name string) []string {
	var out []string
	for _, nv := range m {
		if nv.Name == name {
			out = append(out, nv.Value)
		}
	}
	return out
}

// ParseAll reads every manifest in r, in order. Blank lines separate
// manifests; leading, repeated or trailing blank lines never produce an
// empty manifest.
func ParseAll(r io.Reader) ([]Manifest, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var manifests []Manifest
	var current Manifest
	var pending *NameValue // value being accumulated across continuation lines
	lineNo := 0

	flushPending := func() {
		if pending != nil {
			current = append(current, *pending)
			pending = nil
		}
	}
	flushManifest := func() {
		flushPending()
		if len(current) > 0 {
			manifests = append(manifests, current)
			current = nil
		}
	}

	for sc.Scan() {
		lineNo++
		line := sc.Text()

		if strings.TrimSpace(line) == "" {
			flushManifest()
			continue
		}

		// A line starting with whitespace continues the previous value,
		// build2-manifest style, with the continuation's own surrounding
		// whitespace trimmed and a newline joining the lines.
		if (line[0] == ' ' || line[0] == '\t') && pending != nil {
			pending.Value += "\n" + strings.TrimSpace(line)
			continue
		}

		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		flushPending()

		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, fmt.Errorf("manifest:%d: expected \"name: value\", got %q", lineNo, line)
		}
		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if name == "" {
			return nil, fmt.Errorf("manifest:%d: empty field name", lineNo)
		}
		pending = &NameValue{Name: name, Value: value, Line: lineNo}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	flushManifest()
	return manifests, nil
}

// ParseOne reads exactly one manifest from r, erroring if more than one is
// present. Used for single-document formats like repositories.manifest's
// per-repository entries when read one at a time by the caller.
func ParseOne(r io.Reader) (Manifest, error) {
	all, err := ParseAll(r)
	if err != nil {
		return nil, err
	}
	switch len(all) {
	case 0:
		return nil, nil
	case 1:
		return all[0], nil
	default:
		return nil, fmt.Errorf("expected a single manifest, found %d", len(all))
	}
}
