package manifest

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// LoadtabEntry is one internal-repository line from loadtab (spec §4.1).
// Format, confirmed against original_source/load/load.cxx:
//
//	<remote-repository-location> <display-name> cache:<local-location> [fingerprint:<fp>] [buildable:(yes|no)]
//
// Fields are tab-separated; the first two are positional, the rest are
// colon-prefixed options in any order.
type LoadtabEntry struct {
	Location      string
	DisplayName   string
	CacheLocation string
	Fingerprint   *string
	Buildable     bool

	Line int
}

// ParseLoadtab reads a loadtab file from r.
func ParseLoadtab(r io.Reader) ([]LoadtabEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []LoadtabEntry
	lineNo := 0
	seen := map[string]bool{}

	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("loadtab:%d: expected at least location and display name", lineNo)
		}

		e := LoadtabEntry{Location: strings.TrimSpace(fields[0]), Line: lineNo}
		if seen[e.Location] {
			return nil, fmt.Errorf("loadtab:%d: duplicate canonical name for %q", lineNo, e.Location)
		}
		seen[e.Location] = true

		e.DisplayName = strings.TrimSpace(fields[1])
		if e.DisplayName == "" {
			return nil, fmt.Errorf("loadtab:%d: no display name found", lineNo)
		}

		for _, f := range fields[2:] {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			switch {
			case strings.HasPrefix(f, "cache:"):
				if e.CacheLocation != "" {
					return nil, fmt.Errorf("loadtab:%d: cache option redefinition", lineNo)
				}
				e.CacheLocation = strings.TrimPrefix(f, "cache:")
			case strings.HasPrefix(f, "fingerprint:"):
				if e.Fingerprint != nil {
					return nil, fmt.Errorf("loadtab:%d: fingerprint option redefinition", lineNo)
				}
				fp := strings.TrimPrefix(f, "fingerprint:")
				e.Fingerprint = &fp
			case strings.HasPrefix(f, "buildable:"):
				v := strings.TrimPrefix(f, "buildable:")
				if v != "yes" && v != "no" {
					return nil, fmt.Errorf("loadtab:%d: invalid buildable option value %q", lineNo, v)
				}
				e.Buildable = v == "yes"
			default:
				return nil, fmt.Errorf("loadtab:%d: invalid option %q", lineNo, f)
			}
		}

		if e.CacheLocation == "" {
			return nil, fmt.Errorf("loadtab:%d: no cache option found", lineNo)
		}

		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read loadtab: %w", err)
	}
	return out, nil
}
