package manifest

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/repoforge/brepd/internal/model"
)

// ParsePackages reads a packages.manifest document: a sequence of
// per-package manifests (spec §4.1, original_source/load/load.cxx).
// Fields not recognized here are ignored rather than rejected, matching
// the loader's "forbid_incomplete_values" leniency for optional fields.
func ParsePackages(r io.Reader) ([]model.Package, error) {
	docs, err := ParseAll(r)
	if err != nil {
		return nil, err
	}
	pkgs := make([]model.Package, 0, len(docs))
	for i, doc := range docs {
		p, err := packageFromManifest(doc)
		if err != nil {
			return nil, fmt.Errorf("package %d: %w", i+1, err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}

func packageFromManifest(m Manifest) (model.Package, error) {
	var p model.Package

	name, ok := m.Get("name")
	if !ok || name == "" {
		return p, fmt.Errorf("missing name")
	}
	p.ID.Name = name

	versionText, ok := m.Get("version")
	if !ok || versionText == "" {
		return p, fmt.Errorf("missing version")
	}
	v, err := model.ParseVersion(versionText)
	if err != nil {
		return p, err
	}
	p.ID.CanonicalVersion = v

	if upstream, ok := m.Get("upstream-version"); ok {
		p.UpstreamVersion = &upstream
	}
	if project, ok := m.Get("project"); ok {
		p.Project = project
	} else {
		p.Project = name
	}
	if summary, ok := m.Get("summary"); ok {
		p.Summary = summary
	}
	for _, lic := range m.All("license") {
		p.LicenseAlternatives = append(p.LicenseAlternatives, splitAlternatives(lic))
	}
	if topics, ok := m.Get("topics"); ok {
		p.Topics = splitList(topics)
	}
	for _, kw := range m.All("keywords") {
		p.Keywords = append(p.Keywords, splitList(kw)...)
	}
	if desc, ok := m.Get("description"); ok {
		p.Description = &desc
	}
	if changes, ok := m.Get("changes"); ok {
		p.Changes = &changes
	}

	p.URLs = map[string]string{}
	if url, ok := m.Get("url"); ok {
		p.URLs["package"] = url
	}
	if doc, ok := m.Get("doc-url"); ok {
		p.URLs["doc"] = doc
	}
	if src, ok := m.Get("src-url"); ok {
		p.URLs["src"] = src
	}

	if email, ok := m.Get("email"); ok {
		p.Emails.Build = &email
	}
	if email, ok := m.Get("build-email"); ok {
		p.Emails.Build = &email
	}
	if email, ok := m.Get("build-warning-email"); ok {
		p.Emails.Warning = &email
	}
	if email, ok := m.Get("build-error-email"); ok {
		p.Emails.Error = &email
	}

	deps, err := parseDependencyGroups(m.All("depends"))
	if err != nil {
		return p, err
	}
	p.Dependencies = deps

	reqs, err := parseDependencyGroups(m.All("requires"))
	if err != nil {
		return p, err
	}
	p.Requirements = reqs

	tests, err := parseDependencyGroups(m.All("tests"))
	if err != nil {
		return p, err
	}
	p.Tests = tests

	p.Builds = m.All("builds")
	p.BuildConstraints = m.All("build-include")
	p.BuildConstraints = append(p.BuildConstraints, prefixed(m.All("build-exclude"), "!")...)
	p.BuildAuxiliaries = m.All("build-auxiliary")
	p.BuildBotKeys = m.All("build-bot-trust")

	if location, ok := m.Get("location"); ok {
		p.Location = &location
	}
	if fragment, ok := m.Get("fragment"); ok {
		p.Fragment = &fragment
	}
	if sum, ok := m.Get("sha256sum"); ok {
		p.SHA256Sum = &sum
	}

	if stub, ok := m.Get("stub"); ok && stub == "true" {
		reason := model.UnbuildableStub
		p.UnbuildableReason = &reason
	} else {
		p.Buildable = true
	}

	return p, nil
}

func prefixed(values []string, prefix string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = prefix + v
	}
	return out
}

// splitAlternatives splits a "license1 OR license2" license field into its
// alternatives.
func splitAlternatives(s string) []string {
	parts := strings.Split(s, " OR ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitList(s string) []string {
	fields := strings.Fields(s)
	return fields
}

// parseDependencyGroups parses a sequence of raw "depends" field values,
// each of the form "name1 | name2 [comparator version]", into
// model.DependencyGroup values. A leading '?' marks a conditional group
// (spec §3, §4.1, §9).
func parseDependencyGroups(raw []string) ([]model.DependencyGroup, error) {
	groups := make([]model.DependencyGroup, 0, len(raw))
	for _, line := range raw {
		conditional := false
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "?") {
			conditional = true
			line = strings.TrimSpace(line[1:])
		}
		group := model.DependencyGroup{Conditional: conditional}
		for _, at := range strings.Split(line, "|") {
			dep, err := parseDependency(strings.TrimSpace(at))
			if err != nil {
				return nil, err
			}
			group.Alternatives = append(group.Alternatives, model.DependencyAlternative{
				Dependencies: []model.Dependency{dep},
			})
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func parseDependency(s string) (model.Dependency, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return model.Dependency{}, fmt.Errorf("empty dependency")
	}
	dep := model.Dependency{Name: fields[0]}
	if len(fields) >= 3 {
		comparator := fields[1]
		v, err := model.ParseVersion(fields[2])
		if err != nil {
			return model.Dependency{}, fmt.Errorf("dependency %q: %w", s, err)
		}
		dep.Constraint = &model.DependencyConstraint{Comparator: comparator, Version: v}
	}
	return dep, nil
}

// parseRAMMinimum parses a "N(G|M)" auxiliary-machine RAM requirement into
// bytes, returning nil if s is empty.
func parseRAMMinimum(s string) (*uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "M")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RAM minimum %q: %w", s, err)
	}
	v := n * mult
	return &v, nil
}
