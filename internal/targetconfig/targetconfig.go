// Package targetconfig models the build-target configuration table loaded
// from config.BuildConfig (spec §6 "Build-config table"), and the
// class-inheritance predicate the scheduler and loader both query to
// decide whether a package's build-include/build-exclude constraint
// matches a configuration (spec §9 Design Notes: "Deep inheritance in the
// source build-config model maps to a sum type build_target_config{…} plus
// an interface-style belongs(config, class) predicate").
package targetconfig

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Kind discriminates the two shapes a target configuration can take: a
// concrete (target, config-name) pair the scheduler can dispatch work
// to, or an auxiliary-machine environment pattern resolved only when a
// build requests an auxiliary machine (spec §4.2 "Auxiliary machine
// resolution").
type Kind string

const (
	KindBuild     Kind = "build"
	KindAuxiliary Kind = "auxiliary"
)

// Config is one entry of the build-config table: a sum type over the two
// Kinds, carrying only the fields relevant to its kind.
type Config struct {
	Kind Kind
	Name string

	// Build-kind fields.
	Target  string
	Args    string
	Classes []string // e.g. "default", "host", "cross", plus operator-defined classes

	// Auxiliary-kind fields.
	EnvironmentPattern string // e.g. "windows-*"
}

// Table is the parsed build-config file: an ordered list of configs plus
// the class-inheritance adjacency derived from each config's declared
// classes.
type Table struct {
	Configs []Config

	// classParents maps a class name to the classes it directly inherits
	// from, e.g. "cross" -> ["default"].
	classParents map[string][]string
}

// Parse reads a build-config table. Format, one entry per line:
//
//	<name> target:<target> [class:<c1>,<c2>,...] args:<args>
//	<name> env:<pattern>
//
// This is brepd's own config-table syntax (no build2-manifest analogue),
// kept deliberately simple: whitespace-separated key:value fields, one
// config per line, '#' line comments.
func Parse(r io.Reader) (*Table, error) {
	sc := bufio.NewScanner(r)
	t := &Table{classParents: map[string][]string{}}
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("build-config:%d: %w", lineNo, err)
		}
		t.Configs = append(t.Configs, cfg)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	t.indexClasses()
	return t, nil
}

func parseLine(line string) (Config, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Config{}, fmt.Errorf("expected \"<name> <kind-fields>...\"")
	}
	cfg := Config{Name: fields[0]}
	for _, f := range fields[1:] {
		i := strings.IndexByte(f, ':')
		if i < 0 {
			return Config{}, fmt.Errorf("invalid field %q", f)
		}
		key, val := f[:i], f[i+1:]
		switch key {
		case "target":
			cfg.Kind = KindBuild
			cfg.Target = val
		case "class":
			cfg.Classes = strings.Split(val, ",")
		case "args":
			cfg.Args = val
		case "env":
			cfg.Kind = KindAuxiliary
			cfg.EnvironmentPattern = val
		default:
			return Config{}, fmt.Errorf("unknown field %q", key)
		}
	}
	if cfg.Kind == "" {
		return Config{}, fmt.Errorf("config %q declares neither target: nor env:", cfg.Name)
	}
	return cfg, nil
}

// builtinClassParents mirrors build2's default class hierarchy: every
// class implicitly belongs to "all", and "host"/"cross"/"independent"
// refine "default" (original_source/load/load.cxx build-class handling).
var builtinClassParents = map[string][]string{
	"default": {"all"},
	"host":    {"default"},
	"cross":   {"default"},
}

func (t *Table) indexClasses() {
	for class, parents := range builtinClassParents {
		t.classParents[class] = parents
	}
	for _, c := range t.Configs {
		for _, class := range c.Classes {
			if _, ok := t.classParents[class]; !ok {
				t.classParents[class] = []string{"default"}
			}
		}
	}
}

// Belongs reports whether config (by name) belongs to class, directly or
// through the class-inheritance chain — the "belongs(config, class)"
// predicate spec §9 calls for.
func (t *Table) Belongs(configName, class string) bool {
	var cfg *Config
	for i := range t.Configs {
		if t.Configs[i].Name == configName {
			cfg = &t.Configs[i]
			break
		}
	}
	if cfg == nil {
		return false
	}
	if class == "all" {
		return true
	}
	for _, c := range cfg.Classes {
		if t.classInherits(c, class) {
			return true
		}
	}
	return false
}

func (t *Table) classInherits(class, target string) bool {
	if class == target {
		return true
	}
	seen := map[string]bool{}
	var walk func(string) bool
	walk = func(c string) bool {
		if seen[c] {
			return false
		}
		seen[c] = true
		if c == target {
			return true
		}
		for _, p := range t.classParents[c] {
			if walk(p) {
				return true
			}
		}
		return false
	}
	return walk(class)
}

// BuildConfigs returns every KindBuild config, in file order.
func (t *Table) BuildConfigs() []Config {
	var out []Config
	for _, c := range t.Configs {
		if c.Kind == KindBuild {
			out = append(out, c)
		}
	}
	return out
}

// AuxiliaryConfigs returns every KindAuxiliary config, in file order.
func (t *Table) AuxiliaryConfigs() []Config {
	var out []Config
	for _, c := range t.Configs {
		if c.Kind == KindAuxiliary {
			out = append(out, c)
		}
	}
	return out
}

// Matches reports whether configName satisfies a package's
// build-include/build-exclude constraint list (spec §3 "BuildConstraints"):
// constraints are evaluated left to right, the last matching one wins, and
// an unmatched package defaults to included. A constraint of the form
// "!<class-or-config>" is an exclude; inclusion matches a bare class or
// config name, or "*" for "everything".
func (t *Table) Matches(configName string, constraints []string) bool {
	included := true
	for _, c := range constraints {
		exclude := strings.HasPrefix(c, "!")
		target := strings.TrimPrefix(c, "!")
		if target == "*" || target == configName || t.Belongs(configName, target) {
			included = !exclude
		}
	}
	return included
}
