package manifest

import (
	"strings"
	"testing"
)

func TestParseAllSplitsOnBlankLines(t *testing.T) {
	input := "name: foo\nversion: 1.0\n\nname: bar\nversion: 2.0\n"
	docs, err := ParseAll(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if v, _ := docs[0].Get("name"); v != "foo" {
		t.Fatalf("doc[0].name = %q, want foo", v)
	}
	if v, _ := docs[1].Get("version"); v != "2.0" {
		t.Fatalf("doc[1].version = %q, want 2.0", v)
	}
}

func TestParseAllContinuationLines(t *testing.T) {
	input := "description: first line\n second line\n"
	docs, err := ParseAll(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v, ok := docs[0].Get("description")
	if !ok {
		t.Fatal("expected description field")
	}
	if v != "first line\nsecond line" {
		t.Fatalf("description = %q", v)
	}
}

func TestParseLoadtabBasic(t *testing.T) {
	input := "https://example.org/repo\tExample Repo\tcache:/var/cache/repo\tbuildable:yes\n"
	entries, err := ParseLoadtab(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse loadtab: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Location != "https://example.org/repo" || e.DisplayName != "Example Repo" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.CacheLocation != "/var/cache/repo" || !e.Buildable {
		t.Fatalf("unexpected options: %+v", e)
	}
}

func TestParseLoadtabRejectsMissingCache(t *testing.T) {
	input := "https://example.org/repo\tExample Repo\n"
	if _, err := ParseLoadtab(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for missing cache option")
	}
}

func TestParseLoadtabRejectsDuplicateLocation(t *testing.T) {
	input := "https://example.org/repo\tA\tcache:/a\n" +
		"https://example.org/repo\tB\tcache:/b\n"
	if _, err := ParseLoadtab(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for duplicate canonical name")
	}
}

func TestParsePackagesMinimal(t *testing.T) {
	input := "name: libfoo\nversion: 1.2.3\nsummary: a library\ndepends: libbar >= 1.0\n"
	pkgs, err := ParsePackages(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse packages: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected 1 package, got %d", len(pkgs))
	}
	p := pkgs[0]
	if p.ID.Name != "libfoo" || p.ID.CanonicalVersion.String() != "1.2.3" {
		t.Fatalf("unexpected package id: %+v", p.ID)
	}
	if !p.Buildable {
		t.Fatal("expected non-stub package to be buildable")
	}
	if len(p.Dependencies) != 1 || len(p.Dependencies[0].Alternatives) != 1 {
		t.Fatalf("unexpected dependency shape: %+v", p.Dependencies)
	}
	dep := p.Dependencies[0].Alternatives[0].Dependencies[0]
	if dep.Name != "libbar" || dep.Constraint == nil || dep.Constraint.Comparator != ">=" {
		t.Fatalf("unexpected dependency: %+v", dep)
	}
}

func TestParseTaskRequestParsesMachine(t *testing.T) {
	input := "agent: agent-1\ntoolchain-name: gcc\ntoolchain-version: 13\n" +
		"machine: name:x86_64-linux,role:build,summary:fast box\n"
	req, err := ParseTaskRequest(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse task-request: %v", err)
	}
	if req.Agent != "agent-1" || len(req.Machines) != 1 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Machines[0].Role != "build" {
		t.Fatalf("unexpected machine role: %+v", req.Machines[0])
	}
}

func TestParseResultRequestValidatesStatus(t *testing.T) {
	input := "session: t/p/1.0/x/y/z/gcc/13\nresult-name: libfoo\nresult-version: 1.0\nresult-status: bogus\n"
	if _, err := ParseResultRequest(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestParseCISubmissionRequiresTimestamp(t *testing.T) {
	input := "id: abc\nrepository: https://example.org/r\npackage: libfoo\n"
	if _, err := ParseCISubmission(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for missing timestamp")
	}
}
