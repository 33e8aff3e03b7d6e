package buildtask

import (
	"strings"
	"testing"
	"time"

	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/targetconfig"
)

func emptyTargetTable(t *testing.T) *targetconfig.Table {
	t.Helper()
	tbl, err := targetconfig.Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("targetconfig.Parse: %v", err)
	}
	return tbl
}

func TestSplitMachinesByRole(t *testing.T) {
	offered := []manifest.MachineOffer{
		{Name: "x86_64-linux", Role: "build"},
		{Name: "windows-vm-1", Role: "auxiliary"},
		{Name: "x86_64-freebsd", Role: "build"},
	}
	build, aux := splitMachines(offered)
	if len(build) != 2 || len(aux) != 1 {
		t.Fatalf("splitMachines: got %d build, %d aux; want 2, 1", len(build), len(aux))
	}
	if aux[0].Name != "windows-vm-1" {
		t.Fatalf("aux[0] = %q, want windows-vm-1", aux[0].Name)
	}
}

func TestAuxEnvironmentNameStripsFirstComponent(t *testing.T) {
	cases := map[string]string{
		"windows-vm-1":  "vm-1",
		"x86_64-fedora": "fedora",
		"solo":          "solo",
	}
	for in, want := range cases {
		if got := auxEnvironmentName(in); got != want {
			t.Fatalf("auxEnvironmentName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSortRebuildCandidatesPrioritizesForceThenStatusThenAge(t *testing.T) {
	older := time.Unix(1000, 0)
	newer := time.Unix(2000, 0)
	success := model.StatusSuccess
	errorStatus := model.StatusError

	cs := []candidate{
		{build: model.Build{Force: model.ForceUnforced, Status: &success, SoftTimestamp: newer}},
		{build: model.Build{Force: model.ForceForced, Status: &success, SoftTimestamp: newer}},
		{build: model.Build{Force: model.ForceUnforced, Status: &errorStatus, SoftTimestamp: older}},
	}
	sortRebuildCandidates(cs)

	if cs[0].build.Force != model.ForceForced {
		t.Fatalf("expected forced candidate first, got %+v", cs[0].build)
	}
	if cs[1].build.Status == nil || *cs[1].build.Status != model.StatusError {
		t.Fatalf("expected worse-status candidate second, got %+v", cs[1].build)
	}
	if cs[2].build.SoftTimestamp != newer || cs[2].build.Force != model.ForceUnforced {
		t.Fatalf("expected newest success candidate last, got %+v", cs[2].build)
	}
}

func TestResolveAuxiliariesSharesMachinePerEnvironment(t *testing.T) {
	p := model.Package{BuildAuxiliaries: []string{"windows-*", "windows-*"}}
	offered := []manifest.MachineOffer{{Name: "windows-vm-1", Role: "auxiliary"}}

	picked, ok := resolveAuxiliaries(p, offered, emptyTargetTable(t), 9)
	if !ok {
		t.Fatal("resolveAuxiliaries: expected success")
	}
	if len(picked) != 2 {
		t.Fatalf("resolveAuxiliaries: got %d machines, want 2", len(picked))
	}
	if picked[0].Name != picked[1].Name {
		t.Fatalf("same environment name must resolve to the same machine: %q != %q", picked[0].Name, picked[1].Name)
	}
}

func TestResolveAuxiliariesFailsWhenNoMachineMatches(t *testing.T) {
	p := model.Package{BuildAuxiliaries: []string{"macos-*"}}
	offered := []manifest.MachineOffer{{Name: "windows-vm-1", Role: "auxiliary"}}

	if _, ok := resolveAuxiliaries(p, offered, emptyTargetTable(t), 9); ok {
		t.Fatal("resolveAuxiliaries: expected failure when no offered machine matches the pattern")
	}
}

func TestResolveAuxiliariesFailsOverLimit(t *testing.T) {
	p := model.Package{BuildAuxiliaries: []string{"a-*", "b-*", "c-*"}}
	offered := []manifest.MachineOffer{
		{Name: "a-1", Role: "auxiliary"},
		{Name: "b-1", Role: "auxiliary"},
		{Name: "c-1", Role: "auxiliary"},
	}
	if _, ok := resolveAuxiliaries(p, offered, emptyTargetTable(t), 2); ok {
		t.Fatal("resolveAuxiliaries: expected failure once the configured limit is exceeded")
	}
}
