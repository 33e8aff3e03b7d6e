package buildtask

import (
	"testing"
	"time"

	"github.com/repoforge/brepd/internal/model"
)

func TestBuildSessionRoundTrip(t *testing.T) {
	id := model.BuildID{
		Package: model.PackageID{
			Tenant:           "acme",
			Name:             "libhello",
			CanonicalVersion: mustParseVersion(t, "1.2.0"),
		},
		Target:            "x86_64-linux-gnu",
		TargetConfigName:  "default",
		PackageConfigName: "default",
		ToolchainName:     "gcc",
		ToolchainVersion:  "13.2.0",
	}
	ts := time.Unix(0, 1700000000123456789)

	session := BuildSession(id, ts)
	gotID, gotTS, err := ParseSession(session)
	if err != nil {
		t.Fatalf("ParseSession: %v", err)
	}
	if gotID != id {
		t.Fatalf("ParseSession id = %+v, want %+v", gotID, id)
	}
	if !gotTS.Equal(ts) {
		t.Fatalf("ParseSession timestamp = %v, want %v", gotTS, ts)
	}
}

func TestParseSessionRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"too/few/fields",
		"acme/libhello/not-a-version/x86_64/default/default/gcc/13/123",
		"acme/libhello/1.2.0/x86_64/default/default/gcc/13/not-a-number",
	}
	for _, c := range cases {
		if _, _, err := ParseSession(c); err == nil {
			t.Fatalf("ParseSession(%q): expected error", c)
		}
	}
}

func mustParseVersion(t *testing.T, s string) model.Version {
	t.Helper()
	v, err := model.ParseVersion(s)
	if err != nil {
		t.Fatalf("ParseVersion(%q): %v", s, err)
	}
	return v
}
