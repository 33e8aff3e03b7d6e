package model

import "testing"

func TestParseVersionRoundTrip(t *testing.T) {
	v, err := ParseVersion("1:2.4.0-alpha.1+3")
	if err != nil {
		t.Fatalf("parse version: %v", err)
	}
	if v.Epoch != 1 {
		t.Fatalf("epoch = %d, want 1", v.Epoch)
	}
	if v.Upstream != "2.4.0" {
		t.Fatalf("upstream = %q, want 2.4.0", v.Upstream)
	}
	if v.Release == nil || *v.Release != "alpha.1" {
		t.Fatalf("release = %v, want alpha.1", v.Release)
	}
	if v.Revision == nil || *v.Revision != 3 {
		t.Fatalf("revision = %v, want 3", v.Revision)
	}
	if got, want := v.String(), "1:2.4.0-alpha.1+3"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseVersionRejectsEmptyUpstream(t *testing.T) {
	if _, err := ParseVersion("-alpha"); err == nil {
		t.Fatal("expected error for empty upstream")
	}
}

func TestVersionCompareNumericAwareUpstream(t *testing.T) {
	v9 := mustParse(t, "1.9")
	v10 := mustParse(t, "1.10")
	if !Less(v9, v10) {
		t.Fatalf("expected 1.9 < 1.10")
	}
}

func TestVersionCompareAbsentReleaseSortsAfterPresent(t *testing.T) {
	final := mustParse(t, "1.0")
	beta := mustParse(t, "1.0-beta")
	if !Less(beta, final) {
		t.Fatal("expected 1.0-beta < 1.0 (absent release is \"final\" and sorts last)")
	}
}

func TestVersionCompareAbsentAndZeroRevisionEqual(t *testing.T) {
	absent := mustParse(t, "1.0")
	zero := mustParse(t, "1.0+0")
	if Compare(absent, zero) != 0 {
		t.Fatalf("expected absent revision to compare equal to +0, got %d", Compare(absent, zero))
	}
	if !absent.CanonicalEqual(zero) {
		t.Fatal("expected CanonicalEqual true for absent vs +0 revision")
	}
	// Textual form still distinguishes them.
	if absent.String() == zero.String() {
		t.Fatal("expected textual forms to differ despite canonical equality")
	}
}

func TestVersionCompareEpochDominates(t *testing.T) {
	low := mustParse(t, "1:0.1")
	high := mustParse(t, "2:0.0")
	if !Less(low, high) {
		t.Fatal("expected epoch 1 < epoch 2 regardless of upstream")
	}
}

func TestVersionCompareRevisionBreaksTie(t *testing.T) {
	r1 := mustParse(t, "1.0+1")
	r2 := mustParse(t, "1.0+2")
	if !Less(r1, r2) {
		t.Fatal("expected +1 < +2")
	}
}

func mustParse(t *testing.T, s string) Version {
	t.Helper()
	v, err := ParseVersion(s)
	if err != nil {
		t.Fatalf("parse version %q: %v", s, err)
	}
	return v
}
