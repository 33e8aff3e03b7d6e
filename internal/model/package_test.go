package model

import "testing"

func TestPackageIsInternal(t *testing.T) {
	p := Package{}
	if p.IsInternal() {
		t.Fatal("expected package with nil InternalRepository to be external")
	}
	p.InternalRepository = &RepositoryID{Tenant: "t1", CanonicalName: "stable"}
	if !p.IsInternal() {
		t.Fatal("expected package with InternalRepository set to be internal")
	}
}

func TestPackageValidateRejectsBuildableWithReason(t *testing.T) {
	reason := UnbuildableStub
	p := Package{Buildable: true, UnbuildableReason: &reason}
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for buildable package with an unbuildable reason")
	}
}

func TestPackageValidateAcceptsUnbuildableExternal(t *testing.T) {
	p := Package{Buildable: false}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
