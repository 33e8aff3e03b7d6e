package model

import (
	"testing"
	"time"
)

func TestBuildInterruptedDetection(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := Build{State: BuildBuilt, Timestamp: base, SoftTimestamp: base}
	if b.Interrupted() {
		t.Fatal("expected equal timestamps to not be interrupted")
	}

	b.Timestamp = base.Add(time.Minute)
	if !b.Interrupted() {
		t.Fatal("expected timestamp > soft_timestamp on a built record to be interrupted")
	}

	b.State = BuildBuilding
	if b.Interrupted() {
		t.Fatal("expected a non-built record to never be interrupted")
	}
}

func TestBuildClearChecksumsOnlyClearsAgentChecksum(t *testing.T) {
	agent, worker, dep := "a", "w", "d"
	b := Build{
		ControllerChecksum: "c",
		MachineChecksum:    "m",
		AgentChecksum:      &agent,
		WorkerChecksum:     &worker,
		DependencyChecksum: &dep,
	}
	b.ClearChecksums()

	if b.AgentChecksum != nil {
		t.Fatal("expected AgentChecksum cleared")
	}
	if b.ControllerChecksum != "c" || b.MachineChecksum != "m" {
		t.Fatal("expected controller/machine checksums untouched")
	}
	if b.WorkerChecksum == nil || *b.WorkerChecksum != "w" {
		t.Fatal("expected worker checksum untouched — recomputed by next task response, never cleared directly")
	}
	if b.DependencyChecksum == nil || *b.DependencyChecksum != "d" {
		t.Fatal("expected dependency checksum untouched")
	}
}

func TestResultStatusRankOrdersWorstFirst(t *testing.T) {
	if StatusAbnormal.Rank() <= StatusAbort.Rank() {
		t.Fatal("expected abnormal to outrank abort")
	}
	if StatusAbort.Rank() <= StatusError.Rank() {
		t.Fatal("expected abort to outrank error")
	}
	if StatusError.Rank() <= StatusWarning.Rank() {
		t.Fatal("expected error to outrank warning")
	}
	if StatusWarning.Rank() <= StatusSuccess.Rank() {
		t.Fatal("expected warning to outrank success")
	}
}
