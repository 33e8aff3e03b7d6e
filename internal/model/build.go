package model

import "time"

// BuildState is the build state machine: queued → building → built; a
// built build may revert to building on forced rebuild and then to built
// again (spec §3).
type BuildState string

const (
	BuildQueued   BuildState = "queued"
	BuildBuilding BuildState = "building"
	BuildBuilt    BuildState = "built"
)

// ForceState tracks whether a build is a plain, in-flight, or completed
// forced rebuild (spec §3). forcing is only valid while State==Building;
// transitioning a forcing build to built sets forced so the next task
// request reissues it.
type ForceState string

const (
	ForceUnforced ForceState = "unforced"
	ForceForcing  ForceState = "forcing"
	ForceForced   ForceState = "forced"
)

// ResultStatus is the outcome an agent reports for a build, or the build
// row's persisted completion status. skip and interrupt are result kinds
// that never themselves become a persisted Build.Status (spec §4.3): skip
// leaves Status untouched and interrupt restores the prior Status.
type ResultStatus string

const (
	StatusSuccess   ResultStatus = "success"
	StatusWarning   ResultStatus = "warning"
	StatusError     ResultStatus = "error"
	StatusAbort     ResultStatus = "abort"
	StatusAbnormal  ResultStatus = "abnormal"
	StatusSkip      ResultStatus = "skip"
	StatusInterrupt ResultStatus = "interrupt"
)

// Rank orders statuses worst-to-best for the "success→success de-dup"
// notification rule (spec §4.3): Rank is higher for worse outcomes.
func (s ResultStatus) Rank() int {
	switch s {
	case StatusAbnormal:
		return 5
	case StatusAbort:
		return 4
	case StatusError:
		return 3
	case StatusWarning:
		return 2
	case StatusSuccess:
		return 1
	default:
		return 0
	}
}

// Machine identifies a build or auxiliary machine offered by an agent.
type Machine struct {
	Name       string
	Role       string // "build" or "auxiliary"
	RAMMinimum *uint64
	Summary    string
	// EnvironmentName is the config-pattern environment key an auxiliary
	// machine was resolved under (spec §4.2 auxiliary resolution).
	EnvironmentName string
}

// OperationResult is one named build-operation outcome (configure, update,
// test, …) within a result manifest.
type OperationResult struct {
	Name   string
	Status ResultStatus
	Log    string
}

// Build is a single (package × target-config × package-config × toolchain)
// build attempt, per spec §3.
type Build struct {
	ID BuildID

	State  BuildState
	Status *ResultStatus
	Force  ForceState

	Timestamp           time.Time
	SoftTimestamp       time.Time
	HardTimestamp       time.Time
	CompletionTimestamp *time.Time

	Interactive *string

	AgentFingerprint *string
	AgentChallenge   []byte

	Machine            string
	AuxiliaryMachines  []Machine

	ControllerChecksum string
	MachineChecksum    string
	AgentChecksum      *string
	WorkerChecksum     *string
	DependencyChecksum *string

	Results []OperationResult
}

// Interrupted reports whether a built record was interrupted mid-build:
// spec §3 "interruption is detectable as timestamp > soft_timestamp on a
// built record".
func (b Build) Interrupted() bool {
	return b.State == BuildBuilt && b.Timestamp.After(b.SoftTimestamp)
}

// ClearChecksums resets the hierarchical checksum triple for a hard
// rebuild. Only the top of the hierarchy (AgentChecksum) is ever cleared
// directly; the subordinate checksums are recomputed by the next task
// response, never cleared independently (spec §3, confirmed against
// original_source/mod/mod-build-task.cxx).
func (b *Build) ClearChecksums() {
	b.AgentChecksum = nil
}

// BuildDelay tracks scheduling delay for monitoring (spec §3).
type BuildDelay struct {
	BuildID          BuildID
	ReportTimestamp  *time.Time
	PackageTimestamp time.Time
}
