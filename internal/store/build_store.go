package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/repoforge/brepd/internal/model"
)

// ErrInvalidBuildTransition mirrors the teacher's ErrInvalidRunTransition
// (internal/controlplane/jobs/store.go transitionRun) for the build state
// machine (spec §3): queued → building → built, with forcing/forced
// layered over building/built.
var ErrInvalidBuildTransition = errors.New("invalid build state transition")

// BuildStore persists model.Build rows and implements the guarded
// state-transition updates the build scheduler and result intake rely on.
type BuildStore struct{ pool *Pool }

func NewBuildStore(pool *Pool) *BuildStore { return &BuildStore{pool: pool} }

const buildColumns = `tenant, package_name, package_version, target, target_config_name, package_config_name,
	toolchain_name, toolchain_version, state, status, force, timestamp, soft_timestamp, hard_timestamp,
	completion_timestamp, interactive, agent_fingerprint, agent_challenge, machine, auxiliary_machines,
	controller_checksum, machine_checksum, agent_checksum, worker_checksum, dependency_checksum, results`

func scanBuild(row pgx.Row) (model.Build, error) {
	var b model.Build
	var versionText string
	var state, force string
	var status *string
	var auxMachines, results []byte

	err := row.Scan(&b.ID.Package.Tenant, &b.ID.Package.Name, &versionText, &b.ID.Target,
		&b.ID.TargetConfigName, &b.ID.PackageConfigName, &b.ID.ToolchainName, &b.ID.ToolchainVersion,
		&state, &status, &force, &b.Timestamp, &b.SoftTimestamp, &b.HardTimestamp, &b.CompletionTimestamp,
		&b.Interactive, &b.AgentFingerprint, &b.AgentChallenge, &b.Machine, &auxMachines,
		&b.ControllerChecksum, &b.MachineChecksum, &b.AgentChecksum, &b.WorkerChecksum,
		&b.DependencyChecksum, &results)
	if err != nil {
		return model.Build{}, err
	}
	v, verr := model.ParseVersion(versionText)
	if verr != nil {
		return model.Build{}, verr
	}
	b.ID.Package.CanonicalVersion = v
	b.State = model.BuildState(state)
	b.Force = model.ForceState(force)
	if status != nil {
		s := model.ResultStatus(*status)
		b.Status = &s
	}
	_ = json.Unmarshal(auxMachines, &b.AuxiliaryMachines)
	_ = json.Unmarshal(results, &b.Results)
	return b, nil
}

func (s *BuildStore) Get(ctx context.Context, tx pgx.Tx, id model.BuildID) (model.Build, error) {
	q := "SELECT " + buildColumns + ` FROM builds
		WHERE tenant=$1 AND package_name=$2 AND package_version=$3 AND target=$4
			AND target_config_name=$5 AND package_config_name=$6 AND toolchain_name=$7 AND toolchain_version=$8`
	args := []any{id.Package.Tenant, id.Package.Name, id.Package.CanonicalVersion.String(), id.Target,
		id.TargetConfigName, id.PackageConfigName, id.ToolchainName, id.ToolchainVersion}
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, args...)
	} else {
		row = s.pool.QueryRow(ctx, q, args...)
	}
	b, err := scanBuild(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Build{}, ErrNotFound
	}
	return b, err
}

// Insert creates a new build row, normally in the queued state.
func (s *BuildStore) Insert(ctx context.Context, tx pgx.Tx, b model.Build) error {
	auxMachines, _ := json.Marshal(b.AuxiliaryMachines)
	results, _ := json.Marshal(b.Results)
	var status *string
	if b.Status != nil {
		st := string(*b.Status)
		status = &st
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO builds (`+buildColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		b.ID.Package.Tenant, b.ID.Package.Name, b.ID.Package.CanonicalVersion.String(), b.ID.Target,
		b.ID.TargetConfigName, b.ID.PackageConfigName, b.ID.ToolchainName, b.ID.ToolchainVersion,
		string(b.State), status, string(b.Force), b.Timestamp, b.SoftTimestamp, b.HardTimestamp,
		b.CompletionTimestamp, b.Interactive, b.AgentFingerprint, b.AgentChallenge, b.Machine, auxMachines,
		b.ControllerChecksum, b.MachineChecksum, b.AgentChecksum, b.WorkerChecksum, b.DependencyChecksum, results)
	return err
}

// ListRebuildCandidates returns queued/outdated builds for tenant ordered
// per spec §4.2's rebuild fairness rule: "(force desc, status desc,
// soft_timestamp asc)" — forced builds first, then worse statuses, then
// the longest-waiting build among equals.
func (s *BuildStore) ListRebuildCandidates(ctx context.Context, tx pgx.Tx, tenant string, limit int) ([]model.Build, error) {
	q := "SELECT " + buildColumns + ` FROM builds
		WHERE tenant=$1 AND state IN ('queued', 'building')
		ORDER BY
			CASE force WHEN 'forced' THEN 0 WHEN 'forcing' THEN 1 ELSE 2 END,
			CASE status WHEN 'abnormal' THEN 0 WHEN 'abort' THEN 1 WHEN 'error' THEN 2
				WHEN 'warning' THEN 3 WHEN 'success' THEN 4 ELSE 5 END,
			soft_timestamp ASC
		LIMIT $2`
	rows, err := tx.Query(ctx, q, tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// transition is the guarded UPDATE pattern grounded on the teacher's
// transitionRun (internal/controlplane/jobs/store.go): read the current
// state inside the transaction, validate the move is legal, then UPDATE
// with a WHERE clause pinned to the state just read, and treat
// RowsAffected()==0 as a lost race rather than silently succeeding.
func (s *BuildStore) transition(ctx context.Context, tx pgx.Tx, id model.BuildID, fromStates []model.BuildState, apply func(*model.Build)) error {
	b, err := s.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	allowed := false
	for _, st := range fromStates {
		if b.State == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrInvalidBuildTransition, b.State)
	}
	prevState := b.State
	apply(&b)

	auxMachines, _ := json.Marshal(b.AuxiliaryMachines)
	results, _ := json.Marshal(b.Results)
	var status *string
	if b.Status != nil {
		st := string(*b.Status)
		status = &st
	}

	tag, err := tx.Exec(ctx, `
		UPDATE builds SET state=$9, status=$10, force=$11, timestamp=$12, soft_timestamp=$13,
			hard_timestamp=$14, completion_timestamp=$15, interactive=$16, agent_fingerprint=$17,
			agent_challenge=$18, machine=$19, auxiliary_machines=$20, controller_checksum=$21,
			machine_checksum=$22, agent_checksum=$23, worker_checksum=$24, dependency_checksum=$25,
			results=$26
		WHERE tenant=$1 AND package_name=$2 AND package_version=$3 AND target=$4
			AND target_config_name=$5 AND package_config_name=$6 AND toolchain_name=$7
			AND toolchain_version=$8 AND state=$27`,
		id.Package.Tenant, id.Package.Name, id.Package.CanonicalVersion.String(), id.Target,
		id.TargetConfigName, id.PackageConfigName, id.ToolchainName, id.ToolchainVersion,
		string(b.State), status, string(b.Force), b.Timestamp, b.SoftTimestamp, b.HardTimestamp,
		b.CompletionTimestamp, b.Interactive, b.AgentFingerprint, b.AgentChallenge, b.Machine, auxMachines,
		b.ControllerChecksum, b.MachineChecksum, b.AgentChecksum, b.WorkerChecksum, b.DependencyChecksum,
		results, string(prevState))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lost race on %s", ErrInvalidBuildTransition, id)
	}
	return nil
}

// StartBuilding moves a queued (or forcing-over-built) build into
// building, recording the agent/session details the task response
// assigned (spec §4.2).
func (s *BuildStore) StartBuilding(ctx context.Context, tx pgx.Tx, id model.BuildID, machine string, aux []model.Machine, agentFingerprint *string, agentChallenge []byte, now time.Time) error {
	return s.transition(ctx, tx, id, []model.BuildState{model.BuildQueued, model.BuildBuilt}, func(b *model.Build) {
		if b.State == model.BuildBuilt {
			b.Force = model.ForceForcing
		}
		b.State = model.BuildBuilding
		b.Machine = machine
		b.AuxiliaryMachines = aux
		b.AgentFingerprint = agentFingerprint
		b.AgentChallenge = agentChallenge
		b.Timestamp = now
	})
}

// Complete moves a building build into built, recording the final status
// and operation results (spec §4.3). interrupted builds are handled
// separately by the caller restoring the prior status before calling this.
func (s *BuildStore) Complete(ctx context.Context, tx pgx.Tx, id model.BuildID, status model.ResultStatus, results []model.OperationResult, now time.Time) error {
	return s.transition(ctx, tx, id, []model.BuildState{model.BuildBuilding}, func(b *model.Build) {
		b.State = model.BuildBuilt
		b.Status = &status
		b.Results = results
		b.CompletionTimestamp = &now
		if b.Force == model.ForceForcing {
			b.Force = model.ForceForced
		}
	})
}

// CompleteReport applies the full "Other" result-kind transition (spec
// §4.3): state=built, force=unforced, status/results from the report,
// hard_timestamp=soft_timestamp=now(), the checksum triple updated from
// the manifest, and interactive/auth fields cleared.
func (s *BuildStore) CompleteReport(ctx context.Context, tx pgx.Tx, id model.BuildID, status model.ResultStatus, results []model.OperationResult, agent, worker, dependency *string, now time.Time) error {
	return s.transition(ctx, tx, id, []model.BuildState{model.BuildBuilding}, func(b *model.Build) {
		b.State = model.BuildBuilt
		b.Force = model.ForceUnforced
		b.Status = &status
		b.Results = results
		b.CompletionTimestamp = &now
		b.SoftTimestamp = now
		b.HardTimestamp = now
		b.AgentChecksum = agent
		b.WorkerChecksum = worker
		b.DependencyChecksum = dependency
		b.Interactive = nil
		b.AgentFingerprint = nil
		b.AgentChallenge = nil
	})
}

// CompleteSkip applies the "Skip" result kind (spec §4.3): the build
// reverts to built with its prior status and results untouched;
// soft_timestamp and completion_timestamp advance to now, and a forcing
// rebuild becomes forced.
func (s *BuildStore) CompleteSkip(ctx context.Context, tx pgx.Tx, id model.BuildID, now time.Time) error {
	return s.transition(ctx, tx, id, []model.BuildState{model.BuildBuilding}, func(b *model.Build) {
		b.State = model.BuildBuilt
		b.SoftTimestamp = now
		b.CompletionTimestamp = &now
		if b.Force == model.ForceForcing {
			b.Force = model.ForceForced
		}
	})
}

// RequeueInterrupted restores a built-but-interrupted build (spec §3:
// "timestamp > soft_timestamp on a built record") back to queued so the
// next selection loop picks it up again.
func (s *BuildStore) RequeueInterrupted(ctx context.Context, tx pgx.Tx, id model.BuildID, now time.Time) error {
	return s.transition(ctx, tx, id, []model.BuildState{model.BuildBuilt}, func(b *model.Build) {
		b.State = model.BuildQueued
		b.SoftTimestamp = now
	})
}

// ForceRebuild marks a built build for rebuild, clearing only the top of
// the checksum hierarchy (spec §3, ClearChecksums) and leaving force in
// the "forced" pre-pickup state until the scheduler selects it.
func (s *BuildStore) ForceRebuild(ctx context.Context, tx pgx.Tx, id model.BuildID, hard bool, now time.Time) error {
	return s.transition(ctx, tx, id, []model.BuildState{model.BuildBuilt, model.BuildQueued}, func(b *model.Build) {
		b.Force = model.ForceForced
		b.SoftTimestamp = now
		if hard {
			b.HardTimestamp = now
			b.ClearChecksums()
		}
	})
}

// UpdateChecksums applies the subordinate checksum triple the next task
// response recomputed (spec §3: "recomputed by the next task response,
// never cleared independently").
func (s *BuildStore) UpdateChecksums(ctx context.Context, tx pgx.Tx, id model.BuildID, controller, machine string, agent, worker, dependency *string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE builds SET controller_checksum=$9, machine_checksum=$10, agent_checksum=$11,
			worker_checksum=$12, dependency_checksum=$13
		WHERE tenant=$1 AND package_name=$2 AND package_version=$3 AND target=$4
			AND target_config_name=$5 AND package_config_name=$6 AND toolchain_name=$7
			AND toolchain_version=$8`,
		id.Package.Tenant, id.Package.Name, id.Package.CanonicalVersion.String(), id.Target,
		id.TargetConfigName, id.PackageConfigName, id.ToolchainName, id.ToolchainVersion,
		controller, machine, agent, worker, dependency)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BuildStore) Delete(ctx context.Context, tx pgx.Tx, id model.BuildID) error {
	_, err := tx.Exec(ctx, `DELETE FROM builds
		WHERE tenant=$1 AND package_name=$2 AND package_version=$3 AND target=$4
			AND target_config_name=$5 AND package_config_name=$6 AND toolchain_name=$7 AND toolchain_version=$8`,
		id.Package.Tenant, id.Package.Name, id.Package.CanonicalVersion.String(), id.Target,
		id.TargetConfigName, id.PackageConfigName, id.ToolchainName, id.ToolchainVersion)
	return err
}

// --- build delays ---

// BuildDelayStore persists model.BuildDelay rows used for scheduling-delay
// monitoring (spec §3).
type BuildDelayStore struct{ pool *Pool }

func NewBuildDelayStore(pool *Pool) *BuildDelayStore { return &BuildDelayStore{pool: pool} }

func (s *BuildDelayStore) Upsert(ctx context.Context, tx pgx.Tx, d model.BuildDelay) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO build_delays (tenant, package_name, package_version, target, target_config_name,
			package_config_name, toolchain_name, toolchain_version, report_timestamp, package_timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (tenant, package_name, package_version, target, target_config_name, package_config_name, toolchain_name, toolchain_version)
		DO UPDATE SET report_timestamp=excluded.report_timestamp, package_timestamp=excluded.package_timestamp`,
		d.BuildID.Package.Tenant, d.BuildID.Package.Name, d.BuildID.Package.CanonicalVersion.String(),
		d.BuildID.Target, d.BuildID.TargetConfigName, d.BuildID.PackageConfigName, d.BuildID.ToolchainName,
		d.BuildID.ToolchainVersion, d.ReportTimestamp, d.PackageTimestamp)
	return err
}

func (s *BuildDelayStore) Delete(ctx context.Context, tx pgx.Tx, id model.BuildID) error {
	_, err := tx.Exec(ctx, `DELETE FROM build_delays
		WHERE tenant=$1 AND package_name=$2 AND package_version=$3 AND target=$4
			AND target_config_name=$5 AND package_config_name=$6 AND toolchain_name=$7 AND toolchain_version=$8`,
		id.Package.Tenant, id.Package.Name, id.Package.CanonicalVersion.String(), id.Target,
		id.TargetConfigName, id.PackageConfigName, id.ToolchainName, id.ToolchainVersion)
	return err
}
