// Package buildtask implements the build scheduler: the "?build-task"
// endpoint that hands an agent a build to run or an empty task descriptor
// (spec §4.2). Named buildtask rather than "scheduler" to avoid colliding
// with the stdlib-adjacent naming the teacher's own
// internal/controlplane/jobs.Scheduler already claims in this tree.
//
// Grounded on jobs.Scheduler's selection-loop shape (claim before
// dispatch, functional options) and original_source/mod/mod-build-task.cxx
// for the exact ordering of pre-checks, auxiliary resolution, checksum
// comparison, and notification sequencing.
package buildtask

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/config"
	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/notify"
	"github.com/repoforge/brepd/internal/store"
	"github.com/repoforge/brepd/internal/targetconfig"
)

// Scheduler serves build-task requests.
type Scheduler struct {
	Pool         *store.Pool
	Builds       *store.BuildStore
	BuildDelays  *store.BuildDelayStore
	Packages     *store.PackageStore
	Repositories *store.RepositoryStore
	Tenants      *store.TenantStore
	Services     *store.TenantServiceStore
	PublicKeys   *store.PublicKeyStore
	Notifier     *notify.Notifier
	Targets      *targetconfig.Table
	Timeouts     config.BuildTimeouts
	AuxLimit     int
	Logger       *zap.Logger
}

// HandleTaskRequest serves one agent request for tenant (spec §4.2).
// Auth or interactive-compatibility failures result in an empty task
// response rather than an error, per spec's "incompatible combinations
// return an empty task" and errkind.AuthFailed's "indistinguishable from
// success" policy.
func (s *Scheduler) HandleTaskRequest(ctx context.Context, tenant string, req manifest.TaskRequest, resultURL string) (manifest.TaskResponse, error) {
	empty := manifest.TaskResponse{ResultURL: resultURL}

	t, err := s.Tenants.Get(ctx, nil, tenant)
	if err != nil {
		if err == store.ErrNotFound {
			return empty, errkind.Newf(errkind.ExpiredSession, "unknown tenant %q", tenant)
		}
		return empty, errkind.New(errkind.Fatal, err)
	}

	if err := s.precheck(ctx, nil, req, t); err != nil {
		if kind, ok := errkind.As(err); ok && kind == errkind.AuthFailed {
			s.Logger.Warn("build-task pre-check failed", zap.String("tenant", tenant), zap.Error(err))
			return empty, nil
		}
		return empty, err
	}

	buildMachines, auxMachines := splitMachines(req.Machines)
	if len(buildMachines) == 0 {
		return empty, nil
	}

	var resp manifest.TaskResponse
	err = s.Pool.Serializable(ctx, store.DefaultRetryPolicy(), func(tx pgx.Tx) error {
		if t.IsInteractive() {
			done, ierr := s.handleInteractive(ctx, tx, t, req, buildMachines, auxMachines, resultURL, &resp)
			if ierr != nil {
				return ierr
			}
			if done {
				return nil
			}
		}
		return s.selectAndDispatch(ctx, tx, t, req, buildMachines, auxMachines, resultURL, &resp)
	})
	if err != nil {
		return empty, err
	}
	if resp.ResultURL == "" {
		resp.ResultURL = resultURL
	}
	return resp, nil
}

// precheck validates the request's agent identity and interactive
// compatibility (spec §4.2 "Pre-checks").
func (s *Scheduler) precheck(ctx context.Context, tx pgx.Tx, req manifest.TaskRequest, t model.Tenant) error {
	if req.Fingerprint == nil {
		// Absence of agent-key configuration is signaled by a nil PublicKeys
		// store pointer at wiring time (auth disabled); treat it as optional
		// here and let the caller wire auth enforcement.
		return nil
	}
	if t.IsInteractive() {
		// Interactive builds only ever run on the tenant's own login
		// template; no further fingerprint classification is required.
		return nil
	}
	if _, err := s.PublicKeys.Get(ctx, tx, model.PublicKeyID{Tenant: t.ID, Fingerprint: *req.Fingerprint}); err != nil {
		if err == store.ErrNotFound {
			// Unknown fingerprint marks the bot as custom; not itself an
			// auth failure — bot-class matching happens per package config
			// in the selection loop.
			return nil
		}
		return errkind.New(errkind.Fatal, err)
	}
	return nil
}

func splitMachines(machines []manifest.MachineOffer) (build, aux []manifest.MachineOffer) {
	for _, m := range machines {
		if m.Role == "auxiliary" {
			aux = append(aux, m)
		} else {
			build = append(build, m)
		}
	}
	return
}

// candidate is one (package, build config, package config) tuple the
// selection loop considers.
type candidate struct {
	pkg        model.Package
	pkgConfig  model.PackageConfig
	cfg        targetconfig.Config
	machine    manifest.MachineOffer
	neverBuilt bool
	build      model.Build // zero value if neverBuilt
}

// selectAndDispatch runs the selection loop and, on a match, persists the
// build transition and fills resp (spec §4.2 "Selection loop" through
// "Tenant-service notifications").
func (s *Scheduler) selectAndDispatch(ctx context.Context, tx pgx.Tx, t model.Tenant, req manifest.TaskRequest, buildMachines, auxMachines []manifest.MachineOffer, resultURL string, resp *manifest.TaskResponse) error {
	pkgs, err := s.Packages.ListBuildable(ctx, tx, t.ID)
	if err != nil {
		return errkind.New(errkind.Fatal, err)
	}

	var neverBuilt, rebuildable []candidate
	now := time.Now()

	for _, p := range pkgs {
		for _, pc := range effectivePackageConfigs(p) {
			for _, cfg := range s.Targets.BuildConfigs() {
				if !s.Targets.Matches(cfg.Name, p.BuildConstraints) {
					continue
				}
				mo, ok := matchMachine(buildMachines, cfg)
				if !ok {
					continue
				}
				id := model.BuildID{
					Package: p.ID, Target: cfg.Target, TargetConfigName: cfg.Name,
					PackageConfigName: pc.Name, ToolchainName: req.ToolchainName, ToolchainVersion: req.ToolchainVersion,
				}
				b, err := s.Builds.Get(ctx, tx, id)
				if err == store.ErrNotFound {
					neverBuilt = append(neverBuilt, candidate{pkg: p, pkgConfig: pc, cfg: cfg, machine: mo, neverBuilt: true})
					continue
				}
				if err != nil {
					return errkind.New(errkind.Fatal, err)
				}
				if s.isRecentlyBuilding(b, now) || b.State == model.BuildBuilt && !s.rebuildDue(b, now) {
					if err := s.recordDelay(ctx, tx, id, b, now); err != nil {
						return err
					}
					continue
				}
				if b.State == model.BuildBuilt {
					rebuildable = append(rebuildable, candidate{pkg: p, pkgConfig: pc, cfg: cfg, machine: mo, build: b})
				}
			}
		}
	}

	var chosen *candidate
	if len(neverBuilt) > 0 {
		chosen = &neverBuilt[0]
	} else if len(rebuildable) > 0 {
		sortRebuildCandidates(rebuildable)
		chosen = &rebuildable[0]
	}
	if chosen == nil {
		return nil
	}

	auxSelected, ok := resolveAuxiliaries(chosen.pkg, auxMachines, s.Targets, s.AuxLimit)
	if !ok {
		if len(chosen.pkg.BuildAuxiliaries) > s.AuxLimit {
			return s.abortAuxiliaryOverflow(ctx, tx, *chosen, req, now)
		}
		return nil
	}

	return s.dispatch(ctx, tx, t, *chosen, req, auxSelected, resultURL, now, resp)
}

func effectivePackageConfigs(p model.Package) []model.PackageConfig {
	if len(p.BuildConfigs) > 0 {
		return p.BuildConfigs
	}
	return []model.PackageConfig{{Name: "default", Emails: p.Emails}}
}

func matchMachine(machines []manifest.MachineOffer, cfg targetconfig.Config) (manifest.MachineOffer, bool) {
	for _, m := range machines {
		if strings.HasPrefix(m.Name, cfg.Target) || strings.Contains(cfg.Target, m.Name) {
			return m, true
		}
	}
	return manifest.MachineOffer{}, false
}

// isRecentlyBuilding reports whether b is building within the recency
// window for its force state (spec §4.2 step 3).
func (s *Scheduler) isRecentlyBuilding(b model.Build, now time.Time) bool {
	if b.State != model.BuildBuilding {
		return false
	}
	timeout := resolveTimeout(now, s.Timeouts.Result, s.Timeouts.ResultAlt)
	if b.Force == model.ForceForcing {
		timeout = resolveTimeout(now, s.Timeouts.ForcedRebuild, s.Timeouts.ForcedRebuildAlt)
	}
	return now.Sub(b.Timestamp) < timeout
}

// rebuildDue reports whether a built build's soft_timestamp has aged past
// the soft-rebuild expiration (spec §4.2 step 4), honoring the daytime-window
// alternative interval (build-alt-*) when one is configured for the current
// time.
func (s *Scheduler) rebuildDue(b model.Build, now time.Time) bool {
	if b.Force == model.ForceForced || b.Force == model.ForceForcing {
		return true
	}
	timeout := resolveTimeout(now, s.Timeouts.SoftRebuild, s.Timeouts.SoftRebuildAlt)
	return now.Sub(b.SoftTimestamp) >= timeout
}

func sortRebuildCandidates(cs []candidate) {
	// (force desc, status desc, soft_timestamp asc) per spec §4.2 step 4.
	forceRank := func(f model.ForceState) int {
		switch f {
		case model.ForceForced:
			return 0
		case model.ForceForcing:
			return 1
		default:
			return 2
		}
	}
	statusRank := func(b model.Build) int {
		if b.Status == nil {
			return 99
		}
		return -b.Status.Rank()
	}
	for i := 1; i < len(cs); i++ {
		j := i
		for j > 0 && less(cs[j-1], cs[j], forceRank, statusRank) {
			cs[j-1], cs[j] = cs[j], cs[j-1]
			j--
		}
	}
}

func less(a, b candidate, forceRank func(model.ForceState) int, statusRank func(model.Build) int) bool {
	if fa, fb := forceRank(a.build.Force), forceRank(b.build.Force); fa != fb {
		return fa > fb
	}
	if sa, sb := statusRank(a.build), statusRank(b.build); sa != sb {
		return sa > sb
	}
	return a.build.SoftTimestamp.After(b.build.SoftTimestamp)
}

// resolveAuxiliaries picks at most limit auxiliary machines from offered
// that match the package's build-auxiliary patterns (spec §4.2 step 2,
// "Persistence on selection"'s 9-machine cap). Environment-name collisions
// — two patterns whose matched machine derives the same environment name
// — must resolve to the very same machine; a pattern that would need a
// second, different machine under an already-claimed environment name
// fails the whole resolution (spec: "environment-name collisions must
// share a single machine whose derived configuration matches all
// patterns").
func resolveAuxiliaries(p model.Package, offered []manifest.MachineOffer, t *targetconfig.Table, limit int) ([]model.Machine, bool) {
	if len(p.BuildAuxiliaries) == 0 {
		return nil, true
	}
	var picked []model.Machine
	byEnv := map[string]manifest.MachineOffer{} // environment-name -> claimed machine

	for _, pattern := range p.BuildAuxiliaries {
		candidates := matchingAuxMachines(offered, pattern, t)
		if len(candidates) == 0 {
			return nil, false
		}

		var mo manifest.MachineOffer
		var envName string
		matched := false
		for env, claimed := range byEnv {
			for _, c := range candidates {
				if c.Name == claimed.Name {
					mo, envName, matched = claimed, env, true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			mo = candidates[rand.Intn(len(candidates))]
			envName = auxEnvironmentName(mo.Name)
			if claimed, ok := byEnv[envName]; ok && claimed.Name != mo.Name {
				return nil, false
			}
			byEnv[envName] = mo
		}

		picked = append(picked, model.Machine{Name: mo.Name, Role: "auxiliary", RAMMinimum: mo.RAMMinimum, Summary: mo.Summary, EnvironmentName: envName})
		if len(picked) > limit {
			return nil, false
		}
	}
	return picked, true
}

// auxEnvironmentName derives a configuration name by stripping the first
// dash-component of an arch-os… machine name (spec §4.2 "Pre-checks").
func auxEnvironmentName(machineName string) string {
	if i := strings.IndexByte(machineName, '-'); i >= 0 {
		return machineName[i+1:]
	}
	return machineName
}

// matchingAuxMachines returns every offered machine whose name matches the
// package's auxiliary pattern (an environment-pattern per spec §4.2 step 2,
// e.g. "windows-*"), either directly via a glob match against the machine
// name or indirectly via the build-config table's auxiliary-config entries
// sharing that pattern.
func matchingAuxMachines(offered []manifest.MachineOffer, pattern string, t *targetconfig.Table) []manifest.MachineOffer {
	var out []manifest.MachineOffer
	for _, m := range offered {
		if ok, err := path.Match(pattern, m.Name); err == nil && ok {
			out = append(out, m)
			continue
		}
		for _, ac := range t.AuxiliaryConfigs() {
			if ac.EnvironmentPattern != pattern {
				continue
			}
			if ok, err := path.Match(ac.EnvironmentPattern, m.Name); err == nil && ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func (s *Scheduler) abortAuxiliaryOverflow(ctx context.Context, tx pgx.Tx, c candidate, req manifest.TaskRequest, now time.Time) error {
	id := model.BuildID{
		Package: c.pkg.ID, Target: c.cfg.Target, TargetConfigName: c.cfg.Name,
		PackageConfigName: c.pkgConfig.Name, ToolchainName: req.ToolchainName, ToolchainVersion: req.ToolchainVersion,
	}
	status := model.StatusAbort
	results := []model.OperationResult{{Name: "configure", Status: model.StatusAbort, Log: "error: not more than 9 auxiliary machines are allowed"}}
	if err := s.Builds.Complete(ctx, tx, id, status, results, now); err != nil && !errors.Is(err, store.ErrInvalidBuildTransition) {
		return errkind.New(errkind.Fatal, err)
	}
	return nil
}

// dispatch persists the building transition for the chosen candidate and
// fills in resp (spec §4.2 "Persistence on selection", "Session and
// response").
func (s *Scheduler) dispatch(ctx context.Context, tx pgx.Tx, t model.Tenant, c candidate, req manifest.TaskRequest, aux []model.Machine, resultURL string, now time.Time, resp *manifest.TaskResponse) error {
	id := model.BuildID{
		Package: c.pkg.ID, Target: c.cfg.Target, TargetConfigName: c.cfg.Name,
		PackageConfigName: c.pkgConfig.Name, ToolchainName: req.ToolchainName, ToolchainVersion: req.ToolchainVersion,
	}

	controllerChecksum := computeChecksum(c.cfg.Target, c.cfg.Args)
	machineChecksum := computeChecksum(c.machine.Name)

	var challenge []byte
	var err error
	if req.Fingerprint != nil {
		challenge, err = newChallenge(now)
		if err != nil {
			return errkind.New(errkind.Fatal, err)
		}
	}

	if c.neverBuilt {
		b := model.Build{
			ID: id, State: model.BuildQueued, Force: model.ForceUnforced,
			Timestamp: now, SoftTimestamp: now, HardTimestamp: now,
			ControllerChecksum: controllerChecksum, MachineChecksum: machineChecksum,
		}
		if err := s.Builds.Insert(ctx, tx, b); err != nil {
			return errkind.New(errkind.Fatal, err)
		}
	} else {
		hard := c.build.Force == model.ForceForced ||
			controllerChecksum != c.build.ControllerChecksum ||
			machineChecksum != c.build.MachineChecksum ||
			now.Sub(c.build.HardTimestamp) >= resolveTimeout(now, s.Timeouts.HardRebuild, s.Timeouts.HardRebuildAlt)
		if hard {
			if err := s.Builds.ForceRebuild(ctx, tx, id, true, now); err != nil {
				return errkind.New(errkind.Fatal, err)
			}
		}
	}

	if err := s.Builds.StartBuilding(ctx, tx, id, c.machine.Name, aux, req.Fingerprint, challenge, now); err != nil {
		return errkind.New(errkind.Fatal, err)
	}
	if err := s.Builds.UpdateChecksums(ctx, tx, id, controllerChecksum, machineChecksum, nil, nil, nil); err != nil {
		return errkind.New(errkind.Fatal, err)
	}

	if err := s.notifyQueuedThenBuilding(ctx, tx, t, id, now); err != nil {
		return err
	}

	session := BuildSession(id, now)
	resp.Session = session
	resp.ResultURL = resultURL
	if challenge != nil {
		ch := challengeHex(challenge)
		resp.Challenge = &ch
	}
	resp.Task = taskPackage(c, id)
	return nil
}

func computeChecksum(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func taskPackage(c candidate, id model.BuildID) *manifest.TaskPackage {
	var fps []string
	var loc string
	if c.pkg.InternalRepository != nil {
		loc = c.pkg.InternalRepository.CanonicalName
	}
	tp := &manifest.TaskPackage{
		Name:               c.pkg.ID.Name,
		Version:            c.pkg.ID.CanonicalVersion.String(),
		RepositoryLocation: loc,
		TrustFingerprints:  fps,
		ControllerChecksum: computeChecksum(c.cfg.Target, c.cfg.Args),
		MachineChecksum:    computeChecksum(c.machine.Name),
		MachineID:          c.machine.Name,
		Target:             c.cfg.Target,
		Args:               c.pkgConfig.Arguments,
	}
	for _, req := range c.pkg.Requirements {
		for _, alt := range req.Alternatives {
			for _, dep := range alt.Dependencies {
				tp.Requirements = append(tp.Requirements, dep.Name)
			}
		}
	}
	for _, test := range c.pkg.Tests {
		for _, alt := range test.Alternatives {
			for _, dep := range alt.Dependencies {
				tp.Tests = append(tp.Tests, dep.Name)
			}
		}
	}
	return tp
}

// notifyQueuedThenBuilding sends spec §4.2's "Tenant-service
// notifications" for an issued task: queued then building, in that order.
// The queued notification is sent for every issued task, whatever the
// build's prior state, and sibling builds are not persisted as queued. The
// race window this leaves (spec §9 Open Question #1) is preserved, not
// fixed, per DESIGN.md's decision.
func (s *Scheduler) notifyQueuedThenBuilding(ctx context.Context, tx pgx.Tx, t model.Tenant, id model.BuildID, now time.Time) error {
	if t.Service == nil || s.Notifier == nil {
		return nil
	}
	ts, err := s.Services.Get(ctx, tx, *t.Service)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return errkind.New(errkind.Fatal, err)
	}
	target, ok := notify.ParseTarget(ts.Data)
	if !ok {
		return nil
	}
	if err := s.Tenants.SetQueuedAt(ctx, tx, t.ID, now); err != nil {
		return errkind.New(errkind.Fatal, err)
	}
	s.Notifier.Notify(*t.Service, target, notify.Event{Type: "service_build_queued", TenantID: t.ID, Timestamp: now, Detail: id.String()})
	s.Notifier.Notify(*t.Service, target, notify.Event{Type: "service_build_building", TenantID: t.ID, Timestamp: now, Detail: id.String()})
	return nil
}

// recordDelay upserts a build_delay row for a candidate that was
// considered but not selected (spec §4.2 "Delay tracking"). Archived
// tenants with no prior build are excluded by construction: this is only
// reached when a build row already exists.
func (s *Scheduler) recordDelay(ctx context.Context, tx pgx.Tx, id model.BuildID, b model.Build, now time.Time) error {
	stamp := now
	if b.CompletionTimestamp != nil && b.CompletionTimestamp.Before(stamp) {
		stamp = *b.CompletionTimestamp
	}
	if b.Timestamp.Before(stamp) {
		stamp = b.Timestamp
	}
	return s.BuildDelays.Upsert(ctx, tx, model.BuildDelay{BuildID: id, PackageTimestamp: stamp})
}

// handleInteractive enumerates every buildable configuration for an
// interactive tenant; if more than one candidate exists, all are aborted
// and the tenant archived without issuing a task (spec §4.2 "Interactive
// validation"). Returns done=true only when it aborted the candidates;
// with zero or one candidate it returns done=false so the caller runs the
// normal selection loop.
func (s *Scheduler) handleInteractive(ctx context.Context, tx pgx.Tx, t model.Tenant, req manifest.TaskRequest, buildMachines, auxMachines []manifest.MachineOffer, resultURL string, resp *manifest.TaskResponse) (bool, error) {
	pkgs, err := s.Packages.ListBuildable(ctx, tx, t.ID)
	if err != nil {
		return false, errkind.New(errkind.Fatal, err)
	}
	var ids []model.BuildID
	for _, p := range pkgs {
		for _, pc := range effectivePackageConfigs(p) {
			for _, cfg := range s.Targets.BuildConfigs() {
				if !s.Targets.Matches(cfg.Name, p.BuildConstraints) {
					continue
				}
				ids = append(ids, model.BuildID{
					Package: p.ID, Target: cfg.Target, TargetConfigName: cfg.Name,
					PackageConfigName: pc.Name, ToolchainName: req.ToolchainName, ToolchainVersion: req.ToolchainVersion,
				})
			}
		}
	}
	if len(ids) <= 1 {
		return false, nil
	}

	now := time.Now()
	abortStatus := model.StatusAbort
	for _, id := range ids {
		b := model.Build{
			ID: id, State: model.BuildBuilt, Status: &abortStatus, Force: model.ForceUnforced,
			Timestamp: now, SoftTimestamp: now, HardTimestamp: now, CompletionTimestamp: &now,
			Results: []model.OperationResult{{Name: "configure", Status: model.StatusAbort, Log: "multiple configurations for interactive build"}},
		}
		if err := s.Builds.Insert(ctx, tx, b); err != nil {
			return false, errkind.New(errkind.Fatal, err)
		}
	}
	t.Archived = true
	if err := s.Tenants.Update(ctx, tx, t); err != nil {
		return false, errkind.New(errkind.Fatal, err)
	}
	resp.ResultURL = resultURL
	return true, nil
}
