// Package intake implements build-result intake: the "?build-result"
// endpoint agents post to when a build finishes (spec §4.3). Grounded on
// the teacher's internal/controlplane/jobs package for the
// session-guarded, serializable-transaction state-transition idiom, and
// on internal/buildtask for the session/challenge primitives it consumes.
package intake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/repoforge/brepd/internal/buildtask"
	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/notify"
	"github.com/repoforge/brepd/internal/store"
	"github.com/repoforge/brepd/internal/upload"
)

// Intake serves build-result requests.
type Intake struct {
	Pool       *store.Pool
	Builds     *store.BuildStore
	Packages   *store.PackageStore
	Tenants    *store.TenantStore
	Services   *store.TenantServiceStore
	PublicKeys *store.PublicKeyStore
	Notifier   *notify.Notifier
	// Uploader delivers the build's result log to upload-data once a
	// build completes successfully (spec §6 "Artifact upload target").
	// Nil disables artifact upload entirely.
	Uploader *upload.Sink
	Logger   *zap.Logger
}

// Outcome summarizes what Handle did, for the caller's HTTP mapping.
type Outcome struct {
	Kind model.ResultStatus // StatusInterrupt, StatusSkip, or the reported status for "other"
}

// Handle processes one result-request manifest (spec §4.3). A nil error
// with a zero Outcome means "silently accepted" (expired session); the
// caller always replies 200 in that case. errkind.Client is returned only
// for a skip whose checksums mismatch, which spec §4.3 maps to HTTP 400.
func (in *Intake) Handle(ctx context.Context, tenant string, req manifest.ResultRequest) (Outcome, error) {
	id, sessionTS, err := buildtask.ParseSession(req.Session)
	if err != nil {
		in.Logger.Warn("build-result: malformed session", zap.Error(err))
		return Outcome{}, nil
	}
	if id.Package.Tenant != tenant {
		in.Logger.Warn("build-result: session tenant does not match request tenant", zap.String("build", id.String()))
		return Outcome{}, nil
	}

	var outcome Outcome
	txErr := in.Pool.Serializable(ctx, store.DefaultRetryPolicy(), func(tx pgx.Tx) error {
		b, verr := in.validateSession(ctx, tx, id, sessionTS, req)
		if verr != nil {
			if errors.Is(verr, errSilentlyAccepted) {
				return nil
			}
			return verr
		}

		if b.AgentChallenge != nil {
			ok, verr := in.verifyChallenge(ctx, tx, id.Package.Tenant, b, req)
			if verr != nil {
				return errkind.New(errkind.Fatal, verr)
			}
			if !ok {
				// Deliberately the same log shape regardless of *why*
				// verification failed (spec §4.3: "do not leak whether the
				// fingerprint is known").
				in.Logger.Warn("build-result: challenge verification failed", zap.String("build", id.String()))
				return nil
			}
		}

		now := time.Now()
		switch req.Result.Status {
		case model.StatusInterrupt:
			outcome.Kind = model.StatusInterrupt
			return in.handleInterrupt(ctx, tx, id, b, now)
		case model.StatusSkip:
			if err := in.handleSkip(ctx, tx, id, b, req, now); err != nil {
				return err
			}
			outcome.Kind = model.StatusSkip
			return nil
		default:
			if err := in.handleOther(ctx, tx, id, b, req, now); err != nil {
				return err
			}
			outcome.Kind = req.Result.Status
			return nil
		}
	})
	if txErr != nil {
		return Outcome{}, txErr
	}
	if outcome.Kind == model.StatusSuccess {
		in.dispatchUpload(id, req)
	}
	return outcome, nil
}

// dispatchUpload pushes the build's operation logs to upload-data in the
// background, outside the transaction that recorded the result — the
// registry round trip must not hold a SERIALIZABLE transaction open. A
// failed push is logged, not retried: the next rebuild naturally produces
// a fresh artifact.
func (in *Intake) dispatchUpload(id model.BuildID, req manifest.ResultRequest) {
	if in.Uploader == nil {
		return
	}
	var log strings.Builder
	for _, op := range req.Result.Operations {
		fmt.Fprintf(&log, "[%s] %s\n%s\n", op.Name, op.Status, op.Log)
	}
	go func() {
		ref, err := in.Uploader.Push(context.Background(), id.String(), []byte(log.String()))
		if err != nil {
			in.Logger.Warn("build artifact upload failed", zap.String("build", id.String()), zap.Error(err))
			return
		}
		if ref != "" {
			in.Logger.Info("build artifact uploaded", zap.String("build", id.String()), zap.String("ref", ref))
		}
	}()
}

var errSilentlyAccepted = errors.New("build-result: session no longer applies")

// validateSession checks the parsed session against the persisted build
// row (spec §4.3 "Session validation"). Abort/abnormal results are
// accepted silently on any mismatch, since a build-machine timeout is a
// plausible explanation for a configuration having moved on.
func (in *Intake) validateSession(ctx context.Context, tx pgx.Tx, id model.BuildID, sessionTS time.Time, req manifest.ResultRequest) (model.Build, error) {
	silent := req.Result.Status == model.StatusAbort || req.Result.Status == model.StatusAbnormal

	b, err := in.Builds.Get(ctx, tx, id)
	if err != nil {
		if err == store.ErrNotFound {
			in.Logger.Warn("build-result: session refers to missing build", zap.String("build", id.String()))
			return model.Build{}, errSilentlyAccepted
		}
		return model.Build{}, errkind.New(errkind.Fatal, err)
	}
	if b.State != model.BuildBuilding {
		if silent {
			return model.Build{}, errSilentlyAccepted
		}
		in.Logger.Warn("build-result: build not in building state", zap.String("build", id.String()), zap.String("state", string(b.State)))
		return model.Build{}, errSilentlyAccepted
	}
	if !b.Timestamp.Equal(sessionTS) {
		if silent {
			return model.Build{}, errSilentlyAccepted
		}
		in.Logger.Warn("build-result: session timestamp disagrees with build", zap.String("build", id.String()))
		return model.Build{}, errSilentlyAccepted
	}
	if req.Result.PackageName != id.Package.Name || req.Result.PackageVersion != id.Package.CanonicalVersion.String() {
		if silent {
			return model.Build{}, errSilentlyAccepted
		}
		in.Logger.Warn("build-result: package coordinates disagree with session", zap.String("build", id.String()))
		return model.Build{}, errSilentlyAccepted
	}
	return b, nil
}

// verifyChallenge checks the agent's signature over the stored challenge
// nonce against its registered public key (spec §4.2 "persistence on
// selection" stashes the nonce; spec §4.3 "verify the challenge using the
// stored challenge bytes and the agent's key"). req.Challenge carries the
// hex-encoded wire form of an ssh.Signature, matching the SSH key format
// internal/handler.TranslateBotKey fingerprints public keys in.
func (in *Intake) verifyChallenge(ctx context.Context, tx pgx.Tx, tenant string, b model.Build, req manifest.ResultRequest) (bool, error) {
	if req.Challenge == nil || b.AgentFingerprint == nil {
		return false, nil
	}
	pk, err := in.PublicKeys.Get(ctx, tx, model.PublicKeyID{Tenant: tenant, Fingerprint: *b.AgentFingerprint})
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pk.Data))
	if err != nil {
		pubKey, err = ssh.ParsePublicKey([]byte(pk.Data))
		if err != nil {
			return false, nil
		}
	}
	sigBytes, err := hex.DecodeString(*req.Challenge)
	if err != nil {
		return false, nil
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBytes, &sig); err != nil {
		return false, nil
	}
	return pubKey.Verify(b.AgentChallenge, &sig) == nil, nil
}

// handleInterrupt reverts a build to its prior state (spec §4.3
// "Interrupt"). A build with a CompletionTimestamp is a rebuild
// interruption: its previous status survives and forcing collapses to
// forced. A build with no CompletionTimestamp is an initial build:
// delete it, or re-queue it blank if a queued-notification callback is
// registered downstream.
func (in *Intake) handleInterrupt(ctx context.Context, tx pgx.Tx, id model.BuildID, b model.Build, now time.Time) error {
	if b.CompletionTimestamp != nil {
		return in.Builds.RequeueInterrupted(ctx, tx, id, b.Timestamp)
	}

	t, err := in.Tenants.Get(ctx, tx, id.Package.Tenant)
	if err != nil && err != store.ErrNotFound {
		return errkind.New(errkind.Fatal, err)
	}
	if err == nil && t.Service != nil {
		if _, serr := in.Services.Get(ctx, tx, *t.Service); serr == nil {
			return in.Builds.RequeueInterrupted(ctx, tx, id, now)
		}
	}
	return in.Builds.Delete(ctx, tx, id)
}

// handleSkip validates the reported checksum triple against the stored
// one and, on an exact match, advances soft_timestamp without touching
// status or results (spec §4.3 "Skip").
func (in *Intake) handleSkip(ctx context.Context, tx pgx.Tx, id model.BuildID, b model.Build, req manifest.ResultRequest, now time.Time) error {
	if req.AgentChecksum == nil || b.AgentChecksum == nil || *req.AgentChecksum != *b.AgentChecksum {
		return errkind.Newf(errkind.Client, "build-result: agent checksum mismatch for %s", id)
	}
	if req.Result.WorkerChecksum == nil || b.WorkerChecksum == nil || *req.Result.WorkerChecksum != *b.WorkerChecksum {
		return errkind.Newf(errkind.Client, "build-result: worker checksum mismatch for %s", id)
	}
	if req.Result.DependencyChecksum == nil || b.DependencyChecksum == nil || *req.Result.DependencyChecksum != *b.DependencyChecksum {
		return errkind.Newf(errkind.Client, "build-result: dependency checksum mismatch for %s", id)
	}
	return in.Builds.CompleteSkip(ctx, tx, id, now)
}

// handleOther completes the build with the reported status and results
// (spec §4.3 "Other"), then fires the tenant-service notification. No
// email notifications are sent.
func (in *Intake) handleOther(ctx context.Context, tx pgx.Tx, id model.BuildID, prior model.Build, req manifest.ResultRequest, now time.Time) error {
	results := make([]model.OperationResult, 0, len(req.Result.Operations))
	for _, op := range req.Result.Operations {
		results = append(results, model.OperationResult{Name: op.Name, Status: op.Status, Log: op.Log})
	}

	if err := in.Builds.CompleteReport(ctx, tx, id, req.Result.Status, results,
		req.AgentChecksum, req.Result.WorkerChecksum, req.Result.DependencyChecksum, now); err != nil {
		return errkind.New(errkind.Fatal, err)
	}

	if in.dedupNotification(prior, req.Result.Status) {
		return nil
	}
	return in.notifyBuilt(ctx, tx, id, req.Result.Status, now)
}

// dedupNotification implements the "success→success" de-dup rule: skip a
// built-notification when the new status and the prior status were both
// success and the build was not forced (spec §4.3 "Other").
func (in *Intake) dedupNotification(prior model.Build, newStatus model.ResultStatus) bool {
	if prior.Force == model.ForceForced || prior.Force == model.ForceForcing {
		return false
	}
	return prior.Status != nil && *prior.Status == model.StatusSuccess && newStatus == model.StatusSuccess
}

// notifyBuilt fires exactly one of service_build_built / service_build_queued
// for the build's tenant (spec §4.3 "Notifications").
func (in *Intake) notifyBuilt(ctx context.Context, tx pgx.Tx, id model.BuildID, status model.ResultStatus, now time.Time) error {
	t, err := in.Tenants.Get(ctx, tx, id.Package.Tenant)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return errkind.New(errkind.Fatal, err)
	}
	if t.Service == nil || in.Notifier == nil {
		return nil
	}
	ts, err := in.Services.Get(ctx, tx, *t.Service)
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
	eventType := "service_build_built"
	if status == model.StatusAbort || status == model.StatusAbnormal {
		eventType = "service_build_queued"
	}
	in.Notifier.Notify(*t.Service, target, notify.Event{
		Type: eventType, TenantID: t.ID, Timestamp: now, Detail: id.String(),
	})
	return nil
}
