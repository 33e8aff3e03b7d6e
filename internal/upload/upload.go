// Package upload delivers a finished build's result artifact to its
// configured sink (spec §6 "External interfaces", upload-data/
// upload-handler): either a bare filesystem tree, or an OCI-compliant
// artifact registry when upload-data names an "oci://registry/repo[:tag]"
// reference.
//
// Grounded on the teacher's skills.RegistryClient
// (internal/skills/registry.go): the same push shape — build an in-memory
// content store, pack a manifest, oras.Copy it to a remote.Repository — is
// reused here for build-result artifacts instead of skill bundles.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/repoforge/brepd/internal/errkind"
)

// MediaTypeResult is the media type of a build-result artifact layer.
const MediaTypeResult = "application/vnd.brepd.build-result.v1"

// artifactType tags the OCI manifest produced for a build-result push.
const artifactType = "application/vnd.brepd.build-result-manifest.v1"

// Sink delivers build-result artifacts to wherever upload-data points.
type Sink struct {
	// Target is the configured upload-data value: a filesystem root, or
	// an "oci://host/repository" reference.
	Target string
	// PlainHTTP allows unencrypted registry access (dev/test registries).
	PlainHTTP bool
	Username  string
	Password  string
	Logger    *zap.Logger
}

// New constructs a Sink from the configured upload-data value.
func New(target string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{Target: target, Logger: logger}
}

// IsRegistry reports whether Target names an OCI registry rather than a
// filesystem path.
func (s *Sink) IsRegistry() bool { return strings.HasPrefix(s.Target, "oci://") }

// Push delivers content under tag (the build's session string, per spec
// §4.3 "recovered from <session>"), returning a reference the caller can
// persist for later retrieval.
func (s *Sink) Push(ctx context.Context, tag string, content []byte) (string, error) {
	if s.Target == "" {
		return "", nil
	}
	if s.IsRegistry() {
		return s.pushRegistry(ctx, tag, content)
	}
	return s.pushFilesystem(tag, content)
}

func (s *Sink) pushFilesystem(tag string, content []byte) (string, error) {
	dir := filepath.Join(s.Target, filepath.FromSlash(tag))
	if err := os.MkdirAll(filepath.Dir(dir), 0750); err != nil {
		return "", errkind.New(errkind.Fatal, fmt.Errorf("create upload dir: %w", err))
	}
	if err := os.WriteFile(dir, content, 0640); err != nil {
		return "", errkind.New(errkind.Fatal, fmt.Errorf("write artifact: %w", err))
	}
	return dir, nil
}

func (s *Sink) pushRegistry(ctx context.Context, tag string, content []byte) (string, error) {
	repoRef := strings.TrimPrefix(s.Target, "oci://")

	store := memory.New()
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeResult, content)
	if err != nil {
		return "", errkind.New(errkind.Fatal, fmt.Errorf("push artifact to memory store: %w", err))
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, artifactType,
		oras.PackManifestOptions{Layers: []ocispec.Descriptor{contentDesc}})
	if err != nil {
		return "", errkind.New(errkind.Fatal, fmt.Errorf("pack artifact manifest: %w", err))
	}

	ociTag := sanitizeTag(tag)
	if err := store.Tag(ctx, manifestDesc, ociTag); err != nil {
		return "", errkind.New(errkind.Fatal, fmt.Errorf("tag artifact manifest: %w", err))
	}

	repo, err := s.repository(repoRef)
	if err != nil {
		return "", errkind.New(errkind.Fatal, fmt.Errorf("connect registry: %w", err))
	}

	if _, err := oras.Copy(ctx, store, ociTag, repo, ociTag, oras.DefaultCopyOptions); err != nil {
		return "", errkind.Newf(errkind.Recoverable, "push artifact to registry: %w", err)
	}

	s.Logger.Info("pushed build artifact", zap.String("repository", repoRef), zap.String("tag", ociTag))
	return fmt.Sprintf("%s:%s", repoRef, ociTag), nil
}

func (s *Sink) repository(repoRef string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = s.PlainHTTP
	if s.Username != "" {
		registry := repoRef
		if i := strings.IndexByte(repoRef, '/'); i >= 0 {
			registry = repoRef[:i]
		}
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(registry, auth.Credential{
				Username: s.Username,
				Password: s.Password,
			}),
		}
	}
	return repo, nil
}

// sanitizeTag translates a session string (slash-joined, per spec §4.2
// "Session and response") into a valid OCI tag, which permits no slashes.
func sanitizeTag(session string) string {
	return strings.NewReplacer("/", "_").Replace(session)
}
