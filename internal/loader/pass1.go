package loader

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/handler"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
)

// pass1 loads a repository's packages.manifest, translates bot-key PEMs to
// fingerprints, persists the resulting public_key and package rows, and
// upserts the repository row itself (spec §4.1 "Pass 1 — packages").
func (l *Loader) pass1(ctx context.Context, tx pgx.Tx, tenant string, e manifest.LoadtabEntry) (model.Repository, error) {
	pkgsPath := filepath.Join(e.CacheLocation, "packages.manifest")
	f, err := os.Open(pkgsPath)
	if err != nil {
		return model.Repository{}, errkind.New(errkind.Client, err)
	}
	defer f.Close()
	pkgsStat, err := f.Stat()
	if err != nil {
		return model.Repository{}, errkind.New(errkind.Client, err)
	}

	pkgs, err := manifest.ParsePackages(f)
	if err != nil {
		return model.Repository{}, errkind.New(errkind.Client, err)
	}

	id := model.RepositoryID{Tenant: tenant, CanonicalName: e.DisplayName}
	cert, err := l.fetchCertificate(ctx, e.Location)
	if err != nil {
		return model.Repository{}, err
	}

	repo := model.Repository{
		ID:            id,
		Location:      e.Location,
		DisplayName:   e.DisplayName,
		Internal:      true,
		Buildable:     e.Buildable,
		CacheLocation: e.CacheLocation,
		Certificate:   cert,
	}
	if e.Fingerprint != nil {
		// A loadtab-supplied fingerprint replaces the fetched certificate on
		// the repository row; the two are not compared.
		repo.Certificate = e.Fingerprint
	}
	repo.PackagesTimestamp = pkgsStat.ModTime()

	for i := range pkgs {
		p := &pkgs[i]
		p.ID.Tenant = tenant
		p.InternalRepository = &id

		if err := l.translateBotKeys(ctx, tx, tenant, e.CacheLocation, p); err != nil {
			return model.Repository{}, err
		}
		if !p.Buildable {
			continue
		}
		if err := l.Packages.Upsert(ctx, tx, *p); err != nil {
			return model.Repository{}, errkind.New(errkind.Fatal, err)
		}
	}

	if err := l.Repositories.Upsert(ctx, tx, repo); err != nil {
		return model.Repository{}, errkind.New(errkind.Fatal, err)
	}
	return repo, nil
}

// translateBotKeys resolves every build-bot-trust fingerprint or inline
// PEM reference on p into a persisted public_key row (spec §4.1
// "translate bot-key PEMs to fingerprints via an external OpenSSL
// subprocess and persist public_key objects keyed by fingerprint").
//
// build-bot-trust values that already look like a fingerprint (contain a
// ':') are stored as-is; anything else is treated as a path to a PEM file
// read from the repository cache and translated.
func (l *Loader) translateBotKeys(ctx context.Context, tx pgx.Tx, tenant, cacheLocation string, p *model.Package) error {
	for i, raw := range p.BuildBotKeys {
		if looksLikeFingerprint(raw) {
			continue
		}
		pemPath := filepath.Join(cacheLocation, raw)
		pemBlock, err := os.ReadFile(pemPath)
		if err != nil {
			// Bot-key files are frequently distributed out of band; a missing
			// file degrades to "untrusted", not a load failure.
			l.logMissingBotKey(raw, err)
			continue
		}
		fp, err := handler.TranslateBotKey(pemBlock)
		if err != nil {
			fp, err = handler.OpenSSLFingerprint(ctx, 10*time.Second, pemBlock)
			if err != nil {
				return errkind.New(errkind.Client, err)
			}
		}
		if err := l.PublicKeys.Ensure(ctx, tx, model.PublicKey{
			ID:   model.PublicKeyID{Tenant: tenant, Fingerprint: fp},
			Data: string(pemBlock),
		}); err != nil {
			return errkind.New(errkind.Fatal, err)
		}
		p.BuildBotKeys[i] = fp
	}
	return nil
}

func (l *Loader) logMissingBotKey(raw string, err error) {
	l.Logger.Warn("bot key unreadable, package remains untrusted for custom bots",
		zap.String("bot-key", raw), zap.Error(err))
}

func looksLikeFingerprint(s string) bool {
	for _, c := range s {
		if c == ':' {
			return true
		}
	}
	return false
}
