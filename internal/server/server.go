// Package server wires together the build control plane's subsystems and
// exposes the HTTP surface: the build-task dispatcher, the build-result
// intake, and the CI tenant-lifecycle endpoints (spec §2, §4.2-§4.4, §6).
//
// Grounded on the teacher's internal/controlplane/server/server.go: "main()
// builds a Server, calls ListenAndServe, done," with the same New/Run/Close
// lifecycle shape and the same http.Server timeout/shutdown values.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/buildtask"
	"github.com/repoforge/brepd/internal/config"
	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/intake"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/metrics"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/notify"
	"github.com/repoforge/brepd/internal/store"
	"github.com/repoforge/brepd/internal/targetconfig"
	"github.com/repoforge/brepd/internal/telemetry"
	"github.com/repoforge/brepd/internal/tenantlifecycle"
	"github.com/repoforge/brepd/internal/upload"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled build control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	pool      *store.Pool
	notifier  *notify.Notifier
	scheduler *buildtask.Scheduler
	intake    *intake.Intake
	lifecycle *tenantlifecycle.Lifecycle

	tracingShutdown func(context.Context) error
	httpServer      *http.Server
}

// New builds a fully-wired Server from cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var targets *targetconfig.Table
	if cfg.HasBuildEndpoints() {
		f, ferr := os.Open(cfg.BuildConfig)
		if ferr != nil {
			pool.Close()
			return nil, fmt.Errorf("open build-config: %w", ferr)
		}
		defer f.Close()
		targets, err = targetconfig.Parse(f)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("parse build-config: %w", err)
		}
	}

	tracingShutdown, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, Version)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	s := &Server{
		cfg:             cfg,
		logger:          logger,
		pool:            pool,
		tracingShutdown: tracingShutdown,
	}

	s.notifier = notify.New(logger)

	builds := store.NewBuildStore(pool)
	delays := store.NewBuildDelayStore(pool)
	packages := store.NewPackageStore(pool)
	repositories := store.NewRepositoryStore(pool)
	tenants := store.NewTenantStore(pool)
	services := store.NewTenantServiceStore(pool)
	publicKeys := store.NewPublicKeyStore(pool)

	s.scheduler = &buildtask.Scheduler{
		Pool:         pool,
		Builds:       builds,
		BuildDelays:  delays,
		Packages:     packages,
		Repositories: repositories,
		Tenants:      tenants,
		Services:     services,
		PublicKeys:   publicKeys,
		Notifier:     s.notifier,
		Targets:      targets,
		Timeouts:     cfg.BuildTimeouts,
		AuxLimit:     cfg.AuxiliaryMachineLimit,
		Logger:       logger,
	}

	var uploader *upload.Sink
	if cfg.UploadData != "" {
		uploader = upload.New(cfg.UploadData, logger)
	}

	s.intake = &intake.Intake{
		Pool:       pool,
		Builds:     builds,
		Packages:   packages,
		Tenants:    tenants,
		Services:   services,
		PublicKeys: publicKeys,
		Notifier:   s.notifier,
		Uploader:   uploader,
		Logger:     logger,
	}

	s.lifecycle = tenantlifecycle.New(pool, s.notifier, cfg, logger)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /{tenant...}", s.handleTenantRequest)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"version":%q,"commit":%q,"date":%q}`+"\n", Version, Commit, Date)
}

// handleTenantRequest dispatches a single tenant-scoped endpoint by query
// key, mirroring the original module's "one request key per registered
// module" convention (spec §6, §4.2 "?build-task", §4.3 "?build-result").
func (s *Server) handleTenantRequest(w http.ResponseWriter, r *http.Request) {
	tenant := strings.Trim(r.PathValue("tenant"), "/")
	q := r.URL.Query()

	switch {
	case q.Has("build-task"):
		s.serveBuildTask(w, r, tenant)
	case q.Has("build-result"):
		s.serveBuildResult(w, r, tenant)
	case q.Has("ci-start"):
		s.serveCIStart(w, r, tenant)
	case q.Has("ci-cancel"):
		s.serveCICancel(w, r, tenant)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveBuildTask(w http.ResponseWriter, r *http.Request, tenant string) {
	if !s.cfg.HasBuildEndpoints() {
		http.Error(w, "build endpoints disabled", http.StatusNotFound)
		return
	}
	req, err := manifest.ParseTaskRequest(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resultURL := resultURLFor(r, tenant)
	resp, err := s.scheduler.HandleTaskRequest(r.Context(), tenant, req, resultURL)
	if err != nil {
		writeErrKind(w, s.logger, "build-task", err)
		return
	}
	w.Header().Set("Content-Type", "text/manifest")
	if err := resp.Write(w); err != nil {
		s.logger.Error("write task-response failed", zap.Error(err))
	}
}

func (s *Server) serveBuildResult(w http.ResponseWriter, r *http.Request, tenant string) {
	req, err := manifest.ParseResultRequest(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, err = s.intake.Handle(r.Context(), tenant, req)
	if err != nil {
		writeErrKind(w, s.logger, "build-result", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveCIStart(w http.ResponseWriter, r *http.Request, tenant string) {
	sub, err := manifest.ParseCISubmission(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ref := model.ServiceRef{Type: "ci", ID: sub.ID}
	if sub.ServiceType != nil && sub.ServiceID != nil {
		ref = model.ServiceRef{Type: *sub.ServiceType, ID: *sub.ServiceID}
	}

	mode := model.DuplicateFail
	tenantID, err := s.lifecycle.Create(r.Context(), ref, sub.ServiceData, mode)
	if err != nil {
		writeErrKind(w, s.logger, "ci-start", err)
		return
	}

	if err := s.lifecycle.Load(r.Context(), ref, sub); err != nil {
		writeErrKind(w, s.logger, "ci-start", err)
		return
	}

	w.Header().Set("Content-Type", "text/manifest")
	fmt.Fprintf(w, "tenant: %s\n", tenantID)
}

func (s *Server) serveCICancel(w http.ResponseWriter, r *http.Request, tenant string) {
	q := r.URL.Query()
	ref := model.ServiceRef{Type: q.Get("service-type"), ID: q.Get("service-id")}
	if ref.Type == "" || ref.ID == "" {
		http.Error(w, "ci-cancel: missing service-type/service-id", http.StatusBadRequest)
		return
	}
	if _, err := s.lifecycle.Cancel(r.Context(), ref); err != nil {
		writeErrKind(w, s.logger, "ci-cancel", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeErrKind(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	kind, _ := errkind.As(err)
	status := kind.HTTPStatus()
	if status == http.StatusOK {
		// ExpiredSession/AuthFailed: indistinguishable from success (spec §7).
		w.WriteHeader(http.StatusOK)
		logger.Warn(op+": "+kind.String(), zap.Error(err))
		return
	}
	logger.Error(op+" failed", zap.String("kind", kind.String()), zap.Error(err))
	http.Error(w, err.Error(), status)
}

func resultURLFor(r *http.Request, tenant string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s?build-result", scheme, r.Host, tenant)
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting build control plane",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources.
func (s *Server) Close() {
	if s.tracingShutdown != nil {
		_ = s.tracingShutdown(context.Background())
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
